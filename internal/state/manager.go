package state

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	// DefaultMaxAge expires persisted records.
	DefaultMaxAge = 24 * time.Hour
	// DefaultMaxResumeAttempts caps how often a transfer may resume.
	DefaultMaxResumeAttempts = 5
	// DefaultFlushWindow coalesces saves within this window.
	DefaultFlushWindow = 300 * time.Millisecond
	// DefaultFailureLimit is how many consecutive SQLite failures switch
	// writes to the fallback store.
	DefaultFailureLimit = 3
	// DefaultCooldown is how long the fallback is used before SQLite is retried.
	DefaultCooldown = 30 * time.Second
)

// Options tunes a Manager. Zero values use defaults.
type Options struct {
	MaxAge            time.Duration
	MaxResumeAttempts int
	FlushWindow       time.Duration
	FailureLimit      int
	Cooldown          time.Duration
	Now               func() time.Time // test hook
}

type stateKey struct {
	role Role
	id   string
}

// Manager is the persistence/resumption coordinator. It is the only
// shared singleton in the system and serializes its own writes.
type Manager struct {
	logger   *slog.Logger
	opts     Options
	primary  *sqliteStore // nil when SQLite could not be opened at all
	fallback *fileStore
	now      func() time.Time

	mu         sync.Mutex
	cache      map[stateKey]*TransferState
	pending    map[stateKey]*TransferState
	flushTimer *time.Timer
	failCount  int
	retryAfter time.Time
	closed     bool
}

// Open creates a Manager persisting under dir.
func Open(dir string, logger *slog.Logger, opts Options) (*Manager, error) {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.MaxResumeAttempts <= 0 {
		opts.MaxResumeAttempts = DefaultMaxResumeAttempts
	}
	if opts.FlushWindow <= 0 {
		opts.FlushWindow = DefaultFlushWindow
	}
	if opts.FailureLimit <= 0 {
		opts.FailureLimit = DefaultFailureLimit
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	fallback, err := openFileStore(dir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		logger:   logger,
		opts:     opts,
		fallback: fallback,
		now:      opts.Now,
		cache:    make(map[stateKey]*TransferState),
		pending:  make(map[stateKey]*TransferState),
	}

	primary, err := openSQLite(dir)
	if err != nil {
		// Degraded but functional: the key-value fallback carries writes.
		logger.Warn("transactional state store unavailable, using fallback", "err", err)
	} else {
		primary.cooldown = opts.Cooldown
		m.primary = primary
	}
	return m, nil
}

// Create registers a new transfer record and schedules its first write.
func (m *Manager) Create(role Role, transferID, fileName string, fileSize int64, totalChunks uint32, method StorageMethod) *TransferState {
	st := &TransferState{
		TransferID:    transferID,
		Role:          role,
		FileName:      fileName,
		FileSize:      fileSize,
		TotalChunks:   totalChunks,
		Received:      make(map[uint32]struct{}),
		Verified:      make(map[uint32]struct{}),
		StorageMethod: method,
		LastUpdate:    m.now(),
	}
	m.mu.Lock()
	m.cache[stateKey{role, transferID}] = st
	m.mu.Unlock()
	m.Save(st)
	return st
}

// Save buffers the latest state and flushes on a short timer. It is
// fire-and-forget: callers never block on persistence.
func (m *Manager) Save(st *TransferState) {
	st.LastUpdate = m.now()
	snap := st.clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.cache[stateKey{st.Role, st.TransferID}] = st
	m.pending[stateKey{st.Role, st.TransferID}] = snap
	if m.flushTimer == nil {
		m.flushTimer = time.AfterFunc(m.opts.FlushWindow, m.flushPending)
	}
}

// Flush writes the state through immediately, bypassing the coalescing
// window. Used at finalize.
func (m *Manager) Flush(st *TransferState) error {
	st.LastUpdate = m.now()
	snap := st.clone()
	m.mu.Lock()
	m.cache[stateKey{st.Role, st.TransferID}] = st
	delete(m.pending, stateKey{st.Role, st.TransferID})
	m.mu.Unlock()
	return m.writeThrough(snap)
}

func (m *Manager) flushPending() {
	m.mu.Lock()
	batch := m.pending
	m.pending = make(map[stateKey]*TransferState)
	m.flushTimer = nil
	m.mu.Unlock()

	for _, st := range batch {
		if err := m.writeThrough(st); err != nil {
			m.logger.Warn("state flush failed", "transfer_id", st.TransferID, "err", err)
		}
	}
}

// writeThrough persists one record, preferring SQLite and demoting to
// the fallback store after repeated failures.
func (m *Manager) writeThrough(st *TransferState) error {
	if m.sqliteUsable() {
		err := m.primary.put(st)
		if isMissingStructure(err) && m.primary.recoverSchema(m.now()) {
			err = m.primary.put(st)
		}
		if err == nil {
			m.mu.Lock()
			m.failCount = 0
			m.mu.Unlock()
			return nil
		}
		m.noteSQLiteFailure(err)
	}
	return m.fallback.put(st)
}

func (m *Manager) sqliteUsable() bool {
	if m.primary == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().After(m.retryAfter)
}

func (m *Manager) noteSQLiteFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCount++
	if m.failCount >= m.opts.FailureLimit {
		m.retryAfter = m.now().Add(m.opts.Cooldown)
		m.failCount = 0
		m.logger.Warn("transactional store failing, switching to fallback",
			"cooldown", m.opts.Cooldown, "err", err)
	}
}

// Load resolves a record: cache first, then SQLite, then the fallback.
func (m *Manager) Load(role Role, transferID string) (*TransferState, error) {
	key := stateKey{role, transferID}
	m.mu.Lock()
	if st, ok := m.cache[key]; ok {
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	if m.sqliteUsable() {
		st, err := m.primary.get(role, transferID)
		if isMissingStructure(err) {
			m.primary.recoverSchema(m.now())
			err = nil
		} else if err != nil {
			m.noteSQLiteFailure(err)
		}
		if err == nil && st != nil {
			m.mu.Lock()
			m.cache[key] = st
			m.mu.Unlock()
			return st, nil
		}
	}

	st, err := m.fallback.get(role, transferID)
	if err != nil || st == nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[key] = st
	m.mu.Unlock()
	return st, nil
}

// CanResume reports whether a transfer qualifies for resumption: a
// record exists, it is young enough, attempts remain, and the transfer
// is strictly partial.
func (m *Manager) CanResume(role Role, transferID string) bool {
	st, err := m.Load(role, transferID)
	if err != nil || st == nil {
		return false
	}
	if m.now().Sub(st.LastUpdate) > m.opts.MaxAge {
		return false
	}
	if st.ResumeAttempts >= m.opts.MaxResumeAttempts {
		return false
	}
	frac := st.ReceivedFraction()
	return frac > 0 && frac < 1
}

// MissingChunks returns the unreceived indices for a persisted transfer.
func (m *Manager) MissingChunks(role Role, transferID string) ([]uint32, error) {
	st, err := m.Load(role, transferID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("no persisted state for transfer %s", transferID)
	}
	return st.MissingChunks(), nil
}

// NoteResumeAttempt bumps the attempt counter and persists immediately.
func (m *Manager) NoteResumeAttempt(role Role, transferID string) error {
	st, err := m.Load(role, transferID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("no persisted state for transfer %s", transferID)
	}
	st.ResumeAttempts++
	return m.Flush(st)
}

// Delete removes a record from every layer.
func (m *Manager) Delete(role Role, transferID string) error {
	key := stateKey{role, transferID}
	m.mu.Lock()
	delete(m.cache, key)
	delete(m.pending, key)
	m.mu.Unlock()

	var firstErr error
	if m.primary != nil {
		if err := m.primary.delete(role, transferID); err != nil && !isMissingStructure(err) {
			firstErr = err
		}
	}
	if err := m.fallback.delete(role, transferID); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// CleanupOldStates purges expired or attempt-exhausted records and
// returns how many were removed.
func (m *Manager) CleanupOldStates() int {
	cutoff := m.now().Add(-m.opts.MaxAge)
	removed := 0
	if m.primary != nil {
		if n, err := m.primary.purge(cutoff, m.opts.MaxResumeAttempts); err == nil {
			removed += n
		} else if isMissingStructure(err) {
			m.primary.recoverSchema(m.now())
		}
	}
	if n, err := m.fallback.purge(cutoff, m.opts.MaxResumeAttempts); err == nil {
		removed += n
	}

	m.mu.Lock()
	for key, st := range m.cache {
		if st.LastUpdate.Before(cutoff) || st.ResumeAttempts >= m.opts.MaxResumeAttempts {
			delete(m.cache, key)
		}
	}
	m.mu.Unlock()
	return removed
}

// Close flushes pending writes and releases the stores.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	m.mu.Unlock()

	m.flushPending()
	if m.primary != nil {
		return m.primary.close()
	}
	return nil
}
