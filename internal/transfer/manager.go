package transfer

import (
	"context"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"time"

	"github.com/driftbyte/driftbyte/internal/channel"
	"github.com/driftbyte/driftbyte/internal/chunker"
	"github.com/driftbyte/driftbyte/internal/pacing"
	"github.com/driftbyte/driftbyte/internal/progress"
	"github.com/driftbyte/driftbyte/internal/state"
	"github.com/driftbyte/driftbyte/internal/xfererr"
	"github.com/driftbyte/driftbyte/pkg/wire"
)

const (
	// defaultPlanEvery is how many chunks pass between planner updates.
	defaultPlanEvery = 16
	// defaultYieldEvery is how many chunks pass between scheduler yields.
	defaultYieldEvery = 64
	// defaultFinalizeGrace absorbs in-flight chunks before the missing
	// list is computed.
	defaultFinalizeGrace = 100 * time.Millisecond
	// defaultPendingTimeout expires queued chunks whose START never came.
	defaultPendingTimeout = 10 * time.Second
	// defaultDrainTimeout bounds the post-loop buffer drain.
	defaultDrainTimeout = 10 * time.Second
	// maxPendingChunks bounds the pre-START queue per transfer.
	maxPendingChunks = 256
)

// Options configures a Manager. Logger, Pacer and States are required
// in production use; nil values get working defaults for tests.
type Options struct {
	Logger   *slog.Logger
	Pacer    *pacing.Pacer
	States   *state.Manager
	Selector StoreSelector

	// SampleRTT supplies a recent round-trip estimate for the chunk
	// planner. Nil leaves the planner occupancy-driven.
	SampleRTT func() time.Duration

	// ChunkSize pins the chunk payload size when positive, disabling
	// adaptive planning. The channel limit still applies.
	ChunkSize int

	PlanEvery      int
	YieldEvery     int
	FinalizeGrace  time.Duration
	PendingTimeout time.Duration
	DrainTimeout   time.Duration

	// OnComplete fires when a received file finalizes. data is the
	// assembled content for memory-mode transfers, nil when streamed.
	OnComplete func(t Transfer, data []byte)
	// OnError fires for every classified failure.
	OnError func(e *xfererr.TransferError)
}

// entry is one arena slot: the transfer plus all of its sub-state.
// Only the owning pipeline goroutine touches the mutable parts.
type entry struct {
	mu sync.Mutex
	t  Transfer

	// receiver side
	phase   recvPhase
	store   ChunkStore
	st      *state.TransferState
	pending []pendingChunk
	ch      channel.Channel

	// offsets fixes each chunk index to its byte position in the file
	// the first time the index is observed, accepted or not; cursor is
	// the next unassigned position. A chunk rejected for integrity and
	// retransmitted later writes at its original offset.
	offsets map[uint32]int64
	cursor  int64

	// sender side
	planner *chunker.Planner

	meter     *progress.Meter
	ack       progress.AckState
	cancelled bool
	startedAt time.Time
}

func (e *entry) snapshot() Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.t
	if e.meter != nil {
		stats := e.meter.Snapshot()
		t.RateBps = stats.RateBps
		t.ETA = stats.ETA
	}
	return t
}

func (e *entry) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// Manager owns the transfer arena and drives both pipelines.
type Manager struct {
	opts   Options
	logger *slog.Logger
	pacer  *pacing.Pacer
	states *state.Manager
	coord  *progress.Coordinator

	mu        sync.Mutex
	transfers map[string]*entry
	orphans   map[string][]pendingChunk
}

// NewManager creates a transfer manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Pacer == nil {
		opts.Pacer = pacing.New(opts.Logger, pacing.Options{})
	}
	if opts.PlanEvery <= 0 {
		opts.PlanEvery = defaultPlanEvery
	}
	if opts.YieldEvery <= 0 {
		opts.YieldEvery = defaultYieldEvery
	}
	if opts.FinalizeGrace <= 0 {
		opts.FinalizeGrace = defaultFinalizeGrace
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = defaultPendingTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	return &Manager{
		opts:      opts,
		logger:    opts.Logger,
		pacer:     opts.Pacer,
		states:    opts.States,
		coord:     progress.NewCoordinator(),
		transfers: make(map[string]*entry),
		orphans:   make(map[string][]pendingChunk),
	}
}

// Attach consumes inbound frames from a channel until it closes or ctx
// is cancelled. Each channel gets one sequential pipeline; chunk order
// is never parallelized.
func (m *Manager) Attach(ctx context.Context, ch channel.Channel, peerKey string) {
	go m.expireLoop(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch.Messages():
				if !ok {
					return
				}
				frame, ok := wire.Decode(msg)
				if !ok {
					m.logger.Debug("dropping malformed frame", "peer", peerKey, "len", len(msg))
					continue
				}
				m.handleFrame(ch, peerKey, frame)
			}
		}
	}()
}

// handleFrame routes one decoded frame through the receiver pipeline.
func (m *Manager) handleFrame(ch channel.Channel, peerKey string, f wire.Frame) {
	switch f.Type {
	case wire.TypeStart:
		s, err := wire.DecodeStart(f.Payload)
		if err != nil {
			m.reportError(xfererr.Wrap(f.TransferID, xfererr.KindValidation, "bad start payload", err))
			return
		}
		m.onFileStart(ch, peerKey, f.TransferID, s)
	case wire.TypeData:
		d, err := wire.DecodeData(f.Payload)
		if err != nil {
			m.reportError(xfererr.Wrap(f.TransferID, xfererr.KindValidation, "bad data payload", err))
			return
		}
		m.onData(ch, f.TransferID, d)
	case wire.TypeEnd:
		e, err := wire.DecodeEnd(f.Payload)
		if err != nil {
			m.reportError(xfererr.Wrap(f.TransferID, xfererr.KindValidation, "bad end payload", err))
			return
		}
		m.onEnd(ch, f.TransferID, e)
	case wire.TypeError:
		msg, err := wire.DecodeErrorMsg(f.Payload)
		if err != nil {
			return
		}
		m.onPeerError(f.TransferID, msg)
	case wire.TypeAck:
		a, err := wire.DecodeAck(f.Payload)
		if err != nil {
			return
		}
		m.onAck(f.TransferID, a)
	default:
		m.logger.Debug("unknown frame type", "type", f.Type, "transfer_id", f.TransferID)
	}
}

// onFileStart creates the receiving transfer, selects storage, and
// drains any chunks that raced ahead of START.
func (m *Manager) onFileStart(ch channel.Channel, peerKey string, transferID string, s wire.Start) {
	if s.FileSize == 0 {
		m.reportError(xfererr.New(transferID, xfererr.KindValidation, "start with zero file size", nil))
		return
	}

	e := &entry{
		t: Transfer{
			ID:       transferID,
			FileName: s.FileName,
			FileSize: int64(s.FileSize),
			Role:     state.RoleReceiver,
			Status:   StatusActive,
			FileHash: s.FileHash,
		},
		phase:     phaseInitializing,
		ch:        ch,
		offsets:   make(map[uint32]int64),
		meter:     progress.NewMeter(),
		startedAt: time.Now(),
	}
	e.meter.Start(int64(s.FileSize))

	m.mu.Lock()
	if _, dup := m.transfers[transferID]; dup {
		m.mu.Unlock()
		m.logger.Debug("duplicate start ignored", "transfer_id", transferID)
		return
	}
	m.transfers[transferID] = e
	queued := m.orphans[transferID]
	delete(m.orphans, transferID)
	m.mu.Unlock()

	store, method, err := m.opts.Selector.Select(s.FileName, int64(s.FileSize))
	if err != nil {
		m.failReceive(e, xfererr.Wrap(transferID, xfererr.KindStorage, "storage selection failed", err))
		return
	}

	e.mu.Lock()
	e.store = store
	if m.states != nil {
		e.st = m.states.Create(state.RoleReceiver, transferID, s.FileName, int64(s.FileSize), 0, method)
	} else {
		e.st = &state.TransferState{
			TransferID:    transferID,
			Role:          state.RoleReceiver,
			FileName:      s.FileName,
			FileSize:      int64(s.FileSize),
			Received:      make(map[uint32]struct{}),
			Verified:      make(map[uint32]struct{}),
			StorageMethod: method,
		}
	}
	e.pending = append(e.pending, queued...)
	e.phase = phaseReceiving
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	m.logger.Info("transfer started",
		"transfer_id", transferID,
		"file", s.FileName,
		"size", s.FileSize,
		"storage", method,
		"peer", peerKey)

	for _, pc := range pending {
		d, err := wire.DecodeData(pc.payload)
		if err != nil {
			continue
		}
		m.acceptChunk(e, d)
	}
}

// onData routes a DATA frame: accept, queue during initialization, or
// hold index 0 for an unknown transfer until its START shows up.
func (m *Manager) onData(ch channel.Channel, transferID string, d wire.Data) {
	m.mu.Lock()
	e := m.transfers[transferID]
	if e == nil {
		if d.Index == 0 {
			if len(m.orphans[transferID]) < maxPendingChunks {
				m.orphans[transferID] = append(m.orphans[transferID], pendingChunk{
					payload: copyDataPayload(d),
					since:   time.Now(),
				})
			}
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.logger.Debug("data for unknown transfer dropped", "transfer_id", transferID, "index", d.Index)
		return
	}
	m.mu.Unlock()

	e.mu.Lock()
	if e.phase == phaseInitializing {
		if len(e.pending) < maxPendingChunks {
			e.pending = append(e.pending, pendingChunk{payload: copyDataPayload(d), since: time.Now()})
		}
		e.mu.Unlock()
		return
	}
	// Finalizing transfers still take chunks: the grace window exists
	// to absorb data that was in flight when END arrived.
	if e.phase != phaseReceiving && e.phase != phaseFinalizing {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	m.acceptChunk(e, d)
}

// acceptChunk validates, verifies, and stores one chunk idempotently.
func (m *Manager) acceptChunk(e *entry, d wire.Data) {
	transferID := e.t.ID
	if len(d.Payload) == 0 {
		m.reportError(xfererr.New(transferID, xfererr.KindValidation, "empty chunk payload",
			map[string]any{"index": d.Index}))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled || (e.phase != phaseReceiving && e.phase != phaseFinalizing) {
		return
	}
	if _, dup := e.st.Received[d.Index]; dup {
		return
	}

	// The offset is assigned on first sight of the index, before the
	// integrity check: a corrupt chunk keeps its byte position reserved
	// for the retransmission.
	offset, known := e.offsets[d.Index]
	if !known {
		offset = e.cursor
		e.offsets[d.Index] = offset
		e.cursor += int64(len(d.Payload))
	}

	if d.HasHash && crc32.ChecksumIEEE(d.Payload) != d.ChunkHash {
		e.mu.Unlock()
		m.reportError(xfererr.New(transferID, xfererr.KindIntegrity, "chunk checksum mismatch",
			map[string]any{"index": d.Index}))
		e.mu.Lock()
		return
	}

	if err := e.store.Put(d.Index, offset, d.Payload); err != nil {
		e.mu.Unlock()
		m.reportError(xfererr.Wrap(transferID, xfererr.KindStorage, "chunk store failed", err))
		e.mu.Lock()
		return
	}
	e.st.MarkReceived(d.Index, len(d.Payload))
	if d.HasHash {
		e.st.MarkVerified(d.Index)
	}
	if d.TotalEstimate > e.st.TotalChunks {
		e.st.TotalChunks = d.TotalEstimate
		e.t.TotalChunks = d.TotalEstimate
	}
	e.t.BytesTransferred = e.st.BytesReceived
	e.t.ChunkSize = len(d.Payload)
	e.meter.Add(len(d.Payload))
	if m.states != nil {
		m.states.Save(e.st)
	}

	decision := m.coord.Decide(progress.Info{
		TransferID: transferID,
		BytesDone:  e.st.BytesReceived,
		Total:      e.t.FileSize,
	})
	if decision.Send {
		m.sendAckLocked(e)
	}
}

// sendAckLocked emits an ACK frame for e's current position. Caller
// holds e.mu.
func (m *Manager) sendAckLocked(e *entry) {
	pct := float64(e.st.BytesReceived) / float64(e.t.FileSize) * 100
	ack := wire.Ack{Percent: pct, BytesAcked: uint64(e.st.BytesReceived)}
	frame := wire.Encode(wire.TypeAck, e.t.ID, wire.EncodeAck(ack))
	if err := e.ch.Send(frame); err != nil {
		m.logger.Debug("ack send failed", "transfer_id", e.t.ID, "err", err)
	}
	e.ack = progress.AckState{
		TransferID: e.t.ID,
		Percent:    pct,
		BytesAcked: e.st.BytesReceived,
		Status:     progress.AckAcknowledging,
	}
}

// onEnd runs finalization: the END frame carries the authoritative
// chunk count, so the missing list is computed against it.
func (m *Manager) onEnd(ch channel.Channel, transferID string, end wire.End) {
	m.mu.Lock()
	e := m.transfers[transferID]
	m.mu.Unlock()
	if e == nil {
		m.reportError(xfererr.New(transferID, xfererr.KindProtocol, "end for unknown transfer", nil))
		return
	}

	e.mu.Lock()
	if e.phase != phaseReceiving {
		phase := e.phase
		e.mu.Unlock()
		m.reportError(xfererr.New(transferID, xfererr.KindProtocol,
			fmt.Sprintf("end frame in phase %s", phase), nil))
		return
	}
	e.phase = phaseFinalizing
	e.st.TotalChunks = end.TotalChunks
	e.t.TotalChunks = end.TotalChunks
	missing := e.st.MissingChunks()
	e.mu.Unlock()

	if len(missing) == 0 {
		m.finishReceive(ch, e, end)
		return
	}

	// The grace window runs off the dispatch goroutine so chunks still
	// in flight behind the END frame keep being consumed and accepted.
	go func() {
		time.Sleep(m.opts.FinalizeGrace)
		m.finishReceive(ch, e, end)
	}()
}

// finishReceive computes the final missing list and either fails the
// transfer (keeping its persisted record for resumption) or completes
// it: finalize storage, verify, ACK at 100%, drop persisted state.
func (m *Manager) finishReceive(ch channel.Channel, e *entry, end wire.End) {
	transferID := e.t.ID

	e.mu.Lock()
	if e.phase != phaseFinalizing {
		e.mu.Unlock()
		return
	}
	missing := e.st.MissingChunks()
	e.mu.Unlock()

	if len(missing) > 0 {
		// Keep the persisted record: the transfer qualifies for resumption.
		e.mu.Lock()
		e.phase = phaseFailed
		e.t.Status = StatusFailed
		e.t.LastError = fmt.Sprintf("finalize: %d chunks missing", len(missing))
		st := e.st
		e.mu.Unlock()
		if m.states != nil {
			if err := m.states.Flush(st); err != nil {
				m.logger.Warn("state flush at finalize failed", "transfer_id", transferID, "err", err)
			}
		}
		m.coord.MarkError(transferID)
		m.reportError(xfererr.New(transferID, xfererr.KindProtocol, "transfer incomplete at finalize",
			map[string]any{"missing": missing}))
		return
	}

	e.mu.Lock()
	outputPath, err := e.store.Finalize()
	if err != nil {
		e.mu.Unlock()
		m.failReceive(e, xfererr.Wrap(transferID, xfererr.KindStorage, "finalize failed", err))
		return
	}
	if e.t.FileHash != "" {
		if verr := e.store.VerifyWholeFile(e.t.FileHash); verr == ErrVerifyUnsupported {
			// Streamed sinks cannot be re-hashed after the fact.
			m.logger.Info("whole-file verification skipped for streamed transfer", "transfer_id", transferID)
		} else if verr != nil {
			e.mu.Unlock()
			m.failReceive(e, xfererr.Wrap(transferID, xfererr.KindIntegrity, "whole-file hash mismatch", verr))
			return
		}
	}
	e.t.OutputPath = outputPath
	e.t.Status = StatusCompleted
	e.phase = phaseComplete
	e.ack = progress.AckState{
		TransferID: transferID,
		Percent:    100,
		BytesAcked: e.st.BytesReceived,
		Status:     progress.AckCompleted,
	}
	data := e.store.Bytes()
	snap := e.t
	e.mu.Unlock()

	// Final ACK always goes out at 100%.
	frame := wire.Encode(wire.TypeAck, transferID, wire.EncodeAck(wire.Ack{Percent: 100, BytesAcked: uint64(snap.BytesTransferred)}))
	if err := ch.Send(frame); err != nil {
		m.logger.Debug("final ack send failed", "transfer_id", transferID, "err", err)
	}

	if m.states != nil {
		if err := m.states.Delete(state.RoleReceiver, transferID); err != nil {
			m.logger.Warn("state delete after finalize failed", "transfer_id", transferID, "err", err)
		}
	}

	m.logger.Info("transfer complete",
		"transfer_id", transferID,
		"file", snap.FileName,
		"bytes", snap.BytesTransferred,
		"chunks", snap.TotalChunks,
		"elapsed_ms", end.ElapsedMs,
		"output", outputPath)

	if m.opts.OnComplete != nil {
		m.opts.OnComplete(snap, data)
	}
}

func (m *Manager) onPeerError(transferID string, msg wire.ErrorMsg) {
	m.mu.Lock()
	e := m.transfers[transferID]
	m.mu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	e.t.Status = StatusFailed
	e.t.LastError = msg.Message
	if e.phase == phaseReceiving || e.phase == phaseInitializing {
		e.phase = phaseFailed
	}
	e.mu.Unlock()
	m.coord.MarkError(transferID)
	m.reportError(xfererr.New(transferID, xfererr.KindProtocol, "peer reported: "+msg.Message, nil))
}

// onAck records receiver progress on the sending side.
func (m *Manager) onAck(transferID string, a wire.Ack) {
	m.mu.Lock()
	e := m.transfers[transferID]
	m.mu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	status := progress.AckAcknowledging
	if a.Percent >= 100 {
		status = progress.AckCompleted
	}
	e.ack = progress.AckState{
		TransferID: transferID,
		Percent:    a.Percent,
		BytesAcked: int64(a.BytesAcked),
		Status:     status,
	}
	e.mu.Unlock()
}

// failReceive marks a receiving transfer terminally failed and notifies
// the peer.
func (m *Manager) failReceive(e *entry, xe *xfererr.TransferError) {
	e.mu.Lock()
	e.phase = phaseFailed
	e.t.Status = StatusFailed
	e.t.LastError = xe.Message
	ch := e.ch
	id := e.t.ID
	e.mu.Unlock()

	if ch != nil {
		frame := wire.Encode(wire.TypeError, id, wire.EncodeErrorMsg(wire.ErrorMsg{Message: xe.Message}))
		if err := ch.Send(frame); err != nil {
			m.logger.Debug("error frame send failed", "transfer_id", id, "err", err)
		}
	}
	m.coord.MarkError(id)
	m.reportError(xe)
}

// expireLoop times out orphaned pre-START chunk queues into protocol errors.
func (m *Manager) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		var expired []string
		m.mu.Lock()
		for id, queue := range m.orphans {
			if len(queue) > 0 && now.Sub(queue[0].since) > m.opts.PendingTimeout {
				delete(m.orphans, id)
				expired = append(expired, id)
			}
		}
		m.mu.Unlock()

		for _, id := range expired {
			m.reportError(xfererr.New(id, xfererr.KindProtocol, "queued chunks expired without start", nil))
		}
	}
}

func (m *Manager) reportError(e *xfererr.TransferError) {
	strategy := xfererr.RecoveryStrategy(e)
	m.logger.Error("transfer error",
		"transfer_id", e.TransferID,
		"correlation_id", e.CorrelationID,
		"kind", e.Kind,
		"severity", e.Severity,
		"retryable", e.Retryable,
		"recovery", strategy.Action,
		"msg", e.Message)
	if m.opts.OnError != nil {
		m.opts.OnError(e)
	}
}

// CancelTransfer cancels one transfer, or all active transfers when id
// is empty. Cancellation is cooperative: in-flight work is discarded,
// not aborted.
func (m *Manager) CancelTransfer(id string) {
	m.mu.Lock()
	var targets []*entry
	if id == "" {
		for _, e := range m.transfers {
			targets = append(targets, e)
		}
	} else if e := m.transfers[id]; e != nil {
		targets = append(targets, e)
	}
	m.mu.Unlock()

	for _, e := range targets {
		e.mu.Lock()
		if e.t.Status == StatusCompleted || e.t.Status == StatusFailed {
			e.mu.Unlock()
			continue
		}
		e.cancelled = true
		e.t.Status = StatusCancelled
		if e.phase == phaseReceiving || e.phase == phaseInitializing {
			e.phase = phaseFailed
		}
		if e.store != nil {
			_ = e.store.Close()
		}
		tid := e.t.ID
		role := e.t.Role
		e.mu.Unlock()

		if m.states != nil {
			_ = m.states.Delete(role, tid)
		}
		m.logger.Info("transfer cancelled", "transfer_id", tid)
	}
}

// ClearTransfer removes finished transfers from the arena.
func (m *Manager) ClearTransfer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.transfers {
		switch e.snapshot().Status {
		case StatusCompleted, StatusFailed, StatusCancelled:
			delete(m.transfers, id)
			m.coord.Forget(id)
		}
	}
}

// Progress returns snapshots of all tracked transfers.
func (m *Manager) Progress() []Transfer {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.transfers))
	for _, e := range m.transfers {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]Transfer, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// TransferProgress returns the snapshot for one transfer.
func (m *Manager) TransferProgress(id string) (Transfer, bool) {
	m.mu.Lock()
	e := m.transfers[id]
	m.mu.Unlock()
	if e == nil {
		return Transfer{}, false
	}
	return e.snapshot(), true
}

// AckProgress returns the acknowledgment snapshot for one transfer.
func (m *Manager) AckProgress(id string) (progress.AckState, bool) {
	m.mu.Lock()
	e := m.transfers[id]
	m.mu.Unlock()
	if e == nil {
		return progress.AckState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ack, true
}

// CurrentChunkSize reports the working chunk size of the most recently
// started active send. Each send tunes its own planner so concurrent
// transfers never shift each other's chunk size; idle managers report
// the planner default.
func (m *Manager) CurrentChunkSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *entry
	var newestAt time.Time
	for _, e := range m.transfers {
		e.mu.Lock()
		eligible := e.planner != nil && e.t.Status == StatusActive
		at := e.startedAt
		e.mu.Unlock()
		if eligible && (newest == nil || at.After(newestAt)) {
			newest, newestAt = e, at
		}
	}
	if newest == nil {
		return chunker.DefaultChunkSize
	}
	return newest.planner.Size()
}

// ResumeTransfer prepares a previously interrupted receive to continue
// and returns the chunk indices still needed. The transfer must either
// still be in the arena or qualify under the persisted-resume rules.
func (m *Manager) ResumeTransfer(id string) ([]uint32, error) {
	m.mu.Lock()
	e := m.transfers[id]
	m.mu.Unlock()

	if e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.phase != phaseFailed || e.store == nil {
			return nil, fmt.Errorf("transfer %s is not resumable in phase %s", id, e.phase)
		}
		if m.states != nil && !m.states.CanResume(state.RoleReceiver, id) {
			return nil, fmt.Errorf("transfer %s no longer qualifies for resumption", id)
		}
		if m.states != nil {
			if err := m.states.NoteResumeAttempt(state.RoleReceiver, id); err != nil {
				return nil, err
			}
		}
		e.phase = phaseReceiving
		e.cancelled = false
		e.t.Status = StatusActive
		return e.st.MissingChunks(), nil
	}

	if m.states == nil {
		return nil, fmt.Errorf("no persisted state for transfer %s", id)
	}
	if !m.states.CanResume(state.RoleReceiver, id) {
		return nil, fmt.Errorf("transfer %s no longer qualifies for resumption", id)
	}
	return m.states.MissingChunks(state.RoleReceiver, id)
}

// copyDataPayload re-encodes a Data payload so queued chunks do not
// alias the channel's receive buffer.
func copyDataPayload(d wire.Data) []byte {
	return wire.EncodeData(d)
}
