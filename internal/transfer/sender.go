package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/driftbyte/driftbyte/internal/bufpool"
	"github.com/driftbyte/driftbyte/internal/channel"
	"github.com/driftbyte/driftbyte/internal/chunker"
	"github.com/driftbyte/driftbyte/internal/pacing"
	"github.com/driftbyte/driftbyte/internal/progress"
	"github.com/driftbyte/driftbyte/internal/state"
	"github.com/driftbyte/driftbyte/internal/xfererr"
	"github.com/driftbyte/driftbyte/pkg/wire"
)

// maxOverflowRetries bounds how long a send retries buffer overflows
// before the transfer is declared stalled.
const maxOverflowRetries = 600

// pacingRetryDelay is how long a send yields when another transfer to
// the same peer already holds the pacing slot.
const pacingRetryDelay = 10 * time.Millisecond

// SendFile transmits one file over the channel and blocks until the
// END frame is queued or the transfer fails. It returns the transfer ID
// in both cases so callers can correlate errors and acknowledgments.
func (m *Manager) SendFile(ctx context.Context, ch channel.Channel, peerKey, path string) (string, error) {
	transferID := uuid.NewString()

	f, err := os.Open(path)
	if err != nil {
		kind := xfererr.KindStorage
		if os.IsPermission(err) {
			kind = xfererr.KindPermission
		}
		xe := xfererr.Wrap(transferID, kind, "open source file", err)
		m.reportError(xe)
		return transferID, xe
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		xe := xfererr.Wrap(transferID, xfererr.KindStorage, "stat source file", err)
		m.reportError(xe)
		return transferID, xe
	}
	if fi.Size() <= 0 {
		xe := xfererr.New(transferID, xfererr.KindValidation, "source file is empty", nil)
		m.reportError(xe)
		return transferID, xe
	}

	digest, err := hashFile(f)
	if err != nil {
		xe := xfererr.Wrap(transferID, xfererr.KindStorage, "hash source file", err)
		m.reportError(xe)
		return transferID, xe
	}

	e := m.registerSend(transferID, fi.Name(), fi.Size(), digest)
	if err := m.runSend(ctx, e, ch, peerKey, f); err != nil {
		m.failSend(e, ch, err)
		return transferID, err
	}
	return transferID, nil
}

func (m *Manager) registerSend(transferID, fileName string, fileSize int64, digest string) *entry {
	e := &entry{
		t: Transfer{
			ID:       transferID,
			FileName: fileName,
			FileSize: fileSize,
			Role:     state.RoleSender,
			Status:   StatusPending,
			FileHash: digest,
		},
		planner:   chunker.NewPlanner(),
		meter:     progress.NewMeter(),
		startedAt: time.Now(),
	}
	e.meter.Start(fileSize)
	m.mu.Lock()
	m.transfers[transferID] = e
	m.mu.Unlock()
	return e
}

// runSend is the sender pipeline: a single sequential read→verify→pace→
// send loop per transfer. Chunk order is never parallelized.
func (m *Manager) runSend(ctx context.Context, e *entry, ch channel.Channel, peerKey string, f *os.File) error {
	transferID := e.t.ID
	fileSize := e.t.FileSize

	select {
	case <-ch.Ready():
	case <-ctx.Done():
		return xfererr.Wrap(transferID, xfererr.KindUserCancelled, "cancelled before channel ready", ctx.Err())
	}

	e.planner.SetMaxMessageSize(ch.MaxMessageSize())
	maxPayload := ch.MaxMessageSize() - wire.DataFrameOverhead(transferID)
	if maxPayload < 1 {
		return xfererr.New(transferID, xfererr.KindValidation, "channel max message size too small for framing", nil)
	}

	var st *state.TransferState
	if m.states != nil {
		st = m.states.Create(state.RoleSender, transferID, e.t.FileName, fileSize, 0, state.StorageStreaming)
	}

	start := wire.Encode(wire.TypeStart, transferID, wire.EncodeStart(wire.Start{
		FileName: e.t.FileName,
		FileSize: uint64(fileSize),
		FileHash: e.t.FileHash,
	}))
	if err := ch.Send(start); err != nil {
		return xfererr.Wrap(transferID, xfererr.KindNetwork, "send start frame", err)
	}

	e.mu.Lock()
	e.t.Status = StatusActive
	e.mu.Unlock()
	m.logger.Info("sending file",
		"transfer_id", transferID,
		"file", e.t.FileName,
		"size", fileSize,
		"chunk_size", m.sendChunkSize(e, maxPayload),
		"peer", peerKey)

	pool := bufpool.New(m.poolSize(e, maxPayload))
	buf := pool.Get()
	defer pool.Put(buf)

	began := time.Now()
	var index uint32
	var sent int64
	overflows := 0

	for sent < fileSize {
		if err := m.checkAbort(ctx, e); err != nil {
			return err
		}

		want := m.sendChunkSize(e, maxPayload)
		if rem := fileSize - sent; int64(want) > rem {
			want = int(rem)
		}
		n, err := io.ReadFull(f, buf[:want])
		if err != nil {
			return xfererr.Wrap(transferID, xfererr.KindStorage, "read source file", err)
		}

		off := 0
		for off < n {
			if err := m.checkAbort(ctx, e); err != nil {
				return err
			}

			size := m.sendChunkSize(e, maxPayload)
			if size > n-off {
				size = n - off
			}
			payload := buf[off : off+size]
			remaining := fileSize - sent - int64(off) - int64(size)
			estimate := index + 1 + uint32((remaining+int64(size)-1)/int64(size))

			frame := wire.Encode(wire.TypeData, transferID, wire.EncodeData(wire.Data{
				Index:         index,
				TotalEstimate: estimate,
				ChunkHash:     crc32.ChecksumIEEE(payload),
				HasHash:       true,
				Payload:       payload,
			}))

			if err := m.pacer.Wait(ctx, peerKey, ch); err != nil {
				if errors.Is(err, pacing.ErrWaitPending) {
					// Another transfer holds this peer's pacing slot;
					// take the next turn for the same chunk.
					select {
					case <-time.After(pacingRetryDelay):
						continue
					case <-ctx.Done():
						return xfererr.Wrap(transferID, xfererr.KindUserCancelled, "cancelled during backpressure wait", ctx.Err())
					}
				}
				return xfererr.Wrap(transferID, xfererr.KindUserCancelled, "cancelled during backpressure wait", err)
			}

			err := ch.Send(frame)
			switch {
			case errors.Is(err, channel.ErrMessageTooLarge):
				// The chunk being retried shrinks synchronously; every
				// other adjustment only affects the next chunk.
				reduced := e.planner.ReduceForOversize()
				m.logger.Warn("chunk rejected as oversize, reducing",
					"transfer_id", transferID, "index", index, "new_size", reduced)
				if reduced >= size {
					return xfererr.New(transferID, xfererr.KindValidation,
						"channel rejects minimum chunk size", map[string]any{"size": size})
				}
				continue
			case errors.Is(err, channel.ErrBufferOverflow):
				overflows++
				if overflows > maxOverflowRetries {
					return xfererr.Wrap(transferID, xfererr.KindTimeout, "send stalled on full buffer", err)
				}
				select {
				case <-ch.NotifyDrain(0):
				case <-time.After(100 * time.Millisecond):
				case <-ctx.Done():
					return xfererr.Wrap(transferID, xfererr.KindUserCancelled, "cancelled during overflow wait", ctx.Err())
				}
				continue
			case err != nil:
				return xfererr.Wrap(transferID, xfererr.KindNetwork, "send chunk", err)
			}
			overflows = 0

			index++
			off += size

			e.mu.Lock()
			e.t.BytesTransferred = sent + int64(off)
			e.t.TotalChunks = estimate
			e.t.ChunkSize = size
			e.meter.Add(size)
			e.mu.Unlock()

			if index%uint32(m.opts.PlanEvery) == 0 {
				m.replan(e, ch, peerKey)
				if st != nil {
					st.BytesReceived = sent + int64(off)
					st.TotalChunks = estimate
					m.states.Save(st)
				}
			}
			if index%uint32(m.opts.YieldEvery) == 0 {
				runtime.Gosched()
			}
		}
		sent += int64(n)
	}

	// Every queued byte must reach the transport before END, so the
	// receiver's finalize sees all chunks behind it in order.
	select {
	case <-ch.NotifyDrain(0):
	case <-time.After(m.opts.DrainTimeout):
		m.logger.Warn("buffer drain timed out before end frame",
			"transfer_id", transferID, "buffered", ch.BufferedAmount())
	case <-ctx.Done():
		return xfererr.Wrap(transferID, xfererr.KindUserCancelled, "cancelled during final drain", ctx.Err())
	}

	elapsed := time.Since(began)
	end := wire.Encode(wire.TypeEnd, transferID, wire.EncodeEnd(wire.End{
		TotalChunks: index,
		TotalBytes:  uint64(fileSize),
		ElapsedMs:   uint64(elapsed.Milliseconds()),
	}))
	if err := ch.Send(end); err != nil {
		return xfererr.Wrap(transferID, xfererr.KindNetwork, "send end frame", err)
	}

	e.mu.Lock()
	e.t.Status = StatusCompleted
	e.t.TotalChunks = index
	e.mu.Unlock()

	if m.states != nil {
		if err := m.states.Delete(state.RoleSender, transferID); err != nil {
			m.logger.Warn("state delete after send failed", "transfer_id", transferID, "err", err)
		}
	}

	m.logger.Info("file sent",
		"transfer_id", transferID,
		"chunks", index,
		"bytes", fileSize,
		"elapsed", elapsed,
		"rate_bps", int64(e.meter.Snapshot().RateBps))
	return nil
}

// replan samples channel conditions and lets the transfer's planner
// adjust the working chunk size for upcoming chunks.
func (m *Manager) replan(e *entry, ch channel.Channel, peerKey string) {
	var rtt time.Duration
	if m.opts.SampleRTT != nil {
		rtt = m.opts.SampleRTT()
	}
	size, reason := e.planner.Update(chunker.Metrics{
		RTT:            rtt,
		BufferedBytes:  ch.BufferedAmount(),
		BufferCapacity: m.pacer.HighWater(peerKey),
	})
	m.logger.Debug("chunk size planned",
		"transfer_id", e.t.ID, "size", size, "reason", reason)
}

// sendChunkSize is the working chunk payload size, bounded by what the
// channel can frame and by the planner's absolute ceiling so a chunk
// never outgrows the pooled read buffer.
func (m *Manager) sendChunkSize(e *entry, maxPayload int) int {
	size := e.planner.Size()
	if m.opts.ChunkSize > 0 {
		size = m.opts.ChunkSize
	}
	if size > maxPayload {
		size = maxPayload
	}
	if size > chunker.AbsoluteMaxChunkSize {
		size = chunker.AbsoluteMaxChunkSize
	}
	if size < 1 {
		size = 1
	}
	return size
}

func (m *Manager) poolSize(e *entry, maxPayload int) int {
	size := e.planner.Size()
	if m.opts.ChunkSize > 0 && m.opts.ChunkSize > size {
		size = m.opts.ChunkSize
	}
	if maxPayload > size {
		size = maxPayload
	}
	if size > chunker.AbsoluteMaxChunkSize {
		size = chunker.AbsoluteMaxChunkSize
	}
	return size
}

func (m *Manager) checkAbort(ctx context.Context, e *entry) error {
	if e.isCancelled() {
		return xfererr.New(e.t.ID, xfererr.KindUserCancelled, "transfer cancelled", nil)
	}
	if err := ctx.Err(); err != nil {
		return xfererr.Wrap(e.t.ID, xfererr.KindUserCancelled, "context cancelled", err)
	}
	return nil
}

// failSend marks a sending transfer failed, tells the peer, and keeps
// the persisted record so the send can be retried.
func (m *Manager) failSend(e *entry, ch channel.Channel, err error) {
	var xe *xfererr.TransferError
	if !errors.As(err, &xe) {
		xe = xfererr.Wrap(e.t.ID, xfererr.KindNetwork, "send failed", err)
	}

	e.mu.Lock()
	if e.t.Status != StatusCancelled {
		e.t.Status = StatusFailed
	}
	e.t.LastError = xe.Message
	e.mu.Unlock()

	frame := wire.Encode(wire.TypeError, e.t.ID, wire.EncodeErrorMsg(wire.ErrorMsg{Message: xe.Message}))
	if serr := ch.Send(frame); serr != nil {
		m.logger.Debug("error frame send failed", "transfer_id", e.t.ID, "err", serr)
	}
	m.coord.MarkError(e.t.ID)
	m.reportError(xe)
}

func hashFile(f *os.File) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind after hashing: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
