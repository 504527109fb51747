package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/nicktill/grapher/pkg/config"
	"github.com/nicktill/grapher/pkg/hub"
)

// tickState is owned by one worker goroutine and reused across ticks.
type tickState struct {
	values []float64
	buf    []byte

	// Exponential backoff state for failure logging
	lastErrorLog time.Time
}

// loop sends one snapshot per tick until ctx is cancelled or the socket
// becomes unusable.
func (h *ClientHandler) loop(ctx context.Context, r *run, sock packetWriter) {
	defer close(r.done)

	ticker := time.NewTicker(h.cfg.Period)
	defer ticker.Stop()

	st := &tickState{
		values: make([]float64, 0, r.sub.Len()),
		buf:    make([]byte, 0, 64+24*r.sub.Len()),
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if !h.tick(ctx, r, sock, st) {
			h.halt(r)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick samples, encodes and sends one snapshot. It returns false when the
// socket can no longer be used.
func (h *ClientHandler) tick(ctx context.Context, r *run, sock packetWriter, st *tickState) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			ok = true
			// An abandoned worker must not touch the next stream's monitor.
			if ctx.Err() != nil {
				return
			}
			h.recordFailure(r, st, fmt.Errorf("measure source panicked: %v", p))
		}
	}()

	ts, values := r.sub.Sample(st.values)
	st.values = values

	// Shutdown may have given up waiting while a source was blocked.
	if ctx.Err() != nil {
		return true
	}

	buf, err := h.cfg.Codec.AppendSnapshot(st.buf[:0], ts, values)
	if err != nil {
		h.recordFailure(r, st, fmt.Errorf("failed to encode snapshot: %w", err))
		return true
	}
	st.buf = buf

	if _, err := sock.WriteToUDPAddrPort(buf, r.dest); err != nil {
		if errors.Is(err, net.ErrClosed) {
			h.monitor.RecordFailure(err)
			return false
		}
		h.recordFailure(r, st, err)
		return true
	}

	h.recordSuccess(r)
	return true
}

func (h *ClientHandler) recordSuccess(r *run) {
	ended := h.monitor.RecordSuccess()
	if ended == 0 {
		return
	}

	log.Printf("Stream %s to %s recovered after %d failed sends", r.id, r.dest, ended)
	if ended >= h.monitor.Threshold() {
		h.events.Publish(hub.Event{
			Type:     hub.EventStreamRecovered,
			StreamID: r.id,
			Client:   r.dest.String(),
			Detail:   map[string]any{"failed_sends": ended},
		})
	}
}

func (h *ClientHandler) recordFailure(r *run, st *tickState, err error) {
	consecutive := h.monitor.RecordFailure(err)

	// Exponential backoff: 1s, 2s, 4s, ... 256s (max 5m)
	backoff := time.Duration(1<<uint(min(consecutive-1, 8))) * time.Second
	if backoff > config.MaxLogBackoff {
		backoff = config.MaxLogBackoff
	}
	now := time.Now()
	if st.lastErrorLog.IsZero() || now.Sub(st.lastErrorLog) >= backoff {
		log.Printf("Stream %s failed to send to %s (error #%d, backoff %v): %v",
			r.id, r.dest, consecutive, backoff, err)
		st.lastErrorLog = now
	}

	if consecutive != h.monitor.Threshold() {
		return
	}

	log.Printf("Stream %s to %s has failed %d consecutive sends", r.id, r.dest, consecutive)
	h.events.Publish(hub.Event{
		Type:     hub.EventStreamFailing,
		StreamID: r.id,
		Client:   r.dest.String(),
		Detail:   map[string]any{"consecutive": consecutive, "error": err.Error()},
	})
	if h.onFailure != nil {
		// The handler may call back into the ClientHandler.
		go h.onFailure(FailureEvent{
			StreamID:    r.id,
			Client:      r.dest,
			Consecutive: consecutive,
			Err:         err,
		})
	}
}

// halt ends a stream whose socket was closed underneath it. The socket is
// replaced on the next Start.
func (h *ClientHandler) halt(r *run) {
	r.halted.Store(true)
	h.sockInvalid.Store(true)
	h.monitor.End()
	log.Printf("Stream %s halted: UDP socket closed", r.id)
	h.events.Publish(hub.Event{
		Type:     hub.EventStreamStopped,
		StreamID: r.id,
		Client:   r.dest.String(),
		Detail:   map[string]any{"reason": "socket closed"},
	})
}
