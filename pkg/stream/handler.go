// Package stream pushes subscription snapshots to one client over UDP at
// a fixed tick period.
//
// A ClientHandler runs at most one stream. Start replaces the active
// stream and Shutdown ends it; both return only after the previous worker
// goroutine has exited, so a replaced or stopped stream never emits
// another datagram.
//
// Socket policy: the UDP socket belongs to the ClientHandler and survives
// Start/Shutdown cycles. Close releases it for good; Start after Close
// returns ErrClosed. If a send reports the socket itself as closed, the
// stream halts and the next Start opens a fresh socket.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/grapher/pkg/config"
	"github.com/nicktill/grapher/pkg/hub"
	"github.com/nicktill/grapher/pkg/monitor"
	"github.com/nicktill/grapher/pkg/subscription"
	"github.com/nicktill/grapher/pkg/wire"
)

var (
	// ErrNilSubscription is returned by Start when given no subscription.
	ErrNilSubscription = errors.New("nil subscription")
	// ErrClosed is returned by Start once the handler has been closed.
	ErrClosed = errors.New("client handler closed")
)

// Config holds stream settings.
type Config struct {
	// Port is the fixed destination port on the client.
	Port int
	// Period is the tick interval. Zero uses config.TickPeriod.
	Period time.Duration
	// Codec encodes snapshots. Nil uses wire.JSON.
	Codec wire.Codec
	// FailureThreshold is the number of consecutive failed ticks after
	// which the failure handler fires. Zero uses config.DefaultFailureThreshold.
	FailureThreshold int
}

// FailureEvent describes a stream whose destination stopped accepting
// datagrams.
type FailureEvent struct {
	StreamID    string
	Client      netip.AddrPort
	Consecutive int
	Err         error
}

// Info describes the active stream.
type Info struct {
	StreamID   string
	Client     netip.AddrPort
	Started    time.Time
	Selections []wire.Selection
}

// Option configures a ClientHandler.
type Option func(*ClientHandler)

// WithFailureHandler registers fn to be called, on its own goroutine, each
// time a stream reaches the consecutive failure threshold.
func WithFailureHandler(fn func(FailureEvent)) Option {
	return func(h *ClientHandler) {
		h.onFailure = fn
	}
}

// WithEvents publishes stream lifecycle events to p.
func WithEvents(p hub.Publisher) Option {
	return func(h *ClientHandler) {
		h.events = p
	}
}

// packetWriter is the subset of *net.UDPConn used by the stream.
type packetWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	Close() error
}

func listenUDP() (packetWriter, error) {
	return net.ListenUDP("udp", &net.UDPAddr{})
}

type run struct {
	id      string
	sub     *subscription.Subscription
	dest    netip.AddrPort
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	halted  atomic.Bool
}

// ClientHandler streams one subscription at a time.
type ClientHandler struct {
	cfg       Config
	monitor   *monitor.StreamMonitor
	events    hub.Publisher
	onFailure func(FailureEvent)
	open      func() (packetWriter, error)

	// stopTimeout bounds how long a stop waits for a blocked worker.
	stopTimeout time.Duration

	// mu serialises Start, Shutdown and Close.
	mu          sync.Mutex
	closed      bool
	sock        packetWriter
	sockInvalid atomic.Bool
	active      *run
}

// New creates an idle ClientHandler. No socket is opened until Start.
func New(cfg Config, opts ...Option) *ClientHandler {
	if cfg.Period <= 0 {
		cfg.Period = config.TickPeriod
	}
	if cfg.Codec == nil {
		cfg.Codec = wire.JSON
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = config.DefaultFailureThreshold
	}

	h := &ClientHandler{
		cfg:     cfg,
		monitor: monitor.NewStreamMonitor(cfg.FailureThreshold),
		events:  hub.Nop{},
		open:    listenUDP,

		stopTimeout: config.StreamStopTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start streams sub to sub.Client() on the configured port, replacing any
// active stream. The first snapshot is sent immediately.
func (h *ClientHandler) Start(sub *subscription.Subscription) error {
	if sub == nil {
		return ErrNilSubscription
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	h.stopLocked("replaced")

	if h.sock != nil && h.sockInvalid.Swap(false) {
		h.sock.Close()
		h.sock = nil
	}
	if h.sock == nil {
		sock, err := h.open()
		if err != nil {
			return fmt.Errorf("failed to open UDP socket: %w", err)
		}
		h.sock = sock
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:      uuid.NewString(),
		sub:     sub,
		dest:    netip.AddrPortFrom(sub.Client().Unmap(), uint16(h.cfg.Port)),
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	h.active = r
	h.monitor.Begin(r.id)

	go h.loop(ctx, r, h.sock)

	log.Printf("Stream %s started: %d values to %s every %v (%s)",
		r.id, sub.Len(), r.dest, h.cfg.Period, h.cfg.Codec.Name())
	h.events.Publish(hub.Event{
		Type:     hub.EventStreamStarted,
		StreamID: r.id,
		Client:   r.dest.String(),
		Detail:   map[string]any{"values": sub.Len(), "period": h.cfg.Period.String()},
	})
	return nil
}

// Shutdown stops the active stream, if any, and waits for its worker to
// exit. The socket stays open for the next Start.
func (h *ClientHandler) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked("shutdown")
}

// Close stops the active stream and releases the socket. Later calls to
// Start fail with ErrClosed.
func (h *ClientHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.stopLocked("closed")
	if h.sock == nil {
		return nil
	}
	err := h.sock.Close()
	h.sock = nil
	h.sockInvalid.Store(false)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Active reports the running stream.
func (h *ClientHandler) Active() (Info, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.active == nil {
		return Info{}, false
	}
	select {
	case <-h.active.done:
		// Halted on an invalid socket.
		return Info{}, false
	default:
	}
	return Info{
		StreamID:   h.active.id,
		Client:     h.active.dest,
		Started:    h.active.started,
		Selections: h.active.sub.Selections(),
	}, true
}

// Status returns delivery health of the current or last stream.
func (h *ClientHandler) Status() monitor.StreamStatus {
	return h.monitor.Status()
}

// Healthy reports whether the stream is delivering.
func (h *ClientHandler) Healthy() bool {
	return h.monitor.IsHealthy()
}

// stopLocked cancels the active stream and waits for its worker.
func (h *ClientHandler) stopLocked(reason string) {
	r := h.active
	if r == nil {
		return
	}
	h.active = nil
	r.cancel()

	select {
	case <-r.done:
	case <-time.After(h.stopTimeout):
		// A source is blocking the tick. The worker checks its context
		// before sending or recording, so the pending snapshot is never
		// transmitted and never counted against a later stream.
		log.Printf("Stream %s worker did not stop within %v", r.id, h.stopTimeout)
	}
	if r.halted.Load() {
		return
	}

	h.monitor.End()
	status := h.monitor.Status()
	log.Printf("Stream %s stopped (%s): %d sent, %d failed", r.id, reason, status.Sent, status.Failed)
	h.events.Publish(hub.Event{
		Type:     hub.EventStreamStopped,
		StreamID: r.id,
		Client:   r.dest.String(),
		Detail:   map[string]any{"reason": reason, "sent": status.Sent, "failed": status.Failed},
	})
}

// Period returns the tick interval.
func (h *ClientHandler) Period() time.Duration {
	return h.cfg.Period
}

// Codec returns the datagram codec.
func (h *ClientHandler) Codec() wire.Codec {
	return h.cfg.Codec
}
