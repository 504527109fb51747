// Package controller serves the grapher control plane over HTTP and owns
// the UDP stream that subscriptions feed.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nicktill/grapher/pkg/config"
	"github.com/nicktill/grapher/pkg/hub"
	"github.com/nicktill/grapher/pkg/inventory"
	"github.com/nicktill/grapher/pkg/stream"
	"github.com/nicktill/grapher/pkg/wire"
)

// ErrAlreadyStarted is returned by Start while the controller is running.
var ErrAlreadyStarted = errors.New("controller already started")

// State is the controller lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config holds controller settings.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":5800".
	Addr             string
	UDPPort          int
	Period           time.Duration
	Codec            wire.Codec
	FailureThreshold int
	// AllowedOrigins extends the localhost origins permitted by CORS.
	AllowedOrigins []string
}

// ConfigFrom derives controller settings from the server configuration.
func ConfigFrom(cfg config.Config) (Config, error) {
	codec, err := wire.CodecByName(cfg.UDP.Encoding)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Addr:             cfg.HTTP.Addr,
		UDPPort:          cfg.UDP.Port,
		Period:           cfg.UDP.Period,
		Codec:            codec,
		FailureThreshold: cfg.UDP.FailureThreshold,
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
	}, nil
}

// Option configures a Controller.
type Option func(*Controller)

// WithFailureHandler is called when the stream destination stops
// accepting datagrams. See stream.WithFailureHandler.
func WithFailureHandler(fn func(stream.FailureEvent)) Option {
	return func(c *Controller) {
		c.onFailure = fn
	}
}

// Controller is the network-facing coordinator. It may be started again
// after Shutdown.
type Controller struct {
	inv       *inventory.Inventory
	cfg       Config
	onFailure func(stream.FailureEvent)

	mu       sync.Mutex
	state    State
	listener net.Listener
	server   *http.Server
	streams  *stream.ClientHandler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a stopped controller serving inv.
func New(inv *inventory.Inventory, cfg Config, opts ...Option) *Controller {
	if cfg.Addr == "" {
		cfg.Addr = ":" + config.DefaultPort
	}
	if cfg.UDPPort == 0 {
		cfg.UDPPort = config.DefaultUDPPort
	}
	if cfg.Codec == nil {
		cfg.Codec = wire.JSON
	}

	c := &Controller{
		inv: inv,
		cfg: cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start binds the HTTP listener and begins serving. Bind errors are
// returned; nothing is left open on failure.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", c.cfg.Addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	origins := allowedOrigins(portOf(ln.Addr()), c.cfg.AllowedOrigins)
	events := hub.New(hub.WithAllowedOrigin(origins.allows))
	streamOpts := []stream.Option{stream.WithEvents(events)}
	if c.onFailure != nil {
		streamOpts = append(streamOpts, stream.WithFailureHandler(c.onFailure))
	}
	streams := stream.New(stream.Config{
		Port:             c.cfg.UDPPort,
		Period:           c.cfg.Period,
		Codec:            c.cfg.Codec,
		FailureThreshold: c.cfg.FailureThreshold,
	}, streamOpts...)

	a := &api{
		inv:     c.inv,
		streams: streams,
		events:  events,
		cfg:     c.cfg,
		origins: origins,
		started: time.Now(),
	}
	server := &http.Server{
		Handler:      a.handler(),
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		events.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Control plane server failed: %v", err)
		}
	}()

	c.listener = ln
	c.server = server
	c.streams = streams
	c.cancel = cancel
	c.state = StateRunning

	log.Printf("Control plane listening on http://%s (%d items, UDP port %d, %s every %v)",
		ln.Addr(), c.inv.Len(), c.cfg.UDPPort, c.cfg.Codec.Name(), streams.Period())
	return nil
}

// Shutdown stops the event hub, the HTTP listener and the stream. It is
// safe to call while stopped. No datagram is sent after it returns.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return nil
	}

	// Cancelling the hub closes hijacked WebSocket connections, which
	// http.Server.Shutdown does not track.
	c.cancel()

	// Drain in-flight requests before closing the stream: a subscribe
	// still being handled would otherwise start a stream nobody stops.
	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	serverErr := c.server.Shutdown(ctx)

	// A handler outliving the drain timeout gets stream.ErrClosed.
	streamErr := c.streams.Close()

	c.wg.Wait()

	c.listener = nil
	c.server = nil
	c.streams = nil
	c.cancel = nil
	c.state = StateStopped
	log.Println("Control plane stopped")

	if err := errors.Join(serverErr, streamErr); err != nil {
		return fmt.Errorf("controller shutdown: %w", err)
	}
	return nil
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Addr returns the bound listener address, or nil while stopped.
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Stream reports the active stream, if any.
func (c *Controller) Stream() (stream.Info, bool) {
	c.mu.Lock()
	streams := c.streams
	c.mu.Unlock()
	if streams == nil {
		return stream.Info{}, false
	}
	return streams.Active()
}

// Inventory returns the catalog being served.
func (c *Controller) Inventory() *inventory.Inventory {
	return c.inv
}

func portOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return fmt.Sprint(tcp.Port)
	}
	return config.DefaultPort
}
