// Package service is the facade a host program uses to publish telemetry.
//
// Items are registered while the service is stopped. Start freezes them
// into an inventory and boots a controller; Stop tears it down so the
// item set can change before the next Start.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/nicktill/grapher/pkg/config"
	"github.com/nicktill/grapher/pkg/controller"
	"github.com/nicktill/grapher/pkg/discovery"
	"github.com/nicktill/grapher/pkg/inventory"
	"github.com/nicktill/grapher/pkg/measure"
	"github.com/nicktill/grapher/pkg/stream"
)

// ErrIllegalState is returned when the registered set is modified while
// the service is running.
var ErrIllegalState = errors.New("telemetry service is running")

// Option configures a Service.
type Option func(*Service)

// WithAdvertiser announces the control plane while the service runs.
func WithAdvertiser(a discovery.Advertiser) Option {
	return func(s *Service) {
		s.advertiser = a
	}
}

// WithFailureHandler is passed to every controller the service starts.
func WithFailureHandler(fn func(stream.FailureEvent)) Option {
	return func(s *Service) {
		s.onFailure = fn
	}
}

// Service owns the registered items and the running controller.
type Service struct {
	cfg        config.Config
	advertiser discovery.Advertiser
	onFailure  func(stream.FailureEvent)

	mu         sync.Mutex
	items      []measure.Measurable
	keys       map[measure.Key]bool
	controller *controller.Controller
}

// New creates a stopped service.
func New(cfg config.Config, opts ...Option) *Service {
	s := &Service{
		cfg:  cfg,
		keys: make(map[measure.Key]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds item. Registering an item with the same type and id again
// is a no-op.
func (s *Service) Register(item measure.Measurable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.controller != nil {
		return fmt.Errorf("register %s %d: %w", item.Type(), item.ID(), ErrIllegalState)
	}
	s.registerLocked(item)
	return nil
}

// RegisterAll adds every item in order.
func (s *Service) RegisterAll(items ...measure.Measurable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.controller != nil {
		return fmt.Errorf("register %d items: %w", len(items), ErrIllegalState)
	}
	for _, item := range items {
		s.registerLocked(item)
	}
	return nil
}

func (s *Service) registerLocked(item measure.Measurable) {
	key := measure.KeyOf(item)
	if s.keys[key] {
		return
	}
	s.keys[key] = true
	s.items = append(s.items, item)
}

// Clear removes every registered item.
func (s *Service) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.controller != nil {
		return fmt.Errorf("clear: %w", ErrIllegalState)
	}
	s.items = nil
	s.keys = make(map[measure.Key]bool)
	return nil
}

// Len returns the number of registered items.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Start freezes the registered items and starts serving. Starting a
// running service logs and returns nil.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.controller != nil {
		log.Println("Telemetry service already running")
		return nil
	}

	cfg, err := controller.ConfigFrom(s.cfg)
	if err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	var opts []controller.Option
	if s.onFailure != nil {
		opts = append(opts, controller.WithFailureHandler(s.onFailure))
	}

	c := controller.New(inventory.New(s.items), cfg, opts...)
	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start telemetry controller: %w", err)
	}

	if s.advertiser != nil {
		info := discovery.Info{
			Instance: s.cfg.MDNS.Instance,
			Port:     c.Addr().(*net.TCPAddr).Port,
			UDPPort:  s.cfg.UDP.Port,
			Encoding: s.cfg.UDP.Encoding,
		}
		// Discovery is a convenience; clients can still connect directly.
		if err := s.advertiser.Advertise(context.Background(), info); err != nil {
			log.Printf("Failed to advertise control plane: %v", err)
		}
	}

	s.controller = c
	log.Printf("Telemetry service started with %d items", len(s.items))
	return nil
}

// Stop shuts the controller down. Stopping a stopped service is a no-op.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.controller == nil {
		return nil
	}

	if s.advertiser != nil {
		if err := s.advertiser.Stop(); err != nil {
			log.Printf("Failed to withdraw advertisement: %v", err)
		}
	}

	err := s.controller.Shutdown()
	s.controller = nil
	log.Println("Telemetry service stopped")
	return err
}

// Running reports whether the service is started.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller != nil
}

// Addr returns the control plane address, or nil while stopped.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controller == nil {
		return nil
	}
	return s.controller.Addr()
}

// Controller returns the running controller, or nil while stopped.
func (s *Service) Controller() *controller.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller
}
