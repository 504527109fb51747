// Command telemetryd runs a grapher telemetry server over a simulated
// drivetrain. It is a reference host for the service package and a
// target for cmd/grapher.
//
// Usage:
//
//	telemetryd [-config grapher.toml]
//
// Configuration is read from the optional file (.toml, .yaml) and then
// from GRAPHER_* environment variables.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nicktill/grapher/pkg/config"
	"github.com/nicktill/grapher/pkg/discovery"
	"github.com/nicktill/grapher/pkg/measure"
	"github.com/nicktill/grapher/pkg/service"
	"github.com/nicktill/grapher/pkg/stream"
)

// runtimeItemID is the device id of the Go runtime item.
const runtimeItemID = 100

var configPath = flag.String("config", "", "Configuration file path (.toml, .yaml)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	closeLog := setupLogging(cfg.Log)
	defer closeLog()

	log.Println("Starting grapher telemetry server...")
	log.Printf("Configuration: HTTP %s, UDP port %d, period %v, encoding %s",
		cfg.HTTP.Addr, cfg.UDP.Port, cfg.UDP.Period, cfg.UDP.Encoding)

	opts := []service.Option{
		service.WithFailureHandler(func(ev stream.FailureEvent) {
			log.Printf("ALERT: stream %s to %s has failed %d sends in a row: %v",
				ev.StreamID, ev.Client, ev.Consecutive, ev.Err)
		}),
	}
	if cfg.MDNS.Enabled {
		advCfg := discovery.DefaultAdvertiserConfig()
		advCfg.Interface = cfg.MDNS.Interface
		opts = append(opts, service.WithAdvertiser(discovery.NewMDNSAdvertiser(advCfg)))
	}

	svc := service.New(cfg, opts...)

	sim := newSimulation()
	if err := svc.RegisterAll(sim.Items()...); err != nil {
		log.Fatalf("Failed to register items: %v", err)
	}
	if err := svc.Register(measure.NewRuntimeItem(runtimeItemID, config.RuntimeRefresh)); err != nil {
		log.Fatalf("Failed to register runtime item: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sim.Run(ctx, simulationStep)
	}()
	log.Printf("Simulation started (%d items, step %v)", len(sim.Items()), simulationStep)

	if err := svc.Start(); err != nil {
		log.Fatalf("Failed to start telemetry service: %v", err)
	}

	log.Printf("Control plane: http://%s/v1/grapher", svc.Addr())
	log.Println("API endpoints:")
	log.Println("   GET    /v1/grapher/inventory     - Item catalog")
	log.Println("   POST   /v1/grapher/subscription  - Start streaming")
	log.Println("   DELETE /v1/grapher/subscription  - Stop streaming")
	log.Println("   GET    /v1/grapher/status        - Stream health")
	log.Println("   GET    /v1/grapher/events        - Status events (WebSocket)")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received...")

	if err := svc.Stop(); err != nil {
		log.Printf("Telemetry service shutdown warning: %v", err)
	}

	// Cancel context to stop the simulation
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All background tasks stopped cleanly")
	case <-time.After(config.ShutdownTimeout):
		log.Println("Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("Grapher telemetry server exited cleanly")
}
