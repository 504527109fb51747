package controller

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"

	"github.com/nicktill/grapher/pkg/config"
	"github.com/nicktill/grapher/pkg/httpx"
	"github.com/nicktill/grapher/pkg/hub"
	"github.com/nicktill/grapher/pkg/inventory"
	"github.com/nicktill/grapher/pkg/monitor"
	"github.com/nicktill/grapher/pkg/stream"
	"github.com/nicktill/grapher/pkg/subscription"
	"github.com/nicktill/grapher/pkg/wire"
)

// StatusResponse is the body of GET /v1/grapher/status.
type StatusResponse struct {
	Status   string               `json:"status"`
	State    string               `json:"state"`
	Uptime   string               `json:"uptime"`
	Items    int                  `json:"items"`
	UDPPort  int                  `json:"udp_port"`
	Encoding string               `json:"encoding"`
	Period   string               `json:"period"`
	Stream   monitor.StreamStatus `json:"stream"`
}

// api holds the handlers for one controller run.
type api struct {
	inv     *inventory.Inventory
	streams *stream.ClientHandler
	events  *hub.Hub
	cfg     Config
	origins originPolicy
	started time.Time
}

// handler builds the routed handler wrapped in recovery, logging and CORS.
func (a *api) handler() http.Handler {
	router := mux.NewRouter()

	// API routes
	v1 := router.PathPrefix("/v1/grapher").Subrouter()
	v1.HandleFunc("/inventory", a.handleInventory).Methods("GET")
	v1.HandleFunc("/subscription", a.handleSubscribe).Methods("POST")
	v1.HandleFunc("/subscription", a.handleUnsubscribe).Methods("DELETE")
	v1.HandleFunc("/status", a.handleStatus).Methods("GET")

	// WebSocket for stream status events
	v1.HandleFunc("/events", a.events.HandleWebSocket).Methods("GET")

	// CORS runs outside the router so preflight requests reach it.
	return middleware.Recoverer(logRequests(corsMiddleware(a.origins)(router)))
}

// handleInventory serves the catalog with an ETag derived from its content.
func (a *api) handleInventory(w http.ResponseWriter, r *http.Request) {
	etag := httpx.ETag(a.inv.Fingerprint())
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")

	if httpx.MatchesETag(r, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	httpx.RespondRawJSON(w, http.StatusOK, a.inv.WriteInventory())
}

// handleSubscribe replaces the active stream with the requested selection.
func (a *api) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodyBytes)

	req, err := wire.DecodeSubscribeRequest(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.RespondError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	client, err := destination(r, req.Client)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	sub, err := subscription.New(a.inv, client, req)
	if err != nil {
		httpx.RespondError(w, statusFor(err), err)
		return
	}

	if err := a.streams.Start(sub); err != nil {
		if errors.Is(err, stream.ErrClosed) {
			httpx.RespondError(w, http.StatusServiceUnavailable, err)
			return
		}
		log.Printf("Failed to start stream to %s: %v", client, err)
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	httpx.RespondRawJSON(w, http.StatusOK, sub.ToJSON())
}

// handleUnsubscribe stops the active stream.
func (a *api) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	a.streams.Shutdown()
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus reports stream health. A failing stream yields 503.
func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	overallStatus := "healthy"
	statusCode := http.StatusOK
	if !a.streams.Healthy() {
		overallStatus = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, statusCode, StatusResponse{
		Status:   overallStatus,
		State:    StateRunning.String(),
		Uptime:   time.Since(a.started).Round(time.Second).String(),
		Items:    a.inv.Len(),
		UDPPort:  a.cfg.UDPPort,
		Encoding: a.streams.Codec().Name(),
		Period:   a.streams.Period().String(),
		Stream:   a.streams.Status(),
	})
}

// destination resolves the datagram address: the client field when given,
// otherwise the address the request came from.
func destination(r *http.Request, override string) (netip.Addr, error) {
	if override != "" {
		addr, err := netip.ParseAddr(override)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("invalid client address %q", override)
		}
		if addr.IsUnspecified() || addr.IsMulticast() {
			return netip.Addr{}, fmt.Errorf("client address %s cannot receive a stream", addr)
		}
		return addr.Unmap(), nil
	}

	remote, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("cannot determine client address from %q", r.RemoteAddr)
	}
	return remote.Addr().Unmap(), nil
}

// statusFor maps subscription errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, subscription.ErrNoSuchItem):
		return http.StatusNotFound
	case errors.Is(err, subscription.ErrMeasureNotSupported),
		errors.Is(err, subscription.ErrEmptySelection):
		return http.StatusUnprocessableEntity
	case errors.Is(err, wire.ErrMalformed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// logRequests logs each request with its status and duration.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Printf("%s %s from %s: %d (%d bytes, %v)",
			r.Method, r.URL.Path, r.RemoteAddr, ww.Status(), ww.BytesWritten(), time.Since(start).Round(time.Microsecond))
	})
}

// originPolicy lists the browser origins admitted by both CORS and the
// event WebSocket.
type originPolicy []string

// allowedOrigins permits localhost dashboards plus any configured extras.
func allowedOrigins(port string, extra []string) originPolicy {
	origins := originPolicy{
		"http://localhost:" + port,
		"http://127.0.0.1:" + port,
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	}
	return append(origins, extra...)
}

func (p originPolicy) allows(origin string) bool {
	for _, allowed := range p {
		if origin == allowed {
			return true
		}
	}
	return false
}

// corsMiddleware creates CORS middleware restricted to origins.
func corsMiddleware(origins originPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// Only set CORS headers for allowed origins
			if origins.allows(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")
				w.Header().Set("Access-Control-Expose-Headers", "ETag")
				w.Header().Set("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
