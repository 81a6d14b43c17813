// Package api serves the REST interface: light state reads, desired state
// writes, discovery triggers and health probes.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lifxd/internal/config"
	"github.com/dokzlo13/lifxd/internal/ledger"
	"github.com/dokzlo13/lifxd/internal/lifx"
	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
	"github.com/dokzlo13/lifxd/internal/storage"
)

// Light is the read and command surface of one running engine.
type Light interface {
	lifx.Commander
	MAC() protocol.MACAddress
	Endpoint() *net.UDPAddr
	Online() bool
	Observed() lifx.Snapshot
	Desired() lifx.Snapshot
	Properties() lifx.Properties
	Pending() []lifx.PendingMessage
}

// Device is a named light.
type Device struct {
	Name  string
	Light Light
}

// Registry lists the running lights.
type Registry interface {
	Devices() []Device
	Device(mac protocol.MACAddress) (Device, bool)
}

// Discoverer starts an extra discovery pass.
type Discoverer interface {
	Trigger()
}

// History returns ledger entries of one light.
type History interface {
	Find(q ledger.Query) ([]*ledger.Entry, error)
}

// Inventory lists every remembered device.
type Inventory interface {
	All() ([]storage.Device, error)
}

// Check is a readiness probe of one dependency.
type Check func(ctx context.Context) error

// Deps are the collaborators of the handlers. Discovery, History, Inventory
// and Checks are optional.
type Deps struct {
	Registry  Registry
	Discovery Discoverer
	History   History
	Inventory Inventory
	Checks    map[string]Check
}

type ctxKey int

const ctxKeyRequestID ctxKey = iota

// Server is the HTTP front of the daemon.
type Server struct {
	cfg  config.HTTPConfig
	deps Deps
}

func New(cfg config.HTTPConfig, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(recoveryMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/lights", func(r chi.Router) {
			r.Get("/", s.handleListLights)
			r.Route("/{mac}", func(r chi.Router) {
				r.Get("/", s.handleGetLight)
				r.Put("/state", s.handleSetState)
				r.Get("/history", s.handleHistory)
			})
		})
		r.Get("/inventory", s.handleInventory)
		r.Post("/discovery", s.handleDiscovery)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down within shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout.Duration(),
		WriteTimeout: s.cfg.WriteTimeout.Duration(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}()

	log.Info().Str("addr", srv.Addr).Msg("Starting HTTP server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		id, _ := r.Context().Value(ctxKeyRequestID).(string)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Str("request_id", id).
			Msg("HTTP request")
	})
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				log.Error().Interface("panic", p).Str("path", r.URL.Path).Msg("HTTP handler panicked")
				writeInternalError(w, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}
