// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package httpapi exposes the bridged devices over HTTP.
//
//	GET  /health                    liveness
//	GET  /ready                     readiness, including the state recorder
//	GET  /metrics                   Prometheus metrics
//	GET  /devices                   every bridged device
//	GET  /devices/{id}              one device
//	POST /devices/{id}/push         apply a desired state (JSON object)
//	POST /devices/{id}/pull         refresh observed state
//	POST /devices/{id}/disconnect   forget the device
//
// Health, readiness and the command endpoints are rate limited.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/soothill/cast-bridge/bridge"
	"github.com/soothill/cast-bridge/pkg/errors"
	"github.com/soothill/cast-bridge/pkg/logger"
	"golang.org/x/time/rate"
)

const (
	readinessCheckTimeout = 2 * time.Second
	commandTimeout        = 30 * time.Second
	maxBodyBytes          = 64 << 10
)

// Device is the part of a bridge instance the API drives.
// *bridge.Bridge satisfies it.
type Device interface {
	Identity() string
	Meta() (bridge.Meta, bool)
	State() bridge.State
	Reachable() bool
	Observed() bridge.ObservedState
	PushMap(m map[string]any) (*bridge.Completion, error)
	Pull() *bridge.Completion
	Disconnect()
}

// Registry looks up bridged devices.
type Registry interface {
	Device(id string) (Device, bool)
	Devices() []Device
}

// HealthChecker reports backend health for readiness. May be nil.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Registry  Registry
	Recorder  HealthChecker
	RateLimit float64 // requests per second per limited endpoint group
	Burst     int
}

// Server serves the device API.
type Server struct {
	registry Registry
	recorder HealthChecker
	router   chi.Router
	log      zerolog.Logger
}

// deviceView is the JSON form of a device.
type deviceView struct {
	ID        string               `json:"id"`
	State     string               `json:"state"`
	Reachable bool                 `json:"reachable"`
	Meta      *bridge.Meta         `json:"meta,omitempty"`
	Observed  bridge.ObservedState `json:"observed"`
}

// commandView reports the outcome of a push or pull.
type commandView struct {
	ID       string               `json:"id"`
	Results  map[string]string    `json:"results,omitempty"`
	Error    string               `json:"error,omitempty"`
	Observed bridge.ObservedState `json:"observed"`
}

// New builds the router.
func New(opts Options) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}

	s := &Server{
		registry: opts.Registry,
		recorder: opts.Recorder,
		log:      logger.Component("httpapi"),
	}

	healthLimiter := rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst)
	commandLimiter := rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit(healthLimiter))
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
	})
	r.Route("/devices", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Group(func(r chi.Router) {
				r.Use(s.rateLimit(commandLimiter))
				r.Post("/push", s.handlePush)
				r.Post("/pull", s.handlePull)
				r.Post("/disconnect", s.handleDisconnect)
			})
		})
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// rateLimit rejects requests beyond the limiter's budget.
func (s *Server) rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				s.log.Warn().
					Str("path", r.URL.Path).
					Str("remote_addr", r.RemoteAddr).
					Msg("Rate limit exceeded")
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.recorder != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readinessCheckTimeout)
		defer cancel()
		if err := s.recorder.Health(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Readiness check failed: state recorder unhealthy")
			writeText(w, http.StatusServiceUnavailable, "NOT READY: state recorder unhealthy")
			return
		}
	}
	writeText(w, http.StatusOK, "READY")
}

func view(d Device) deviceView {
	v := deviceView{
		ID:        d.Identity(),
		State:     d.State().String(),
		Reachable: d.Reachable(),
		Observed:  d.Observed(),
	}
	if m, ok := d.Meta(); ok {
		v.Meta = &m
	}
	return v
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.Devices()
	items := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		items = append(items, view(d))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) device(w http.ResponseWriter, r *http.Request) (Device, bool) {
	d, ok := s.registry.Device(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "device not found", http.StatusNotFound)
	}
	return d, ok
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view(d))
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var desired map[string]any
	if err := json.Unmarshal(body, &desired); err != nil || desired == nil {
		http.Error(w, "body must be a JSON object", http.StatusBadRequest)
		return
	}

	c, err := d.PushMap(desired)
	if err != nil {
		writeJSON(w, statusFor(err), commandView{ID: d.Identity(), Error: err.Error(), Observed: d.Observed()})
		return
	}
	s.finish(w, r, d, c)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	s.finish(w, r, d, d.Pull())
}

// finish waits for c and reports each command's outcome.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, d Device, c *bridge.Completion) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	err := c.Wait(ctx)
	if ctx.Err() != nil {
		http.Error(w, "timed out waiting for device", http.StatusGatewayTimeout)
		return
	}

	out := commandView{ID: d.Identity(), Observed: d.Observed()}
	if results := c.Results(); len(results) > 0 {
		out.Results = make(map[string]string, len(results))
		for class, rerr := range results {
			if rerr == nil {
				out.Results[class] = "ok"
			} else {
				out.Results[class] = rerr.Error()
			}
		}
	}
	status := http.StatusOK
	if err != nil {
		out.Error = err.Error()
		status = statusFor(err)
		s.log.Debug().Err(err).Str("device_id", d.Identity()).Msg("Device command failed")
	}
	writeJSON(w, status, out)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	d.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.IsValidationError(err):
		return http.StatusBadRequest
	case errors.IsUnreachable(err):
		return http.StatusServiceUnavailable
	case errors.IsCommandError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
