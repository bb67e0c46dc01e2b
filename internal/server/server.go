// Package server exposes the capture commands and the event stream over HTTP
// for the GUI shell.
//
// Routes:
//
//	POST /v1/capture/start            start a session ({"device_hint": "..."})
//	POST /v1/capture/stop             stop the running session
//	GET  /v1/capture/status           session and settings snapshot
//	POST /v1/capture/probe?seconds=N  bounded level probe
//	GET  /v1/devices[?verbose=1]      capture devices, best loopback first
//	GET  /v1/settings                 current VAD settings
//	PUT  /v1/settings                 replace all VAD settings
//	PUT  /v1/settings/{field}         update one VAD setting ({"value": n})
//	POST /v1/settings/reset           restore VAD defaults
//	GET  /v1/permission               whether capture is possible
//	POST /v1/permission/request       open the OS settings page
//	GET  /v1/events[?types=a,b]       websocket event stream
//	GET  /healthz, /readyz, /metrics
//
// Failures are returned as {"error": {"kind": "...", "message": "..."}}.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/internal/events"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/permission"
)

// Timeouts.
const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
	commandTimeout    = 5 * time.Second

	// MaxProbe bounds the duration accepted by the probe route.
	MaxProbe = 10 * time.Second
)

// Config holds the dependencies of a [Server].
type Config struct {
	// Controller runs capture sessions. Required.
	Controller *capture.Controller

	// Hub feeds the event stream. Required.
	Hub *events.Hub

	// Permission answers the permission routes. Default: a checker backed by
	// Controller.
	Permission *permission.Checker

	// Health serves /healthz and /readyz. Default: no readiness checks.
	Health *health.Handler

	// Metrics records HTTP request durations. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Default: promhttp.Handler().
	MetricsHandler http.Handler

	// AllowedOrigins are extra websocket origin patterns.
	AllowedOrigins []string
}

// Server is the HTTP API. Create it with [New].
type Server struct {
	ctrl    *capture.Controller
	hub     *events.Hub
	perm    *permission.Checker
	origins []string
	handler http.Handler
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("server: controller is required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("server: event hub is required")
	}
	if cfg.Permission == nil {
		cfg.Permission = permission.New(cfg.Controller)
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}

	s := &Server{
		ctrl:    cfg.Controller,
		hub:     cfg.Hub,
		perm:    cfg.Permission,
		origins: cfg.AllowedOrigins,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/capture/start", s.handleStart)
	mux.HandleFunc("POST /v1/capture/stop", s.handleStop)
	mux.HandleFunc("GET /v1/capture/status", s.handleStatus)
	mux.HandleFunc("POST /v1/capture/probe", s.handleProbe)
	mux.HandleFunc("GET /v1/devices", s.handleDevices)
	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handleReplaceSettings)
	mux.HandleFunc("PUT /v1/settings/{field}", s.handleSetSetting)
	mux.HandleFunc("POST /v1/settings/reset", s.handleResetSettings)
	mux.HandleFunc("GET /v1/permission", s.handleCheckPermission)
	mux.HandleFunc("POST /v1/permission/request", s.handleRequestPermission)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	cfg.Health.Register(mux)
	mux.Handle("GET /metrics", cfg.MetricsHandler)

	s.handler = observe.Middleware(cfg.Metrics)(mux)
	return s, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. When cert and key are both set it serves TLS.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, certFile, keyFile)
}

// Serve is [Server.ListenAndServe] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, certFile, keyFile string) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if certFile != "" && keyFile != "" {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", ln.Addr().String(), "tls", srv.TLSConfig != nil)
		if srv.TLSConfig != nil {
			errc <- srv.ServeTLS(ln, certFile, keyFile)
		} else {
			errc <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	<-errc
	slog.Info("server: stopped")
	return nil
}
