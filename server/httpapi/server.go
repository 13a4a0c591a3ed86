// Package httpapi serves the operational HTTP endpoints of mailflow serve:
// prometheus metrics and a health check over the backing stores.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/mailflow/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP server
type Server struct {
	addr         string
	metricsPath  string
	allowedHosts []string
	checks       map[string]HealthCheck
	checkTimeout time.Duration
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP server
type ServerOptions struct {
	Addr         string
	MetricsPath  string
	AllowedHosts []string
	Checks       map[string]HealthCheck
	CheckTimeout time.Duration
}

// New creates a new HTTP server
func New(options ServerOptions) (*Server, error) {
	if options.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	metricsPath := options.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if !strings.HasPrefix(metricsPath, "/") {
		return nil, fmt.Errorf("metrics path must start with '/': %q", metricsPath)
	}
	timeout := options.CheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Server{
		addr:         options.Addr,
		metricsPath:  metricsPath,
		allowedHosts: options.AllowedHosts,
		checks:       options.Checks,
		checkTimeout: timeout,
	}, nil
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP: error shutting down", "error", err)
		}
	}()

	logger.Info("HTTP: listening", "addr", s.addr, "metrics", s.metricsPath)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router configures all HTTP routes and middleware
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.Handle(s.metricsPath, promhttp.Handler()).Methods("GET")
	router.HandleFunc("/health", s.handleHealth).Methods("GET", "HEAD")

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 || hostAllowed(s.allowedHosts, getClientIP(r)) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

func hostAllowed(allowed []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	for _, host := range allowed {
		if host == clientIP {
			return true
		}
		if strings.Contains(host, "/") && ip != nil {
			if _, cidr, err := net.ParseCIDR(host); err == nil && cidr.Contains(ip) {
				return true
			}
		}
	}
	return false
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.checkTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{Status: "healthy", Components: map[string]string{}}
	status := http.StatusOK
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			logger.Warn("HTTP: health check failed", "component", name, "error", err)
			resp.Components[name] = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "ok"
	}
	writeJSON(w, status, resp)
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP: error encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
