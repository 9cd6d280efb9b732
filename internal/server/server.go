package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"time"
)

const shutdownGrace = 5 * time.Second

// Config holds server configuration. APIKey and BaseDomain are required;
// TLS is terminated by the edge proxy in front of this server.
type Config struct {
	APIKey        string
	BaseDomain    string
	Port          int
	DataDir       string
	CaddyAdminURL string // consumed by the edge-route collaborator, unused here
}

// Server runs the tunnel server: the control endpoint for clients and the
// public dispatcher for edge traffic, on a single port.
type Server struct {
	cfg      Config
	registry *Registry
	cache    *SubdomainCache

	httpServer *http.Server
}

// New creates a new Server.
func New(cfg Config) (*Server, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api-key is required")
	}
	if cfg.BaseDomain == "" {
		return nil, fmt.Errorf("base-domain is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 3100
	}
	if cfg.DataDir == "" {
		cfg.DataDir = ".fast-ngrok-server"
	}

	registry := NewRegistry()
	cache := NewSubdomainCache(filepath.Join(cfg.DataDir, "subdomains.json"))

	s := &Server{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
	}
	return s, nil
}

// Handler returns the full HTTP surface: the /__tunnel__/ endpoints plus the
// catch-all public dispatcher.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/__tunnel__/health", s.handleHealth)
	mux.HandleFunc("/__tunnel__/verify", s.handleVerify)
	mux.HandleFunc("/__tunnel__/status", s.handleStatus)
	mux.HandleFunc("/__tunnel__/connect", ControlHandler(s.registry, s.cache, s.cfg.APIKey))
	mux.Handle("/", Dispatcher(s.registry))
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully: waits up to
// the grace period for pending requests, tears down every tunnel and flushes
// the subdomain cache.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	deadline := time.Now().Add(shutdownGrace)
	for s.registry.HasPendingRequests() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	s.registry.Shutdown()
	if err := s.cache.Flush(); err != nil {
		log.Printf("[tunnel] cache flush: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !secureCompare(r.Header.Get("X-API-Key"), s.cfg.APIKey) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// tunnelStatus is one row in the status response.
type tunnelStatus struct {
	Subdomain       string `json:"subdomain"`
	CreatedAt       int64  `json:"createdAt"`
	PendingRequests int    `json:"pendingRequests"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !secureCompare(r.Header.Get("X-API-Key"), s.cfg.APIKey) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	tunnels := s.registry.Tunnels()
	out := struct {
		ActiveTunnels int            `json:"activeTunnels"`
		Tunnels       []tunnelStatus `json:"tunnels"`
	}{
		ActiveTunnels: len(tunnels),
		Tunnels:       make([]tunnelStatus, 0, len(tunnels)),
	}
	for _, t := range tunnels {
		out.Tunnels = append(out.Tunnels, tunnelStatus{
			Subdomain:       t.Subdomain,
			CreatedAt:       t.CreatedAt.UnixMilli(),
			PendingRequests: t.PendingCount(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// Registry returns the tunnel registry.
func (s *Server) Registry() *Registry { return s.registry }

// Cache returns the sticky subdomain cache.
func (s *Server) Cache() *SubdomainCache { return s.cache }
