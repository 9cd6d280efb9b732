package server

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Registry maps subdomain to the active tunnel. In-memory only; tunnels do
// not survive a server restart.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel
}

func NewRegistry() *Registry {
	return &Registry{tunnels: make(map[string]*Tunnel)}
}

// Register inserts a fresh tunnel. Duplicate subdomains are refused; the
// caller applies the reconnect-eviction policy before registering.
func (r *Registry) Register(t *Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tunnels[t.Subdomain]; ok {
		return fmt.Errorf("subdomain %s already registered", t.Subdomain)
	}
	r.tunnels[t.Subdomain] = t
	return nil
}

func (r *Registry) Get(subdomain string) *Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tunnels[subdomain]
}

func (r *Registry) Has(subdomain string) bool {
	return r.Get(subdomain) != nil
}

// Unregister removes the tunnel and tears it down: pending requests
// rejected, streams aborted, upgrades rejected, browser sockets closed.
func (r *Registry) Unregister(subdomain string, code int, reason string) {
	r.mu.Lock()
	t := r.tunnels[subdomain]
	delete(r.tunnels, subdomain)
	r.mu.Unlock()
	if t != nil {
		t.Close(code, reason)
	}
}

// Evict removes a tunnel only if it is still the given instance, so a
// finished read loop cannot tear down its reconnect replacement.
func (r *Registry) Evict(t *Tunnel, code int, reason string) {
	r.mu.Lock()
	if r.tunnels[t.Subdomain] == t {
		delete(r.tunnels, t.Subdomain)
	}
	r.mu.Unlock()
	t.Close(code, reason)
}

// Subdomains returns all registered subdomains.
func (r *Registry) Subdomains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tunnels))
	for s := range r.tunnels {
		out = append(out, s)
	}
	return out
}

// Tunnels returns a snapshot of all registered tunnels.
func (r *Registry) Tunnels() []*Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t)
	}
	return out
}

// HasPendingRequests reports whether any tunnel still has in-flight public
// requests. Used by graceful shutdown.
func (r *Registry) HasPendingRequests() bool {
	for _, t := range r.Tunnels() {
		if t.PendingCount() > 0 {
			return true
		}
	}
	return false
}

// Shutdown tears down every tunnel.
func (r *Registry) Shutdown() {
	for _, t := range r.Tunnels() {
		r.Evict(t, websocket.CloseGoingAway, "server shutting down")
	}
}
