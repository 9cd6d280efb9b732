package server

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/alex-mextner/fast-ngrok/internal/protocol"
)

var controlUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ControlHandler serves /__tunnel__/connect: it authenticates the client,
// picks the subdomain (explicit query -> sticky cache -> fresh allocation),
// applies the reconnect-eviction policy, upgrades the connection and runs
// the control read loop until the client goes away.
func ControlHandler(registry *Registry, cache *SubdomainCache, apiKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if !secureCompare(key, apiKey) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		port, _ := strconv.Atoi(r.URL.Query().Get("port"))

		subdomain := r.URL.Query().Get("subdomain")
		if subdomain != "" && !validSubdomain(subdomain) {
			http.Error(w, "invalid subdomain", http.StatusBadRequest)
			return
		}
		if subdomain == "" && port > 0 {
			subdomain = cache.Get(key, port)
		}
		if subdomain == "" {
			for {
				subdomain = newSubdomain()
				if !registry.Has(subdomain) {
					break
				}
			}
		}

		if cache.ReservedByOther(key, port, subdomain) {
			http.Error(w, "subdomain reserved", http.StatusConflict)
			return
		}

		if existing := registry.Get(subdomain); existing != nil {
			if !secureCompare(existing.APIKey(), key) {
				http.Error(w, "subdomain in use", http.StatusConflict)
				return
			}
			// Same key: the new connection wins.
			registry.Evict(existing, websocket.CloseNormalClosure, "Reconnecting")
		}

		conn, err := controlUpgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error response.
			log.Printf("[tunnel] upgrade failed for %s: %v", subdomain, err)
			return
		}

		t := NewTunnel(subdomain, key, conn)
		if err := registry.Register(t); err != nil {
			// Lost a race with a concurrent registration for the same name.
			log.Printf("[tunnel] register %s: %v", subdomain, err)
			t.Close(websocket.ClosePolicyViolation, "subdomain in use")
			return
		}

		if err := t.Send(&protocol.Message{Type: protocol.TypeConnected, Subdomain: subdomain}); err != nil {
			registry.Evict(t, websocket.CloseInternalServerErr, "handshake failed")
			return
		}
		if port > 0 {
			cache.Put(key, port, subdomain)
		}

		log.Printf("[tunnel] registered %s (port %d) from %s", subdomain, port, r.RemoteAddr)
		t.ReadLoop()
		registry.Evict(t, websocket.CloseGoingAway, "connection lost")
		log.Printf("[tunnel] closed %s", subdomain)
	}
}
