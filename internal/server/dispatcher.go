package server

import (
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alex-mextner/fast-ngrok/internal/protocol"
)

// Dispatcher handles every public request reaching the tunnel server: it
// resolves the target tunnel by subdomain, forwards the request over the
// control channel and assembles the response (inline, binary or streamed).
func Dispatcher(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subdomain := resolveSubdomain(r)
		t := registry.Get(subdomain)
		if t == nil {
			http.Error(w, "Tunnel not found", http.StatusNotFound)
			return
		}

		if websocket.IsWebSocketUpgrade(r) {
			servePassthrough(w, r, t)
			return
		}

		serveRequest(w, r, t)
	}
}

// resolveSubdomain prefers the header set by the trusted edge proxy and
// falls back to the leftmost label of the Host header.
func resolveSubdomain(r *http.Request) string {
	if s := r.Header.Get("X-Tunnel-Subdomain"); s != "" {
		return strings.ToLower(s)
	}
	host := hostWithoutPort(r.Host)
	if i := strings.IndexByte(host, '.'); i >= 0 {
		host = host[:i]
	}
	return strings.ToLower(host)
}

func hostWithoutPort(host string) string {
	if len(host) > 0 && host[0] == '[' {
		// IPv6: [::1]:80
		if j := strings.IndexByte(host, ']'); j >= 0 {
			return host[:j+1]
		}
	}
	for i := 0; i < len(host); i++ {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

// snapshotHeaders flattens a header map for the wire, joining repeated
// values the way an origin would see them.
func snapshotHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if len(vv) > 0 {
			out[k] = strings.Join(vv, ", ")
		}
	}
	return out
}

func serveRequest(w http.ResponseWriter, r *http.Request, t *Tunnel) {
	requestID := uuid.New().String()
	start := time.Now()

	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Bad Gateway: request body read failed", http.StatusBadGateway)
			return
		}
	}
	_ = r.Body.Close()

	done, err := t.RegisterPending(requestID)
	if err != nil {
		http.Error(w, "Tunnel disconnected", http.StatusBadGateway)
		return
	}

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	err = t.Send(&protocol.Message{
		Type:      protocol.TypeHTTPRequest,
		RequestID: requestID,
		Method:    r.Method,
		Path:      path,
		Headers:   snapshotHeaders(r.Header),
		Body:      string(body),
	})
	if err != nil {
		t.CancelPending(requestID)
		http.Error(w, "Tunnel disconnected", http.StatusBadGateway)
		return
	}

	select {
	case c := <-done:
		finishRequest(w, r, t, requestID, start, c)
	case <-r.Context().Done():
		// Public client went away; stop tracking, best effort.
		t.CancelPending(requestID)
	}
}

func finishRequest(w http.ResponseWriter, r *http.Request, t *Tunnel, requestID string, start time.Time, c completion) {
	switch c.kind {
	case completeTimeout:
		http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
	case completeClosed:
		http.Error(w, "Tunnel disconnected", http.StatusBadGateway)
	case completeResponse:
		writeHeaders(w, c.headers)
		w.WriteHeader(c.status)
		if len(c.body) > 0 {
			_, _ = w.Write(c.body)
		}
		sendTiming(t, requestID, start)
	case completeStream:
		serveStream(w, r, t, c)
		sendTiming(t, requestID, start)
	}
}

func serveStream(w http.ResponseWriter, r *http.Request, t *Tunnel, c completion) {
	s := c.stream
	defer t.ReleaseStream(s.requestID)

	// Unblock the producer if the public client disconnects mid-stream.
	ctx := r.Context()
	go func() {
		<-ctx.Done()
		s.cancel()
	}()

	writeHeaders(w, c.headers)
	w.WriteHeader(c.status)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		chunk, ok := s.next()
		if !ok {
			break
		}
		if _, err := w.Write(chunk); err != nil {
			s.cancel()
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := s.Err(); err != nil {
		log.Printf("[tunnel] %s: stream %s aborted: %v", t.Subdomain, s.requestID, err)
		// Kill the connection so the edge observes a truncated body instead
		// of a clean end.
		panic(http.ErrAbortHandler)
	}
}

func writeHeaders(w http.ResponseWriter, headers map[string]string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
}

// sendTiming emits the advisory request_timing after the public response has
// been produced. Best effort; never blocks the request path on failure.
func sendTiming(t *Tunnel, requestID string, start time.Time) {
	_ = t.Send(&protocol.Message{
		Type:      protocol.TypeRequestTiming,
		RequestID: requestID,
		Duration:  time.Since(start).Milliseconds(),
	})
}
