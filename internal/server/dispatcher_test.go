package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alex-mextner/fast-ngrok/internal/protocol"
)

func TestResolveSubdomain(t *testing.T) {
	tests := []struct {
		name   string
		host   string
		header string
		want   string
	}{
		{"host label", "brave-fox-abcd.tunnel.example.com", "", "brave-fox-abcd"},
		{"host with port", "brave-fox-abcd.tunnel.example.com:443", "", "brave-fox-abcd"},
		{"bare host", "localhost", "", "localhost"},
		{"header wins", "other.tunnel.example.com", "brave-fox-abcd", "brave-fox-abcd"},
		{"uppercase folded", "Brave-Fox-ABCD.tunnel.example.com", "", "brave-fox-abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
			r.Host = tt.host
			if tt.header != "" {
				r.Header.Set("X-Tunnel-Subdomain", tt.header)
			}
			if got := resolveSubdomain(r); got != tt.want {
				t.Errorf("resolveSubdomain = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDispatcher_UnknownSubdomain(t *testing.T) {
	handler := Dispatcher(NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "http://nope.tunnel.example.com/", nil)
	req.Host = "nope.tunnel.example.com"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// respondWith runs a fake client: every http_request seen on the control
// connection is answered by fn.
func respondWith(conn *fakeConn, fn func(req *protocol.Message) []frame) {
	go func() {
		for f := range conn.out {
			if f.messageType != websocket.TextMessage {
				continue
			}
			m, err := protocol.Decode(f.data)
			if err != nil || m.Type != protocol.TypeHTTPRequest {
				continue
			}
			for _, reply := range fn(m) {
				conn.in <- reply
			}
		}
	}()
}

func text(m *protocol.Message) frame {
	data, _ := protocol.Encode(m)
	return frame{websocket.TextMessage, data}
}

func TestDispatcher_InlineRoundTrip(t *testing.T) {
	registry := NewRegistry()
	tn, conn := newTestTunnel("brave-fox-abcd", "key")
	_ = registry.Register(tn)
	go tn.ReadLoop()
	defer tn.Close(websocket.CloseGoingAway, "test done")

	var seen *protocol.Message
	respondWith(conn, func(req *protocol.Message) []frame {
		seen = req
		return []frame{text(&protocol.Message{
			Type:      protocol.TypeHTTPResponse,
			RequestID: req.RequestID,
			Status:    200,
			Headers:   map[string]string{"Content-Type": "text/plain", "X-Served-By": "local"},
			Body:      "hello public",
		})}
	})

	srv := httptest.NewServer(Dispatcher(registry))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/echo?x=1", strings.NewReader("payload"))
	req.Host = "brave-fox-abcd.tunnel.example.com"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello public" {
		t.Errorf("body = %q", body)
	}
	if resp.Header.Get("X-Served-By") != "local" {
		t.Errorf("headers not forwarded: %v", resp.Header)
	}
	if seen == nil {
		t.Fatal("client never saw the request")
	}
	if seen.Method != http.MethodPost || seen.Path != "/api/echo?x=1" || seen.Body != "payload" {
		t.Errorf("forwarded request = %+v", seen)
	}
}

func TestDispatcher_BinaryRoundTrip(t *testing.T) {
	registry := NewRegistry()
	tn, conn := newTestTunnel("brave-fox-abcd", "key")
	_ = registry.Register(tn)
	go tn.ReadLoop()
	defer tn.Close(websocket.CloseGoingAway, "test done")

	payload := []byte{0x00, 0x01, 0xfe, 0xff}
	respondWith(conn, func(req *protocol.Message) []frame {
		return []frame{
			text(&protocol.Message{
				Type:      protocol.TypeHTTPResponseBinary,
				RequestID: req.RequestID,
				Status:    200,
				Headers:   map[string]string{"Content-Type": "application/octet-stream"},
				BodySize:  int64(len(payload)),
			}),
			{websocket.BinaryMessage, payload},
		}
	})

	srv := httptest.NewServer(Dispatcher(registry))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/blob", nil)
	req.Host = "brave-fox-abcd.tunnel.example.com"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != string(payload) {
		t.Errorf("body = %v, want %v", body, payload)
	}
}

func TestDispatcher_StreamRoundTrip(t *testing.T) {
	registry := NewRegistry()
	tn, conn := newTestTunnel("brave-fox-abcd", "key")
	_ = registry.Register(tn)
	go tn.ReadLoop()
	defer tn.Close(websocket.CloseGoingAway, "test done")

	respondWith(conn, func(req *protocol.Message) []frame {
		return []frame{
			text(&protocol.Message{
				Type:      protocol.TypeStreamStart,
				RequestID: req.RequestID,
				Status:    200,
				Headers:   map[string]string{"Content-Type": "application/octet-stream"},
				TotalSize: 8,
			}),
			text(&protocol.Message{Type: protocol.TypeStreamChunk, RequestID: req.RequestID, ChunkSize: 4}),
			{websocket.BinaryMessage, []byte("abcd")},
			text(&protocol.Message{Type: protocol.TypeStreamChunk, RequestID: req.RequestID, ChunkSize: 4}),
			{websocket.BinaryMessage, []byte("efgh")},
			text(&protocol.Message{Type: protocol.TypeStreamEnd, RequestID: req.RequestID}),
		}
	})

	srv := httptest.NewServer(Dispatcher(registry))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/stream", nil)
	req.Host = "brave-fox-abcd.tunnel.example.com"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "abcdefgh" {
		t.Errorf("body = %q", body)
	}
}

func TestDispatcher_TunnelClosedWhileWaiting(t *testing.T) {
	registry := NewRegistry()
	tn, conn := newTestTunnel("brave-fox-abcd", "key")
	_ = registry.Register(tn)
	go tn.ReadLoop()

	respondWith(conn, func(req *protocol.Message) []frame {
		go registry.Evict(tn, websocket.CloseGoingAway, "tunnel disconnected")
		return nil
	})

	srv := httptest.NewServer(Dispatcher(registry))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	req.Host = "brave-fox-abcd.tunnel.example.com"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestDispatcher_ClosedTunnelSend(t *testing.T) {
	registry := NewRegistry()
	tn, _ := newTestTunnel("brave-fox-abcd", "key")
	_ = registry.Register(tn)
	tn.Close(websocket.CloseGoingAway, "gone")

	srv := httptest.NewServer(Dispatcher(registry))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	req.Host = "brave-fox-abcd.tunnel.example.com"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestDispatcher_SendsTimingAdvisory(t *testing.T) {
	registry := NewRegistry()
	tn, conn := newTestTunnel("brave-fox-abcd", "key")
	_ = registry.Register(tn)
	go tn.ReadLoop()
	defer tn.Close(websocket.CloseGoingAway, "test done")

	timing := make(chan *protocol.Message, 1)
	go func() {
		for f := range conn.out {
			if f.messageType != websocket.TextMessage {
				continue
			}
			m, err := protocol.Decode(f.data)
			if err != nil {
				continue
			}
			switch m.Type {
			case protocol.TypeHTTPRequest:
				reply := text(&protocol.Message{
					Type:      protocol.TypeHTTPResponse,
					RequestID: m.RequestID,
					Status:    204,
				})
				conn.in <- reply
			case protocol.TypeRequestTiming:
				timing <- m
			}
		}
	}()

	srv := httptest.NewServer(Dispatcher(registry))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	req.Host = "brave-fox-abcd.tunnel.example.com"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	select {
	case m := <-timing:
		if m.RequestID == "" {
			t.Error("timing advisory missing requestId")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no request_timing advisory seen")
	}
}
