package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"

	"github.com/alex-mextner/fast-ngrok/internal/protocol"
)

type capturedFrame struct {
	messageType int
	data        []byte
}

// newTestSession wires a session to a capture server over a real WebSocket
// so every frame the handler sends can be asserted on.
func newTestSession(t *testing.T, localPort int) (*session, <-chan capturedFrame) {
	t.Helper()
	frames := make(chan capturedFrame, 256)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- capturedFrame{mt, data}
		}
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial capture server: %v", err)
	}

	c := New(Config{LocalPort: localPort, APIKey: "k", ServerURL: srv.URL})
	sess := newSession(c, conn, "test-sub")
	t.Cleanup(sess.teardown)
	return sess, frames
}

func localServer(t *testing.T, handler http.HandlerFunc) int {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	return port
}

func nextText(t *testing.T, frames <-chan capturedFrame) *protocol.Message {
	t.Helper()
	for {
		select {
		case f := <-frames:
			if f.messageType != websocket.TextMessage {
				t.Fatalf("expected text frame, got type %d", f.messageType)
			}
			m, err := protocol.Decode(f.data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if m.Type == protocol.TypePong {
				continue // keepalive noise
			}
			return m
		case <-time.After(3 * time.Second):
			t.Fatal("no frame received")
			return nil
		}
	}
}

func nextBinary(t *testing.T, frames <-chan capturedFrame) []byte {
	t.Helper()
	select {
	case f := <-frames:
		if f.messageType != websocket.BinaryMessage {
			t.Fatalf("expected binary frame, got type %d: %s", f.messageType, f.data)
		}
		return f.data
	case <-time.After(3 * time.Second):
		t.Fatal("no binary frame received")
		return nil
	}
}

func TestClassifyRequest(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		path    string
		want    string
	}{
		{"websocket", map[string]string{"Upgrade": "websocket"}, "/", ClassWS},
		{"sse accept", map[string]string{"Accept": "text/event-stream"}, "/events", ClassSSE},
		{"hmr path", nil, "/main.abc.hot-update.json", ClassSSE},
		{"plain", map[string]string{"Accept": "text/html"}, "/", ClassHTTP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &protocol.Message{Headers: tt.headers, Path: tt.path}
			if got := classifyRequest(m); got != tt.want {
				t.Errorf("classifyRequest = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandler_SmallPlainResponse_Inline(t *testing.T) {
	port := localServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "tiny")
	})
	sess, frames := newTestSession(t, port)

	sess.handleRequest(&protocol.Message{
		Type: protocol.TypeHTTPRequest, RequestID: "r1", Method: "GET", Path: "/",
	})

	m := nextText(t, frames)
	if m.Type != protocol.TypeHTTPResponse || m.Status != 200 || m.Body != "tiny" {
		t.Errorf("message = %+v", m)
	}
}

func TestHandler_Compressible_GoesBinaryZstd(t *testing.T) {
	body := compressibleBody(3 * 1024)
	port := localServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(body)
	})
	sess, frames := newTestSession(t, port)

	sess.handleRequest(&protocol.Message{
		Type: protocol.TypeHTTPRequest, RequestID: "r1", Method: "GET", Path: "/index.html",
		Headers: map[string]string{"Accept-Encoding": "gzip, br, zstd"},
	})

	m := nextText(t, frames)
	if m.Type != protocol.TypeHTTPResponseBinary || m.Status != 200 {
		t.Fatalf("message = %+v", m)
	}
	if m.Headers["content-encoding"] != "zstd" {
		t.Errorf("content-encoding = %q", m.Headers["content-encoding"])
	}
	payload := nextBinary(t, frames)
	if int64(len(payload)) != m.BodySize {
		t.Errorf("bodySize = %d, frame = %d", m.BodySize, len(payload))
	}
	r, err := zstd.NewReader(bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	decoded, _ := io.ReadAll(r)
	if !bytes.Equal(decoded, body) {
		t.Error("decompressed body does not match original")
	}
}

func TestHandler_ETagShortCircuit(t *testing.T) {
	port := localServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Etag", `W/"abc"`)
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("Content-Type", "application/javascript")
		w.Write(compressibleBody(2048))
	})
	sess, frames := newTestSession(t, port)

	sess.handleRequest(&protocol.Message{
		Type: protocol.TypeHTTPRequest, RequestID: "r1", Method: "GET", Path: "/asset.js",
		Headers: map[string]string{"If-None-Match": `"abc"`, "Accept-Encoding": "zstd"},
	})

	m := nextText(t, frames)
	if m.Type != protocol.TypeHTTPResponse || m.Status != http.StatusNotModified {
		t.Fatalf("message = %+v", m)
	}
	if m.Body != "" {
		t.Errorf("304 carried a body: %q", m.Body)
	}
	if m.Headers["etag"] != `W/"abc"` {
		t.Errorf("etag = %q", m.Headers["etag"])
	}
	if m.Headers["cache-control"] != "max-age=60" {
		t.Errorf("cache-control = %q", m.Headers["cache-control"])
	}
	if _, ok := m.Headers["content-encoding"]; ok {
		t.Error("304 must not be compressed")
	}
	for k := range m.Headers {
		switch k {
		case "etag", "cache-control", "vary":
		default:
			t.Errorf("unexpected 304 header %q", k)
		}
	}
}

func TestHandler_SSE_Streams(t *testing.T) {
	port := localServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(200)
		f := w.(http.Flusher)
		fmt.Fprint(w, "data: one\n\n")
		f.Flush()
		fmt.Fprint(w, "data: two\n\n")
		f.Flush()
	})
	sess, frames := newTestSession(t, port)

	sess.handleRequest(&protocol.Message{
		Type: protocol.TypeHTTPRequest, RequestID: "r1", Method: "GET", Path: "/events",
		Headers: map[string]string{"Accept": "text/event-stream"},
	})

	m := nextText(t, frames)
	if m.Type != protocol.TypeStreamStart || m.Status != 200 {
		t.Fatalf("message = %+v", m)
	}
	if m.TotalSize != 0 {
		t.Errorf("SSE totalSize = %d, want absent", m.TotalSize)
	}
	for _, banned := range []string{"content-length", "content-encoding", "transfer-encoding"} {
		if _, ok := m.Headers[banned]; ok {
			t.Errorf("SSE headers carry %q", banned)
		}
	}

	var got []byte
	for {
		m := nextText(t, frames)
		if m.Type == protocol.TypeStreamEnd {
			break
		}
		if m.Type != protocol.TypeStreamChunk {
			t.Fatalf("message = %+v", m)
		}
		chunk := nextBinary(t, frames)
		if len(chunk) != m.ChunkSize {
			t.Errorf("chunkSize = %d, frame = %d", m.ChunkSize, len(chunk))
		}
		got = append(got, chunk...)
	}
	if string(got) != "data: one\n\ndata: two\n\n" {
		t.Errorf("streamed body = %q", got)
	}
}

func TestHandler_LargeBody_StreamsWithTotalSize(t *testing.T) {
	body := bytes.Repeat([]byte{0xA5}, 300*1024) // incompressible type, > inline limit
	port := localServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	})
	sess, frames := newTestSession(t, port)

	sess.handleRequest(&protocol.Message{
		Type: protocol.TypeHTTPRequest, RequestID: "r1", Method: "GET", Path: "/blob.bin",
	})

	m := nextText(t, frames)
	if m.Type != protocol.TypeStreamStart {
		t.Fatalf("message = %+v", m)
	}
	if m.TotalSize != int64(len(body)) {
		t.Errorf("totalSize = %d, want %d", m.TotalSize, len(body))
	}
	if _, ok := m.Headers["content-encoding"]; ok {
		t.Error("large binary stream must not be compressed")
	}

	var got []byte
	for {
		m := nextText(t, frames)
		if m.Type == protocol.TypeStreamEnd {
			break
		}
		if m.Type != protocol.TypeStreamChunk {
			t.Fatalf("message = %+v", m)
		}
		chunk := nextBinary(t, frames)
		if len(chunk) > streamChunkLen {
			t.Errorf("chunk of %d exceeds %d", len(chunk), streamChunkLen)
		}
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("reassembled %d bytes, want %d", len(got), len(body))
	}
}

func TestHandler_LoopbackUnreachable_502(t *testing.T) {
	sess, frames := newTestSession(t, 1) // nothing listens on port 1

	sess.handleRequest(&protocol.Message{
		Type: protocol.TypeHTTPRequest, RequestID: "r1", Method: "GET", Path: "/",
	})

	m := nextText(t, frames)
	if m.Type != protocol.TypeHTTPResponse || m.Status != http.StatusBadGateway {
		t.Fatalf("message = %+v", m)
	}
	if !strings.HasPrefix(m.Body, "Bad Gateway: ") {
		t.Errorf("body = %q", m.Body)
	}
}

func TestHandler_StripsTunnelHeaders(t *testing.T) {
	var seen http.Header
	port := localServer(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Write([]byte("ok"))
	})
	sess, frames := newTestSession(t, port)

	sess.handleRequest(&protocol.Message{
		Type: protocol.TypeHTTPRequest, RequestID: "r1", Method: "GET", Path: "/",
		Headers: map[string]string{
			"Host":               "brave-fox-abcd.tunnel.example.com",
			"X-Tunnel-Subdomain": "brave-fox-abcd",
			"Accept-Encoding":    "gzip",
			"X-Custom":           "kept",
		},
	})
	nextText(t, frames)

	if seen.Get("X-Tunnel-Subdomain") != "" {
		t.Error("x-tunnel-subdomain leaked to loopback")
	}
	if seen.Get("X-Custom") != "kept" {
		t.Error("custom header lost")
	}
	if seen.Get("Accept-Encoding") != "gzip" {
		t.Error("accept-encoding must be forwarded")
	}
}

func TestHandler_Local304_PassedThroughUncompressed(t *testing.T) {
	port := localServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Etag", `"v1"`)
		w.WriteHeader(http.StatusNotModified)
	})
	sess, frames := newTestSession(t, port)

	sess.handleRequest(&protocol.Message{
		Type: protocol.TypeHTTPRequest, RequestID: "r1", Method: "GET", Path: "/cached",
		Headers: map[string]string{"Accept-Encoding": "zstd, br, gzip"},
	})

	m := nextText(t, frames)
	if m.Type != protocol.TypeHTTPResponse || m.Status != http.StatusNotModified {
		t.Fatalf("message = %+v", m)
	}
	if _, ok := m.Headers["content-encoding"]; ok {
		t.Error("304 must never be compressed")
	}
}
