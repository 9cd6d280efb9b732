package client

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alex-mextner/fast-ngrok/internal/protocol"
)

const (
	inlineLimit    = 256 * 1024        // <= this buffers and goes inline
	bufferLimit    = 100 * 1024 * 1024 // <= this buffers and streams compressed
	binaryCutover  = 64 * 1024         // inline bodies this big go as binary frames
	streamChunkLen = 64 * 1024
)

// loopbackClient has no global timeout: streamed and SSE responses run for
// as long as the local app keeps them open.
var loopbackClient = &http.Client{
	// The local app handles its own redirects from the browser's viewpoint.
	CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
}

// handleRequest forwards one tunnelled request to the loopback server and
// sends the response back in whichever wire mode fits: inline, binary,
// compressed stream, raw stream or SSE.
func (s *session) handleRequest(m *protocol.Message) {
	start := time.Now()
	class := classifyRequest(m)
	s.client.emit(Event{
		Kind:      EventRequestStarted,
		RequestID: m.RequestID,
		Method:    m.Method,
		Path:      m.Path,
		Class:     class,
	})

	resp, err := s.fetchLocal(m)
	if err != nil {
		log.Printf("[tunnel] %s %s: %v", m.Method, m.Path, err)
		s.respondError(m.RequestID, fmt.Sprintf("Bad Gateway: %v", err))
		s.client.emit(Event{Kind: EventRequestCompleted, RequestID: m.RequestID, Method: m.Method, Path: m.Path, Class: class, Status: http.StatusBadGateway, Duration: time.Since(start)})
		return
	}
	defer resp.Body.Close()

	status := s.respond(m, resp)
	s.client.emit(Event{Kind: EventRequestCompleted, RequestID: m.RequestID, Method: m.Method, Path: m.Path, Class: class, Status: status, Duration: time.Since(start)})
}

// classifyRequest picks the display class. ws for upgrade requests, sse for
// event-stream accepts or hot-reload endpoints, http otherwise. Display
// only; the response mode is decided by the response itself.
func classifyRequest(m *protocol.Message) string {
	if strings.EqualFold(headerGet(m.Headers, "Upgrade"), "websocket") {
		return ClassWS
	}
	if strings.Contains(headerGet(m.Headers, "Accept"), "text/event-stream") {
		return ClassSSE
	}
	if strings.Contains(m.Path, "hot-update") || strings.Contains(m.Path, "/@vite") {
		return ClassSSE
	}
	return ClassHTTP
}

// fetchLocal forwards the request to the loopback HTTP server.
func (s *session) fetchLocal(m *protocol.Message) (*http.Response, error) {
	target := fmt.Sprintf("http://localhost:%d%s", s.localPort, m.Path)
	hasBody := m.Method != http.MethodGet && m.Method != http.MethodHead

	var body io.Reader
	if hasBody {
		body = strings.NewReader(m.Body)
	}
	req, err := http.NewRequest(m.Method, target, body)
	if err != nil {
		return nil, err
	}
	for k, v := range m.Headers {
		switch strings.ToLower(k) {
		case "host", "x-tunnel-subdomain":
			// The loopback server must see itself, not the tunnel.
		case "content-length", "transfer-encoding":
			if hasBody {
				req.Header.Set(k, v)
			}
		default:
			// accept-encoding stays so the local app keeps its ETag and
			// Vary behavior.
			req.Header.Set(k, v)
		}
	}
	return loopbackClient.Do(req)
}

func (s *session) respondError(requestID, msg string) {
	err := s.send(&protocol.Message{
		Type:      protocol.TypeHTTPResponse,
		RequestID: requestID,
		Status:    http.StatusBadGateway,
		Headers:   map[string]string{"content-type": "text/plain"},
		Body:      msg,
	})
	if err != nil {
		log.Printf("[tunnel] send 502 for %s: %v", requestID, err)
	}
}

// respond picks the wire mode and sends the loopback response. Returns the
// status sent, for reporting.
func (s *session) respond(m *protocol.Message, resp *http.Response) int {
	headers := flattenHeaders(resp.Header)

	// Conditional GET short-circuit: the browser already has this body.
	if etag, ok := matchesIfNoneMatch(m.Headers, resp); ok {
		io.Copy(io.Discard, resp.Body)
		headers304 := map[string]string{"etag": etag}
		if v := resp.Header.Get("Cache-Control"); v != "" {
			headers304["cache-control"] = v
		}
		if v := resp.Header.Get("Vary"); v != "" {
			headers304["vary"] = v
		}
		s.sendInline(m.RequestID, http.StatusNotModified, headers304, "")
		return http.StatusNotModified
	}

	if isSSE(resp) {
		s.streamRaw(m.RequestID, resp, headers, 0, true)
		return resp.StatusCode
	}

	contentLength := resp.ContentLength
	if contentLength > bufferLimit {
		s.streamRaw(m.RequestID, resp, headers, contentLength, false)
		return resp.StatusCode
	}

	// Bounded or unknown size: buffer fully, then decide by actual size.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.respondError(m.RequestID, fmt.Sprintf("Bad Gateway: %v", err))
		return http.StatusBadGateway
	}

	scrubBodyHeaders(headers)

	encoded := body
	encoding := ""
	if resp.StatusCode != http.StatusNotModified {
		encoded, encoding = maybeCompress(body, headerGet(m.Headers, "Accept-Encoding"), resp.Header.Get("Content-Type"))
	}
	if encoding != "" {
		headers["content-encoding"] = encoding
	}
	headers["content-length"] = strconv.Itoa(len(encoded))

	if int64(len(body)) <= inlineLimit {
		if encoding != "" || len(encoded) >= binaryCutover || !utf8.Valid(encoded) {
			s.sendBinary(m.RequestID, resp.StatusCode, headers, encoded)
		} else {
			s.sendInline(m.RequestID, resp.StatusCode, headers, string(encoded))
		}
		return resp.StatusCode
	}

	s.streamBuffered(m.RequestID, resp.StatusCode, headers, encoded)
	return resp.StatusCode
}

func (s *session) sendInline(requestID string, status int, headers map[string]string, body string) {
	err := s.send(&protocol.Message{
		Type:      protocol.TypeHTTPResponse,
		RequestID: requestID,
		Status:    status,
		Headers:   headers,
		Body:      body,
	})
	if err != nil {
		log.Printf("[tunnel] send response for %s: %v", requestID, err)
	}
}

func (s *session) sendBinary(requestID string, status int, headers map[string]string, body []byte) {
	err := s.sendWithBinary(&protocol.Message{
		Type:      protocol.TypeHTTPResponseBinary,
		RequestID: requestID,
		Status:    status,
		Headers:   headers,
		BodySize:  int64(len(body)),
	}, body)
	if err != nil {
		log.Printf("[tunnel] send binary response for %s: %v", requestID, err)
	}
}

// streamBuffered sends an already-buffered body as a chunked stream with a
// known total size.
func (s *session) streamBuffered(requestID string, status int, headers map[string]string, body []byte) {
	err := s.send(&protocol.Message{
		Type:      protocol.TypeStreamStart,
		RequestID: requestID,
		Status:    status,
		Headers:   headers,
		TotalSize: int64(len(body)),
	})
	if err != nil {
		log.Printf("[tunnel] stream start for %s: %v", requestID, err)
		return
	}

	var sent int64
	for off := 0; off < len(body); off += streamChunkLen {
		end := off + streamChunkLen
		if end > len(body) {
			end = len(body)
		}
		chunk := body[off:end]
		err := s.sendWithBinary(&protocol.Message{
			Type:      protocol.TypeStreamChunk,
			RequestID: requestID,
			ChunkSize: len(chunk),
		}, chunk)
		if err != nil {
			s.abortStream(requestID, err)
			return
		}
		sent += int64(len(chunk))
		s.client.emit(Event{Kind: EventStreamProgress, RequestID: requestID, BytesSent: sent})
	}

	if err := s.send(&protocol.Message{Type: protocol.TypeStreamEnd, RequestID: requestID}); err != nil {
		log.Printf("[tunnel] stream end for %s: %v", requestID, err)
	}
}

// streamRaw forwards the upstream body chunk-by-chunk as received, without
// buffering or compression. Used for very large downloads and SSE.
func (s *session) streamRaw(requestID string, resp *http.Response, headers map[string]string, totalSize int64, sse bool) {
	if sse {
		scrubBodyHeaders(headers)
		totalSize = 0
	}
	err := s.send(&protocol.Message{
		Type:      protocol.TypeStreamStart,
		RequestID: requestID,
		Status:    resp.StatusCode,
		Headers:   headers,
		TotalSize: totalSize,
	})
	if err != nil {
		log.Printf("[tunnel] stream start for %s: %v", requestID, err)
		return
	}

	buf := make([]byte, streamChunkLen)
	var sent int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			err := s.sendWithBinary(&protocol.Message{
				Type:      protocol.TypeStreamChunk,
				RequestID: requestID,
				ChunkSize: n,
			}, buf[:n])
			if err != nil {
				s.abortStream(requestID, err)
				return
			}
			sent += int64(n)
			s.client.emit(Event{Kind: EventStreamProgress, RequestID: requestID, BytesSent: sent})
		}
		if readErr == io.EOF {
			if err := s.send(&protocol.Message{Type: protocol.TypeStreamEnd, RequestID: requestID}); err != nil {
				log.Printf("[tunnel] stream end for %s: %v", requestID, err)
			}
			return
		}
		if readErr != nil {
			s.abortStream(requestID, readErr)
			return
		}
	}
}

// abortStream reports a mid-stream failure, best effort.
func (s *session) abortStream(requestID string, cause error) {
	log.Printf("[tunnel] stream %s aborted: %v", requestID, cause)
	_ = s.send(&protocol.Message{
		Type:      protocol.TypeStreamError,
		RequestID: requestID,
		Error:     cause.Error(),
	})
}

// isSSE recognizes event streams and proxies that must not be buffered.
func isSSE(resp *http.Response) bool {
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return true
	}
	return strings.EqualFold(resp.Header.Get("X-Accel-Buffering"), "no")
}

// matchesIfNoneMatch implements the conditional-GET short-circuit: a 200
// with an ETag equal to the request's If-None-Match (weak prefix stripped)
// becomes a 304. Returns the response ETag verbatim.
func matchesIfNoneMatch(reqHeaders map[string]string, resp *http.Response) (string, bool) {
	inm := headerGet(reqHeaders, "If-None-Match")
	if inm == "" || resp.StatusCode != http.StatusOK {
		return "", false
	}
	etag := resp.Header.Get("Etag")
	if etag == "" {
		return "", false
	}
	if stripWeak(inm) == stripWeak(etag) {
		return etag, true
	}
	return "", false
}

func stripWeak(etag string) string {
	return strings.TrimPrefix(strings.TrimSpace(etag), "W/")
}

// scrubBodyHeaders removes the headers this handler is authoritative for.
func scrubBodyHeaders(headers map[string]string) {
	for k := range headers {
		switch strings.ToLower(k) {
		case "content-encoding", "content-length", "transfer-encoding":
			delete(headers, k)
		}
	}
}

// flattenHeaders snapshots response headers for the wire.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if len(vv) > 0 {
			out[k] = strings.Join(vv, ", ")
		}
	}
	return out
}

// headerGet does a case-insensitive lookup in a wire header map.
func headerGet(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
