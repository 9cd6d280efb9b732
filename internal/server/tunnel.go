package server

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alex-mextner/fast-ngrok/internal/protocol"
)

const (
	requestTimeout   = 30 * time.Second
	wsUpgradeTimeout = 30 * time.Second
	pingInterval     = 20 * time.Second
	idleTimeout      = 120 * time.Second
)

var errTunnelDisconnected = errors.New("tunnel disconnected")

// controlConn is the subset of *websocket.Conn the tunnel needs. Implemented
// by gorilla conns; tests substitute fakes.
type controlConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// wsConn is the subset of *websocket.Conn used for browser-side sockets.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Completion outcomes for a pending request.
const (
	completeResponse = iota
	completeStream
	completeTimeout
	completeClosed
)

// completion is the one-shot result delivered to the dispatcher for an
// in-flight request: a buffered response, a stream handle, or a failure.
type completion struct {
	kind    int
	status  int
	headers map[string]string
	body    []byte
	stream  *bodyStream
}

type pendingRequest struct {
	id      string
	arrived time.Time
	done    chan completion // buffered, capacity 1
	timer   *time.Timer
}

// binaryHeader is the single-slot record of an http_response_binary whose
// body frame has not arrived yet.
type binaryHeader struct {
	requestID string
	status    int
	headers   map[string]string
}

// browserSocket is one browser-side WebSocket attached to this tunnel.
type browserSocket struct {
	id      string
	conn    wsConn
	writeMu sync.Mutex
}

func (b *browserSocket) write(messageType int, data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteMessage(messageType, data)
}

func (b *browserSocket) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = b.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = b.conn.Close()
}

// wsOpenResult resolves a pending browser upgrade.
type wsOpenResult struct {
	protocol string
	err      string
}

type pendingUpgrade struct {
	id   string
	done chan wsOpenResult
}

// Tunnel is the server-side object for one live control connection. It owns
// every table keyed under its subdomain: pending requests, active streams,
// browser sockets, pending upgrades, and the two binary-follow-up slots.
type Tunnel struct {
	Subdomain string
	CreatedAt time.Time

	apiKey string
	conn   controlConn

	writeMu sync.Mutex // serializes all frames; keeps header+binary adjacent

	mu              sync.Mutex
	pending         map[string]*pendingRequest
	streams         map[string]*bodyStream
	sockets         map[string]*browserSocket
	upgrades        map[string]*pendingUpgrade
	pendingBinary   *binaryHeader
	pendingWSBinary string
	closed          bool

	pingStop chan struct{}
	pingOnce sync.Once
}

func NewTunnel(subdomain, apiKey string, conn controlConn) *Tunnel {
	return &Tunnel{
		Subdomain: subdomain,
		CreatedAt: time.Now(),
		apiKey:    apiKey,
		conn:      conn,
		pending:   make(map[string]*pendingRequest),
		streams:   make(map[string]*bodyStream),
		sockets:   make(map[string]*browserSocket),
		upgrades:  make(map[string]*pendingUpgrade),
		pingStop:  make(chan struct{}),
	}
}

// APIKey returns the key that registered this tunnel, for reconnect checks.
func (t *Tunnel) APIKey() string { return t.apiKey }

// Send encodes and writes one control message.
func (t *Tunnel) Send(m *protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.isClosed() {
		return errTunnelDisconnected
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// SendWithBinary writes an announcing message and its binary frame as an
// atomic pair; no other frame can land between them.
func (t *Tunnel) SendWithBinary(m *protocol.Message, body []byte) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.isClosed() {
		return errTunnelDisconnected
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, body)
}

func (t *Tunnel) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// RegisterPending creates the pending-request record before the http_request
// goes on the wire. The 30s timer resolves the public response as a timeout
// and removes the entry; a stream transition cancels it first.
func (t *Tunnel) RegisterPending(requestID string) (<-chan completion, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errTunnelDisconnected
	}
	p := &pendingRequest{
		id:      requestID,
		arrived: time.Now(),
		done:    make(chan completion, 1),
	}
	p.timer = time.AfterFunc(requestTimeout, func() {
		t.mu.Lock()
		cur, ok := t.pending[requestID]
		if ok && cur == p {
			delete(t.pending, requestID)
		}
		t.mu.Unlock()
		if ok {
			p.done <- completion{kind: completeTimeout}
		}
	})
	t.pending[requestID] = p
	return p.done, nil
}

// CancelPending drops a pending request the dispatcher has stopped waiting
// for (public client went away). Best effort; there is no per-request cancel
// message on the wire.
func (t *Tunnel) CancelPending(requestID string) {
	t.mu.Lock()
	p, ok := t.pending[requestID]
	if ok {
		delete(t.pending, requestID)
	}
	t.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

// PendingCount returns the number of in-flight public requests.
func (t *Tunnel) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// RegisterUpgrade records a pending browser WS upgrade awaiting ws_opened.
func (t *Tunnel) RegisterUpgrade(wsID string) (<-chan wsOpenResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errTunnelDisconnected
	}
	u := &pendingUpgrade{id: wsID, done: make(chan wsOpenResult, 1)}
	t.upgrades[wsID] = u
	return u.done, nil
}

// CancelUpgrade removes a pending upgrade (timeout or handshake failure).
func (t *Tunnel) CancelUpgrade(wsID string) {
	t.mu.Lock()
	delete(t.upgrades, wsID)
	t.mu.Unlock()
}

// AttachSocket registers a confirmed browser WebSocket.
func (t *Tunnel) AttachSocket(wsID string, conn wsConn) *browserSocket {
	s := &browserSocket{id: wsID, conn: conn}
	t.mu.Lock()
	t.sockets[wsID] = s
	t.mu.Unlock()
	return s
}

// DetachSocket removes a browser WebSocket (either side closed).
func (t *Tunnel) DetachSocket(wsID string) {
	t.mu.Lock()
	delete(t.sockets, wsID)
	t.mu.Unlock()
}

// ReadLoop consumes the control connection until it fails, dispatching text
// frames as JSON messages and binary frames to the announced slot. It also
// runs the liveness ping. Returns when the connection is dead; the caller
// unregisters the tunnel.
func (t *Tunnel) ReadLoop() {
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})
	_ = t.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	go t.pingLoop()

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		switch messageType {
		case websocket.TextMessage:
			msg, err := protocol.Decode(data)
			if err != nil {
				log.Printf("[tunnel] %s: dropping malformed frame: %v", t.Subdomain, err)
				continue
			}
			t.handleMessage(msg)
		case websocket.BinaryMessage:
			t.handleBinary(data)
		}
	}
}

func (t *Tunnel) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-t.pingStop:
			return
		}
	}
}

// handleMessage dispatches one client-to-server control message. Unknown
// types are ignored for forward compatibility.
func (t *Tunnel) handleMessage(m *protocol.Message) {
	switch m.Type {
	case protocol.TypeHTTPResponse:
		t.completeInline(m.RequestID, m.Status, m.Headers, []byte(m.Body))

	case protocol.TypeHTTPResponseBinary:
		t.mu.Lock()
		if t.pendingBinary != nil {
			log.Printf("[tunnel] %s: second http_response_binary before body frame, discarding header for %s",
				t.Subdomain, t.pendingBinary.requestID)
		}
		t.pendingBinary = &binaryHeader{requestID: m.RequestID, status: m.Status, headers: m.Headers}
		t.mu.Unlock()

	case protocol.TypeStreamStart:
		t.startStream(m)

	case protocol.TypeStreamChunk:
		t.mu.Lock()
		if s, ok := t.streams[m.RequestID]; ok {
			size := m.ChunkSize
			s.pendingChunk = &size
		} else {
			log.Printf("[tunnel] %s: stream chunk for unknown request %s", t.Subdomain, m.RequestID)
		}
		t.mu.Unlock()

	case protocol.TypeStreamEnd:
		t.endStream(m.RequestID, nil)

	case protocol.TypeStreamError:
		t.endStream(m.RequestID, errors.New(m.Error))

	case protocol.TypePong:
		// keepalive; read deadline already reset per frame

	case protocol.TypeWSOpened:
		t.resolveUpgrade(m.WSID, wsOpenResult{protocol: m.Protocol})

	case protocol.TypeWSError:
		t.resolveUpgrade(m.WSID, wsOpenResult{err: m.Error})

	case protocol.TypeWSMessage:
		if s := t.socket(m.WSID); s != nil {
			if err := s.write(websocket.TextMessage, []byte(m.Data)); err != nil {
				log.Printf("[tunnel] %s: browser ws %s write: %v", t.Subdomain, m.WSID, err)
			}
		}

	case protocol.TypeWSMessageBinary:
		t.mu.Lock()
		t.pendingWSBinary = m.WSID
		t.mu.Unlock()

	case protocol.TypeWSClose:
		t.mu.Lock()
		s := t.sockets[m.WSID]
		delete(t.sockets, m.WSID)
		t.mu.Unlock()
		if s != nil {
			code := m.Code
			if code == 0 {
				code = websocket.CloseNormalClosure
			}
			s.closeWith(code, m.Reason)
		}
	}
}

// handleBinary routes a raw binary frame to whichever slot announced it:
// the pending binary header, then the unique stream awaiting a chunk, then
// the pending WS-binary target. An unannounced frame is dropped.
func (t *Tunnel) handleBinary(data []byte) {
	t.mu.Lock()

	if hdr := t.pendingBinary; hdr != nil {
		t.pendingBinary = nil
		p, ok := t.pending[hdr.requestID]
		if ok {
			delete(t.pending, hdr.requestID)
		}
		t.mu.Unlock()
		if ok {
			p.timer.Stop()
			p.done <- completion{kind: completeResponse, status: hdr.status, headers: hdr.headers, body: data}
		}
		return
	}

	for _, s := range t.streams {
		if s.pendingChunk != nil {
			s.pendingChunk = nil
			t.mu.Unlock()
			// Blocking hand-off outside the lock: backpressure from the
			// public writer stalls the control reader, not the whole tunnel.
			s.enqueue(data)
			return
		}
	}

	if wsID := t.pendingWSBinary; wsID != "" {
		t.pendingWSBinary = ""
		s := t.sockets[wsID]
		t.mu.Unlock()
		if s != nil {
			if err := s.write(websocket.BinaryMessage, data); err != nil {
				log.Printf("[tunnel] %s: browser ws %s write: %v", t.Subdomain, wsID, err)
			}
		}
		return
	}

	t.mu.Unlock()
	log.Printf("[tunnel] %s: dropping unannounced binary frame (%d bytes)", t.Subdomain, len(data))
}

func (t *Tunnel) completeInline(requestID string, status int, headers map[string]string, body []byte) {
	t.mu.Lock()
	p, ok := t.pending[requestID]
	if ok {
		delete(t.pending, requestID)
	}
	t.mu.Unlock()
	if !ok {
		// Late or replayed response for a request we no longer track.
		return
	}
	p.timer.Stop()
	p.done <- completion{kind: completeResponse, status: status, headers: headers, body: body}
}

func (t *Tunnel) startStream(m *protocol.Message) {
	t.mu.Lock()
	p, ok := t.pending[m.RequestID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.pending, m.RequestID)
	s := newBodyStream(m.RequestID, m.TotalSize)
	t.streams[m.RequestID] = s
	t.mu.Unlock()

	// Streams may legitimately run for hours; the pre-stream timer is done.
	p.timer.Stop()
	p.done <- completion{kind: completeStream, status: m.Status, headers: m.Headers, stream: s}
}

func (t *Tunnel) endStream(requestID string, err error) {
	t.mu.Lock()
	s, ok := t.streams[requestID]
	if ok {
		delete(t.streams, requestID)
	}
	t.mu.Unlock()
	if ok {
		s.finish(err)
	}
}

// ReleaseStream unregisters a stream whose consumer has finished or given
// up. Safe to call for already-removed streams.
func (t *Tunnel) ReleaseStream(requestID string) {
	t.mu.Lock()
	delete(t.streams, requestID)
	t.mu.Unlock()
}

func (t *Tunnel) resolveUpgrade(wsID string, res wsOpenResult) {
	t.mu.Lock()
	u, ok := t.upgrades[wsID]
	if ok {
		delete(t.upgrades, wsID)
	}
	t.mu.Unlock()
	if ok {
		u.done <- res
	}
}

func (t *Tunnel) socket(wsID string) *browserSocket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sockets[wsID]
}

// Close tears the tunnel down: every pending request and upgrade is
// rejected, every stream aborted, every browser socket closed with 1001,
// and the control connection closed with the given code and reason.
func (t *Tunnel) Close(code int, reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	pending := t.pending
	streams := t.streams
	sockets := t.sockets
	upgrades := t.upgrades
	t.pending = make(map[string]*pendingRequest)
	t.streams = make(map[string]*bodyStream)
	t.sockets = make(map[string]*browserSocket)
	t.upgrades = make(map[string]*pendingUpgrade)
	t.pendingBinary = nil
	t.pendingWSBinary = ""
	t.mu.Unlock()

	t.pingOnce.Do(func() { close(t.pingStop) })

	for _, p := range pending {
		p.timer.Stop()
		p.done <- completion{kind: completeClosed}
	}
	for _, s := range streams {
		s.finish(errTunnelDisconnected)
	}
	for _, u := range upgrades {
		u.done <- wsOpenResult{err: "tunnel disconnected"}
	}
	for _, s := range sockets {
		s.closeWith(websocket.CloseGoingAway, "tunnel disconnected")
	}

	msg := websocket.FormatCloseMessage(code, reason)
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()
	_ = t.conn.Close()
}
