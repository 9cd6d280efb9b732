package client

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alex-mextner/fast-ngrok/internal/protocol"
)

const keepaliveInterval = 30 * time.Second

// session is one live control connection. It owns the read loop, the
// single-writer discipline for outbound frames, the loopback WebSocket
// bridges and the client-side binary-follow-up slot.
type session struct {
	client    *Client
	conn      *websocket.Conn
	subdomain string
	localPort int

	writeMu sync.Mutex

	mu              sync.Mutex
	bridges         map[string]*localBridge
	pendingWSBinary string
	closed          bool

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(c *Client, conn *websocket.Conn, subdomain string) *session {
	return &session{
		client:    c,
		conn:      conn,
		subdomain: subdomain,
		localPort: c.cfg.LocalPort,
		bridges:   make(map[string]*localBridge),
		done:      make(chan struct{}),
	}
}

// send encodes and writes one control message.
func (s *session) send(m *protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// sendWithBinary writes an announcing message and its binary frame as an
// atomic pair.
func (s *session) sendWithBinary(m *protocol.Message, body []byte) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, body)
}

// serve consumes the control connection until it fails or ctx is cancelled.
func (s *session) serve(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-s.done:
		}
	}()
	go s.keepalive()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		switch messageType {
		case websocket.TextMessage:
			m, err := protocol.Decode(data)
			if err != nil {
				log.Printf("[tunnel] dropping malformed frame: %v", err)
				continue
			}
			s.dispatch(m)
		case websocket.BinaryMessage:
			s.routeBinary(data)
		}
	}
}

// keepalive sends an unconditional pong every 30s so intermediaries keep
// the idle connection alive.
func (s *session) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.send(&protocol.Message{Type: protocol.TypePong}); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) dispatch(m *protocol.Message) {
	switch m.Type {
	case protocol.TypeHTTPRequest:
		go s.handleRequest(m)

	case protocol.TypePing:
		if err := s.send(&protocol.Message{Type: protocol.TypePong}); err != nil {
			log.Printf("[tunnel] pong: %v", err)
		}

	case protocol.TypeRequestTiming:
		s.client.emit(Event{
			Kind:      EventRequestTimed,
			RequestID: m.RequestID,
			Duration:  time.Duration(m.Duration) * time.Millisecond,
		})

	case protocol.TypeError:
		log.Printf("[tunnel] server error: %s", m.Error)

	case protocol.TypeWSOpen:
		go s.openBridge(m)

	case protocol.TypeWSMessage:
		if b := s.bridge(m.WSID); b != nil {
			if err := b.write(websocket.TextMessage, []byte(m.Data)); err != nil {
				log.Printf("[tunnel] local ws %s write: %v", m.WSID, err)
			}
		}

	case protocol.TypeWSMessageBinary:
		s.mu.Lock()
		s.pendingWSBinary = m.WSID
		s.mu.Unlock()

	case protocol.TypeWSClose:
		s.closeBridge(m.WSID, m.Code, m.Reason)
	}
}

// routeBinary forwards a raw binary frame to the bridge named by the most
// recent ws_message_binary. Unannounced frames are dropped.
func (s *session) routeBinary(data []byte) {
	s.mu.Lock()
	wsID := s.pendingWSBinary
	s.pendingWSBinary = ""
	b := s.bridges[wsID]
	s.mu.Unlock()
	if wsID == "" {
		log.Printf("[tunnel] dropping unannounced binary frame (%d bytes)", len(data))
		return
	}
	if b != nil {
		if err := b.write(websocket.BinaryMessage, data); err != nil {
			log.Printf("[tunnel] local ws %s write: %v", wsID, err)
		}
	}
}

func (s *session) bridge(wsID string) *localBridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridges[wsID]
}

// teardown closes the control connection and every loopback WebSocket with
// 1001, and discards per-connection state. Pending requests on the server
// side are aborted independently by the server's unregister path.
func (s *session) teardown() {
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	bridges := s.bridges
	s.bridges = make(map[string]*localBridge)
	s.pendingWSBinary = ""
	s.mu.Unlock()

	for _, b := range bridges {
		b.close(websocket.CloseGoingAway, "Tunnel disconnected")
	}
	_ = s.conn.Close()
}
