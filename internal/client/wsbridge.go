package client

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alex-mextner/fast-ngrok/internal/protocol"
)

// localBridge is one loopback WebSocket opened on behalf of a browser
// socket on the public side.
type localBridge struct {
	wsID    string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (b *localBridge) write(messageType int, data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteMessage(messageType, data)
}

func (b *localBridge) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	b.writeMu.Lock()
	_ = b.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	b.writeMu.Unlock()
	_ = b.conn.Close()
}

// openBridge handles ws_open: dial the loopback WebSocket, confirm with
// ws_opened (or fail with ws_error), then pump local frames back to the
// server until either side closes.
func (s *session) openBridge(m *protocol.Message) {
	target := fmt.Sprintf("ws://localhost:%d%s", s.localPort, m.Path)

	header := http.Header{}
	if m.Protocol != "" {
		header.Set("Sec-WebSocket-Protocol", m.Protocol)
	}
	if origin := headerGet(m.Headers, "Origin"); origin != "" {
		header.Set("Origin", origin)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(target, header)
	if err != nil {
		log.Printf("[tunnel] ws %s: dial %s: %v", m.WSID, target, err)
		_ = s.send(&protocol.Message{
			Type:  protocol.TypeWSError,
			WSID:  m.WSID,
			Error: err.Error(),
		})
		return
	}
	negotiated := ""
	if resp != nil {
		negotiated = resp.Header.Get("Sec-WebSocket-Protocol")
	}

	b := &localBridge{wsID: m.WSID, conn: conn}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		b.close(websocket.CloseGoingAway, "Tunnel disconnected")
		return
	}
	s.bridges[m.WSID] = b
	s.mu.Unlock()

	if err := s.send(&protocol.Message{Type: protocol.TypeWSOpened, WSID: m.WSID, Protocol: negotiated}); err != nil {
		s.closeBridge(m.WSID, websocket.CloseGoingAway, "Tunnel disconnected")
		return
	}

	go s.pumpBridge(b)
}

// pumpBridge relays loopback frames onto the control channel.
func (s *session) pumpBridge(b *localBridge) {
	for {
		messageType, payload, err := b.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseNormalClosure
			reason := ""
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}
			s.mu.Lock()
			_, present := s.bridges[b.wsID]
			delete(s.bridges, b.wsID)
			s.mu.Unlock()
			if present {
				_ = s.send(&protocol.Message{
					Type:   protocol.TypeWSClose,
					WSID:   b.wsID,
					Code:   code,
					Reason: reason,
				})
			}
			_ = b.conn.Close()
			return
		}
		switch messageType {
		case websocket.TextMessage:
			if err := s.send(&protocol.Message{Type: protocol.TypeWSMessage, WSID: b.wsID, Data: string(payload)}); err != nil {
				return
			}
		case websocket.BinaryMessage:
			if err := s.sendWithBinary(&protocol.Message{Type: protocol.TypeWSMessageBinary, WSID: b.wsID}, payload); err != nil {
				return
			}
		}
	}
}

// closeBridge handles ws_close from the server (browser closed) and local
// teardown of a single bridge.
func (s *session) closeBridge(wsID string, code int, reason string) {
	s.mu.Lock()
	b := s.bridges[wsID]
	delete(s.bridges, wsID)
	s.mu.Unlock()
	if b == nil {
		return
	}
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	b.close(code, reason)
}
