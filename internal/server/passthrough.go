package server

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alex-mextner/fast-ngrok/internal/protocol"
)

var browserUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The edge proxy owns origin policy; the tunnel forwards everything.
	CheckOrigin: func(*http.Request) bool { return true },
}

// servePassthrough tunnels a browser-initiated WebSocket upgrade through the
// control channel: ws_open to the client, wait for ws_opened, complete the
// browser handshake, then pump messages both ways until either side closes.
func servePassthrough(w http.ResponseWriter, r *http.Request, t *Tunnel) {
	wsID := uuid.New().String()

	done, err := t.RegisterUpgrade(wsID)
	if err != nil {
		http.Error(w, "Tunnel disconnected", http.StatusBadGateway)
		return
	}

	subprotocol := r.Header.Get("Sec-WebSocket-Protocol")
	err = t.Send(&protocol.Message{
		Type:     protocol.TypeWSOpen,
		WSID:     wsID,
		Path:     r.URL.RequestURI(),
		Headers:  snapshotHeaders(r.Header),
		Protocol: subprotocol,
	})
	if err != nil {
		t.CancelUpgrade(wsID)
		http.Error(w, "Tunnel disconnected", http.StatusBadGateway)
		return
	}

	var res wsOpenResult
	timeout := time.NewTimer(wsUpgradeTimeout)
	defer timeout.Stop()
	select {
	case res = <-done:
	case <-timeout.C:
		t.CancelUpgrade(wsID)
		http.Error(w, "WebSocket upgrade timed out", http.StatusBadGateway)
		return
	case <-r.Context().Done():
		t.CancelUpgrade(wsID)
		return
	}
	if res.err != "" {
		http.Error(w, res.err, http.StatusBadGateway)
		return
	}

	var respHeader http.Header
	if res.protocol != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {res.protocol}}
	}
	browserConn, err := browserUpgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade already wrote the HTTP error; tell the client to drop its
		// local socket.
		_ = t.Send(&protocol.Message{Type: protocol.TypeWSClose, WSID: wsID, Code: websocket.CloseGoingAway})
		return
	}

	sock := t.AttachSocket(wsID, browserConn)
	pumpBrowser(t, wsID, sock)
}

// pumpBrowser relays browser frames onto the control channel until the
// browser closes or the socket is torn down.
func pumpBrowser(t *Tunnel, wsID string, sock *browserSocket) {
	defer t.DetachSocket(wsID)
	for {
		messageType, payload, err := sock.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseNormalClosure
			reason := ""
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}
			_ = t.Send(&protocol.Message{
				Type:   protocol.TypeWSClose,
				WSID:   wsID,
				Code:   code,
				Reason: reason,
			})
			return
		}
		switch messageType {
		case websocket.TextMessage:
			if err := t.Send(&protocol.Message{Type: protocol.TypeWSMessage, WSID: wsID, Data: string(payload)}); err != nil {
				return
			}
		case websocket.BinaryMessage:
			if err := t.SendWithBinary(&protocol.Message{Type: protocol.TypeWSMessageBinary, WSID: wsID}, payload); err != nil {
				return
			}
		default:
			log.Printf("[tunnel] %s: browser ws %s: ignoring frame type %d", t.Subdomain, wsID, messageType)
		}
	}
}
