package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alex-mextner/fast-ngrok/internal/protocol"
)

func TestPassthrough_ClientRejectsUpgrade(t *testing.T) {
	registry := NewRegistry()
	tn, conn := newTestTunnel("brave-fox-abcd", "key")
	_ = registry.Register(tn)
	go tn.ReadLoop()
	defer tn.Close(websocket.CloseGoingAway, "test done")

	// Fake client: refuse every ws_open.
	go func() {
		for f := range conn.out {
			if f.messageType != websocket.TextMessage {
				continue
			}
			m, err := protocol.Decode(f.data)
			if err != nil || m.Type != protocol.TypeWSOpen {
				continue
			}
			reply := text(&protocol.Message{
				Type:  protocol.TypeWSError,
				WSID:  m.WSID,
				Error: "connection refused",
			})
			conn.in <- reply
		}
	}()

	srv := httptest.NewServer(Dispatcher(registry))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"
	header := http.Header{"Host": {"brave-fox-abcd.tunnel.example.com"}}
	c, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		c.Close()
		t.Fatal("browser upgrade should have failed")
	}
	if resp == nil || resp.StatusCode != http.StatusBadGateway {
		t.Errorf("resp = %+v, want 502", resp)
	}
}

func TestPassthrough_OpensAndRelays(t *testing.T) {
	registry := NewRegistry()
	tn, conn := newTestTunnel("brave-fox-abcd", "key")
	_ = registry.Register(tn)
	go tn.ReadLoop()
	defer tn.Close(websocket.CloseGoingAway, "test done")

	fromBrowser := make(chan *protocol.Message, 16)
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
			case protocol.TypeWSOpen:
				// Confirm, then greet the browser through the tunnel.
				conn.in <- text(&protocol.Message{Type: protocol.TypeWSOpened, WSID: m.WSID, Protocol: m.Protocol})
				conn.in <- text(&protocol.Message{Type: protocol.TypeWSMessage, WSID: m.WSID, Data: "welcome"})
			case protocol.TypeWSMessage, protocol.TypeWSClose:
				fromBrowser <- m
			}
		}
	}()

	srv := httptest.NewServer(Dispatcher(registry))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"
	header := http.Header{
		"Host":                   {"brave-fox-abcd.tunnel.example.com"},
		"Sec-WebSocket-Protocol": {"chat"},
	}
	c, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("browser dial: %v", err)
	}
	defer c.Close()
	if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != "chat" {
		t.Errorf("negotiated protocol = %q, want chat", got)
	}

	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "welcome" {
		t.Errorf("browser received %q", data)
	}

	if err := c.WriteMessage(websocket.TextMessage, []byte("hi there")); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-fromBrowser:
		if m.Type != protocol.TypeWSMessage || m.Data != "hi there" {
			t.Errorf("client saw %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("browser message never reached the client side")
	}

	// Browser close is forwarded as ws_close with the browser's code.
	_ = c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	select {
	case m := <-fromBrowser:
		if m.Type != protocol.TypeWSClose || m.Code != websocket.CloseNormalClosure {
			t.Errorf("close relayed as %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("browser close never reached the client side")
	}
}
