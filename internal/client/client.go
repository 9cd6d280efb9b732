// Package client implements the tunnel client: it keeps a control WebSocket
// to the tunnel server, forwards every tunnelled request to the local HTTP
// server on loopback, and bridges tunnelled browser WebSockets to loopback
// sockets.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/alex-mextner/fast-ngrok/internal/protocol"
)

// Config holds everything the client needs to run one tunnel.
type Config struct {
	ServerURL string // e.g. https://tunnel.example.com or wss://...
	APIKey    string
	LocalPort int
	Subdomain string // optional; otherwise sticky cache or allocation decides
}

// Client supervises the control connection: dial, serve, and on failure
// reconnect forever with exponential backoff, preserving the subdomain the
// server last assigned.
type Client struct {
	cfg    Config
	events chan Event

	subdomain string // last observed; re-requested on reconnect
}

func New(cfg Config) *Client {
	return &Client{
		cfg:       cfg,
		events:    make(chan Event, 64),
		subdomain: cfg.Subdomain,
	}
}

// Subdomain returns the subdomain last confirmed by the server.
func (c *Client) Subdomain() string { return c.subdomain }

// Run connects and serves until ctx is cancelled. The first connection
// failure is fatal and returned to the caller; once a connection has been
// established, Run reconnects forever.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: time.Second, Max: 60 * time.Second, Factor: 2}
	connectedOnce := false

	for {
		sess, err := c.connect(ctx)
		if err != nil {
			if !connectedOnce {
				return fmt.Errorf("connect to %s: %w", c.cfg.ServerURL, err)
			}
			delay := b.Duration()
			c.emit(Event{Kind: EventConnectionStateChanged, State: "connecting"})
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		connectedOnce = true
		b.Reset()
		c.subdomain = sess.subdomain
		c.emit(Event{Kind: EventConnectionStateChanged, State: "open", Subdomain: sess.subdomain})

		sess.serve(ctx)
		sess.teardown()
		c.emit(Event{Kind: EventConnectionStateChanged, State: "disconnected", Subdomain: sess.subdomain})

		if ctx.Err() != nil {
			return nil
		}

		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return nil
		}
	}
}

// connect dials the control endpoint and waits for the server's connected
// message carrying the assigned subdomain.
func (c *Client) connect(ctx context.Context) (*session, error) {
	u, err := controlURL(c.cfg.ServerURL, c.subdomain, c.cfg.LocalPort)
	if err != nil {
		return nil, err
	}

	header := http.Header{"X-API-Key": {c.cfg.APIKey}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%s (HTTP %d)", err, resp.StatusCode)
		}
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read connected: %w", err)
	}
	m, err := protocol.Decode(data)
	if err != nil || m.Type != protocol.TypeConnected || m.Subdomain == "" {
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake message %q", data)
	}
	_ = conn.SetReadDeadline(time.Time{})

	return newSession(c, conn, m.Subdomain), nil
}

// controlURL builds the /__tunnel__/connect URL, converting an http(s)
// server URL to the ws(s) scheme.
func controlURL(serverURL, subdomain string, port int) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss", "":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server URL scheme %q not supported", u.Scheme)
	}
	u.Path = "/__tunnel__/connect"
	q := url.Values{}
	if subdomain != "" {
		q.Set("subdomain", subdomain)
	}
	if port > 0 {
		q.Set("port", strconv.Itoa(port))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
