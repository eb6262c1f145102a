// Package transport abstracts the two external collaborators the
// streaming core needs: a text-framed duplex connection and an HTTP
// fetcher for one-shot REST snapshot requests. StreamClient and
// ResyncBuffer depend on these interfaces, not on gorilla/websocket or
// net/http directly, so both are fakeable in tests.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a text-framed duplex connection: one venue WebSocket.
type Conn interface {
	// ReadMessage blocks until the next text frame arrives, or returns
	// an error on transport failure (including clean close).
	ReadMessage() ([]byte, error)
	// WriteMessage sends one text frame.
	WriteMessage(data []byte) error
	// Close tears down the connection.
	Close() error
}

// Dialer opens a Conn to a venue's WebSocket endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer is the default Dialer, backed by gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
}

func NewWSDialer() *WSDialer {
	return &WSDialer{HandshakeTimeout: 10 * time.Second}
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// HTTPFetcher performs a one-shot REST GET, returning the response
// body. ResyncBuffer uses it to request an order book snapshot.
type HTTPFetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// HTTPClientFetcher is the default HTTPFetcher, backed by net/http.
type HTTPClientFetcher struct {
	Client *http.Client
}

func NewHTTPClientFetcher() *HTTPClientFetcher {
	return &HTTPClientFetcher{Client: &http.Client{Timeout: 10 * time.Second}}
}

func (f *HTTPClientFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", url, resp.StatusCode, string(body))
	}

	return body, nil
}
