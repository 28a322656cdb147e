// Package client talks to voicewire endpoints over websockets: streaming
// transcription, synthesis and the load status channel.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrClosed       = errors.New("client closed")
	ErrShuttingDown = errors.New("server is shutting down")
	ErrRejected     = errors.New("session rejected")
)

// FatalError is the last message a server sends before dropping the
// connection.
type FatalError struct {
	IO      bool
	Message string
}

func (e *FatalError) Error() string {
	if e.IO {
		return "server i/o fault: " + e.Message
	}
	return "server fault: " + e.Message
}

// SessionError is a session-scoped failure reported by the server.
type SessionError struct {
	Message string
}

func (e *SessionError) Error() string { return e.Message }

// Options tune a client connection.
type Options struct {
	Logger      *slog.Logger
	Header      http.Header
	DialTimeout time.Duration
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wsConn is the shared plumbing: a reader goroutine feeding frames to a
// handler, serialized writes, and a terminal error once the socket ends.
type wsConn struct {
	ws   *websocket.Conn
	log  *slog.Logger
	wmu  sync.Mutex
	done chan struct{}
	err  error
	once sync.Once
}

func dial(ctx context.Context, url, subprotocol string, opts Options) (*websocket.Conn, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		Subprotocols:     []string{subprotocol},
	}
	ws, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("dial %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if got := ws.Subprotocol(); got != subprotocol {
		ws.Close()
		return nil, fmt.Errorf("dial %s: server negotiated %q, want %q", url, got, subprotocol)
	}
	return ws, nil
}

func newWSConn(ws *websocket.Conn, log *slog.Logger) *wsConn {
	return &wsConn{ws: ws, log: log, done: make(chan struct{})}
}

// readLoop hands every binary frame to handle until the socket fails or
// handle returns an error.
func (c *wsConn) readLoop(handle func([]byte) error) {
	for {
		kind, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrClosed
			}
			c.fail(err)
			return
		}
		if kind != websocket.BinaryMessage {
			c.log.Warn("ignoring non-binary frame")
			continue
		}
		if err := handle(frame); err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *wsConn) write(frame []byte) error {
	select {
	case <-c.done:
		return c.err
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// fail records the first terminal error and closes the socket.
func (c *wsConn) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		_ = c.ws.Close()
	})
}

// Err returns the terminal error once the connection has ended.
func (c *wsConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Done is closed when the connection ends.
func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

func (c *wsConn) close(goodbye []byte) error {
	if goodbye != nil {
		_ = c.write(goodbye)
	}
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	c.fail(ErrClosed)
	return nil
}
