package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/voicewire/internal/config"
)

// Transport is an ordered, reliable, message-oriented connection. A clean
// close by the peer is reported as io.EOF by ReadMessage.
//
// ReadMessage is called from one goroutine and WriteMessage from another;
// Close may be called concurrently with both.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	Close() error
}

// ErrTextFrame is returned when a websocket peer sends a text frame.
var ErrTextFrame = errors.New("text frames are not part of the protocol")

type wsTransport struct {
	ws        *websocket.Conn
	writeWait time.Duration
	stop      chan struct{}
	closeOnce sync.Once
}

// NewWebsocketTransport adapts a websocket connection. Frames are binary
// messages; the connection is kept alive with pings and dropped when pongs
// stop arriving within cfg.PongTimeoutMS.
func NewWebsocketTransport(ws *websocket.Conn, cfg config.ProtocolConfig) Transport {
	pongWait := time.Duration(cfg.PongTimeoutMS) * time.Millisecond
	t := &wsTransport{
		ws:        ws,
		writeWait: time.Duration(cfg.WriteTimeoutMS) * time.Millisecond,
		stop:      make(chan struct{}),
	}
	if cfg.MaxFrameBytes > 0 {
		ws.SetReadLimit(int64(cfg.MaxFrameBytes))
	}
	if pongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	if cfg.PingIntervalMS > 0 {
		go t.pingLoop(time.Duration(cfg.PingIntervalMS) * time.Millisecond)
	}
	return t
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	kind, data, err := t.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	if kind != websocket.BinaryMessage {
		return nil, ErrTextFrame
	}
	return data, nil
}

func (t *wsTransport) WriteMessage(frame []byte) error {
	if t.writeWait > 0 {
		_ = t.ws.SetWriteDeadline(time.Now().Add(t.writeWait))
	}
	return t.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stop)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.ws.Close()
	})
	return err
}

func (t *wsTransport) pingLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.writeWait)
			if t.writeWait <= 0 {
				deadline = time.Now().Add(10 * time.Second)
			}
			if err := t.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
