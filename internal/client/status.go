package client

import (
	"context"

	"github.com/loqalabs/voicewire/internal/protocol"
)

// StatusClient reads the load status channel of a server.
type StatusClient struct {
	conn  *wsConn
	codec protocol.Codec
	caps  protocol.StatusConnectionOpen
	open  chan protocol.StatusConnectionOpen
	data  chan float64
}

func newStatusClient(conn *wsConn, codec protocol.Codec) *StatusClient {
	return &StatusClient{
		conn:  conn,
		codec: codec,
		open:  make(chan protocol.StatusConnectionOpen, 1),
		data:  make(chan float64, 1),
	}
}

// DialStatus connects to an STT endpoint and converts the connection to a
// status channel straight away.
func DialStatus(ctx context.Context, url string, codec protocol.Codec, opts Options) (*StatusClient, error) {
	c, err := DialSTT(ctx, url, codec, opts)
	if err != nil {
		return nil, err
	}
	st, err := c.ConvertToStatus(ctx)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return st, nil
}

// Capabilities returns the ceilings the server declared when the channel
// opened.
func (s *StatusClient) Capabilities() protocol.StatusConnectionOpen {
	return s.caps
}

// Next returns the most recent utilization the server pushed and not yet
// read. Older readings are overwritten rather than queued.
func (s *StatusClient) Next(ctx context.Context) (float64, error) {
	select {
	case u := <-s.data:
		return u, nil
	case <-s.conn.done:
		return 0, s.conn.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Done is closed when the channel ends.
func (s *StatusClient) Done() <-chan struct{} {
	return s.conn.done
}

func (s *StatusClient) Err() error {
	return s.conn.Err()
}

func (s *StatusClient) Close() error {
	frame, _ := s.codec.EncodeSTTClient(protocol.CloseConnection{})
	return s.conn.close(frame)
}

func (s *StatusClient) opened(m protocol.StatusConnectionOpen) {
	select {
	case s.open <- m:
	default:
	}
}

// deliver keeps only the latest reading.
func (s *StatusClient) deliver(u float64) {
	for {
		select {
		case s.data <- u:
			return
		default:
		}
		select {
		case <-s.data:
		default:
		}
	}
}
