package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/voicewire/internal/protocol"
)

// SessionStream is the JetStream stream that retains session events.
const SessionStream = "VOICEWIRE_SESSIONS"

// EnsureSessionStream creates the stream capturing every session event
// subject, or updates its retention if it already exists.
func (c *Client) EnsureSessionStream(maxAge time.Duration) error {
	cfg := &nats.StreamConfig{
		Name:     SessionStream,
		Subjects: []string{protocol.SubjectSessionEventPrefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   maxAge,
	}
	_, err := c.js.StreamInfo(SessionStream)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = c.js.AddStream(cfg)
	case err == nil:
		_, err = c.js.UpdateStream(cfg)
	}
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", SessionStream, err)
	}
	c.log.Info("session event stream ready", slog.String("stream", SessionStream), slog.Duration("max_age", maxAge))
	return nil
}

// Record publishes evt on its session subject.
func (c *Client) Record(_ context.Context, evt protocol.SessionEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return c.conn.Publish(protocol.SessionSubject(evt.Kind, evt.Event), payload)
}

// SubscribeSessions delivers every session event published on the bus until
// the returned subscription is drained.
func (c *Client) SubscribeSessions(fn func(protocol.SessionEvent)) (*nats.Subscription, error) {
	return c.conn.Subscribe(protocol.SubjectSessionEventPrefix+".>", func(msg *nats.Msg) {
		var evt protocol.SessionEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			c.log.Warn("invalid session event", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
			return
		}
		fn(evt)
	})
}
