package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/voicewire/internal/protocol"
	"github.com/loqalabs/voicewire/internal/tts"
)

type ttsOutcome struct {
	job     *tts.Job
	audio   []byte
	err     error
	elapsed time.Duration
}

type ttsConn struct {
	*conn
	machine *tts.Machine
	results chan ttsOutcome
}

func newTTSConn(c *conn) *ttsConn {
	return &ttsConn{
		conn:    c,
		machine: tts.NewMachine(c.ctx, c.srv.cfg.TTS.MaxTextBytes, c.srv.avail, c.srv.tracker),
		results: make(chan ttsOutcome),
	}
}

func (c *ttsConn) run() {
	defer c.teardown()
	defer func() {
		for _, id := range c.machine.CloseAll() {
			c.event(id, protocol.EventAborted, "connection closed")
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			c.recovered(r)
		}
	}()

	for {
		select {
		case frame, ok := <-c.in:
			if !ok {
				c.readFailed()
				return
			}
			if !c.handle(frame) {
				return
			}
		case out := <-c.results:
			c.complete(out)
		case <-c.srv.shutdown:
			c.send(protocol.ShuttingDown{})
			return
		case <-c.writeFailed:
			c.log.Warn("write failed", slogError(c.writeErr))
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *ttsConn) handle(frame []byte) bool {
	msg, err := c.srv.codec.DecodeTTSClient(frame)
	if err != nil {
		c.decodeFailed(err)
		return false
	}
	c.srv.metrics.received(c.ctx, endpointTTS, msg.Tag())

	switch m := msg.(type) {
	case protocol.RequestSession:
		job, reply := c.machine.Request(m)
		if job == nil {
			if rej, ok := reply.(protocol.SessionRejected); ok && rej.ID != uuid.Nil {
				c.event(m.ID, protocol.EventRejected, rej.Error)
			}
			return c.send(reply)
		}
		c.event(m.ID, protocol.EventOpened, m.Config.Engine().String())
		if !c.send(reply) {
			return false
		}
		c.spawn(job)
		return true
	case protocol.CloseConnection:
		return false
	default:
		c.decodeFailed(fmt.Errorf("%w: %T", protocol.ErrInvalidMessage, msg))
		return false
	}
}

func (c *ttsConn) spawn(job *tts.Job) {
	c.jobs.Add(1)
	go func() {
		defer c.jobs.Done()
		out := c.synthesize(job)
		select {
		case c.results <- out:
		case <-c.ctx.Done():
		}
	}()
}

func (c *ttsConn) synthesize(job *tts.Job) (out ttsOutcome) {
	out.job = job
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out.err = fmt.Errorf("synthesizer panic: %v", r)
		}
		out.elapsed = time.Since(start)
	}()

	if err := c.srv.ttsSlots.Acquire(job.Ctx, 1); err != nil {
		out.err = err
		return out
	}
	defer c.srv.ttsSlots.Release(1)

	ctx := job.Ctx
	if timeout := time.Duration(c.srv.cfg.TTS.SynthTimeoutMS) * time.Millisecond; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := c.srv.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("session_id", job.ID.String()),
		attribute.String("engine", job.Request.Config.Engine().String()),
		attribute.Int("text_bytes", len(job.Request.Text)),
	))
	defer span.End()

	out.audio, out.err = c.srv.synthesizer.Synthesize(ctx, job.Request)
	if out.err != nil {
		span.SetStatus(codes.Error, out.err.Error())
	}
	return out
}

func (c *ttsConn) complete(out ttsOutcome) {
	engine := out.job.Request.Config.Engine().String()
	c.srv.metrics.synthesized(c.ctx, engine, out.elapsed.Seconds(), out.err == nil)
	reply, ok := c.machine.Complete(out.job, out.audio, out.err)
	if !ok {
		c.log.Debug("dropping audio of closed session", slog.String("session_id", out.job.ID.String()))
		return
	}
	if f, failed := reply.(protocol.SynthesisFailed); failed {
		c.event(out.job.ID, protocol.EventFailed, f.Error)
	} else {
		c.event(out.job.ID, protocol.EventCompleted, fmt.Sprintf("%d bytes", len(out.audio)))
	}
	c.send(reply)
}
