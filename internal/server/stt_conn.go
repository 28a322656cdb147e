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
	"github.com/loqalabs/voicewire/internal/stt"
)

type sttOutcome struct {
	job     *stt.Job
	result  stt.Result
	err     error
	elapsed time.Duration
}

type sttConn struct {
	*conn
	machine *stt.Machine
	results chan sttOutcome
	status  *time.Ticker
}

func newSTTConn(c *conn) *sttConn {
	return &sttConn{
		conn:    c,
		machine: stt.NewMachine(c.ctx, c.srv.cfg.STT, c.srv.codec.InitParams, c.srv.tracker),
		results: make(chan sttOutcome),
	}
}

func (c *sttConn) run() {
	defer c.teardown()
	defer c.closeSessions()
	defer func() {
		if r := recover(); r != nil {
			c.recovered(r)
		}
	}()

	for {
		var tick <-chan time.Time
		if c.status != nil {
			tick = c.status.C
		}
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
		case <-tick:
			if !c.send(protocol.StatusConnectionData{Utilization: c.srv.tracker.Utilization()}) {
				return
			}
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

// handle dispatches one inbound frame and reports whether the connection
// stays open.
func (c *sttConn) handle(frame []byte) bool {
	msg, err := c.srv.codec.DecodeSTTClient(frame)
	if err != nil {
		c.decodeFailed(err)
		return false
	}
	c.srv.metrics.received(c.ctx, endpointSTT, msg.Tag())

	if c.status != nil {
		if _, ok := msg.(protocol.CloseConnection); ok {
			return false
		}
		c.srv.metrics.ignoredFrame(c.ctx, msg.Tag())
		c.log.Debug("ignoring frame on status connection", slog.String("tag", fmt.Sprintf("0x%02x", byte(msg.Tag()))))
		return true
	}

	switch m := msg.(type) {
	case protocol.InitializeStreaming:
		reply := c.machine.Initialize(m)
		switch r := reply.(type) {
		case protocol.InitializationFailed:
			c.event(m.ID, protocol.EventRejected, r.Error)
		case protocol.InitializationComplete:
			c.event(m.ID, protocol.EventOpened, m.Language)
		}
		return c.send(reply)
	case protocol.AudioData:
		if reply := c.machine.Audio(m); reply != nil {
			return c.send(reply)
		}
		return true
	case protocol.FinalizeStreaming:
		job, reply := c.machine.Finalize(m)
		if job == nil {
			return c.send(reply)
		}
		c.event(m.ID, protocol.EventFinalized, fmt.Sprintf("%d samples", len(job.Request.PCM)))
		c.spawn(job)
		return true
	case protocol.CloseSession:
		if c.machine.Abort(m.ID) {
			c.event(m.ID, protocol.EventAborted, "closed by client")
		}
		return true
	case protocol.CloseConnection:
		return false
	case protocol.ConvertToStatus:
		return c.convertToStatus()
	default:
		c.decodeFailed(fmt.Errorf("%w: %T", protocol.ErrInvalidMessage, msg))
		return false
	}
}

// convertToStatus switches the connection to the status channel. Sessions
// still open make the request a precondition violation.
func (c *sttConn) convertToStatus() bool {
	if open := c.machine.Open(); open > 0 {
		return c.send(protocol.STTError{
			ID:    uuid.Nil,
			Error: fmt.Sprintf("convert to status: %d sessions still open", open),
		})
	}
	snap := c.srv.tracker.Snapshot()
	if !c.send(protocol.StatusConnectionOpen{MaxUtilization: snap.MaxUtilization, CanOverload: snap.CanOverload}) {
		return false
	}
	if !c.send(protocol.StatusConnectionData{Utilization: snap.Utilization}) {
		return false
	}
	interval := time.Duration(c.srv.cfg.Status.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	c.status = time.NewTicker(interval)
	c.log.Debug("connection converted to status channel", slog.Duration("interval", interval))
	return true
}

func (c *sttConn) spawn(job *stt.Job) {
	c.jobs.Add(1)
	go func() {
		defer c.jobs.Done()
		out := c.recognize(job)
		select {
		case c.results <- out:
		case <-c.ctx.Done():
		}
	}()
}

func (c *sttConn) recognize(job *stt.Job) (out sttOutcome) {
	out.job = job
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out.err = fmt.Errorf("recognizer panic: %v", r)
		}
		out.elapsed = time.Since(start)
	}()

	if err := c.srv.sttSlots.Acquire(job.Ctx, 1); err != nil {
		out.err = err
		return out
	}
	defer c.srv.sttSlots.Release(1)

	ctx := job.Ctx
	if timeout := time.Duration(c.srv.cfg.STT.DecodeTimeoutMS) * time.Millisecond; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := c.srv.tracer.Start(ctx, "stt.recognize", trace.WithAttributes(
		attribute.String("session_id", job.ID.String()),
		attribute.Int("samples", len(job.Request.PCM)),
		attribute.String("language", job.Request.Language),
	))
	defer span.End()

	out.result, out.err = c.srv.recognizer.Recognize(ctx, job.Request)
	if out.err != nil {
		span.SetStatus(codes.Error, out.err.Error())
	}
	return out
}

func (c *sttConn) complete(out sttOutcome) {
	c.srv.metrics.decoded(c.ctx, out.elapsed.Seconds(), out.err == nil)
	reply, ok := c.machine.Complete(out.job, out.result, out.err)
	if !ok {
		c.log.Debug("dropping result of closed session", slog.String("session_id", out.job.ID.String()))
		return
	}
	if e, failed := reply.(protocol.STTError); failed {
		c.event(out.job.ID, protocol.EventFailed, e.Error)
	} else {
		c.event(out.job.ID, protocol.EventCompleted, "")
	}
	c.send(reply)
}

func (c *sttConn) closeSessions() {
	if c.status != nil {
		c.status.Stop()
	}
	for _, id := range c.machine.CloseAll() {
		c.event(id, protocol.EventAborted, "connection closed")
	}
}
