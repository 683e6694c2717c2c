package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"personal/discord_gateway/src/opcodes"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type handlerFunc func(c *Client, ctx context.Context, env Envelope) error

// handlers maps each receivable opcode to its handler. Opcodes missing from
// the table are ignored.
var handlers = map[opcodes.Opcode]handlerFunc{
	opcodes.Hello:          (*Client).handleHello,
	opcodes.Dispatch:       (*Client).handleDispatch,
	opcodes.Heartbeat:      (*Client).handleHeartbeatRequest,
	opcodes.HeartbeatACK:   (*Client).handleHeartbeatAck,
	opcodes.InvalidSession: (*Client).handleInvalidSession,
	opcodes.Reconnect:      (*Client).handleReconnect,
}

// dispatch routes one frame. A returned *DisconnectError ends the
// connection; any other error only concerns this frame.
func (c *Client) dispatch(ctx context.Context, env Envelope) error {
	if c.raw != nil {
		c.raw.OnRaw(env)
	}

	if !env.Op.Receivable() {
		c.logger().Debug("ignoring opcode the gateway does not send", zap.Stringer("op", env.Op))
		return nil
	}
	h, ok := handlers[env.Op]
	if !ok {
		c.logger().Debug("ignoring unhandled opcode", zap.Stringer("op", env.Op))
		return nil
	}
	return h(c, ctx, env)
}

func (c *Client) handleHello(ctx context.Context, env Envelope) error {
	if current := c.session.HeartbeatInterval(); current != 0 {
		c.logger().Warn("ignoring repeated HELLO",
			zap.Duration("heartbeat_interval", current),
			zap.Error(fmt.Errorf("%w: HELLO already received on this connection", ErrProtocol)))
		return nil
	}

	var hello HelloData
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		return fmt.Errorf("%w: could not unmarshal hello message: %v", ErrMalformedFrame, err)
	}
	if hello.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat interval %v", ErrProtocol, hello.HeartbeatInterval)
	}

	interval := time.Duration(hello.HeartbeatInterval * float64(time.Millisecond))
	c.session.SetHeartbeatInterval(interval)

	c.mu.Lock()
	prev := c.heartbeat
	c.heartbeat = nil
	resuming := c.resuming
	c.mu.Unlock()
	prev.Stop()

	log := c.logger()
	log.Info("successfully made handshake", zap.Duration("heartbeat_interval", interval))

	timeout := c.cfg.HeartbeatTimeout
	hb := startHeartbeater(ctx, heartbeatTimings{
		Interval:   interval,
		FirstDelay: time.Duration(float64(interval) * c.jitter()),
		CheckEvery: c.cfg.HeartbeatCheckInterval,
		Timeout:    timeout,
	}, c.sendHeartbeat, func(now time.Time) bool {
		return c.session.AckOverdue(now, timeout)
	}, func() {
		c.requestDisconnect(&DisconnectError{Code: opcodes.CloseUnknownError, Err: ErrLivenessTimeout})
	}, log)

	c.mu.Lock()
	c.heartbeat = hb
	c.mu.Unlock()

	if resuming && c.session.Resumable() {
		resume := c.session.ResumeData(c.cfg.Token)
		log.Info("resuming session", zap.String("session_id", resume.SessionID), zap.Int64("seq", resume.Sequence))
		if err := c.sendCommand(ctx, opcodes.Resume, resume); err != nil {
			return fmt.Errorf("failed to resume: %w", err)
		}
		return nil
	}

	if err := c.sendCommand(ctx, opcodes.Identify, c.identify); err != nil {
		return fmt.Errorf("failed to identify: %w", err)
	}
	log.Info("sent identify message")
	return nil
}

func (c *Client) handleDispatch(ctx context.Context, env Envelope) error {
	if env.Sequence != nil {
		c.session.ObserveSequence(*env.Sequence)
	}

	var err error
	switch env.EventName {
	case "READY":
		var ready ReadyData
		if err = json.Unmarshal(env.Payload, &ready); err != nil {
			err = fmt.Errorf("%w: could not unmarshal READY event data: %v", ErrMalformedFrame, err)
			break
		}
		c.session.Start(ready.SessionId, ready.ResumeUrl)
		c.markConnected(LifecycleReady, zap.String("session_id", ready.SessionId))
		trace.SpanFromContext(ctx).AddEvent("ready")

	case "RESUMED":
		c.markConnected(LifecycleResumed)
		trace.SpanFromContext(ctx).AddEvent("resumed")
	}

	c.sink.OnDispatch(env.EventName, env.Payload)
	c.metrics.dispatched(env.EventName)
	return err
}

func (c *Client) markConnected(kind LifecycleKind, fields ...zap.Field) {
	c.session.SetConnected(true)
	c.metrics.setConnected(true)
	c.setState(StateConnected)

	c.mu.Lock()
	c.resuming = false
	c.mu.Unlock()

	c.logger().Info("session "+kind.String(), fields...)
	c.sink.OnLifecycle(Lifecycle{Kind: kind, ShardID: c.cfg.ShardID})
}

func (c *Client) handleHeartbeatRequest(context.Context, Envelope) error {
	if err := c.sendHeartbeat(); err != nil {
		return fmt.Errorf("failed to send requested heartbeat: %w", err)
	}
	return nil
}

func (c *Client) handleHeartbeatAck(context.Context, Envelope) error {
	latency := c.session.HeartbeatAcked(time.Now())
	c.metrics.heartbeatAcked(latency)
	c.logger().Debug("received heartbeat ACK", zap.Duration("latency", latency))
	return nil
}

func (c *Client) handleInvalidSession(_ context.Context, env Envelope) error {
	var resumable bool
	if env.Payload != nil {
		if err := json.Unmarshal(env.Payload, &resumable); err != nil {
			c.logger().Warn("could not unmarshal invalid session data", zap.Error(err))
		}
	}

	if resumable && c.cfg.HonorResumableInvalidSession && c.session.Resumable() {
		c.logger().Warn("received invalid session (resumable)")
		return &DisconnectError{
			Code: opcodes.CloseUnknownError,
			Err:  fmt.Errorf("%w: invalid session (resumable)", ErrReconnectRequested),
		}
	}

	c.logger().Warn("received invalid session", zap.Bool("resumable", resumable))
	c.session.Invalidate()
	return &DisconnectError{Code: opcodes.CloseUnknownError, Err: ErrSessionInvalidated}
}

func (c *Client) handleReconnect(context.Context, Envelope) error {
	c.logger().Info("gateway requested reconnect")
	return &DisconnectError{Code: opcodes.CloseServiceRestart, Err: ErrReconnectRequested}
}
