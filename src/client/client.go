package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"personal/discord_gateway/src/opcodes"
	"personal/discord_gateway/src/zlibstream"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const tracerName = "personal/discord_gateway/src/client"

// Client keeps one shard connected to the gateway. It reconnects on its own,
// resuming the session when the close allows it.
type Client struct {
	cfg      Config
	identify IdentifyData
	sink     EventSink
	raw      RawSink

	log     *zap.Logger
	dialer  Dialer
	metrics *Metrics
	limiter *rate.Limiter
	tracer  trace.Tracer
	jitter  func() float64

	session  *Session
	inflater *zlibstream.Decompressor
	state    atomic.Int32
	running  atomic.Bool

	mu           sync.Mutex
	conn         Conn
	connLog      *zap.Logger
	heartbeat    *heartbeater
	readerExited chan struct{}
	resuming     bool

	writeMu  sync.Mutex
	requests chan *DisconnectError

	// touched only by whichever goroutine is reading the socket
	decompressFailures int
}

func New(cfg Config, sink EventSink, opts ...Option) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("token is required")
	}
	cfg.defaults()
	if cfg.ShardID < 0 || cfg.ShardID >= cfg.ShardCount {
		return nil, fmt.Errorf("shard id %d out of range for %d shards", cfg.ShardID, cfg.ShardCount)
	}
	if sink == nil {
		sink = SinkFuncs{}
	}

	c := &Client{
		cfg: cfg,
		identify: IdentifyData{
			Token:          cfg.Token,
			Properties:     cfg.Properties,
			LargeThreshold: cfg.LargeThreshold,
			Shard:          [2]int{cfg.ShardID, cfg.ShardCount},
			Presence:       cfg.Presence,
			Intents:        cfg.Intents,
		},
		sink:     sink,
		log:      zap.NewNop(),
		dialer:   NewDialer(nil),
		limiter:  defaultLimiter(),
		tracer:   otel.Tracer(tracerName),
		jitter:   defaultJitter,
		session:  NewSession(),
		inflater: zlibstream.New(),
		requests: make(chan *DisconnectError, 1),
	}
	c.raw, _ = sink.(RawSink)

	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.Int("shard", cfg.ShardID))

	return c, nil
}

// Run connects to the gateway and keeps the connection alive until ctx is
// cancelled or the gateway closes with a fatal code. It returns ctx.Err() on
// cancellation and a *DisconnectError wrapping ErrFatalClose otherwise.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("client is already running")
	}
	defer c.running.Store(false)

	resume := false
	failures := 0
	for {
		derr, stable := c.runConnection(ctx, resume)
		if err := ctx.Err(); err != nil {
			return err
		}

		if derr.Remote && opcodes.IsFatal(derr.Code) {
			c.log.Error("gateway rejected the connection", zap.Int("code", derr.Code), zap.Error(derr.Err))
			return &DisconnectError{Code: derr.Code, Remote: true, Err: fmt.Errorf("%w: %w", ErrFatalClose, derr.Err)}
		}

		resume = c.shouldResume(derr)
		if stable {
			failures = 0
		}
		failures++
		delay := c.backoff(failures, derr)

		c.setState(StateReconnecting)
		c.metrics.reconnecting(resume)
		c.log.Info("reconnecting to gateway",
			zap.Bool("resume", resume),
			zap.Int("attempt", failures),
			zap.Duration("delay", delay))
		c.sink.OnLifecycle(Lifecycle{
			Kind:    LifecycleReconnecting,
			ShardID: c.cfg.ShardID,
			Resume:  resume,
			Attempt: failures,
		})

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// runConnection drives one socket from dial to close. stable reports whether
// the socket stayed READY or RESUMED for at least one heartbeat interval.
func (c *Client) runConnection(ctx context.Context, resume bool) (derr *DisconnectError, stable bool) {
	spanCtx, span := c.tracer.Start(ctx, "gateway.connection",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("discord.shard_id", c.cfg.ShardID),
			attribute.Bool("discord.resume", resume),
		))
	defer span.End()

	connCtx, cancel := context.WithCancel(spanCtx)
	defer cancel()

	if err := c.connect(connCtx, resume); err != nil {
		derr = asDisconnect(err)
	} else {
		result := make(chan *DisconnectError, 1)
		exited := make(chan struct{})

		c.mu.Lock()
		conn, log := c.conn, c.connLog
		c.readerExited = exited
		c.mu.Unlock()

		go func() {
			defer close(exited)
			result <- c.readLoop(connCtx, conn, log)
		}()

		select {
		case derr = <-result:
		case derr = <-c.requests:
		case <-ctx.Done():
		}
		stable = c.session.Stable(time.Now())
	}
	established := c.session.Snapshot().Connected

	if err := ctx.Err(); err != nil {
		derr = &DisconnectError{Code: opcodes.CloseNormal, Err: err}
	}

	code := c.closeCode(derr)
	cancel()
	c.close(code)

	span.SetAttributes(
		attribute.Int("discord.close_code", derr.Code),
		attribute.Bool("discord.close_remote", derr.Remote),
		attribute.Bool("discord.established", established),
		attribute.Bool("discord.stable", stable),
	)
	if !errors.Is(derr, context.Canceled) {
		span.RecordError(derr)
		span.SetStatus(codes.Error, derr.Error())
	}

	c.log.Info("disconnected from gateway",
		zap.Int("code", derr.Code),
		zap.Bool("remote", derr.Remote),
		zap.Error(derr.Err))
	c.sink.OnLifecycle(Lifecycle{
		Kind:    LifecycleDisconnected,
		ShardID: c.cfg.ShardID,
		Code:    derr.Code,
		Err:     derr,
	})

	return derr, stable
}

// connect opens a socket, waits for HELLO and hands it to the dispatcher,
// which starts the heartbeat and sends IDENTIFY or RESUME.
func (c *Client) connect(ctx context.Context, resume bool) error {
	c.setState(StateConnecting)
	c.drainRequests()
	c.decompressFailures = 0

	if resume && c.session.Resumable() {
		c.inflater.ResetBuffer()
	} else {
		resume = false
		c.inflater.Reset()
		c.session.Invalidate()
	}
	c.session.BeginConnection()

	base := c.cfg.GatewayURL
	if resume {
		if u := c.session.ResumeURL(); u != "" {
			base = u
		}
	}
	target, err := gatewayURL(base, c.cfg.Compress)
	if err != nil {
		return err
	}

	log := c.log.With(zap.String("conn_id", uuid.NewString()))
	log.Info("connecting to gateway", zap.String("url", target), zap.Bool("resume", resume))

	conn, err := c.dialer.Dial(ctx, target)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connLog = log
	c.resuming = resume
	c.mu.Unlock()

	c.setState(StateIdentifying)

	// No read deadline is set; cancellation unblocks the HELLO read.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		env, derr := c.nextEnvelope(conn, log)
		if derr != nil {
			return derr
		}
		if env.Op == opcodes.Hello {
			return c.dispatch(ctx, env)
		}
		c.metrics.dropped("unexpected")
		log.Warn("ignoring frame before HELLO",
			zap.Error(fmt.Errorf("%w: expected %s, got %s", ErrProtocol, opcodes.Hello, env.Op)))
	}
}

func (c *Client) readLoop(ctx context.Context, conn Conn, log *zap.Logger) *DisconnectError {
	log.Debug("started listening for messages")

	for {
		env, derr := c.nextEnvelope(conn, log)
		if derr != nil {
			return derr
		}

		if err := c.dispatch(ctx, env); err != nil {
			var d *DisconnectError
			if errors.As(err, &d) {
				return d
			}
			log.Warn("error handling message", zap.Stringer("op", env.Op), zap.Error(err))
		}
	}
}

// nextEnvelope reads until one complete frame decodes. Frame-level failures
// are logged and skipped; repeated decompression failures end the
// connection.
func (c *Client) nextEnvelope(conn Conn, log *zap.Logger) (Envelope, *DisconnectError) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return Envelope{}, readFailure(err)
		}

		if kind == websocket.BinaryMessage {
			out, complete, err := c.inflater.Push(data)
			if err != nil {
				c.decompressFailures++
				c.metrics.dropped("decompression")
				log.Warn("dropping frame", zap.Error(err), zap.Int("consecutive_failures", c.decompressFailures))
				if c.decompressFailures >= c.cfg.MaxDecompressFailures {
					return Envelope{}, &DisconnectError{
						Code: opcodes.CloseUnknownError,
						Err:  fmt.Errorf("%w: %d consecutive failures: %w", ErrDecompression, c.decompressFailures, err),
					}
				}
				continue
			}
			if !complete {
				continue
			}
			c.decompressFailures = 0
			data = out
		}

		env, err := DecodeEnvelope(data)
		if err != nil {
			c.metrics.dropped("malformed")
			log.Warn("dropping frame", zap.Error(err))
			continue
		}
		return env, nil
	}
}

// close stops the heartbeat, sends a close frame with code, waits for the
// read loop and clears the per-connection buffers.
func (c *Client) close(code int) {
	c.setState(StateClosing)

	c.mu.Lock()
	conn, hb, exited, log := c.conn, c.heartbeat, c.readerExited, c.connLog
	c.conn, c.heartbeat, c.readerExited = nil, nil, nil
	c.mu.Unlock()

	hb.Stop()

	if conn != nil {
		c.writeMu.Lock()
		err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(closeTimeout))
		c.writeMu.Unlock()
		if err != nil && log != nil {
			log.Debug("failed to send close message", zap.Int("code", code), zap.Error(err))
		}
		if err := conn.Close(); err != nil && log != nil {
			log.Debug("failed to close connection", zap.Error(err))
		}
	}

	if exited != nil {
		<-exited
	}

	// A HELLO handled while the socket was closing may have started another
	// scheduler.
	c.mu.Lock()
	hb = c.heartbeat
	c.heartbeat = nil
	c.connLog = nil
	c.mu.Unlock()
	hb.Stop()

	c.inflater.ResetBuffer()
	c.session.SetConnected(false)
	c.metrics.setConnected(false)
	c.setState(StateDisconnected)
}

// Reconnect asks the running connection to close with code and reconnect,
// resuming if code and the session allow it.
func (c *Client) Reconnect(code int) {
	c.requestDisconnect(&DisconnectError{Code: code, Err: ErrReconnectRequested})
}

func (c *Client) requestDisconnect(d *DisconnectError) {
	select {
	case c.requests <- d:
	default:
	}
}

func (c *Client) drainRequests() {
	for {
		select {
		case <-c.requests:
		default:
			return
		}
	}
}

// shouldResume is the single resume-or-identify decision for every
// connection-level failure.
func (c *Client) shouldResume(derr *DisconnectError) bool {
	if errors.Is(derr, ErrSessionInvalidated) {
		return false
	}
	if !c.session.Resumable() {
		return false
	}
	return opcodes.CanResume(derr.Code)
}

// closeCode picks the code sent on our side of the close. A code the server
// already sent is not echoed back.
func (c *Client) closeCode(derr *DisconnectError) int {
	if !derr.Remote {
		return derr.Code
	}
	if c.shouldResume(derr) {
		return opcodes.CloseUnknownError
	}
	return opcodes.CloseNormal
}

func (c *Client) backoff(attempt int, derr *DisconnectError) time.Duration {
	var delay time.Duration
	if attempt > 1 {
		delay = c.cfg.ReconnectDelay << min(attempt-2, 16)
		if delay <= 0 || delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
	if errors.Is(derr, ErrSessionInvalidated) && delay < c.cfg.ReconnectDelay {
		delay = c.cfg.ReconnectDelay
	}
	return delay
}

func (c *Client) send(op opcodes.Opcode, d any) error {
	payload, err := json.Marshal(Payload{Op: op, D: d})
	if err != nil {
		return fmt.Errorf("could not marshal %s message: %w", op, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("could not set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("could not send %s message: %w", op, err)
	}
	return nil
}

// sendCommand is send behind the gateway command rate limit.
func (c *Client) sendCommand(ctx context.Context, op opcodes.Opcode, d any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return c.send(op, d)
}

func (c *Client) sendHeartbeat() error {
	var d any
	if seq, ok := c.session.Sequence(); ok {
		d = seq
	}

	if err := c.send(opcodes.Heartbeat, d); err != nil {
		return err
	}
	c.session.HeartbeatSent(time.Now())
	c.metrics.heartbeatSent()
	c.logger().Debug("sent heartbeat", zap.Any("seq", d))
	return nil
}

// UpdatePresence sends a PRESENCE_UPDATE for this shard.
func (c *Client) UpdatePresence(ctx context.Context, p PresenceUpdate) error {
	if p.Activities == nil {
		p.Activities = []Activity{}
	}
	if p.Status == "" {
		p.Status = StatusOnline
	}
	return c.sendCommand(ctx, opcodes.PresenceUpdate, p)
}

// UpdateVoiceState joins, moves or leaves (nil ChannelID) a voice channel.
func (c *Client) UpdateVoiceState(ctx context.Context, v VoiceStateUpdate) error {
	return c.sendCommand(ctx, opcodes.VoiceStateUpdate, v)
}

func (c *Client) Session() SessionState {
	return c.session.Snapshot()
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) logger() *zap.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connLog != nil {
		return c.connLog
	}
	return c.log
}

func gatewayURL(base string, compress bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url %q: %w", base, err)
	}
	if u.Path == "" {
		u.Path = "/"
	}

	q := u.Query()
	q.Set("v", strconv.Itoa(APIVersion))
	q.Set("encoding", "json")
	if compress {
		q.Set("compress", "zlib-stream")
	} else {
		q.Del("compress")
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func readFailure(err error) *DisconnectError {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &DisconnectError{Code: ce.Code, Remote: true, Err: fmt.Errorf("%w: %w", ErrTransport, err)}
	}
	return &DisconnectError{Code: opcodes.CloseUnknownError, Err: fmt.Errorf("%w: %w", ErrTransport, err)}
}

func asDisconnect(err error) *DisconnectError {
	var d *DisconnectError
	if errors.As(err, &d) {
		return d
	}
	return &DisconnectError{Code: opcodes.CloseUnknownError, Err: err}
}
