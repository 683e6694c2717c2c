package client

import (
	"math/rand/v2"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultGatewayURL = "wss://gateway.discord.gg/"
	APIVersion        = 10

	defaultLargeThreshold  = 250
	defaultCheckInterval   = 20 * time.Second
	defaultLivenessTimeout = 60 * time.Second
	defaultReconnectDelay  = time.Second
	defaultMaxReconnect    = 30 * time.Second
	defaultMaxDecompress   = 3

	// The gateway allows 120 commands per minute; leave room for heartbeats.
	commandsPerMinute = 110

	writeTimeout = 10 * time.Second
	closeTimeout = time.Second
)

// Config holds the handshake parameters and timing knobs for one shard.
type Config struct {
	Token      string
	Intents    int
	ShardID    int
	ShardCount int

	// GatewayURL is the base URL; version, encoding and compression are
	// added as query parameters.
	GatewayURL     string
	Compress       bool
	LargeThreshold int
	Properties     IdentifyProperties
	Presence       *PresenceUpdate

	HeartbeatCheckInterval time.Duration
	HeartbeatTimeout       time.Duration
	ReconnectDelay         time.Duration
	MaxReconnectDelay      time.Duration
	MaxDecompressFailures  int

	// HonorResumableInvalidSession resumes after an INVALID_SESSION whose
	// payload is true. By default every INVALID_SESSION forces a fresh
	// identify.
	HonorResumableInvalidSession bool
}

func (c *Config) defaults() {
	if c.GatewayURL == "" {
		c.GatewayURL = DefaultGatewayURL
	}
	if c.ShardCount <= 0 {
		c.ShardCount = 1
	}
	if c.LargeThreshold == 0 {
		c.LargeThreshold = defaultLargeThreshold
	}
	if c.Properties.Os == "" {
		c.Properties.Os = runtime.GOOS
	}
	if c.Properties.Browser == "" {
		c.Properties.Browser = "discord_gateway"
	}
	if c.Properties.Device == "" {
		c.Properties.Device = "discord_gateway"
	}
	if c.HeartbeatCheckInterval <= 0 {
		c.HeartbeatCheckInterval = defaultCheckInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultLivenessTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = max(defaultMaxReconnect, c.ReconnectDelay)
	}
	if c.MaxDecompressFailures <= 0 {
		c.MaxDecompressFailures = defaultMaxDecompress
	}
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithCommandLimiter replaces the limiter applied to every outbound command
// except heartbeats.
func WithCommandLimiter(l *rate.Limiter) Option {
	return func(c *Client) {
		if l != nil {
			c.limiter = l
		}
	}
}

// WithTracer replaces the tracer taken from the global OpenTelemetry provider.
// Every connection attempt becomes one span.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

func defaultLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/commandsPerMinute), commandsPerMinute)
}

func defaultJitter() float64 {
	return rand.Float64()
}
