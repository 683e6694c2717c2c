package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type heartbeatTimings struct {
	Interval   time.Duration
	FirstDelay time.Duration
	CheckEvery time.Duration
	Timeout    time.Duration
}

// heartbeater is the handle for one connection's heartbeat and liveness
// goroutines. Stop must be called before the connection's socket is
// replaced.
type heartbeater struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// startHeartbeater runs beat every Interval, the first time after
// FirstDelay. Every CheckEvery it asks overdue whether the last ack is
// stale and, the first time it is, calls onStale and stops checking.
func startHeartbeater(
	parent context.Context,
	timings heartbeatTimings,
	beat func() error,
	overdue func(now time.Time) bool,
	onStale func(),
	log *zap.Logger,
) *heartbeater {
	ctx, cancel := context.WithCancel(parent)
	h := &heartbeater{cancel: cancel}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.beatLoop(ctx, timings, beat, log)
	}()
	go func() {
		defer h.wg.Done()
		h.livenessLoop(ctx, timings, overdue, onStale, log)
	}()

	return h
}

func (h *heartbeater) beatLoop(ctx context.Context, timings heartbeatTimings, beat func() error, log *zap.Logger) {
	timer := time.NewTimer(timings.FirstDelay)
	defer timer.Stop()

	log.Debug("starting heartbeat",
		zap.Duration("interval", timings.Interval),
		zap.Duration("first_delay", timings.FirstDelay))

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := beat(); err != nil {
			log.Warn("failed to send heartbeat", zap.Error(err))
		}
		timer.Reset(timings.Interval)
	}
}

func (h *heartbeater) livenessLoop(ctx context.Context, timings heartbeatTimings, overdue func(time.Time) bool, onStale func(), log *zap.Logger) {
	ticker := time.NewTicker(timings.CheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if overdue(now) {
				log.Warn("heartbeat not acknowledged in time", zap.Duration("timeout", timings.Timeout))
				onStale()
				return
			}
		}
	}
}

// Stop cancels both loops and waits for them to return. It is safe to call
// more than once.
func (h *heartbeater) Stop() {
	if h == nil {
		return
	}
	h.cancel()
	h.wg.Wait()
}
