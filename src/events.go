package main

import (
	"encoding/json"

	"personal/discord_gateway/src/client"

	"go.uber.org/zap"
)

// eventLogger is the sink used by the run command: it logs what the shard
// receives and does nothing else.
type eventLogger struct {
	log *zap.Logger
}

func newEventLogger(log *zap.Logger) *eventLogger {
	return &eventLogger{log: log.Named("events")}
}

func (e *eventLogger) OnDispatch(event string, payload json.RawMessage) {
	switch event {
	case "READY":
		var ready client.ReadyData
		if err := json.Unmarshal(payload, &ready); err != nil {
			e.log.Warn("could not unmarshal READY event data", zap.Error(err))
			return
		}
		e.log.Info("logged in",
			zap.String("user", ready.User.Username),
			zap.String("user_id", string(ready.User.ID)),
			zap.Int("gateway_version", ready.Version))

	case "MESSAGE_CREATE":
		var msg client.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			e.log.Warn("could not unmarshal MESSAGE_CREATE event data", zap.Error(err))
			return
		}
		e.log.Info("message",
			zap.String("channel_id", string(msg.ChannelID)),
			zap.String("author", msg.Author.Username),
			zap.String("content", msg.Content))

	default:
		e.log.Debug("dispatch", zap.String("event", event), zap.Int("bytes", len(payload)))
	}
}

func (e *eventLogger) OnLifecycle(ev client.Lifecycle) {
	fields := []zap.Field{zap.Stringer("kind", ev.Kind), zap.Int("shard", ev.ShardID)}
	switch ev.Kind {
	case client.LifecycleDisconnected:
		e.log.Warn("shard disconnected", append(fields, zap.Int("code", ev.Code), zap.Error(ev.Err))...)
	case client.LifecycleReconnecting:
		e.log.Info("shard reconnecting", append(fields, zap.Bool("resume", ev.Resume), zap.Int("attempt", ev.Attempt))...)
	default:
		e.log.Info("shard connected", fields...)
	}
}
