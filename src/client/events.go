package client

import (
	"encoding/json"
)

// EventSink receives what the gateway produces. Calls are made from one
// goroutine at a time, in arrival order.
type EventSink interface {
	// OnDispatch is invoked exactly once per DISPATCH frame.
	OnDispatch(event string, payload json.RawMessage)
	// OnLifecycle reports connection transitions.
	OnLifecycle(ev Lifecycle)
}

// RawSink is optionally implemented by an EventSink to see every decoded
// frame before it is dispatched.
type RawSink interface {
	OnRaw(env Envelope)
}

type LifecycleKind int

const (
	LifecycleReady LifecycleKind = iota + 1
	LifecycleResumed
	LifecycleDisconnected
	LifecycleReconnecting
)

func (k LifecycleKind) String() string {
	switch k {
	case LifecycleReady:
		return "ready"
	case LifecycleResumed:
		return "resumed"
	case LifecycleDisconnected:
		return "disconnected"
	case LifecycleReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Lifecycle is an internal notification, separate from DISPATCH events.
// Code and Err are set for LifecycleDisconnected; Resume and Attempt for
// LifecycleReconnecting.
type Lifecycle struct {
	Kind    LifecycleKind
	ShardID int
	Code    int
	Err     error
	Resume  bool
	Attempt int
}

// SinkFuncs adapts plain functions to EventSink. Nil fields are skipped.
type SinkFuncs struct {
	Dispatch  func(event string, payload json.RawMessage)
	Lifecycle func(ev Lifecycle)
}

func (f SinkFuncs) OnDispatch(event string, payload json.RawMessage) {
	if f.Dispatch != nil {
		f.Dispatch(event, payload)
	}
}

func (f SinkFuncs) OnLifecycle(ev Lifecycle) {
	if f.Lifecycle != nil {
		f.Lifecycle(ev)
	}
}
