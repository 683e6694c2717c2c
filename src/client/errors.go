package client

import (
	"errors"
	"fmt"
)

var (
	// Connection-level: these end the current socket.
	ErrTransport          = errors.New("gateway transport failure")
	ErrSessionInvalidated = errors.New("gateway session invalidated")
	ErrLivenessTimeout    = errors.New("heartbeat acknowledgement timed out")
	ErrReconnectRequested = errors.New("gateway requested reconnect")
	ErrFatalClose         = errors.New("gateway closed with a fatal code")

	// Frame-level: the frame is dropped and the read loop continues.
	ErrDecompression  = errors.New("could not decompress frame")
	ErrMalformedFrame = errors.New("malformed gateway frame")
	ErrProtocol       = errors.New("gateway protocol violation")

	ErrNotConnected = errors.New("connection is not open")
)

// DisconnectError ends a connection. Remote is set when Code was observed
// from the server rather than chosen by the client.
type DisconnectError struct {
	Code   int
	Remote bool
	Err    error
}

func (e *DisconnectError) Error() string {
	if e.Remote {
		return fmt.Sprintf("disconnected by gateway (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("disconnecting (code %d): %v", e.Code, e.Err)
}

func (e *DisconnectError) Unwrap() error {
	return e.Err
}
