package opcodes

// WebSocket close codes sent or observed on the gateway connection.
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	CloseAbnormal       = 1006
	CloseServiceRestart = 1012

	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// CanResume reports whether a connection that ended with code may continue
// its session. A normal closure ends the session on the server side.
func CanResume(code int) bool {
	switch code {
	case CloseNormal, CloseInvalidSeq, CloseSessionTimedOut:
		return false
	}
	return !IsFatal(code)
}

// IsFatal reports whether reconnecting after code is pointless because the
// handshake parameters themselves were rejected.
func IsFatal(code int) bool {
	switch code {
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return true
	}
	return false
}
