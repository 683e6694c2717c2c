package client

import (
	"sync"
	"time"
)

// SessionState is a point-in-time copy of Session.
type SessionState struct {
	SessionID         string
	ResumeURL         string
	Sequence          *int64
	HeartbeatInterval time.Duration
	LastHeartbeatSent time.Time
	LastHeartbeatAck  time.Time
	Connected         bool
}

// Session is shared by the read loop and the heartbeat goroutines.
type Session struct {
	mu sync.RWMutex

	sessionId string
	resumeURL string
	sequence  int64
	hasSeq    bool

	heartbeatInterval time.Duration
	lastHeartbeatSent time.Time
	lastHeartbeatAck  time.Time
	unackedSince      time.Time
	connected         bool
	connectedAt       time.Time
}

func NewSession() *Session {
	return &Session{}
}

func (s *Session) Snapshot() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := SessionState{
		SessionID:         s.sessionId,
		ResumeURL:         s.resumeURL,
		HeartbeatInterval: s.heartbeatInterval,
		LastHeartbeatSent: s.lastHeartbeatSent,
		LastHeartbeatAck:  s.lastHeartbeatAck,
		Connected:         s.connected,
	}
	if s.hasSeq {
		seq := s.sequence
		st.Sequence = &seq
	}
	return st
}

// BeginConnection clears per-connection heartbeat state. Session identity
// is left alone so a resume can use it.
func (s *Session) BeginConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatInterval = 0
	s.lastHeartbeatSent = time.Time{}
	s.lastHeartbeatAck = time.Time{}
	s.unackedSince = time.Time{}
	s.connected = false
	s.connectedAt = time.Time{}
}

// Invalidate forgets the session so the next handshake is a fresh identify.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionId = ""
	s.resumeURL = ""
	s.sequence = 0
	s.hasSeq = false
}

func (s *Session) Start(sessionId, resumeURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionId = sessionId
	s.resumeURL = resumeURL
}

// Resumable reports whether a RESUME can be attempted.
func (s *Session) Resumable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionId != "" && s.hasSeq
}

func (s *Session) ResumeData(token string) ResumeData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ResumeData{Token: token, SessionID: s.sessionId, Sequence: s.sequence}
}

func (s *Session) ResumeURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resumeURL
}

// ObserveSequence records seq unless a later one is already known.
func (s *Session) ObserveSequence(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSeq || seq > s.sequence {
		s.sequence = seq
		s.hasSeq = true
	}
}

func (s *Session) Sequence() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequence, s.hasSeq
}

func (s *Session) SetHeartbeatInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatInterval = d
}

func (s *Session) HeartbeatInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heartbeatInterval
}

func (s *Session) HeartbeatSent(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeatSent = now
	if s.unackedSince.IsZero() {
		s.unackedSince = now
	}
}

// HeartbeatAcked records an ack and returns the latency since the last send.
func (s *Session) HeartbeatAcked(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeatAck = now
	s.unackedSince = time.Time{}
	if s.lastHeartbeatSent.IsZero() {
		return 0
	}
	return now.Sub(s.lastHeartbeatSent)
}

// AckOverdue reports whether the oldest unacknowledged heartbeat was sent
// more than timeout before now.
func (s *Session) AckOverdue(now time.Time, timeout time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.unackedSince.IsZero() && now.Sub(s.unackedSince) > timeout
}

func (s *Session) SetConnected(connected bool) {
	s.SetConnectedAt(connected, time.Now())
}

func (s *Session) SetConnectedAt(connected bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if connected && !s.connected {
		s.connectedAt = now
	}
	if !connected {
		s.connectedAt = time.Time{}
	}
	s.connected = connected
}

// Stable reports whether the session has been connected for at least one
// heartbeat interval.
func (s *Session) Stable(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected && s.heartbeatInterval > 0 && now.Sub(s.connectedAt) >= s.heartbeatInterval
}
