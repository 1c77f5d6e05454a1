package session

import (
	"sync"
	"time"
)

// Session is the per-session context shared by the puller and the outbound
// processor. It replaces process-wide flags so that sessions stay isolated.
type Session struct {
	mu           sync.RWMutex
	token        string
	paused       bool
	pauseReason  string
	authFailures int
	lastContact  time.Time
}

func New(token string) *Session {
	return &Session{token: token}
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Pause stops outbound dispatch until Resume. It reports whether the session
// was running before the call.
func (s *Session) Pause(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.authFailures++
	if s.paused {
		return false
	}
	s.paused = true
	s.pauseReason = reason
	return true
}

func (s *Session) Resume() {
	s.mu.Lock()
	s.paused = false
	s.pauseReason = ""
	s.authFailures = 0
	s.mu.Unlock()
}

func (s *Session) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

func (s *Session) PauseReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pauseReason
}

// AuthFailures counts auth rejections since the last Resume.
func (s *Session) AuthFailures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authFailures
}

// MarkContact records a successful exchange with the remote authority.
func (s *Session) MarkContact(at time.Time) {
	s.mu.Lock()
	if at.After(s.lastContact) {
		s.lastContact = at
	}
	s.mu.Unlock()
}

func (s *Session) LastContact() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastContact
}
