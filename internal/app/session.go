package app

import "sphub/internal/history"

// Session tracks one daemon run. It is created in memory and only
// recorded in the history database once the daemon starts serving.
type Session struct {
	ID      string
	Status  string // history.SessionFinished or history.SessionError
	Started bool
}

// NewSession creates an unrecorded session that will finish cleanly
// unless Fail is called.
func NewSession(id string) *Session {
	return &Session{
		ID:     id,
		Status: history.SessionFinished,
	}
}

// Fail marks the session as ended by an error.
func (s *Session) Fail() {
	s.Status = history.SessionError
}
