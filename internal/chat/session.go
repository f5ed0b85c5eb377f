package chat

import "slices"

// DefaultHistoryLimit caps how many turns a transcript retains
const DefaultHistoryLimit = 100

// Session is one identity's transcript. It is not safe for concurrent use; MemoryStore
// serializes access to the sessions it holds.
type Session struct {
	user  string
	limit int
	turns []Turn
}

// NewSession starts an empty transcript for user. A non-positive limit means DefaultHistoryLimit.
func NewSession(user string, limit int) *Session {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Session{user: user, limit: limit}
}

// User returns the identity the transcript belongs to
func (s *Session) User() string {
	return s.user
}

// Append adds turns, dropping the oldest beyond the limit
func (s *Session) Append(turns ...Turn) {
	s.turns = append(s.turns, turns...)
	if over := len(s.turns) - s.limit; over > 0 {
		s.turns = slices.Clone(s.turns[over:])
	}
}

// Turns returns a copy of the transcript
func (s *Session) Turns() []Turn {
	return slices.Clone(s.turns)
}

// Context builds the assistant window for this session's user
func (s *Session) Context(b Builder) []Message {
	return b.Build(s.turns, s.user)
}

// Rebind attaches the session to user. Turns from a different identity are discarded so one
// user's conversation never reaches another's context.
func (s *Session) Rebind(user string) {
	if user == s.user {
		return
	}
	s.user = user
	s.turns = nil
}

// Reset empties the transcript
func (s *Session) Reset() {
	s.turns = nil
}
