package chat

import (
	"context"
	"sync"
)

// TranscriptStore persists transcripts keyed by username. Implementations must only ever
// return turns recorded for the requested user.
type TranscriptStore interface {
	// Load returns the user's turns, oldest first
	Load(ctx context.Context, username string) ([]Turn, error)

	// Append adds turns to the end of the user's transcript
	Append(ctx context.Context, username string, turns ...Turn) error

	// Clear removes the user's transcript
	Clear(ctx context.Context, username string) error
}

// record is a turn tagged with the user it was recorded for
type record struct {
	Owner string `json:"owner"`
	Turn
}

// MemoryStore keeps transcripts in process
type MemoryStore struct {
	mu       sync.Mutex
	limit    int
	sessions map[string]*Session
}

// NewMemoryStore creates an empty store retaining at most limit turns per user
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{
		limit:    limit,
		sessions: make(map[string]*Session),
	}
}

func (m *MemoryStore) Load(ctx context.Context, username string) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[username]
	if !ok || session.User() != username {
		return []Turn{}, nil
	}
	return session.Turns(), nil
}

func (m *MemoryStore) Append(ctx context.Context, username string, turns ...Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[username]
	if !ok {
		session = NewSession(username, m.limit)
		m.sessions[username] = session
	}
	session.Rebind(username)
	session.Append(turns...)
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, username)
	return nil
}
