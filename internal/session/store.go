// Package session owns meeting session state: the store holding every
// MeetingSession and the registry that serializes access per meeting.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sugartalk/meet/internal/domain"
)

var ErrMeetingNotFound = errors.New("meeting session not found")

// Store is the persistence surface for meeting sessions. Callers must only
// mutate a session while holding the registry's per-meeting scope.
type Store interface {
	GetSession(ctx context.Context, number domain.MeetingNumber) (*domain.MeetingSession, error)
	UpsertSession(ctx context.Context, session *domain.MeetingSession) error
	// RemoveParticipant is idempotent; empty reports whether the meeting
	// has no participants left afterwards.
	RemoveParticipant(ctx context.Context, number domain.MeetingNumber, connectionID domain.ConnectionID) (empty bool, err error)
	RemoveSession(ctx context.Context, number domain.MeetingNumber) error
}

// MemoryStore is a threadsafe in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[domain.MeetingNumber]*domain.MeetingSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[domain.MeetingNumber]*domain.MeetingSession)}
}

func (s *MemoryStore) GetSession(_ context.Context, number domain.MeetingNumber) (*domain.MeetingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.sessions[number]
	if !ok {
		return nil, ErrMeetingNotFound
	}
	return ms, nil
}

func (s *MemoryStore) UpsertSession(_ context.Context, session *domain.MeetingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.MeetingNumber] = session
	return nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, number domain.MeetingNumber, connectionID domain.ConnectionID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[number]
	if !ok {
		return true, nil
	}
	delete(ms.Participants, connectionID)
	log.Debug().Str("module", "session.store").Str("meeting", string(number)).Str("conn", string(connectionID)).Msg("participant removed")
	return len(ms.Participants) == 0, nil
}

func (s *MemoryStore) RemoveSession(_ context.Context, number domain.MeetingNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, number)
	return nil
}
