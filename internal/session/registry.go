package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sugartalk/meet/internal/domain"
	"github.com/sugartalk/meet/internal/gateway"
)

// Registry maps meeting numbers to live sessions and hands out the
// per-meeting exclusion scope. Every read-modify-write cycle over a meeting
// runs inside Do, so concurrent hub invocations for the same meeting are
// serialized and cannot lose updates or race duplicate endpoint creation.
type Registry struct {
	store Store
	gw    gateway.Client

	mu    sync.Mutex
	locks map[domain.MeetingNumber]*meetingLock
}

func NewRegistry(store Store, gw gateway.Client) *Registry {
	return &Registry{
		store: store,
		gw:    gw,
		locks: make(map[domain.MeetingNumber]*meetingLock),
	}
}

type meetingLock struct {
	mu   sync.Mutex
	refs int
}

// acquire blocks until the meeting's exclusion scope is held. refs counts
// holders and waiters, so an entry is pruned only once nobody needs it and
// a waiter can never end up on a stale mutex.
func (r *Registry) acquire(number domain.MeetingNumber) *meetingLock {
	r.mu.Lock()
	l, ok := r.locks[number]
	if !ok {
		l = &meetingLock{}
		r.locks[number] = l
	}
	l.refs++
	r.mu.Unlock()
	l.mu.Lock()
	return l
}

func (r *Registry) release(number domain.MeetingNumber, l *meetingLock) {
	l.mu.Unlock()
	r.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, number)
	}
	r.mu.Unlock()
}

// Do runs fn while holding the meeting's exclusion scope. The session passed
// to fn must not be retained past the call.
func (r *Registry) Do(ctx context.Context, number domain.MeetingNumber, fn func(*domain.MeetingSession) error) error {
	l := r.acquire(number)
	defer r.release(number, l)
	ms, err := r.store.GetSession(ctx, number)
	if err != nil {
		return err
	}
	return fn(ms)
}

// GetOrCreate returns the meeting's session, allocating its gateway pipeline
// on first access. Checked under the meeting lock, so two simultaneous first
// callers cannot produce two pipelines.
func (r *Registry) GetOrCreate(ctx context.Context, number domain.MeetingNumber) (*domain.MeetingSession, error) {
	l := r.acquire(number)
	defer r.release(number, l)

	ms, err := r.store.GetSession(ctx, number)
	if err == nil {
		return ms, nil
	}
	if !errors.Is(err, ErrMeetingNotFound) {
		return nil, err
	}

	pipeline, err := r.gw.CreatePipeline(ctx)
	if err != nil {
		return nil, err
	}
	ms = domain.NewMeetingSession(number, pipeline)
	if err := r.store.UpsertSession(ctx, ms); err != nil {
		return nil, err
	}
	log.Info().Str("module", "session.registry").Str("meeting", string(number)).Str("pipeline", string(pipeline)).Msg("meeting session created")
	return ms, nil
}

// Release drops the session and frees its pipeline. Called when the last
// participant leaves; keeping pipelines warm for rejoin would go here.
func (r *Registry) Release(ctx context.Context, number domain.MeetingNumber) error {
	l := r.acquire(number)
	defer r.release(number, l)

	ms, err := r.store.GetSession(ctx, number)
	if err != nil {
		if errors.Is(err, ErrMeetingNotFound) {
			return nil
		}
		return err
	}
	// Someone may have joined since the caller observed the meeting empty.
	if len(ms.Participants) > 0 {
		return nil
	}
	if err := r.store.RemoveSession(ctx, number); err != nil {
		return err
	}
	if ms.Pipeline != "" {
		if err := r.gw.ReleasePipeline(ctx, ms.Pipeline); err != nil {
			log.Warn().Str("module", "session.registry").Str("meeting", string(number)).Err(err).Msg("pipeline release failed")
		}
	}
	log.Info().Str("module", "session.registry").Str("meeting", string(number)).Msg("meeting session released")
	return nil
}
