package meeting

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/sugartalk/meet/internal/domain"
	"github.com/sugartalk/meet/internal/gateway"
	"github.com/sugartalk/meet/internal/session"
)

// Service is the hub-facing contract of the signaling core. The transport
// dispatches against these methods and nothing else.
type Service struct {
	registry *session.Registry
	store    session.Store
	gw       gateway.Client
	notifier Notifier
}

func NewService(registry *session.Registry, store session.Store, gw gateway.Client, notifier Notifier) *Service {
	return &Service{registry: registry, store: store, gw: gw, notifier: notifier}
}

// Connect registers a new participant and returns the local session snapshot
// plus everyone already in the meeting. Every other participant is notified.
func (s *Service) Connect(ctx context.Context, number domain.MeetingNumber, connectionID domain.ConnectionID, user *domain.User, requestedDisplayName string) (domain.Participant, []domain.Participant, error) {
	if _, err := s.registry.GetOrCreate(ctx, number); err != nil {
		return domain.Participant{}, nil, err
	}

	var (
		local  domain.Participant
		others []domain.Participant
	)
	err := s.registry.Do(ctx, number, func(ms *domain.MeetingSession) error {
		us := domain.NewUserSession(connectionID, user, requestedDisplayName)
		ms.Participants[connectionID] = us
		if err := s.store.UpsertSession(ctx, ms); err != nil {
			return err
		}
		local = us.Snapshot()
		others = ms.OtherParticipants(connectionID)
		return nil
	})
	if err != nil {
		return domain.Participant{}, nil, err
	}

	log.Info().Str("module", "meeting").Str("meeting", string(number)).Str("conn", string(connectionID)).Str("user", string(user.ID)).Msg("participant connected")
	s.fanOut(others, Event{Type: EventJoined, Data: local})
	return local, others, nil
}

// Disconnect removes the participant and tells everyone left in the meeting.
// Idempotent: a connection that is already gone is not an error, and endpoint
// cleanup failures are logged, never returned.
func (s *Service) Disconnect(ctx context.Context, number domain.MeetingNumber, connectionID domain.ConnectionID) error {
	var (
		remaining []domain.Participant
		endpoints []*domain.Endpoint
		present   bool
		empty     bool
	)
	err := s.registry.Do(ctx, number, func(ms *domain.MeetingSession) error {
		var us *domain.UserSession
		if us, present = ms.Participants[connectionID]; present {
			if us.SendEndpoint != nil {
				endpoints = append(endpoints, us.SendEndpoint)
			}
			for _, ep := range us.ReceivedEndpoints {
				endpoints = append(endpoints, ep)
			}
		}
		// Receiving endpoints other participants hold toward this one stay
		// registered; the gateway drops them with the sender's endpoint and
		// peers rebuild on the next renegotiation.
		var err error
		empty, err = s.store.RemoveParticipant(ctx, number, connectionID)
		if err != nil {
			return err
		}
		remaining = ms.OtherParticipants(connectionID)
		return nil
	})
	if errors.Is(err, session.ErrMeetingNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, ep := range endpoints {
		ep.CancelRelay()
		if rerr := s.gw.ReleaseEndpoint(ctx, ep.ID); rerr != nil {
			log.Warn().Str("module", "meeting").Str("endpoint", string(ep.ID)).Err(rerr).Msg("endpoint release failed on disconnect")
		}
	}

	// A connection that was already gone produces no second broadcast.
	if present {
		s.fanOut(remaining, Event{Type: EventLeft, Data: LeftPayload{ConnectionID: connectionID}})
		log.Info().Str("module", "meeting").Str("meeting", string(number)).Str("conn", string(connectionID)).Msg("participant disconnected")
	}

	if empty {
		if rerr := s.registry.Release(ctx, number); rerr != nil {
			log.Warn().Str("module", "meeting").Str("meeting", string(number)).Err(rerr).Msg("meeting release failed")
		}
	}
	return nil
}

// ConnectionEstablished announces that the participant's transport is ready,
// as a fresh join or as a recreated connection, from the freshest snapshot.
func (s *Service) ConnectionEstablished(ctx context.Context, number domain.MeetingNumber, connectionID domain.ConnectionID, recreated bool) error {
	var (
		self   domain.Participant
		others []domain.Participant
	)
	err := s.registry.Do(ctx, number, func(ms *domain.MeetingSession) error {
		us, ok := ms.Participants[connectionID]
		if !ok {
			return ErrParticipantNotFound
		}
		self = us.Snapshot()
		others = ms.OtherParticipants(connectionID)
		return nil
	})
	if err != nil {
		return err
	}

	evt := Event{Type: EventJoined, Data: self}
	if recreated {
		evt.Type = EventRejoined
	}
	s.fanOut(others, evt)
	return nil
}

func (s *Service) fanOut(to []domain.Participant, evt Event) {
	for _, p := range to {
		if err := s.notifier.Send(p.ConnectionID, evt); err != nil {
			log.Debug().Str("module", "meeting").Str("conn", string(p.ConnectionID)).Str("event", string(evt.Type)).Err(err).Msg("notify dropped")
		}
	}
}
