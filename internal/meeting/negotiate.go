package meeting

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/sugartalk/meet/internal/domain"
)

// OfferRequest carries one SDP offer from a client. TargetConnectionID names
// whose media the offer negotiates: the caller's own connection id for
// outbound media, a peer's for a receiving endpoint. PeerConnectionID is an
// opaque client-side correlation token echoed back with the answer.
type OfferRequest struct {
	TargetConnectionID domain.ConnectionID
	OfferSDP           string
	IsNew              bool
	IsSharingCamera    bool
	IsSharingScreen    bool
	PeerConnectionID   domain.ConnectionID
}

// ProcessCandidate forwards a client-discovered ICE candidate to the gateway
// endpoint negotiated for (self, target). Never recreates endpoints.
func (s *Service) ProcessCandidate(ctx context.Context, number domain.MeetingNumber, selfID, targetID domain.ConnectionID, candidate webrtc.ICECandidateInit) error {
	return s.registry.Do(ctx, number, func(ms *domain.MeetingSession) error {
		ep, err := s.resolveEndpoint(ctx, ms, selfID, targetID, false)
		if err != nil {
			return err
		}
		return s.gw.AddICECandidate(ctx, ep.ID, candidate)
	})
}

// ProcessOffer runs one negotiation cycle. Ordering is load-bearing: sharing
// flags are persisted before anything is broadcast, the answer reaches the
// caller before the raw offer reaches the others, and candidate gathering
// starts only once the offer/answer exchange is complete.
func (s *Service) ProcessOffer(ctx context.Context, number domain.MeetingNumber, selfID domain.ConnectionID, req OfferRequest) error {
	return s.registry.Do(ctx, number, func(ms *domain.MeetingSession) error {
		target, ok := ms.Participants[req.TargetConnectionID]
		if !ok {
			if req.TargetConnectionID == selfID {
				return ErrParticipantNotFound
			}
			return ErrPeerNotFound
		}
		target.IsSharingCamera = req.IsSharingCamera
		target.IsSharingScreen = req.IsSharingScreen
		if err := s.store.UpsertSession(ctx, ms); err != nil {
			return err
		}

		// Every offer is a renegotiation, so the endpoint is always rebuilt.
		ep, err := s.resolveEndpoint(ctx, ms, selfID, req.TargetConnectionID, true)
		if err != nil {
			return err
		}

		answer, err := s.gw.ProcessOffer(ctx, ep.ID, req.OfferSDP)
		if err != nil {
			// Sharing flags stay as persisted above; see DESIGN.md.
			log.Warn().Str("module", "meeting").Str("conn", string(selfID)).Str("target", string(req.TargetConnectionID)).Err(err).Msg("offer rejected after sharing flags were persisted")
			return err
		}
		ep.State = domain.Active
		if err := s.store.UpsertSession(ctx, ms); err != nil {
			return err
		}

		if err := s.notifier.Send(selfID, Event{Type: EventAnswer, Data: AnswerPayload{
			TargetConnectionID: req.TargetConnectionID,
			AnswerSDP:          answer,
			IsSharingCamera:    req.IsSharingCamera,
			IsSharingScreen:    req.IsSharingScreen,
			PeerConnectionID:   req.PeerConnectionID,
		}}); err != nil {
			log.Debug().Str("module", "meeting").Str("conn", string(selfID)).Err(err).Msg("answer delivery dropped")
		}

		if req.IsNew {
			s.fanOut(ms.OtherParticipants(selfID), Event{Type: EventNewOffer, Data: NewOfferPayload{
				SourceConnectionID: req.TargetConnectionID,
				OfferSDP:           req.OfferSDP,
				IsSharingCamera:    req.IsSharingCamera,
				IsSharingScreen:    req.IsSharingScreen,
			}})
		}

		return s.gw.GatherCandidates(ctx, ep.ID)
	})
}
