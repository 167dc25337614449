package meeting

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/sugartalk/meet/internal/domain"
)

// resolveEndpoint decides whether the endpoint for (self, target) must be
// created, reused, or recreated. target == self addresses the participant's
// own outbound media; anything else addresses the local endpoint receiving
// that peer's stream. Must run inside the meeting's exclusion scope.
func (s *Service) resolveEndpoint(ctx context.Context, ms *domain.MeetingSession, selfID, targetID domain.ConnectionID, forceRecreate bool) (*domain.Endpoint, error) {
	self, ok := ms.Participants[selfID]
	if !ok {
		return nil, ErrParticipantNotFound
	}

	if selfID == targetID {
		if self.SendEndpoint == nil || forceRecreate {
			if err := s.createSendEndpoint(ctx, ms, self); err != nil {
				return nil, err
			}
		}
		return self.SendEndpoint, nil
	}

	other, ok := ms.Participants[targetID]
	if !ok {
		return nil, ErrPeerNotFound
	}
	if other.SendEndpoint == nil {
		if err := s.createSendEndpoint(ctx, ms, other); err != nil {
			return nil, err
		}
	}

	ep := self.ReceivedEndpoints[targetID]
	if ep == nil || forceRecreate {
		fresh, err := s.createEndpoint(ctx, ms.Pipeline, selfID, targetID)
		if err != nil {
			return nil, err
		}
		// Media flows from the peer's outbound endpoint into ours.
		if err := s.gw.Connect(ctx, other.SendEndpoint.ID, fresh.ID); err != nil {
			fresh.CancelRelay()
			s.releaseQuietly(ctx, fresh)
			return nil, err
		}
		s.replaceReceived(ctx, self, targetID, fresh)
		if err := s.store.UpsertSession(ctx, ms); err != nil {
			return nil, err
		}
		ep = fresh
	}
	return ep, nil
}

// createEndpoint allocates a gateway endpoint with its ICE relay registered
// before anyone can observe the reference. Discovered candidates go to the
// connection owning the viewing side, tagged with the peer they belong to.
func (s *Service) createEndpoint(ctx context.Context, pipeline domain.PipelineID, notifyID, tagID domain.ConnectionID) (*domain.Endpoint, error) {
	id, err := s.gw.CreateEndpoint(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	sub, err := s.gw.OnICECandidate(ctx, id, func(candidate webrtc.ICECandidateInit) {
		evt := Event{Type: EventCandidate, Data: CandidatePayload{PeerConnectionID: tagID, Candidate: candidate}}
		if err := s.notifier.Send(notifyID, evt); err != nil {
			log.Debug().Str("module", "meeting").Str("conn", string(notifyID)).Err(err).Msg("candidate relay dropped")
		}
	})
	if err != nil {
		if rerr := s.gw.ReleaseEndpoint(ctx, id); rerr != nil {
			log.Warn().Str("module", "meeting").Str("endpoint", string(id)).Err(rerr).Msg("endpoint release failed")
		}
		return nil, err
	}
	return domain.NewEndpoint(id, sub.Cancel), nil
}

func (s *Service) createSendEndpoint(ctx context.Context, ms *domain.MeetingSession, owner *domain.UserSession) error {
	fresh, err := s.createEndpoint(ctx, ms.Pipeline, owner.ConnectionID, owner.ConnectionID)
	if err != nil {
		return err
	}
	if old := owner.SendEndpoint; old != nil {
		old.CancelRelay()
		s.releaseQuietly(ctx, old)
	}
	owner.SendEndpoint = fresh
	if err := s.store.UpsertSession(ctx, ms); err != nil {
		return err
	}
	log.Debug().Str("module", "meeting").Str("conn", string(owner.ConnectionID)).Str("endpoint", string(fresh.ID)).Msg("send endpoint created")
	return nil
}

func (s *Service) replaceReceived(ctx context.Context, self *domain.UserSession, peerID domain.ConnectionID, fresh *domain.Endpoint) {
	if old := self.ReceivedEndpoints[peerID]; old != nil {
		old.CancelRelay()
		s.releaseQuietly(ctx, old)
	}
	self.ReceivedEndpoints[peerID] = fresh
}

// releaseQuietly frees a replaced endpoint on the gateway. The old reference
// is already dropped; a failed release only leaks gateway-side resources.
func (s *Service) releaseQuietly(ctx context.Context, ep *domain.Endpoint) {
	if err := s.gw.ReleaseEndpoint(ctx, ep.ID); err != nil {
		log.Warn().Str("module", "meeting").Str("endpoint", string(ep.ID)).Err(err).Msg("endpoint release failed")
	}
}
