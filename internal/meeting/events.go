// Package meeting implements the signaling core: connection lifecycle,
// endpoint orchestration against the media gateway, and the offer/answer/
// candidate negotiation protocol.
package meeting

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/sugartalk/meet/internal/domain"
)

var (
	ErrParticipantNotFound = errors.New("participant not found in meeting")
	ErrPeerNotFound        = errors.New("peer not found in meeting")
)

type EventType string

const (
	EventLocalUser  EventType = "setLocalUser"
	EventOtherUsers EventType = "setOtherUsers"
	EventJoined     EventType = "otherJoined"
	EventRejoined   EventType = "otherRejoined"
	EventLeft       EventType = "otherLeft"
	EventAnswer     EventType = "processAnswer"
	EventNewOffer   EventType = "newOfferCreated"
	EventCandidate  EventType = "addCandidate"
)

// Event is one outbound notification for a single connection.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Notifier delivers events to connected clients. Delivery is best-effort;
// a failed send must never disturb the triggering operation.
type Notifier interface {
	Send(connectionID domain.ConnectionID, event Event) error
}

type LeftPayload struct {
	ConnectionID domain.ConnectionID `json:"connectionId"`
}

type CandidatePayload struct {
	PeerConnectionID domain.ConnectionID     `json:"peerConnectionId"`
	Candidate        webrtc.ICECandidateInit `json:"candidate"`
}

type AnswerPayload struct {
	TargetConnectionID domain.ConnectionID `json:"targetConnectionId"`
	AnswerSDP          string              `json:"answerSdp"`
	IsSharingCamera    bool                `json:"isSharingCamera"`
	IsSharingScreen    bool                `json:"isSharingScreen"`
	PeerConnectionID   domain.ConnectionID `json:"peerConnectionId,omitempty"`
}

type NewOfferPayload struct {
	SourceConnectionID domain.ConnectionID `json:"sourceConnectionId"`
	OfferSDP           string              `json:"offerSdp"`
	IsSharingCamera    bool                `json:"isSharingCamera"`
	IsSharingScreen    bool                `json:"isSharingScreen"`
}
