// Package gateway talks to the external media-pipeline server. The meeting
// core only decides which endpoints exist and how they are wired; all actual
// media processing happens behind this interface.
package gateway

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/sugartalk/meet/internal/domain"
)

var ErrClosed = errors.New("gateway: connection closed")

// Subscription is a cancellable ICE event registration tied to one endpoint.
type Subscription interface {
	Cancel()
}

// Client is the control surface of the media gateway. Every call is a network
// round trip and respects ctx cancellation and deadlines.
type Client interface {
	CreatePipeline(ctx context.Context) (domain.PipelineID, error)
	ReleasePipeline(ctx context.Context, pipeline domain.PipelineID) error

	CreateEndpoint(ctx context.Context, pipeline domain.PipelineID) (domain.EndpointID, error)
	ReleaseEndpoint(ctx context.Context, endpoint domain.EndpointID) error

	// Connect wires media flow from src into dst. Directional.
	Connect(ctx context.Context, src, dst domain.EndpointID) error

	ProcessOffer(ctx context.Context, endpoint domain.EndpointID, offerSDP string) (answerSDP string, err error)
	AddICECandidate(ctx context.Context, endpoint domain.EndpointID, candidate webrtc.ICECandidateInit) error
	GatherCandidates(ctx context.Context, endpoint domain.EndpointID) error

	// OnICECandidate registers fn for candidates the gateway discovers on
	// endpoint. Delivery is best-effort and ordered per endpoint. The
	// server-side registration completes before the call returns, so no
	// candidate discovered by a later operation can be missed.
	OnICECandidate(ctx context.Context, endpoint domain.EndpointID, fn func(webrtc.ICECandidateInit)) (Subscription, error)
}
