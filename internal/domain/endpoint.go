package domain

type (
	PipelineID string
	EndpointID string
)

// NegotiationState tracks the offer/answer progress of one endpoint.
// The absence of an Endpoint is the implicit "no endpoint" state.
type NegotiationState string

const (
	Negotiating NegotiationState = "negotiating"
	Active      NegotiationState = "active"
)

// Endpoint is a reference to one media termination on the gateway,
// together with its negotiation progress and its ICE relay handle.
type Endpoint struct {
	ID    EndpointID
	State NegotiationState

	// relay cancels the ICE candidate subscription tied to this endpoint.
	relay func()
}

func NewEndpoint(id EndpointID, relay func()) *Endpoint {
	return &Endpoint{ID: id, State: Negotiating, relay: relay}
}

// CancelRelay stops candidate delivery for this endpoint. Safe on nil relay.
func (e *Endpoint) CancelRelay() {
	if e.relay != nil {
		e.relay()
		e.relay = nil
	}
}
