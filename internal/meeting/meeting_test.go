package meeting

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/sugartalk/meet/internal/domain"
	"github.com/sugartalk/meet/internal/gateway"
	"github.com/sugartalk/meet/internal/session"
)

// fakeGateway records every control operation in order and lets tests fire
// ICE events and inject negotiation failures.
type fakeGateway struct {
	mu           sync.Mutex
	ops          []string
	nextPipeline int
	nextEndpoint int
	offerErr     error
	subs         map[domain.EndpointID][]func(webrtc.ICECandidateInit)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{subs: make(map[domain.EndpointID][]func(webrtc.ICECandidateInit))}
}

func (g *fakeGateway) record(op string) {
	g.mu.Lock()
	g.ops = append(g.ops, op)
	g.mu.Unlock()
}

func (g *fakeGateway) opLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.ops...)
}

func (g *fakeGateway) countOps(prefix string) int {
	n := 0
	for _, op := range g.opLog() {
		if strings.HasPrefix(op, prefix) {
			n++
		}
	}
	return n
}

func (g *fakeGateway) CreatePipeline(context.Context) (domain.PipelineID, error) {
	g.mu.Lock()
	g.nextPipeline++
	id := domain.PipelineID(fmt.Sprintf("pipeline-%d", g.nextPipeline))
	g.ops = append(g.ops, "createPipeline:"+string(id))
	g.mu.Unlock()
	return id, nil
}

func (g *fakeGateway) ReleasePipeline(_ context.Context, p domain.PipelineID) error {
	g.record("releasePipeline:" + string(p))
	return nil
}

func (g *fakeGateway) CreateEndpoint(_ context.Context, p domain.PipelineID) (domain.EndpointID, error) {
	g.mu.Lock()
	g.nextEndpoint++
	id := domain.EndpointID(fmt.Sprintf("ep-%d", g.nextEndpoint))
	g.ops = append(g.ops, "createEndpoint:"+string(id))
	g.mu.Unlock()
	return id, nil
}

func (g *fakeGateway) ReleaseEndpoint(_ context.Context, ep domain.EndpointID) error {
	g.record("releaseEndpoint:" + string(ep))
	return nil
}

func (g *fakeGateway) Connect(_ context.Context, src, dst domain.EndpointID) error {
	g.record(fmt.Sprintf("connect:%s->%s", src, dst))
	return nil
}

func (g *fakeGateway) ProcessOffer(_ context.Context, ep domain.EndpointID, _ string) (string, error) {
	g.record("processOffer:" + string(ep))
	g.mu.Lock()
	err := g.offerErr
	g.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "answer-sdp", nil
}

func (g *fakeGateway) AddICECandidate(_ context.Context, ep domain.EndpointID, _ webrtc.ICECandidateInit) error {
	g.record("addCandidate:" + string(ep))
	return nil
}

func (g *fakeGateway) GatherCandidates(_ context.Context, ep domain.EndpointID) error {
	g.record("gather:" + string(ep))
	return nil
}

func (g *fakeGateway) OnICECandidate(_ context.Context, ep domain.EndpointID, fn func(webrtc.ICECandidateInit)) (gateway.Subscription, error) {
	g.mu.Lock()
	g.subs[ep] = append(g.subs[ep], fn)
	g.mu.Unlock()
	g.record("subscribe:" + string(ep))
	return fakeSub{}, nil
}

func (g *fakeGateway) fireCandidate(ep domain.EndpointID, c webrtc.ICECandidateInit) {
	g.mu.Lock()
	fns := append(([]func(webrtc.ICECandidateInit))(nil), g.subs[ep]...)
	g.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

type fakeSub struct{}

func (fakeSub) Cancel() {}

type sentEvent struct {
	To    domain.ConnectionID
	Event Event
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (n *fakeNotifier) Send(to domain.ConnectionID, evt Event) error {
	n.mu.Lock()
	n.events = append(n.events, sentEvent{To: to, Event: evt})
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) sentTo(to domain.ConnectionID, t EventType) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, e := range n.events {
		if e.To == to && e.Event.Type == t {
			out = append(out, e.Event)
		}
	}
	return out
}

type testEnv struct {
	svc      *Service
	store    *session.MemoryStore
	gw       *fakeGateway
	notifier *fakeNotifier
}

func newTestEnv() *testEnv {
	store := session.NewMemoryStore()
	gw := newFakeGateway()
	notifier := &fakeNotifier{}
	registry := session.NewRegistry(store, gw)
	return &testEnv{
		svc:      NewService(registry, store, gw, notifier),
		store:    store,
		gw:       gw,
		notifier: notifier,
	}
}

func (e *testEnv) connect(t *testing.T, number domain.MeetingNumber, conn domain.ConnectionID, name string) {
	t.Helper()
	if _, _, err := e.svc.Connect(context.Background(), number, conn, domain.NewGuest(name), name); err != nil {
		t.Fatalf("connect %s: %v", conn, err)
	}
}
