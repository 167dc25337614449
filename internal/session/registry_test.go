package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/sugartalk/meet/internal/domain"
	"github.com/sugartalk/meet/internal/gateway"
)

type countingGateway struct {
	pipelines         atomic.Int64
	releasedPipelines atomic.Int64
}

func (g *countingGateway) CreatePipeline(context.Context) (domain.PipelineID, error) {
	n := g.pipelines.Add(1)
	return domain.PipelineID(fmt.Sprintf("pipeline-%d", n)), nil
}

func (g *countingGateway) ReleasePipeline(context.Context, domain.PipelineID) error {
	g.releasedPipelines.Add(1)
	return nil
}

func (g *countingGateway) CreateEndpoint(context.Context, domain.PipelineID) (domain.EndpointID, error) {
	return "ep", nil
}
func (g *countingGateway) ReleaseEndpoint(context.Context, domain.EndpointID) error { return nil }
func (g *countingGateway) Connect(context.Context, domain.EndpointID, domain.EndpointID) error {
	return nil
}
func (g *countingGateway) ProcessOffer(context.Context, domain.EndpointID, string) (string, error) {
	return "", nil
}
func (g *countingGateway) AddICECandidate(context.Context, domain.EndpointID, webrtc.ICECandidateInit) error {
	return nil
}
func (g *countingGateway) GatherCandidates(context.Context, domain.EndpointID) error { return nil }
func (g *countingGateway) OnICECandidate(context.Context, domain.EndpointID, func(webrtc.ICECandidateInit)) (gateway.Subscription, error) {
	return nopSub{}, nil
}

type nopSub struct{}

func (nopSub) Cancel() {}

func TestGetOrCreateSinglePipelineUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	gw := &countingGateway{}
	r := NewRegistry(NewMemoryStore(), gw)

	var eg errgroup.Group
	for i := 0; i < 16; i++ {
		eg.Go(func() error {
			_, err := r.GetOrCreate(ctx, "M1")
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := gw.pipelines.Load(); n != 1 {
		t.Errorf("pipelines created = %d, want 1", n)
	}
}

func TestDoSerializesMutation(t *testing.T) {
	ctx := context.Background()
	gw := &countingGateway{}
	r := NewRegistry(NewMemoryStore(), gw)
	if _, err := r.GetOrCreate(ctx, "M1"); err != nil {
		t.Fatal(err)
	}

	const joins = 32
	var wg sync.WaitGroup
	for i := 0; i < joins; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cid := domain.ConnectionID(fmt.Sprintf("conn-%d", i))
			err := r.Do(ctx, "M1", func(ms *domain.MeetingSession) error {
				ms.Participants[cid] = domain.NewUserSession(cid, domain.NewGuest(""), "")
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	err := r.Do(ctx, "M1", func(ms *domain.MeetingSession) error {
		if len(ms.Participants) != joins {
			t.Errorf("participants = %d, want %d", len(ms.Participants), joins)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMeetingLocksPruned(t *testing.T) {
	ctx := context.Background()
	gw := &countingGateway{}
	r := NewRegistry(NewMemoryStore(), gw)

	for i := 0; i < 8; i++ {
		number := domain.MeetingNumber(fmt.Sprintf("M%d", i))
		if _, err := r.GetOrCreate(ctx, number); err != nil {
			t.Fatal(err)
		}
		err := r.Do(ctx, number, func(*domain.MeetingSession) error { return nil })
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Release(ctx, number); err != nil {
			t.Fatal(err)
		}
	}

	r.mu.Lock()
	n := len(r.locks)
	r.mu.Unlock()
	if n != 0 {
		t.Errorf("lock entries after all scopes released = %d, want 0", n)
	}
}

func TestReleaseFreesPipeline(t *testing.T) {
	ctx := context.Background()
	gw := &countingGateway{}
	store := NewMemoryStore()
	r := NewRegistry(store, gw)
	if _, err := r.GetOrCreate(ctx, "M1"); err != nil {
		t.Fatal(err)
	}

	if err := r.Release(ctx, "M1"); err != nil {
		t.Fatal(err)
	}
	if n := gw.releasedPipelines.Load(); n != 1 {
		t.Errorf("pipelines released = %d, want 1", n)
	}
	if _, err := store.GetSession(ctx, "M1"); err == nil {
		t.Error("session still present after release")
	}

	// Releasing an already-released meeting is a no-op.
	if err := r.Release(ctx, "M1"); err != nil {
		t.Fatalf("second release: %v", err)
	}

	// A fresh join afterwards allocates a new pipeline.
	if _, err := r.GetOrCreate(ctx, "M1"); err != nil {
		t.Fatal(err)
	}
	if n := gw.pipelines.Load(); n != 2 {
		t.Errorf("pipelines created = %d, want 2", n)
	}
}
