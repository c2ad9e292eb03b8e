package janitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/indichess-match/internal/domain"
	"github.com/park285/indichess-match/internal/store"
	"github.com/park285/indichess-match/internal/store/memstore"
)

func TestRunOncePrunesStaleEntries(t *testing.T) {
	st := memstore.New()
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return base.Add(-10 * time.Minute) })
	ctx := context.Background()
	stale, _ := st.Create(ctx, &domain.Match{CreatedBy: "alice", Status: domain.StatusCreated, GameType: domain.GameStandard})
	st.SetClock(func() time.Time { return base })
	_, _ = st.Create(ctx, &domain.Match{CreatedBy: "bob", Status: domain.StatusCreated, GameType: domain.GameStandard})

	j := New(st, Options{Window: 90 * time.Second, Now: func() time.Time { return base }})
	n, err := j.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	got, _ := st.Get(ctx, stale.ID)
	if got.Status != domain.StatusCreated {
		t.Fatalf("janitor must not change match status: %s", got.Status)
	}
	list, _ := st.Waiting(ctx, store.WaitingQuery{GameType: domain.GameStandard, CreatedAfter: base.Add(-time.Hour)})
	if len(list) != 1 {
		t.Fatalf("expected one indexed waiting match, got %d", len(list))
	}
}

type countingPruner struct{ calls atomic.Int32 }

func (p *countingPruner) PruneWaiting(context.Context, time.Time) (int, error) {
	p.calls.Add(1)
	return 0, nil
}

func TestScheduledRuns(t *testing.T) {
	p := &countingPruner{}
	j := New(p, Options{Interval: 20 * time.Millisecond})
	if err := j.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := j.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.calls.Load() < 2 {
		t.Fatalf("expected repeated runs, got %d", p.calls.Load())
	}
}
