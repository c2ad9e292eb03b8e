// Package storetest holds the behavioural suite every store.Backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/park285/indichess-match/internal/domain"
	"github.com/park285/indichess-match/internal/store"
)

// Factory returns a fresh, empty backend.
type Factory func(t *testing.T) store.Backend

// Run executes the full contract suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newBackend(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newBackend(t)) })
	t.Run("PairOnce", func(t *testing.T) { testPairOnce(t, newBackend(t)) })
	t.Run("PairRace", func(t *testing.T) { testPairRace(t, newBackend(t)) })
	t.Run("CancelRules", func(t *testing.T) { testCancelRules(t, newBackend(t)) })
	t.Run("FinishRules", func(t *testing.T) { testFinishRules(t, newBackend(t)) })
	t.Run("WaitingOrder", func(t *testing.T) { testWaitingOrder(t, newBackend(t)) })
	t.Run("ListByParticipant", func(t *testing.T) { testListByParticipant(t, newBackend(t)) })
	t.Run("MovePlyUnique", func(t *testing.T) { testMovePlyUnique(t, newBackend(t)) })
	t.Run("ChatOrder", func(t *testing.T) { testChatOrder(t, newBackend(t)) })
}

func newWaiting(t *testing.T, b store.Backend, creator string, gt domain.GameType) *domain.Match {
	t.Helper()
	m, err := b.Create(context.Background(), &domain.Match{CreatedBy: creator, Status: domain.StatusCreated, GameType: gt})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m
}

func testCreateGet(t *testing.T, b store.Backend) {
	ctx := context.Background()
	m := newWaiting(t, b, "alice", domain.GameStandard)
	if m.ID == "" || m.CreatedAt.IsZero() || !m.UpdatedAt.Equal(m.CreatedAt) {
		t.Fatalf("unexpected created match: %+v", m)
	}
	got, err := b.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CreatedBy != "alice" || got.Opponent != nil || got.Status != domain.StatusCreated || got.GameType != domain.GameStandard {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func testGetMissing(t *testing.T, b store.Backend) {
	if _, err := b.Get(context.Background(), "nope"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := b.Pair(context.Background(), "nope", "bob"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found on pair, got %v", err)
	}
}

func testPairOnce(t *testing.T, b store.Backend) {
	ctx := context.Background()
	m := newWaiting(t, b, "alice", domain.GameStandard)
	if _, err := b.Pair(ctx, m.ID, "alice"); !domain.IsConflict(err) {
		t.Fatalf("self pair should conflict, got %v", err)
	}
	paired, err := b.Pair(ctx, m.ID, "bob")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if paired.Status != domain.StatusInProgress || paired.OpponentID() != "bob" {
		t.Fatalf("unexpected paired match: %+v", paired)
	}
	if !paired.UpdatedAt.After(m.UpdatedAt) {
		t.Fatalf("updatedAt did not advance: %v -> %v", m.UpdatedAt, paired.UpdatedAt)
	}
	if _, err := b.Pair(ctx, m.ID, "carol"); !domain.IsConflict(err) {
		t.Fatalf("second pair should conflict, got %v", err)
	}
	got, _ := b.Get(ctx, m.ID)
	if got.OpponentID() != "bob" {
		t.Fatalf("opponent overwritten: %+v", got)
	}
}

func testPairRace(t *testing.T, b store.Backend) {
	ctx := context.Background()
	m := newWaiting(t, b, "alice", domain.GameStandard)
	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			who := fmt.Sprintf("p%d", i)
			if _, err := b.Pair(ctx, m.ID, who); err == nil {
				mu.Lock()
				winners = append(winners, who)
				mu.Unlock()
			} else if !domain.IsConflict(err) {
				t.Errorf("unexpected pair error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	got, _ := b.Get(ctx, m.ID)
	if got.OpponentID() != winners[0] {
		t.Fatalf("stored opponent %q, winner %q", got.OpponentID(), winners[0])
	}
}

func testCancelRules(t *testing.T, b store.Backend) {
	ctx := context.Background()
	m := newWaiting(t, b, "alice", domain.GameStandard)
	if _, err := b.Cancel(ctx, m.ID, "bob"); !domain.IsConflict(err) {
		t.Fatalf("non-creator cancel should conflict, got %v", err)
	}
	got, _ := b.Get(ctx, m.ID)
	if got.Status != domain.StatusCreated {
		t.Fatalf("status changed by rejected cancel: %s", got.Status)
	}
	cancelled, err := b.Cancel(ctx, m.ID, "alice")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled || cancelled.Opponent != nil {
		t.Fatalf("unexpected cancelled match: %+v", cancelled)
	}
	if _, err := b.Pair(ctx, m.ID, "bob"); !domain.IsConflict(err) {
		t.Fatalf("pairing a cancelled match should conflict, got %v", err)
	}
	if _, err := b.Finish(ctx, m.ID, domain.OutcomeDraw, domain.TerminationAgreement); !domain.IsConflict(err) {
		t.Fatalf("finishing a cancelled match should conflict, got %v", err)
	}

	other := newWaiting(t, b, "carol", domain.GameStandard)
	if _, err := b.Pair(ctx, other.ID, "dave"); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if _, err := b.Cancel(ctx, other.ID, "carol"); !domain.IsConflict(err) {
		t.Fatalf("cancel after pairing should conflict, got %v", err)
	}
}

func testFinishRules(t *testing.T, b store.Backend) {
	ctx := context.Background()
	m := newWaiting(t, b, "alice", domain.GameStandard)
	if _, err := b.Finish(ctx, m.ID, domain.OutcomeDraw, domain.TerminationAgreement); !domain.IsConflict(err) {
		t.Fatalf("finishing a waiting match should conflict, got %v", err)
	}
	if _, err := b.Pair(ctx, m.ID, "bob"); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	done, err := b.Finish(ctx, m.ID, domain.OutcomeBlackWon, domain.TerminationResignation)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if done.Status != domain.StatusFinished || done.Outcome != domain.OutcomeBlackWon || done.OpponentID() != "bob" {
		t.Fatalf("unexpected finished match: %+v", done)
	}
	if _, err := b.Finish(ctx, m.ID, domain.OutcomeDraw, domain.TerminationAgreement); !domain.IsConflict(err) {
		t.Fatalf("second finish should conflict, got %v", err)
	}
	got, _ := b.Get(ctx, m.ID)
	if got.Outcome != domain.OutcomeBlackWon {
		t.Fatalf("outcome overwritten: %+v", got)
	}
}

func testWaitingOrder(t *testing.T, b store.Backend) {
	ctx := context.Background()
	first := newWaiting(t, b, "alice", domain.GameStandard)
	time.Sleep(2 * time.Millisecond)
	second := newWaiting(t, b, "bob", domain.GameStandard)
	_ = newWaiting(t, b, "carol", domain.GameRapid)
	q := store.WaitingQuery{GameType: domain.GameStandard, CreatedAfter: time.Now().Add(-time.Minute), ExcludeCreator: "zed", Limit: 10}
	got, err := b.Waiting(ctx, q)
	if err != nil {
		t.Fatalf("Waiting: %v", err)
	}
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("unexpected waiting order: %+v", got)
	}
	q.ExcludeCreator = "alice"
	got, _ = b.Waiting(ctx, q)
	if len(got) != 1 || got[0].ID != second.ID {
		t.Fatalf("creator exclusion failed: %+v", got)
	}
	q.CreatedAfter = time.Now().Add(time.Minute)
	got, _ = b.Waiting(ctx, q)
	if len(got) != 0 {
		t.Fatalf("freshness cutoff ignored: %+v", got)
	}
}

func testListByParticipant(t *testing.T, b store.Backend) {
	ctx := context.Background()
	a := newWaiting(t, b, "alice", domain.GameStandard)
	if _, err := b.Pair(ctx, a.ID, "bob"); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	_ = newWaiting(t, b, "bob", domain.GameRapid)
	list, err := b.ListByParticipant(ctx, "bob")
	if err != nil {
		t.Fatalf("ListByParticipant: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 matches for bob, got %d", len(list))
	}
	list, _ = b.ListByParticipant(ctx, "nobody")
	if len(list) != 0 {
		t.Fatalf("expected none, got %d", len(list))
	}
}

func testMovePlyUnique(t *testing.T, b store.Backend) {
	ctx := context.Background()
	m := newWaiting(t, b, "alice", domain.GameStandard)
	for ply := 1; ply <= 3; ply++ {
		mv := &domain.Move{MatchID: m.ID, Ply: ply, MoveNumber: domain.MoveNumberForPly(ply), UCI: fmt.Sprintf("m%d", ply)}
		if _, err := b.AppendMove(ctx, mv); err != nil {
			t.Fatalf("AppendMove ply %d: %v", ply, err)
		}
	}
	_, err := b.AppendMove(ctx, &domain.Move{MatchID: m.ID, Ply: 2, UCI: "dup"})
	if !errors.Is(err, domain.ErrDuplicatePly) {
		t.Fatalf("expected duplicate ply error, got %v", err)
	}
	n, err := b.CountMoves(ctx, m.ID)
	if err != nil || n != 3 {
		t.Fatalf("CountMoves = %d, %v", n, err)
	}
	list, err := b.ListMoves(ctx, m.ID)
	if err != nil {
		t.Fatalf("ListMoves: %v", err)
	}
	for i, mv := range list {
		if mv.Ply != i+1 {
			t.Fatalf("moves out of order: %+v", list)
		}
	}
	if list[1].UCI != "m2" {
		t.Fatalf("ply 2 overwritten: %+v", list[1])
	}
}

func testChatOrder(t *testing.T, b store.Backend) {
	ctx := context.Background()
	m := newWaiting(t, b, "alice", domain.GameStandard)
	for _, txt := range []string{"hi", "gl", "hf"} {
		if _, err := b.AppendChat(ctx, &domain.ChatEntry{MatchID: m.ID, Sender: "alice", Text: txt}); err != nil {
			t.Fatalf("AppendChat: %v", err)
		}
	}
	list, err := b.ListChat(ctx, m.ID)
	if err != nil {
		t.Fatalf("ListChat: %v", err)
	}
	if len(list) != 3 || list[0].Text != "hi" || list[2].Text != "hf" {
		t.Fatalf("unexpected chat order: %+v", list)
	}
	if list[0].ID == 0 || list[0].CreatedAt.IsZero() {
		t.Fatalf("chat entry missing id/timestamp: %+v", list[0])
	}
}
