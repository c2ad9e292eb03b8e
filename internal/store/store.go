// Package store defines the persistence contracts the matchmaker and the
// coordinator depend on. Backends live in the subpackages.
package store

import (
	"context"
	"time"

	"github.com/park285/indichess-match/internal/domain"
)

// WaitingQuery selects pairing candidates from the waiting pool.
type WaitingQuery struct {
	GameType       domain.GameType
	CreatedAfter   time.Time
	ExcludeCreator string
	Limit          int
}

// Matches reports whether m is a candidate under q.
func (q WaitingQuery) Matches(m *domain.Match) bool {
	return m.Waiting() &&
		m.GameType == q.GameType &&
		m.CreatedAt.After(q.CreatedAfter) &&
		m.CreatedBy != q.ExcludeCreator
}

// MatchRegistry stores match records. Every mutation is a conditional update:
// it succeeds only when the record is still in the expected state and returns
// a conflict error otherwise, leaving the record untouched.
type MatchRegistry interface {
	Create(ctx context.Context, m *domain.Match) (*domain.Match, error)
	Get(ctx context.Context, id string) (*domain.Match, error)
	ListByParticipant(ctx context.Context, identity string) ([]*domain.Match, error)
	// Waiting returns candidates ordered by CreatedAt ascending.
	Waiting(ctx context.Context, q WaitingQuery) ([]*domain.Match, error)
	// Pair sets the opponent and moves CREATED to IN_PROGRESS.
	Pair(ctx context.Context, id, opponent string) (*domain.Match, error)
	// Cancel moves a waiting match to CANCELLED when requester created it.
	Cancel(ctx context.Context, id, requester string) (*domain.Match, error)
	// Finish moves IN_PROGRESS to FINISHED and records how it ended.
	Finish(ctx context.Context, id string, outcome domain.Outcome, term domain.Termination) (*domain.Match, error)
}

// MoveLedger is the append-only move history. Append fails with
// domain.ErrDuplicatePly when (MatchID, Ply) already exists.
type MoveLedger interface {
	AppendMove(ctx context.Context, mv *domain.Move) (*domain.Move, error)
	CountMoves(ctx context.Context, matchID string) (int, error)
	ListMoves(ctx context.Context, matchID string) ([]*domain.Move, error)
}

// ChatLog is the append-only chat history ordered by creation time.
type ChatLog interface {
	AppendChat(ctx context.Context, e *domain.ChatEntry) (*domain.ChatEntry, error)
	ListChat(ctx context.Context, matchID string) ([]*domain.ChatEntry, error)
}

// WaitingPruner is implemented by backends that index the waiting pool
// separately from the match records.
type WaitingPruner interface {
	PruneWaiting(ctx context.Context, olderThan time.Time) (int, error)
}

// Backend bundles the three contracts for wiring.
type Backend interface {
	MatchRegistry
	MoveLedger
	ChatLog
	Close() error
}

// Pair/Cancel/Finish share these checks so every backend rejects the same
// transitions with the same messages.

// CheckPair validates the pairing transition on cur.
func CheckPair(cur *domain.Match, opponent string) error {
	if cur.CreatedBy == opponent {
		return domain.Conflict("creator cannot join their own match as opponent")
	}
	if cur.Opponent != nil {
		return domain.Conflict("match already has an opponent")
	}
	if cur.Status != domain.StatusCreated {
		return domain.Conflict("match is %s", cur.Status)
	}
	return nil
}

// CheckCancel validates the cancel transition on cur.
func CheckCancel(cur *domain.Match, requester string) error {
	if cur.CreatedBy != requester {
		return domain.Conflict("only the creator can cancel this match")
	}
	if !cur.Waiting() {
		return domain.Conflict("match can no longer be cancelled")
	}
	return nil
}

// CheckFinish validates the finishing transition on cur.
func CheckFinish(cur *domain.Match) error {
	if cur.Status != domain.StatusInProgress {
		return domain.Conflict("match is %s", cur.Status)
	}
	return nil
}

// ApplyPair, ApplyCancel and ApplyFinish mutate cur after a successful check.
func ApplyPair(cur *domain.Match, opponent string, now time.Time) {
	opp := opponent
	cur.Opponent = &opp
	cur.Status = domain.StatusInProgress
	cur.Touch(now)
}

func ApplyCancel(cur *domain.Match, now time.Time) {
	cur.Status = domain.StatusCancelled
	cur.Touch(now)
}

func ApplyFinish(cur *domain.Match, outcome domain.Outcome, term domain.Termination, now time.Time) {
	cur.Status = domain.StatusFinished
	cur.Outcome = outcome
	cur.Termination = term
	cur.Touch(now)
}
