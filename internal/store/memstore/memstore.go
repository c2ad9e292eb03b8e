// Package memstore is an in-process backend used for local development and tests.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/park285/indichess-match/internal/domain"
	"github.com/park285/indichess-match/internal/store"
)

type Store struct {
	mu sync.RWMutex

	now func() time.Time

	matches map[string]*domain.Match
	byUser  map[string][]string          // identity -> match ids
	waiting map[domain.GameType][]string // creation order

	nextMoveID int64
	moves      map[string]map[int]*domain.Move // matchID -> ply -> move

	nextChatID int64
	chats      map[string][]*domain.ChatEntry
}

var _ store.Backend = (*Store)(nil)
var _ store.WaitingPruner = (*Store)(nil)

func New() *Store {
	return &Store{
		now:     time.Now,
		matches: make(map[string]*domain.Match),
		byUser:  make(map[string][]string),
		waiting: make(map[domain.GameType][]string),
		moves:   make(map[string]map[int]*domain.Move),
		chats:   make(map[string][]*domain.ChatEntry),
	}
}

// SetClock overrides the time source; tests use it to age waiting matches.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) Close() error { return nil }

func (s *Store) Create(ctx context.Context, m *domain.Match) (*domain.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Storage("create match", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := m.Clone()
	if strings.TrimSpace(cp.ID) == "" {
		cp.ID = uuid.NewString()
	}
	if _, exists := s.matches[cp.ID]; exists {
		return nil, domain.Conflict("match %s already exists", cp.ID)
	}
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = cp.CreatedAt
	s.matches[cp.ID] = cp
	s.byUser[cp.CreatedBy] = append(s.byUser[cp.CreatedBy], cp.ID)
	if cp.Waiting() {
		s.waiting[cp.GameType] = append(s.waiting[cp.GameType], cp.ID)
	}
	return cp.Clone(), nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[strings.TrimSpace(id)]
	if !ok {
		return nil, domain.ErrMatchNotFound
	}
	return m.Clone(), nil
}

func (s *Store) ListByParticipant(ctx context.Context, identity string) ([]*domain.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byUser[identity]
	out := make([]*domain.Match, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.matches[id]; ok {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Waiting(ctx context.Context, q store.WaitingQuery) ([]*domain.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Match
	for _, id := range s.waiting[q.GameType] {
		m := s.matches[id]
		if m == nil || !q.Matches(m) {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) Pair(ctx context.Context, id, opponent string) (*domain.Match, error) {
	return s.transition(id, func(cur *domain.Match, now time.Time) error {
		if err := store.CheckPair(cur, opponent); err != nil {
			return err
		}
		store.ApplyPair(cur, opponent, now)
		s.byUser[opponent] = append(s.byUser[opponent], cur.ID)
		return nil
	})
}

func (s *Store) Cancel(ctx context.Context, id, requester string) (*domain.Match, error) {
	return s.transition(id, func(cur *domain.Match, now time.Time) error {
		if err := store.CheckCancel(cur, requester); err != nil {
			return err
		}
		store.ApplyCancel(cur, now)
		return nil
	})
}

func (s *Store) Finish(ctx context.Context, id string, outcome domain.Outcome, term domain.Termination) (*domain.Match, error) {
	return s.transition(id, func(cur *domain.Match, now time.Time) error {
		if err := store.CheckFinish(cur); err != nil {
			return err
		}
		store.ApplyFinish(cur, outcome, term, now)
		return nil
	})
}

func (s *Store) transition(id string, apply func(cur *domain.Match, now time.Time) error) (*domain.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.matches[strings.TrimSpace(id)]
	if !ok {
		return nil, domain.ErrMatchNotFound
	}
	// mutate a copy so a rejected transition leaves the record untouched
	next := cur.Clone()
	if err := apply(next, s.now()); err != nil {
		return nil, err
	}
	s.matches[next.ID] = next
	if !next.Waiting() {
		s.dropWaiting(next.GameType, next.ID)
	}
	return next.Clone(), nil
}

func (s *Store) dropWaiting(gt domain.GameType, id string) {
	list := s.waiting[gt]
	for i, v := range list {
		if v == id {
			s.waiting[gt] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// PruneWaiting drops index entries created before olderThan. Records are kept.
func (s *Store) PruneWaiting(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for gt, list := range s.waiting {
		kept := list[:0:0]
		for _, id := range list {
			if m := s.matches[id]; m != nil && m.CreatedAt.After(olderThan) {
				kept = append(kept, id)
				continue
			}
			pruned++
		}
		s.waiting[gt] = kept
	}
	return pruned, nil
}

func (s *Store) AppendMove(ctx context.Context, mv *domain.Move) (*domain.Move, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Storage("append move", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byPly := s.moves[mv.MatchID]
	if byPly == nil {
		byPly = make(map[int]*domain.Move)
		s.moves[mv.MatchID] = byPly
	}
	if _, exists := byPly[mv.Ply]; exists {
		return nil, domain.ErrDuplicatePly
	}
	cp := *mv
	s.nextMoveID++
	cp.ID = s.nextMoveID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	byPly[cp.Ply] = &cp
	out := cp
	return &out, nil
}

func (s *Store) CountMoves(ctx context.Context, matchID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.moves[matchID]), nil
}

func (s *Store) ListMoves(ctx context.Context, matchID string) ([]*domain.Move, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Move, 0, len(s.moves[matchID]))
	for _, mv := range s.moves[matchID] {
		cp := *mv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ply < out[j].Ply })
	return out, nil
}

func (s *Store) AppendChat(ctx context.Context, e *domain.ChatEntry) (*domain.ChatEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Storage("append chat", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.nextChatID++
	cp.ID = s.nextChatID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.chats[cp.MatchID] = append(s.chats[cp.MatchID], &cp)
	out := cp
	return &out, nil
}

func (s *Store) ListChat(ctx context.Context, matchID string) ([]*domain.ChatEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.ChatEntry, 0, len(s.chats[matchID]))
	for _, e := range s.chats[matchID] {
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
