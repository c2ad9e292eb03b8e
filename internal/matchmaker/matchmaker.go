package matchmaker

import (
	"context"
	"strings"
	"time"

	"github.com/park285/indichess-match/internal/domain"
	"github.com/park285/indichess-match/internal/keylock"
	"github.com/park285/indichess-match/internal/metrics"
	"github.com/park285/indichess-match/internal/obslog"
	"github.com/park285/indichess-match/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultFreshnessWindow = 90 * time.Second
	candidateLimit         = 16
)

type Options struct {
	FreshnessWindow time.Duration
	GameTypes       []domain.GameType
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

type Matchmaker struct {
	registry  store.MatchRegistry
	locks     *keylock.Map
	freshness time.Duration
	allowed   map[domain.GameType]struct{}
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(registry store.MatchRegistry, opts Options) *Matchmaker {
	mm := &Matchmaker{
		registry:  registry,
		locks:     keylock.New(),
		freshness: opts.FreshnessWindow,
		allowed:   make(map[domain.GameType]struct{}),
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if mm.freshness <= 0 {
		mm.freshness = DefaultFreshnessWindow
	}
	if mm.now == nil {
		mm.now = time.Now
	}
	types := opts.GameTypes
	if len(types) == 0 {
		types = []domain.GameType{domain.GameStandard, domain.GameRapid}
	}
	for _, gt := range types {
		mm.allowed[gt] = struct{}{}
	}
	return mm
}

func (mm *Matchmaker) gameType(raw string) (domain.GameType, error) {
	gt := domain.ParseGameType(raw)
	if _, ok := mm.allowed[gt]; !ok {
		return "", domain.Invalid("unsupported game type %q", raw)
	}
	return gt, nil
}

func requireIdentity(identity string) (string, error) {
	id := strings.TrimSpace(identity)
	if id == "" {
		return "", domain.Invalid("caller identity required")
	}
	return id, nil
}

// RequestMatch pairs identity into the oldest fresh waiting match of gameType,
// or opens a new waiting match when none can be paired.
func (mm *Matchmaker) RequestMatch(ctx context.Context, identity, gameType string) (*domain.Match, error) {
	who, err := requireIdentity(identity)
	if err != nil {
		return nil, err
	}
	gt, err := mm.gameType(gameType)
	if err != nil {
		return nil, err
	}

	// serialises find-or-create per game type on this node; across nodes the
	// store's conditional pair decides
	unlock, err := mm.locks.Lock(ctx, string(gt))
	if err != nil {
		return nil, domain.Storage("matchmaker lock", err)
	}
	defer unlock()

	candidates, err := mm.registry.Waiting(ctx, store.WaitingQuery{
		GameType:       gt,
		CreatedAfter:   mm.now().Add(-mm.freshness),
		ExcludeCreator: who,
		Limit:          candidateLimit,
	})
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		paired, err := mm.registry.Pair(ctx, c.ID, who)
		if err == nil {
			mm.metrics.MatchPaired(string(gt))
			obslog.L().Info("match_pair",
				zap.String("match_id", paired.ID),
				zap.String("game_type", string(gt)),
				zap.String("creator", paired.CreatedBy),
				zap.String("opponent", who),
			)
			return paired, nil
		}
		if domain.IsConflict(err) || domain.IsNotFound(err) {
			// lost the race for this candidate
			mm.metrics.PairConflict()
			obslog.L().Debug("match_pair_conflict", zap.String("match_id", c.ID), zap.String("opponent", who), zap.Error(err))
			continue
		}
		return nil, err
	}

	created, err := mm.registry.Create(ctx, &domain.Match{
		CreatedBy: who,
		Status:    domain.StatusCreated,
		GameType:  gt,
		CreatedAt: mm.now(),
	})
	if err != nil {
		return nil, err
	}
	mm.metrics.MatchCreated(string(gt))
	obslog.L().Info("match_create",
		zap.String("match_id", created.ID),
		zap.String("game_type", string(gt)),
		zap.String("creator", who),
	)
	return created, nil
}

// JoinMatch is the explicit join by id, bypassing the waiting pool.
func (mm *Matchmaker) JoinMatch(ctx context.Context, matchID, identity string) (*domain.Match, error) {
	who, err := requireIdentity(identity)
	if err != nil {
		return nil, err
	}
	m, err := mm.registry.Pair(ctx, strings.TrimSpace(matchID), who)
	if err != nil {
		obslog.L().Warn("match_join_error", zap.String("match_id", matchID), zap.String("identity", who), zap.Error(err))
		return nil, err
	}
	mm.metrics.MatchPaired(string(m.GameType))
	obslog.L().Info("match_join", zap.String("match_id", m.ID), zap.String("creator", m.CreatedBy), zap.String("opponent", who))
	return m, nil
}

func (mm *Matchmaker) CancelWaitingMatch(ctx context.Context, matchID, identity string) error {
	who, err := requireIdentity(identity)
	if err != nil {
		return err
	}
	m, err := mm.registry.Cancel(ctx, strings.TrimSpace(matchID), who)
	if err != nil {
		obslog.L().Warn("match_cancel_error", zap.String("match_id", matchID), zap.String("identity", who), zap.Error(err))
		return err
	}
	mm.metrics.MatchCancelled()
	obslog.L().Info("match_cancel", zap.String("match_id", m.ID), zap.String("creator", who))
	return nil
}

func (mm *Matchmaker) GetMatch(ctx context.Context, matchID string) (*domain.Match, error) {
	return mm.registry.Get(ctx, strings.TrimSpace(matchID))
}

// MyMatches lists matches identity created or joined, newest first.
func (mm *Matchmaker) MyMatches(ctx context.Context, identity string) ([]*domain.Match, error) {
	who, err := requireIdentity(identity)
	if err != nil {
		return nil, err
	}
	return mm.registry.ListByParticipant(ctx, who)
}
