// Package redisstore keeps match records and history in Redis. Match
// transitions are optimistic: the record key is WATCHed, the transition is
// checked against the current value and written in a MULTI block, and a
// concurrent writer makes the transaction fail and retry.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/park285/indichess-match/internal/domain"
	"github.com/park285/indichess-match/internal/obslog"
	"github.com/park285/indichess-match/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxTxRetries = 16

type Store struct {
	rdb   *redis.Client
	owned bool
	now   func() time.Time
}

var _ store.Backend = (*Store)(nil)
var _ store.WaitingPruner = (*Store)(nil)

// New wraps an existing client; Close leaves it open.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

// Open dials REDIS_URL-style addresses and pings the server.
func Open(ctx context.Context, redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for redis store")
	}
	opts, err := ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb, owned: true, now: time.Now}, nil
}

// Client exposes the underlying connection for components sharing it (pub/sub relay).
func (s *Store) Client() *redis.Client { return s.rdb }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return domain.Storage("redis ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.rdb == nil || !s.owned {
		return nil
	}
	return s.rdb.Close()
}

// ParseURL accepts redis:// and rediss:// URLs with an optional /<db> path.
func ParseURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redis db %q", p)
		}
		db = n
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}

func matchKey(id string) string           { return "match:" + strings.TrimSpace(id) }
func movesKey(id string) string           { return matchKey(id) + ":moves" }
func chatKey(id string) string            { return matchKey(id) + ":chat" }
func chatSeqKey(id string) string         { return matchKey(id) + ":chat:seq" }
func userIdxKey(identity string) string   { return "match:index:user:" + strings.TrimSpace(identity) }
func waitingKey(gt domain.GameType) string { return "match:waiting:" + string(gt) }

const moveSeqKey = "match:moves:seq"

func score(t time.Time) float64 { return float64(t.UnixMicro()) }

func (s *Store) Create(ctx context.Context, m *domain.Match) (*domain.Match, error) {
	cp := m.Clone()
	if strings.TrimSpace(cp.ID) == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	// microsecond precision keeps JSON and sorted-set scores in agreement
	cp.CreatedAt = cp.CreatedAt.Truncate(time.Microsecond)
	cp.UpdatedAt = cp.CreatedAt
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	key := matchKey(cp.ID)
	// record and its indexes go out in one MULTI
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.Conflict("match %s already exists", cp.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			pipe.SAdd(ctx, userIdxKey(cp.CreatedBy), cp.ID)
			if cp.Waiting() {
				pipe.ZAdd(ctx, waitingKey(cp.GameType), redis.Z{Score: score(cp.CreatedAt), Member: cp.ID})
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, domain.Conflict("match %s already exists", cp.ID)
	}
	if err != nil {
		return nil, domain.Storage("redis create match", err)
	}
	return cp, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Match, error) {
	raw, err := s.rdb.Get(ctx, matchKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrMatchNotFound
	}
	if err != nil {
		return nil, domain.Storage("redis get match", err)
	}
	return decodeMatch(raw)
}

func decodeMatch(raw []byte) (*domain.Match, error) {
	var m domain.Match
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode match: %w", err)
	}
	return &m, nil
}

func (s *Store) loadMany(ctx context.Context, ids []string) ([]*domain.Match, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = matchKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, domain.Storage("redis mget matches", err)
	}
	out := make([]*domain.Match, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		m, err := decodeMatch([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) ListByParticipant(ctx context.Context, identity string) ([]*domain.Match, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, nil
	}
	ids, err := s.rdb.SMembers(ctx, userIdxKey(identity)).Result()
	if err != nil {
		return nil, domain.Storage("redis list matches", err)
	}
	list, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (s *Store) Waiting(ctx context.Context, q store.WaitingQuery) ([]*domain.Match, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, waitingKey(q.GameType), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(q.CreatedAfter.UnixMicro(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, domain.Storage("redis waiting pool", err)
	}
	list, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Match, 0, len(list))
	for _, m := range list {
		if !q.Matches(m) {
			continue
		}
		out = append(out, m)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Pair(ctx context.Context, id, opponent string) (*domain.Match, error) {
	return s.transition(ctx, id, func(cur *domain.Match, now time.Time) error {
		if err := store.CheckPair(cur, opponent); err != nil {
			return err
		}
		store.ApplyPair(cur, opponent, now)
		return nil
	}, func(pipe redis.Pipeliner, m *domain.Match) {
		pipe.SAdd(ctx, userIdxKey(opponent), m.ID)
		pipe.ZRem(ctx, waitingKey(m.GameType), m.ID)
	})
}

func (s *Store) Cancel(ctx context.Context, id, requester string) (*domain.Match, error) {
	return s.transition(ctx, id, func(cur *domain.Match, now time.Time) error {
		if err := store.CheckCancel(cur, requester); err != nil {
			return err
		}
		store.ApplyCancel(cur, now)
		return nil
	}, func(pipe redis.Pipeliner, m *domain.Match) {
		pipe.ZRem(ctx, waitingKey(m.GameType), m.ID)
	})
}

func (s *Store) Finish(ctx context.Context, id string, outcome domain.Outcome, term domain.Termination) (*domain.Match, error) {
	return s.transition(ctx, id, func(cur *domain.Match, now time.Time) error {
		if err := store.CheckFinish(cur); err != nil {
			return err
		}
		store.ApplyFinish(cur, outcome, term, now)
		return nil
	}, nil)
}

// transition applies a checked mutation under WATCH, retrying when another
// writer touched the record between read and EXEC.
func (s *Store) transition(
	ctx context.Context,
	id string,
	apply func(cur *domain.Match, now time.Time) error,
	extra func(pipe redis.Pipeliner, m *domain.Match),
) (*domain.Match, error) {
	key := matchKey(id)
	var out *domain.Match
	fn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrMatchNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decodeMatch(raw)
		if err != nil {
			return err
		}
		// truncate before apply so Touch compares at stored precision
		if err := apply(cur, s.now().Truncate(time.Microsecond)); err != nil {
			return err
		}
		newRaw, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newRaw, 0)
			if extra != nil {
				extra(pipe, cur)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = cur
		return nil
	}
	for attempt := 1; attempt <= maxTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, fn, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			obslog.L().Debug("match_tx_retry", zap.String("match_id", id), zap.Int("attempt", attempt))
			continue
		}
		return nil, domain.Storage("redis match transition", err)
	}
	return nil, domain.Storage("redis match transition", fmt.Errorf("too much contention on %s", key))
}

// PruneWaiting drops stale entries from every waiting index. Records are kept.
func (s *Store) PruneWaiting(ctx context.Context, olderThan time.Time) (int, error) {
	var (
		cursor uint64
		pruned int64
	)
	max := strconv.FormatInt(olderThan.UnixMicro(), 10)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "match:waiting:*", 64).Result()
		if err != nil {
			return int(pruned), domain.Storage("redis scan waiting", err)
		}
		for _, k := range keys {
			n, err := s.rdb.ZRemRangeByScore(ctx, k, "-inf", max).Result()
			if err != nil {
				return int(pruned), domain.Storage("redis prune waiting", err)
			}
			pruned += n
		}
		if next == 0 {
			return int(pruned), nil
		}
		cursor = next
	}
}

func (s *Store) AppendMove(ctx context.Context, mv *domain.Move) (*domain.Move, error) {
	id, err := s.rdb.Incr(ctx, moveSeqKey).Result()
	if err != nil {
		return nil, domain.Storage("redis move seq", err)
	}
	cp := *mv
	cp.ID = id
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	raw, err := json.Marshal(&cp)
	if err != nil {
		return nil, err
	}
	ok, err := s.rdb.HSetNX(ctx, movesKey(cp.MatchID), strconv.Itoa(cp.Ply), raw).Result()
	if err != nil {
		return nil, domain.Storage("redis append move", err)
	}
	if !ok {
		return nil, domain.ErrDuplicatePly
	}
	return &cp, nil
}

func (s *Store) CountMoves(ctx context.Context, matchID string) (int, error) {
	n, err := s.rdb.HLen(ctx, movesKey(matchID)).Result()
	if err != nil {
		return 0, domain.Storage("redis count moves", err)
	}
	return int(n), nil
}

func (s *Store) ListMoves(ctx context.Context, matchID string) ([]*domain.Move, error) {
	vals, err := s.rdb.HVals(ctx, movesKey(matchID)).Result()
	if err != nil {
		return nil, domain.Storage("redis list moves", err)
	}
	out := make([]*domain.Move, 0, len(vals))
	for _, v := range vals {
		var mv domain.Move
		if err := json.Unmarshal([]byte(v), &mv); err != nil {
			return nil, fmt.Errorf("decode move: %w", err)
		}
		out = append(out, &mv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ply < out[j].Ply })
	return out, nil
}

func (s *Store) AppendChat(ctx context.Context, e *domain.ChatEntry) (*domain.ChatEntry, error) {
	id, err := s.rdb.Incr(ctx, chatSeqKey(e.MatchID)).Result()
	if err != nil {
		return nil, domain.Storage("redis chat seq", err)
	}
	cp := *e
	cp.ID = id
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	raw, err := json.Marshal(&cp)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.RPush(ctx, chatKey(cp.MatchID), raw).Err(); err != nil {
		return nil, domain.Storage("redis append chat", err)
	}
	return &cp, nil
}

func (s *Store) ListChat(ctx context.Context, matchID string) ([]*domain.ChatEntry, error) {
	vals, err := s.rdb.LRange(ctx, chatKey(matchID), 0, -1).Result()
	if err != nil {
		return nil, domain.Storage("redis list chat", err)
	}
	out := make([]*domain.ChatEntry, 0, len(vals))
	for _, v := range vals {
		var e domain.ChatEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("decode chat: %w", err)
		}
		out = append(out, &e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
