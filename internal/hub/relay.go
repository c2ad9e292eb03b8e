package hub

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/park285/indichess-match/internal/coordinator"
	"github.com/park285/indichess-match/internal/obslog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "match:live:"

func channelFor(matchID string) string { return channelPrefix + matchID }

// RedisRelay publishes through Redis pub/sub so every instance's local hub
// sees every broadcast, whichever instance produced it.
type RedisRelay struct {
	rdb   *redis.Client
	local *Hub
}

var _ coordinator.Broadcaster = (*RedisRelay)(nil)

func NewRedisRelay(rdb *redis.Client, local *Hub) *RedisRelay {
	return &RedisRelay{rdb: rdb, local: local}
}

type wireBroadcast struct {
	Topic   string          `json:"topic"`
	MatchID string          `json:"matchId"`
	Payload json.RawMessage `json:"payload"`
}

func (r *RedisRelay) Publish(ctx context.Context, b *coordinator.Broadcast) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, channelFor(b.MatchID), raw).Err()
}

// Start subscribes to every match channel and feeds the local hub until the
// returned stop func is called.
func (r *RedisRelay) Start(ctx context.Context) (func(), error) {
	ps := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var w wireBroadcast
			if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
				obslog.L().Warn("live_relay_decode_error", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if w.MatchID == "" {
				w.MatchID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			r.local.Deliver(&coordinator.Broadcast{Topic: w.Topic, MatchID: w.MatchID, Payload: w.Payload})
		}
	}()
	obslog.L().Info("live_relay_start", zap.String("pattern", channelPrefix+"*"))
	return func() {
		_ = ps.Close()
		<-done
	}, nil
}
