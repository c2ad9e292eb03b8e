package matchbuilder

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/park285/indichess-match/internal/config"
	"github.com/park285/indichess-match/internal/coordinator"
	"github.com/park285/indichess-match/internal/domain"
)

func baseConfig() *config.AppConfig {
	return &config.AppConfig{
		HTTPAddr:             ":0",
		LiveAddr:             ":0",
		MatchStore:           config.BackendMemory,
		HistoryStore:         config.BackendMemory,
		FreshnessWindow:      90 * time.Second,
		GameTypes:            []domain.GameType{domain.GameStandard, domain.GameRapid},
		IdentityHeader:       "X-User-Email",
		LiveFanout:           config.FanoutLocal,
		LiveEventRPS:         10,
		LiveEventBurst:       20,
		LiveSubscriberBuffer: 8,
		JanitorInterval:      time.Minute,
		ShutdownTimeout:      time.Second,
		MoveCheck:            config.MoveCheckOff,
	}
}

func TestMemoryApp(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, baseConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	if a.Matches != a.History {
		t.Fatal("same backend kind should share one store")
	}
	if a.Janitor == nil || a.Relay != nil {
		t.Fatalf("janitor=%v relay=%v", a.Janitor, a.Relay)
	}
	if err := a.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	m, err := a.Matchmaker.RequestMatch(ctx, "alice", "")
	if err != nil || m.Status != domain.StatusCreated {
		t.Fatalf("RequestMatch = %+v, %v", m, err)
	}
}

func TestRedisFanout(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := baseConfig()
	cfg.MatchStore = config.BackendRedis
	cfg.HistoryStore = config.BackendRedis
	cfg.LiveFanout = config.FanoutRedis
	cfg.RedisURL = "redis://" + mr.Addr() + "/0"
	cfg.MoveCheck = config.MoveCheckParse

	ctx := context.Background()
	a, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if a.Relay == nil {
		t.Fatal("expected redis relay")
	}

	sub := a.Hub.Subscribe("m-remote")
	defer sub.Close()
	if _, err := a.Coordinator.Handle(ctx, "m-remote", coordinator.DrawOfferEvent{PlayerColor: "WHITE"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	select {
	case b := <-sub.C():
		if b.Topic != coordinator.TopicDrawOffers {
			t.Fatalf("topic = %s", b.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never came back through redis")
	}
}

func TestUnknownBackend(t *testing.T) {
	cfg := baseConfig()
	cfg.HistoryStore = "cassandra"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error")
	}
}
