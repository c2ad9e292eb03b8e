package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/park285/indichess-match/internal/coordinator"
	"github.com/redis/go-redis/v9"
)

func TestPublishReachesOnlyThatMatch(t *testing.T) {
	h := New(4, nil)
	a := h.Subscribe("m1")
	b := h.Subscribe("m1")
	other := h.Subscribe("m2")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	_ = h.Publish(context.Background(), &coordinator.Broadcast{Topic: coordinator.TopicChat, MatchID: "m1", Payload: "hi"})
	for _, s := range []*Subscription{a, b} {
		select {
		case got := <-s.C():
			if got.Payload != "hi" {
				t.Fatalf("unexpected payload: %+v", got)
			}
		default:
			t.Fatalf("subscriber missed broadcast")
		}
	}
	select {
	case got := <-other.C():
		t.Fatalf("broadcast leaked to other match: %+v", got)
	default:
	}
}

func TestSlowSubscriberIsClosed(t *testing.T) {
	h := New(2, nil)
	slow := h.Subscribe("m1")
	for i := 0; i < 3; i++ {
		h.Deliver(&coordinator.Broadcast{MatchID: "m1", Payload: i})
	}
	if !slow.Dropped() {
		t.Fatalf("expected slow subscriber to be dropped")
	}
	n := 0
	for range slow.C() {
		n++
	}
	if n != 2 {
		t.Fatalf("expected buffered broadcasts to drain before close, got %d", n)
	}
	if h.Subscribers("m1") != 0 {
		t.Fatalf("dropped subscriber still registered")
	}
	slow.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	h := New(1, nil)
	s := h.Subscribe("m1")
	s.Close()
	s.Close()
	if _, ok := <-s.C(); ok {
		t.Fatalf("channel should be closed")
	}
	h.Deliver(&coordinator.Broadcast{MatchID: "m1"})
}

func TestRedisRelayFansOutAcrossHubs(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	ctx := context.Background()

	rdbA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdbA.Close()
	defer rdbB.Close()

	hubA, hubB := New(4, nil), New(4, nil)
	relayA, relayB := NewRedisRelay(rdbA, hubA), NewRedisRelay(rdbB, hubB)
	stopA, err := relayA.Start(ctx)
	if err != nil {
		t.Fatalf("start A: %v", err)
	}
	defer stopA()
	stopB, err := relayB.Start(ctx)
	if err != nil {
		t.Fatalf("start B: %v", err)
	}
	defer stopB()

	sub := hubB.Subscribe("m9")
	defer sub.Close()

	if err := relayA.Publish(ctx, &coordinator.Broadcast{
		Topic:   coordinator.TopicDrawOffers,
		MatchID: "m9",
		Payload: coordinator.DrawOffer{MatchID: "m9", Type: coordinator.DrawOfferType, PlayerColor: "white"},
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case got := <-sub.C():
		raw, ok := got.Payload.(json.RawMessage)
		if !ok {
			t.Fatalf("relayed payload should stay encoded, got %T", got.Payload)
		}
		var offer coordinator.DrawOffer
		if err := json.Unmarshal(raw, &offer); err != nil || offer.Type != coordinator.DrawOfferType || got.Topic != coordinator.TopicDrawOffers {
			t.Fatalf("unexpected relayed broadcast: %+v (%v)", got, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not deliver across instances")
	}
}
