package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/park285/indichess-match/internal/domain"
	"github.com/park285/indichess-match/internal/store"
	"github.com/park285/indichess-match/internal/store/memstore"
	"github.com/park285/indichess-match/internal/store/redisstore"
)

type recorder struct {
	mu  sync.Mutex
	got []*Broadcast
}

func (r *recorder) Publish(_ context.Context, b *Broadcast) error {
	r.mu.Lock()
	r.got = append(r.got, b)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func intp(v int) *int       { return &v }
func boolp(v bool) *bool    { return &v }
func strp(v string) *string { return &v }

type fixture struct {
	st  *memstore.Store
	c   *Coordinator
	out *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	out := &recorder{}
	return &fixture{st: st, out: out, c: New(st, st, st, Options{Broadcaster: out})}
}

func (f *fixture) activeMatch(t *testing.T) *domain.Match {
	t.Helper()
	ctx := context.Background()
	m, err := f.st.Create(ctx, &domain.Match{CreatedBy: "alice", Status: domain.StatusCreated, GameType: domain.GameRapid})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m, err = f.st.Pair(ctx, m.ID, "bob")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	return m
}

func e2e4() MoveEvent {
	return MoveEvent{
		FromRow: intp(6), FromCol: intp(4), ToRow: intp(4), ToCol: intp(4),
		Piece: "wP", PlayerColor: "white", IsWhiteTurn: boolp(true),
		FENBefore: "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
		FENAfter:  "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1",
	}
}

func TestMoveRecordsFirstPly(t *testing.T) {
	f := newFixture(t)
	m := f.activeMatch(t)
	ctx := context.Background()

	b, err := f.c.Handle(ctx, m.ID, e2e4())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if b == nil || b.Topic != TopicMoves {
		t.Fatalf("unexpected broadcast: %+v", b)
	}
	payload := b.Payload.(MoveEvent)
	if payload.IsWhiteTurn == nil || *payload.IsWhiteTurn {
		t.Fatalf("turn flag not flipped: %+v", payload.IsWhiteTurn)
	}
	if payload.MatchID != m.ID {
		t.Fatalf("match id not stamped: %q", payload.MatchID)
	}
	moves, _ := f.st.ListMoves(ctx, m.ID)
	if len(moves) != 1 {
		t.Fatalf("expected one move, got %d", len(moves))
	}
	mv := moves[0]
	if mv.Ply != 1 || mv.MoveNumber != 1 || mv.Color != domain.White || mv.UCI != "e2e4" || mv.SAN != "e4" {
		t.Fatalf("unexpected move: %+v", mv)
	}
	if f.out.count() != 1 {
		t.Fatalf("expected one published broadcast, got %d", f.out.count())
	}
}

func TestMoveNotationAndColor(t *testing.T) {
	f := newFixture(t)
	m := f.activeMatch(t)
	ctx := context.Background()
	_, _ = f.c.Handle(ctx, m.ID, e2e4())
	reply := MoveEvent{
		FromRow: intp(0), FromCol: intp(6), ToRow: intp(2), ToCol: intp(5),
		PlayerColor: "purple", MoveNotation: strp("Nf6"),
	}
	b, err := f.c.Handle(ctx, m.ID, reply)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := b.Payload.(MoveEvent).IsWhiteTurn; got == nil || *got {
		t.Fatalf("missing turn flag must flip to false, got %v", got)
	}
	moves, _ := f.st.ListMoves(ctx, m.ID)
	mv := moves[1]
	if mv.Ply != 2 || mv.MoveNumber != 1 || mv.Color != "" || mv.UCI != "g8f6" || mv.SAN != "Nf6" {
		t.Fatalf("unexpected second move: %+v", mv)
	}
}

func TestMoveWithoutMatchIsRelayedOnly(t *testing.T) {
	f := newFixture(t)
	b, err := f.c.Handle(context.Background(), "ghost", e2e4())
	if err != nil || b == nil {
		t.Fatalf("expected relay, got %+v %v", b, err)
	}
	if n, _ := f.st.CountMoves(context.Background(), "ghost"); n != 0 {
		t.Fatalf("move persisted for missing match")
	}
}

func TestConcurrentMovesGetConsecutivePlies(t *testing.T) {
	f := newFixture(t)
	m := f.activeMatch(t)
	ctx := context.Background()
	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := e2e4()
			ev.IsWhiteTurn = boolp(i%2 == 0)
			if _, err := f.c.Handle(ctx, m.ID, ev); err != nil {
				t.Errorf("Handle: %v", err)
			}
		}(i)
	}
	wg.Wait()
	moves, _ := f.st.ListMoves(ctx, m.ID)
	if len(moves) != n {
		t.Fatalf("expected %d moves, got %d", n, len(moves))
	}
	for i, mv := range moves {
		if mv.Ply != i+1 || mv.MoveNumber != (i+2)/2 {
			t.Fatalf("gap or duplicate at %d: %+v", i, mv)
		}
	}
}

func TestResignFinishesMatch(t *testing.T) {
	f := newFixture(t)
	m := f.activeMatch(t)
	ctx := context.Background()

	b, err := f.c.Handle(ctx, m.ID, ResignEvent{PlayerColor: "white"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	st := b.Payload.(GameState)
	if b.Topic != TopicGameState || st.Status != "Game Over" || st.IsMyTurn || st.Result != "BLACK wins by resignation" || st.GameType != "RAPID" {
		t.Fatalf("unexpected resign state: %+v", st)
	}
	got, _ := f.st.Get(ctx, m.ID)
	if got.Status != domain.StatusFinished || got.Outcome != domain.OutcomeBlackWon || got.Termination != domain.TerminationResignation {
		t.Fatalf("match not finished: %+v", got)
	}
}

func TestResignUnknownColor(t *testing.T) {
	f := newFixture(t)
	m := f.activeMatch(t)
	b, _ := f.c.Handle(context.Background(), m.ID, ResignEvent{PlayerColor: "?"})
	if st := b.Payload.(GameState); st.Result != "UNKNOWN wins by resignation" {
		t.Fatalf("unexpected result: %q", st.Result)
	}
}

func TestEventsOnFinishedMatchAreNoops(t *testing.T) {
	f := newFixture(t)
	m := f.activeMatch(t)
	ctx := context.Background()
	if _, err := f.c.Handle(ctx, m.ID, DrawAcceptEvent{PlayerColor: "black"}); err != nil {
		t.Fatalf("draw accept: %v", err)
	}
	before := f.out.count()
	events := []Event{
		JoinEvent{PlayerColor: "white"},
		e2e4(),
		ResignEvent{PlayerColor: "black"},
		DrawOfferEvent{PlayerColor: "white"},
		DrawAcceptEvent{PlayerColor: "white"},
		ChatEvent{From: "alice", Message: "gg"},
	}
	for _, ev := range events {
		b, err := f.c.Handle(ctx, m.ID, ev)
		if err != nil || b != nil {
			t.Fatalf("%s on finished match: %+v %v", ev.Kind(), b, err)
		}
	}
	if f.out.count() != before {
		t.Fatalf("broadcasts published after finish")
	}
	if n, _ := f.st.CountMoves(ctx, m.ID); n != 0 {
		t.Fatalf("move persisted after finish")
	}
	if list, _ := f.st.ListChat(ctx, m.ID); len(list) != 0 {
		t.Fatalf("chat persisted after finish")
	}
	got, _ := f.st.Get(ctx, m.ID)
	if got.Outcome != domain.OutcomeDraw {
		t.Fatalf("outcome changed: %+v", got)
	}
}

func TestDrawOfferAndAccept(t *testing.T) {
	f := newFixture(t)
	m := f.activeMatch(t)
	ctx := context.Background()
	b, _ := f.c.Handle(ctx, m.ID, DrawOfferEvent{PlayerColor: "white"})
	offer := b.Payload.(DrawOffer)
	if b.Topic != TopicDrawOffers || offer.Type != DrawOfferType || offer.PlayerColor != "white" || offer.Result != "" {
		t.Fatalf("unexpected offer: %+v", offer)
	}
	if got, _ := f.st.Get(ctx, m.ID); got.Status != domain.StatusInProgress {
		t.Fatalf("offer must not change state")
	}
	b, _ = f.c.Handle(ctx, m.ID, DrawAcceptEvent{PlayerColor: "black"})
	acc := b.Payload.(DrawOffer)
	if acc.Type != DrawAcceptedType || acc.Result != "Draw agreed" {
		t.Fatalf("unexpected accept: %+v", acc)
	}
}

func TestJoinStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, _ := f.c.Handle(ctx, "ghost", JoinEvent{PlayerColor: "white"})
	if st := b.Payload.(GameState); st.Status != "Game started" || !st.IsMyTurn || st.GameType != "STANDARD" {
		t.Fatalf("missing match state: %+v", st)
	}
	waiting, _ := f.st.Create(ctx, &domain.Match{CreatedBy: "alice", Status: domain.StatusCreated, GameType: domain.GameStandard})
	b, _ = f.c.Handle(ctx, waiting.ID, JoinEvent{PlayerColor: "white"})
	if st := b.Payload.(GameState); st.Status != "Waiting for opponent" || st.IsMyTurn {
		t.Fatalf("waiting state: %+v", st)
	}
	active := f.activeMatch(t)
	b, _ = f.c.Handle(ctx, active.ID, JoinEvent{PlayerColor: "black"})
	if st := b.Payload.(GameState); st.Status != "Game in progress" || st.IsMyTurn || st.Result != "" || b.Topic != TopicGame {
		t.Fatalf("in progress state: %+v", st)
	}
	b, _ = f.c.Handle(ctx, active.ID, JoinEvent{PlayerColor: "WHITE"})
	if st := b.Payload.(GameState); !st.IsMyTurn {
		t.Fatalf("white should move first: %+v", st)
	}
}

func TestResignOnWaitingMatchSuppressed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	waiting, _ := f.st.Create(ctx, &domain.Match{CreatedBy: "alice", Status: domain.StatusCreated, GameType: domain.GameStandard})
	b, err := f.c.Handle(ctx, waiting.ID, ResignEvent{PlayerColor: "white"})
	if err != nil || b != nil {
		t.Fatalf("expected suppression, got %+v %v", b, err)
	}
	got, _ := f.st.Get(ctx, waiting.ID)
	if got.Status != domain.StatusCreated || got.Opponent != nil {
		t.Fatalf("waiting match mutated: %+v", got)
	}
	b, _ = f.c.Handle(ctx, "ghost", ResignEvent{PlayerColor: "black"})
	if b == nil || b.Payload.(GameState).Result != "WHITE wins by resignation" {
		t.Fatalf("absent match should still broadcast: %+v", b)
	}
}

func TestChat(t *testing.T) {
	f := newFixture(t)
	m := f.activeMatch(t)
	ctx := context.Background()

	b, err := f.c.Handle(ctx, m.ID, ChatEvent{From: "alice", Message: "   "})
	if err != nil || b != nil {
		t.Fatalf("blank chat should be suppressed: %+v %v", b, err)
	}
	if list, _ := f.st.ListChat(ctx, m.ID); len(list) != 0 {
		t.Fatalf("blank chat persisted")
	}

	b, err = f.c.Handle(ctx, m.ID, ChatEvent{From: "alice", Message: "  good luck "})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	entry := b.Payload.(*domain.ChatEntry)
	if entry.Text != "good luck" || entry.ID == 0 || entry.CreatedAt.IsZero() || entry.Sender != "alice" {
		t.Fatalf("unexpected chat entry: %+v", entry)
	}
	raw, _ := json.Marshal(entry)
	var wire map[string]any
	_ = json.Unmarshal(raw, &wire)
	if wire["from"] != "alice" || wire["message"] != "good luck" {
		t.Fatalf("unexpected wire shape: %s", raw)
	}

	b, _ = f.c.Handle(ctx, "ghost", ChatEvent{From: "zed", Message: " hi "})
	echo := b.Payload.(ChatEvent)
	if echo.Message != " hi " {
		t.Fatalf("absent match should echo raw input: %+v", echo)
	}
	if list, _ := f.st.ListChat(ctx, "ghost"); len(list) != 0 {
		t.Fatalf("echo persisted")
	}
}

type flakyLedger struct {
	*memstore.Store
	dupes int
}

func (l *flakyLedger) AppendMove(ctx context.Context, mv *domain.Move) (*domain.Move, error) {
	if l.dupes > 0 {
		l.dupes--
		// another writer takes the ply first
		if _, err := l.Store.AppendMove(ctx, &domain.Move{MatchID: mv.MatchID, Ply: mv.Ply, MoveNumber: mv.MoveNumber, UCI: "a7a6"}); err != nil {
			return nil, err
		}
		return nil, domain.ErrDuplicatePly
	}
	return l.Store.AppendMove(ctx, mv)
}

func TestDuplicatePlyIsRetried(t *testing.T) {
	st := memstore.New()
	ledger := &flakyLedger{Store: st, dupes: 2}
	c := New(st, ledger, st, Options{})
	f := &fixture{st: st, c: c}
	m := f.activeMatch(t)

	if _, err := c.Handle(context.Background(), m.ID, e2e4()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	moves, _ := st.ListMoves(context.Background(), m.ID)
	if len(moves) != 3 || moves[2].UCI != "e2e4" || moves[2].Ply != 3 {
		t.Fatalf("unexpected moves after retry: %+v", moves)
	}

	ledger.dupes = maxPlyRetries + 1
	_, err := c.Handle(context.Background(), m.ID, e2e4())
	if !domain.IsStorage(err) || !domain.Retryable(err) || !errors.Is(err, domain.ErrDuplicatePly) {
		t.Fatalf("expected retryable storage error after exhausting retries, got %v", err)
	}
	if domain.IsConflict(err) {
		t.Fatalf("contention must not surface as a conflict: %v", err)
	}
}

func TestContendedPlyStopsWithContext(t *testing.T) {
	st := memstore.New()
	ledger := &flakyLedger{Store: st}
	c := New(st, ledger, st, Options{})
	f := &fixture{st: st, c: c}
	m := f.activeMatch(t)

	ledger.dupes = maxPlyRetries + 1
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := c.Handle(ctx, m.ID, e2e4())
	if !domain.IsStorage(err) || !domain.Retryable(err) {
		t.Fatalf("expected retryable storage error, got %v", err)
	}
}

// coordinators in separate processes share only the backend, so the
// per-match lock does not serialise them
func runSharedBackend(t *testing.T, matches store.MatchRegistry, ledger store.MoveLedger, chat store.ChatLog) {
	t.Helper()
	ctx := context.Background()
	m, err := matches.Create(ctx, &domain.Match{CreatedBy: "alice", Status: domain.StatusCreated, GameType: domain.GameRapid})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := matches.Pair(ctx, m.ID, "bob"); err != nil {
		t.Fatalf("Pair: %v", err)
	}

	const nodes, perNode = 5, 40
	coords := make([]*Coordinator, nodes)
	for i := range coords {
		coords[i] = New(matches, ledger, chat, Options{})
	}
	var wg sync.WaitGroup
	for i := 0; i < nodes*perNode; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := e2e4()
			ev.IsWhiteTurn = boolp(i%2 == 0)
			if _, err := coords[i%nodes].Handle(ctx, m.ID, ev); err != nil {
				t.Errorf("Handle on node %d: %v", i%nodes, err)
			}
		}(i)
	}
	wg.Wait()

	moves, err := ledger.ListMoves(ctx, m.ID)
	if err != nil {
		t.Fatalf("ListMoves: %v", err)
	}
	if len(moves) != nodes*perNode {
		t.Fatalf("expected %d moves, got %d", nodes*perNode, len(moves))
	}
	for i, mv := range moves {
		if mv.Ply != i+1 {
			t.Fatalf("gap or duplicate at %d: ply %d", i, mv.Ply)
		}
	}
}

func TestCoordinatorsSharingMemoryBackend(t *testing.T) {
	st := memstore.New()
	runSharedBackend(t, st, st, st)
}

func TestCoordinatorsSharingRedisBackend(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	st, err := redisstore.Open(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	runSharedBackend(t, st, st, st)
}

type rejectAll struct{}

func (rejectAll) CheckMove(MoveEvent) error { return errors.New("rejected") }

func TestMoveCheckSuppresses(t *testing.T) {
	st := memstore.New()
	c := New(st, st, st, Options{MoveCheck: rejectAll{}})
	f := &fixture{st: st, c: c}
	m := f.activeMatch(t)
	b, err := c.Handle(context.Background(), m.ID, e2e4())
	if err != nil || b != nil {
		t.Fatalf("expected suppression, got %+v %v", b, err)
	}
}

type downRegistry struct{ *memstore.Store }

func (downRegistry) Get(context.Context, string) (*domain.Match, error) {
	return nil, domain.Storage("get match", errors.New("connection refused"))
}

func TestStorageFailureIsRetryable(t *testing.T) {
	st := memstore.New()
	c := New(downRegistry{st}, st, st, Options{})
	_, err := c.Handle(context.Background(), "m1", ChatEvent{From: "a", Message: "hi"})
	if !domain.IsStorage(err) || !domain.Retryable(err) {
		t.Fatalf("expected retryable storage error, got %v", err)
	}
	// lock must have been released
	if _, err := c.Handle(context.Background(), "m1", ChatEvent{From: "a", Message: "hi"}); !domain.IsStorage(err) {
		t.Fatalf("second call: %v", err)
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent(KindMove, json.RawMessage(`{"fromRow":6,"fromCol":4,"toRow":4,"toCol":4,"isWhiteTurn":true,"playerColor":"white"}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	mv, ok := ev.(MoveEvent)
	if !ok || *mv.FromRow != 6 || !*mv.IsWhiteTurn {
		t.Fatalf("unexpected event: %#v", ev)
	}
	if _, err := DecodeEvent("castle", nil); !domain.IsValidation(err) {
		t.Fatalf("unknown kind should be a validation error, got %v", err)
	}
	if _, err := DecodeEvent(KindChat, json.RawMessage(`{"message":`)); !domain.IsValidation(err) {
		t.Fatalf("malformed payload should be a validation error, got %v", err)
	}
}
