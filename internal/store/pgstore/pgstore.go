// Package pgstore is the PostgreSQL backend. Transitions are single
// conditional UPDATE statements; the (match_id, ply) unique constraint
// guards the move ledger.
package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/park285/indichess-match/internal/domain"
	"github.com/park285/indichess-match/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Backend = (*Store)(nil)

// Open connects, pings with a short timeout and applies the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.Storage("postgres ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

const matchColumns = `id, created_by, opponent, status, game_type, outcome, termination, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row rowScanner) (*domain.Match, error) {
	var (
		m   domain.Match
		opp sql.NullString
	)
	if err := row.Scan(&m.ID, &m.CreatedBy, &opp, &m.Status, &m.GameType, &m.Outcome, &m.Termination, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if opp.Valid {
		v := opp.String
		m.Opponent = &v
	}
	return &m, nil
}

func (s *Store) Create(ctx context.Context, m *domain.Match) (*domain.Match, error) {
	cp := m.Clone()
	if strings.TrimSpace(cp.ID) == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	// postgres keeps microseconds
	cp.CreatedAt = cp.CreatedAt.Truncate(time.Microsecond)
	cp.UpdatedAt = cp.CreatedAt
	var opp sql.NullString
	if cp.Opponent != nil {
		opp = sql.NullString{String: *cp.Opponent, Valid: true}
	}
	q := `INSERT INTO matches (` + matchColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.db.ExecContext(ctx, q, cp.ID, cp.CreatedBy, opp, cp.Status, cp.GameType, cp.Outcome, cp.Termination, cp.CreatedAt, cp.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, domain.Conflict("match %s already exists", cp.ID)
	}
	if err != nil {
		return nil, domain.Storage("pg create match", err)
	}
	return cp, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Match, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMatchNotFound
	}
	if err != nil {
		return nil, domain.Storage("pg get match", err)
	}
	return m, nil
}

func (s *Store) queryMatches(ctx context.Context, op, q string, args ...any) ([]*domain.Match, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, domain.Storage(op, err)
	}
	defer rows.Close()
	var out []*domain.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, domain.Storage(op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storage(op, err)
	}
	return out, nil
}

func (s *Store) ListByParticipant(ctx context.Context, identity string) ([]*domain.Match, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, nil
	}
	q := `SELECT ` + matchColumns + ` FROM matches
        WHERE created_by = $1 OR opponent = $1
        ORDER BY created_at DESC, id`
	return s.queryMatches(ctx, "pg list matches", q, identity)
}

func (s *Store) Waiting(ctx context.Context, wq store.WaitingQuery) ([]*domain.Match, error) {
	limit := wq.Limit
	if limit <= 0 {
		limit = 1000
	}
	q := `SELECT ` + matchColumns + ` FROM matches
        WHERE status = 'CREATED' AND opponent IS NULL
          AND game_type = $1 AND created_at > $2 AND created_by <> $3
        ORDER BY created_at ASC, id
        LIMIT $4`
	return s.queryMatches(ctx, "pg waiting pool", q, wq.GameType, wq.CreatedAfter, wq.ExcludeCreator, limit)
}

// nextUpdatedAt keeps updated_at strictly increasing even when the clock lags.
const nextUpdatedAt = `GREATEST($%d::timestamptz, updated_at + interval '1 microsecond')`

func (s *Store) Pair(ctx context.Context, id, opponent string) (*domain.Match, error) {
	q := fmt.Sprintf(`UPDATE matches
        SET opponent = $2, status = 'IN_PROGRESS', updated_at = `+nextUpdatedAt+`
        WHERE id = $1 AND status = 'CREATED' AND opponent IS NULL AND created_by <> $2
        RETURNING `+matchColumns, 3)
	return s.conditional(ctx, "pg pair match", id, q, func(cur *domain.Match) error {
		return store.CheckPair(cur, opponent)
	}, id, opponent, s.now())
}

func (s *Store) Cancel(ctx context.Context, id, requester string) (*domain.Match, error) {
	q := fmt.Sprintf(`UPDATE matches
        SET status = 'CANCELLED', updated_at = `+nextUpdatedAt+`
        WHERE id = $1 AND created_by = $2 AND status = 'CREATED' AND opponent IS NULL
        RETURNING `+matchColumns, 3)
	return s.conditional(ctx, "pg cancel match", id, q, func(cur *domain.Match) error {
		return store.CheckCancel(cur, requester)
	}, id, requester, s.now())
}

func (s *Store) Finish(ctx context.Context, id string, outcome domain.Outcome, term domain.Termination) (*domain.Match, error) {
	q := fmt.Sprintf(`UPDATE matches
        SET status = 'FINISHED', outcome = $2, termination = $3, updated_at = `+nextUpdatedAt+`
        WHERE id = $1 AND status = 'IN_PROGRESS'
        RETURNING `+matchColumns, 4)
	return s.conditional(ctx, "pg finish match", id, q, store.CheckFinish, id, outcome, term, s.now())
}

// conditional runs a guarded UPDATE. When no row matched it re-reads the
// record to tell a missing match from a rejected transition.
func (s *Store) conditional(ctx context.Context, op, id, q string, check func(*domain.Match) error, args ...any) (*domain.Match, error) {
	m, err := scanMatch(s.db.QueryRowContext(ctx, q, args...))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Storage(op, err)
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := check(cur); err != nil {
		return nil, err
	}
	return nil, domain.Conflict("match %s changed concurrently", id)
}

func (s *Store) AppendMove(ctx context.Context, mv *domain.Move) (*domain.Move, error) {
	cp := *mv
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	q := `INSERT INTO match_moves (
        match_id, ply, move_number, color, from_square, to_square,
        uci, san, piece, fen_before, fen_after, created_at
      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
      RETURNING id`
	err := s.db.QueryRowContext(ctx, q,
		cp.MatchID, cp.Ply, cp.MoveNumber, cp.Color, cp.From, cp.To,
		cp.UCI, cp.SAN, cp.Piece, cp.FENBefore, cp.FENAfter, cp.CreatedAt,
	).Scan(&cp.ID)
	if isUniqueViolation(err) {
		return nil, domain.ErrDuplicatePly
	}
	if err != nil {
		return nil, domain.Storage("pg append move", err)
	}
	return &cp, nil
}

func (s *Store) CountMoves(ctx context.Context, matchID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM match_moves WHERE match_id = $1`, matchID).Scan(&n); err != nil {
		return 0, domain.Storage("pg count moves", err)
	}
	return n, nil
}

func (s *Store) ListMoves(ctx context.Context, matchID string) ([]*domain.Move, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, match_id, ply, move_number, color, from_square, to_square,
        uci, san, piece, fen_before, fen_after, created_at
        FROM match_moves WHERE match_id = $1 ORDER BY ply`, matchID)
	if err != nil {
		return nil, domain.Storage("pg list moves", err)
	}
	defer rows.Close()
	var out []*domain.Move
	for rows.Next() {
		var mv domain.Move
		if err := rows.Scan(&mv.ID, &mv.MatchID, &mv.Ply, &mv.MoveNumber, &mv.Color, &mv.From, &mv.To,
			&mv.UCI, &mv.SAN, &mv.Piece, &mv.FENBefore, &mv.FENAfter, &mv.CreatedAt); err != nil {
			return nil, domain.Storage("pg list moves", err)
		}
		out = append(out, &mv)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storage("pg list moves", err)
	}
	return out, nil
}

func (s *Store) AppendChat(ctx context.Context, e *domain.ChatEntry) (*domain.ChatEntry, error) {
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO match_chat (match_id, sender, message, created_at) VALUES ($1,$2,$3,$4) RETURNING id`,
		cp.MatchID, cp.Sender, cp.Text, cp.CreatedAt,
	).Scan(&cp.ID)
	if err != nil {
		return nil, domain.Storage("pg append chat", err)
	}
	return &cp, nil
}

func (s *Store) ListChat(ctx context.Context, matchID string) ([]*domain.ChatEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, match_id, sender, message, created_at
        FROM match_chat WHERE match_id = $1 ORDER BY created_at, id`, matchID)
	if err != nil {
		return nil, domain.Storage("pg list chat", err)
	}
	defer rows.Close()
	var out []*domain.ChatEntry
	for rows.Next() {
		var e domain.ChatEntry
		if err := rows.Scan(&e.ID, &e.MatchID, &e.Sender, &e.Text, &e.CreatedAt); err != nil {
			return nil, domain.Storage("pg list chat", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storage("pg list chat", err)
	}
	return out, nil
}
