package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/duel/internal/game/session"
)

// ErrGameNotFound is returned when a game lookup yields no results.
var ErrGameNotFound = errors.New("game not found")

// GameRepository persists finished games.
type GameRepository struct {
	db *pgxpool.Pool
}

// NewGameRepository creates a GameRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewGameRepository(db *pgxpool.Pool) *GameRepository {
	return &GameRepository{db: db}
}

// Save inserts a finished game. Saving the same game id twice is a no-op.
//
// Precondition: rec.ID must be a UUID string.
// Postcondition: The game row exists, or a non-nil error is returned.
func (r *GameRepository) Save(ctx context.Context, rec session.GameRecord) error {
	moves := rec.Moves
	if moves == nil {
		moves = []string{}
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO games (id, white, black, winner, method, moves, final_fen, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, string(rec.White), string(rec.Black), rec.Winner, rec.Method,
		moves, rec.FinalFEN, rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting game %s: %w", rec.ID, err)
	}
	return nil
}

// Get retrieves a game by id.
//
// Postcondition: Returns the GameRecord or ErrGameNotFound.
func (r *GameRepository) Get(ctx context.Context, id string) (session.GameRecord, error) {
	var (
		rec          session.GameRecord
		white, black string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id::text, white, black, winner, method, moves, final_fen, started_at, ended_at
		 FROM games WHERE id = $1`,
		id,
	).Scan(&rec.ID, &white, &black, &rec.Winner, &rec.Method, &rec.Moves, &rec.FinalFEN, &rec.StartedAt, &rec.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.GameRecord{}, ErrGameNotFound
		}
		return session.GameRecord{}, fmt.Errorf("querying game: %w", err)
	}
	rec.White = session.ConnID(white)
	rec.Black = session.ConnID(black)
	return rec, nil
}

// CountByWinner returns the number of archived games per winner label.
func (r *GameRepository) CountByWinner(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT winner, COUNT(*) FROM games GROUP BY winner`)
	if err != nil {
		return nil, fmt.Errorf("counting games: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			winner string
			n      int64
		)
		if err := rows.Scan(&winner, &n); err != nil {
			return nil, fmt.Errorf("scanning game count: %w", err)
		}
		counts[winner] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating game counts: %w", err)
	}
	return counts, nil
}
