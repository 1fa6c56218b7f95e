package postgres

import (
	"context"
	"fmt"
	"time"

	ants "github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/cory-johannsen/duel/internal/config"
	"github.com/cory-johannsen/duel/internal/game/session"
)

// GameStore is the persistence the Archiver writes through. GameRepository implements it.
type GameStore interface {
	Save(ctx context.Context, rec session.GameRecord) error
}

// Archiver writes finished games to a GameStore on a bounded worker pool so the
// session loop never waits on the database. It implements session.Recorder.
type Archiver struct {
	store   GameStore
	pool    *ants.Pool
	timeout time.Duration
	logger  *zap.Logger
}

var _ session.Recorder = (*Archiver)(nil)

// NewArchiver creates an Archiver with cfg.Workers concurrent writers.
//
// Precondition: cfg.Workers >= 1 and cfg.WriteTimeout > 0.
// Postcondition: Returns a running Archiver or a non-nil error.
func NewArchiver(store GameStore, cfg config.ArchiveConfig, logger *zap.Logger) (*Archiver, error) {
	pool, err := ants.NewPool(cfg.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v any) {
			logger.Error("archive worker panicked", zap.Any("panic", v))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating archive pool: %w", err)
	}
	return &Archiver{
		store:   store,
		pool:    pool,
		timeout: cfg.WriteTimeout,
		logger:  logger,
	}, nil
}

// Record queues rec for writing. When every worker is busy the record is
// dropped and logged rather than stalling the caller.
func (a *Archiver) Record(rec session.GameRecord) {
	err := a.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		start := time.Now()
		if err := a.store.Save(ctx, rec); err != nil {
			a.logger.Error("archiving game failed",
				zap.String("game", rec.ID),
				zap.Error(err),
			)
			return
		}
		a.logger.Debug("game archived",
			zap.String("game", rec.ID),
			zap.String("winner", rec.Winner),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
	if err != nil {
		a.logger.Warn("archive queue rejected game",
			zap.String("game", rec.ID),
			zap.Error(err),
		)
	}
}

// Close waits up to timeout for queued writes to finish and releases the workers.
func (a *Archiver) Close(timeout time.Duration) error {
	if err := a.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("draining archive pool: %w", err)
	}
	return nil
}
