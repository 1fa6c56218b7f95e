package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/duel/internal/config"
	"github.com/cory-johannsen/duel/internal/game/session"
)

type memStore struct {
	mu    sync.Mutex
	saved []session.GameRecord
	err   error
	block chan struct{}
}

func (s *memStore) Save(ctx context.Context, rec session.GameRecord) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, rec)
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func archiveConfig(workers int) config.ArchiveConfig {
	return config.ArchiveConfig{Enabled: true, Workers: workers, WriteTimeout: time.Second}
}

func TestArchiver_RecordsGames(t *testing.T) {
	store := &memStore{}
	a, err := NewArchiver(store, archiveConfig(2), zaptest.NewLogger(t))
	require.NoError(t, err)

	for i, id := range []string{"g1", "g2", "g3"} {
		a.Record(session.GameRecord{ID: id, Winner: "white"})
		want := i + 1
		require.Eventually(t, func() bool { return store.count() == want }, time.Second, 5*time.Millisecond)
	}
	require.NoError(t, a.Close(time.Second))
	assert.Equal(t, 3, store.count())
}

func TestArchiver_SaveErrorIsLogged(t *testing.T) {
	store := &memStore{err: errors.New("db down")}
	a, err := NewArchiver(store, archiveConfig(1), zaptest.NewLogger(t))
	require.NoError(t, err)

	a.Record(session.GameRecord{ID: "g1"})
	require.NoError(t, a.Close(time.Second))
	assert.Zero(t, store.count())
}

func TestArchiver_BusyPoolDropsInsteadOfBlocking(t *testing.T) {
	store := &memStore{block: make(chan struct{})}
	a, err := NewArchiver(store, archiveConfig(1), zaptest.NewLogger(t))
	require.NoError(t, err)

	a.Record(session.GameRecord{ID: "g1"})
	require.Equal(t, 0, a.pool.Free())

	done := make(chan struct{})
	go func() {
		a.Record(session.GameRecord{ID: "g2"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a busy pool")
	}

	close(store.block)
	require.NoError(t, a.Close(time.Second))
	assert.Equal(t, 1, store.count())
}
