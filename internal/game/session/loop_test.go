package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/duel/internal/protocol"
)

// lockedSender is a recordingSender that can be read from the test goroutine.
type lockedSender struct {
	mu  sync.Mutex
	rec *recordingSender
}

func (s *lockedSender) Send(id ConnID, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Send(id, msg)
}

func (s *lockedSender) count(id ConnID, typ protocol.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.count(id, typ)
}

func startLoop(t *testing.T) (*Loop, *lockedSender) {
	t.Helper()
	sender := &lockedSender{rec: newRecordingSender()}
	logger := zaptest.NewLogger(t)
	loop := NewLoop(NewDirectory(sender, logger), 16, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop, sender
}

func inspect(t *testing.T, loop *Loop, fn func(*Directory)) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, loop.Inspect(ctx, fn))
}

func TestLoop_PairsAndTearsDown(t *testing.T) {
	loop, sender := startLoop(t)

	require.NoError(t, loop.Connect("x"))
	require.NoError(t, loop.Connect("y"))
	require.NoError(t, loop.Message("x", []byte(`{"type":"init_game"}`)))
	require.NoError(t, loop.Message("y", []byte(`{"type":"init_game"}`)))

	inspect(t, loop, func(d *Directory) {
		assert.Len(t, d.ActiveGames(), 1)
	})

	require.NoError(t, loop.Close("y"))
	require.NoError(t, loop.Close("y"))

	inspect(t, loop, func(d *Directory) {
		assert.Empty(t, d.ActiveGames())
		assert.Equal(t, 1, d.ConnectionCount())
	})
	assert.Equal(t, 1, sender.count("x", protocol.TypeGameOver))
}

func TestLoop_ConcurrentSubmitters(t *testing.T) {
	loop, _ := startLoop(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := ConnID(string(rune('a' + i)))
			_ = loop.Connect(id)
			_ = loop.Message(id, []byte(`{"type":"init_game"}`))
		}(i)
	}
	wg.Wait()

	inspect(t, loop, func(d *Directory) {
		assert.Equal(t, 20, d.ConnectionCount())
		assert.Len(t, d.ActiveGames(), 10)
		_, pending := d.Pending()
		assert.False(t, pending)
	})
}

func TestLoop_SurvivesPanickingInspect(t *testing.T) {
	loop, _ := startLoop(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_ = loop.Inspect(ctx, func(*Directory) { panic("boom") })

	require.NoError(t, loop.Connect("a"))
	inspect(t, loop, func(d *Directory) {
		assert.Equal(t, 1, d.ConnectionCount())
	})
}

func TestLoop_SubmitAfterStop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	loop := NewLoop(NewDirectory(newRecordingSender(), logger), 1, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Start() }()

	require.Eventually(t, loop.started.Load, time.Second, 5*time.Millisecond)

	loop.Stop()
	require.NoError(t, <-errCh)

	assert.ErrorIs(t, loop.Connect("a"), ErrLoopStopped)
	assert.ErrorIs(t, loop.Inspect(context.Background(), func(*Directory) {}), ErrLoopStopped)
}
