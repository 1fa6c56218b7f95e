package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrLoopStopped is returned when an event is submitted after the loop has exited.
var ErrLoopStopped = errors.New("session loop stopped")

type eventKind int

const (
	eventConnect eventKind = iota
	eventMessage
	eventClose
	eventInspect
)

type event struct {
	kind    eventKind
	id      ConnID
	data    []byte
	inspect func(*Directory)
	done    chan struct{}
}

// Loop serializes transport events onto a Directory. Every event runs to completion
// before the next one starts, so the Directory needs no locking. Events submitted by
// one goroutine are applied in submission order.
type Loop struct {
	dir    *Directory
	events chan event
	logger *zap.Logger

	stopped  chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
}

// NewLoop creates a Loop feeding dir.
//
// Precondition: buffer must be >= 1; dir and logger must be non-nil.
func NewLoop(dir *Directory, buffer int, logger *zap.Logger) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		dir:     dir,
		events:  make(chan event, buffer),
		logger:  logger,
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect submits a newly opened connection.
func (l *Loop) Connect(id ConnID) error {
	return l.submit(event{kind: eventConnect, id: id})
}

// Message submits a raw inbound frame from id.
func (l *Loop) Message(id ConnID, data []byte) error {
	return l.submit(event{kind: eventMessage, id: id, data: data})
}

// Close submits a closed connection. Duplicate closes are harmless.
func (l *Loop) Close(id ConnID) error {
	return l.submit(event{kind: eventClose, id: id})
}

// Inspect runs fn on the loop goroutine and waits for it to return.
// fn must not retain the Directory.
func (l *Loop) Inspect(ctx context.Context, fn func(*Directory)) error {
	done := make(chan struct{})
	if err := l.submit(event{kind: eventInspect, inspect: fn, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) submit(ev event) error {
	select {
	case <-l.stopped:
		return ErrLoopStopped
	default:
	}
	select {
	case l.events <- ev:
		return nil
	case <-l.stopped:
		return ErrLoopStopped
	}
}

// Run applies events until ctx is cancelled.
//
// Postcondition: Events still queued when ctx is cancelled are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stopOnce.Do(func() { close(l.stopped) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-l.events:
			l.apply(ev)
		}
	}
}

func (l *Loop) apply(ev event) {
	defer func() {
		// One connection's bad event must not take down every other game.
		if r := recover(); r != nil {
			l.logger.Error("session event panicked",
				zap.String("conn", string(ev.id)),
				zap.Any("panic", r),
			)
		}
	}()

	switch ev.kind {
	case eventConnect:
		if err := l.dir.Register(ev.id); err != nil {
			l.logger.Warn("register failed", zap.String("conn", string(ev.id)), zap.Error(err))
		}
	case eventMessage:
		l.dir.HandleMessage(ev.id, ev.data)
	case eventClose:
		l.dir.Deregister(ev.id)
	case eventInspect:
		defer close(ev.done)
		ev.inspect(l.dir)
	}
}

// Start runs the loop until Stop is called. It satisfies server.Service.
func (l *Loop) Start() error {
	l.started.Store(true)
	return l.Run(l.ctx)
}

// Stop ends a loop started with Start and waits for it to exit.
func (l *Loop) Stop() {
	l.cancel()
	if l.started.Load() {
		<-l.stopped
	}
}
