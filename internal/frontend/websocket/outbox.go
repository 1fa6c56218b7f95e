package websocket

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutboxFull is returned by Push when the client is not draining its queue.
var ErrOutboxFull = errors.New("outbox full")

// ErrOutboxClosed is returned by Push after Close.
var ErrOutboxClosed = errors.New("outbox closed")

// Outbox is a bounded queue of encoded frames waiting to be written to one client.
// Push never blocks.
type Outbox struct {
	id     string
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for the client id.
//
// Postcondition: Returns an Outbox with an open frames channel of the given capacity.
func NewOutbox(id string, size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{
		id:     id,
		frames: make(chan []byte, size),
	}
}

// Push enqueues a frame.
//
// Postcondition: The frame is queued, or ErrOutboxClosed / ErrOutboxFull is returned (wrapped).
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("client %s: %w", o.id, ErrOutboxClosed)
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		return fmt.Errorf("client %s: %w", o.id, ErrOutboxFull)
	}
}

// Frames returns the channel drained by the write pump. It is closed by Close.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Close stops accepting frames and closes the channel. It is idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// IsClosed reports whether Close has been called.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
