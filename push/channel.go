// Package push delivers invalidation messages to client connections without
// letting a slow or dead consumer stall the write path.
package push

import (
	"errors"
	"sync"
	"time"

	"github.com/keytrack/keytrack/types"
)

// ErrChannelClosed is returned when pushing to a closed channel.
var ErrChannelClosed = errors.New("delivery channel closed")

// ErrChannelStalled is returned when the channel's queue did not accept a
// message within the configured timeout. A stalled channel delivers nothing
// further; the owning session must be torn down and the client must flush on
// reconnect, because pretending the cache is still valid after a lost message
// is not an option.
var ErrChannelStalled = errors.New("delivery channel stalled")

// Sink is the ordered, reliable writer a Buffered channel drains into,
// typically a framed connection writer.
type Sink interface {
	WritePush(inv types.Invalidation) error
}

// Channel delivers invalidations to one client connection.
type Channel interface {
	// Push enqueues an invalidation for delivery. It blocks at most the
	// channel's enqueue timeout.
	Push(inv types.Invalidation) error

	// Close stops delivery and releases the writer goroutine. Queued messages
	// may be dropped; Close is only called when the session is going away.
	Close() error
}

// Buffered is a Channel backed by a bounded queue drained by a dedicated
// writer goroutine. Per-channel ordering is preserved: messages reach the sink
// in the order Push accepted them.
type Buffered struct {
	sink    Sink
	queue   chan types.Invalidation
	timeout time.Duration
	onFail  func(error)

	mu     sync.Mutex
	failed bool
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewBuffered creates a channel with the given queue size and enqueue timeout.
// onFail is invoked at most once, from whatever goroutine detects the failure,
// when the channel stalls or its sink errors; it must not call back into the
// channel.
func NewBuffered(sink Sink, size int, timeout time.Duration, onFail func(error)) *Buffered {
	if size < 1 {
		size = 1
	}
	b := &Buffered{
		sink:    sink,
		queue:   make(chan types.Invalidation, size),
		timeout: timeout,
		onFail:  onFail,
		done:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.drain()
	return b
}

// Push enqueues inv. If the queue does not accept it within the enqueue
// timeout the channel is declared stalled.
func (b *Buffered) Push(inv types.Invalidation) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrChannelClosed
	}
	if b.failed {
		b.mu.Unlock()
		return ErrChannelStalled
	}
	b.mu.Unlock()

	select {
	case b.queue <- inv:
		return nil
	default:
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case b.queue <- inv:
		return nil
	case <-b.done:
		return ErrChannelClosed
	case <-timer.C:
		b.fail(ErrChannelStalled)
		return ErrChannelStalled
	}
}

func (b *Buffered) drain() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case inv := <-b.queue:
			if err := b.sink.WritePush(inv); err != nil {
				b.fail(err)
				return
			}
		}
	}
}

func (b *Buffered) fail(err error) {
	b.mu.Lock()
	if b.failed || b.closed {
		b.mu.Unlock()
		return
	}
	b.failed = true
	b.mu.Unlock()

	if b.onFail != nil {
		b.onFail(err)
	}
}

// Close stops the writer goroutine. Safe to call more than once.
func (b *Buffered) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	return nil
}
