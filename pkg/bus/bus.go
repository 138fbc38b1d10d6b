package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed MessageBus.
var ErrBusClosed = errors.New("message bus closed")

const defaultInboundBuffer = 100

// MessageBus carries inbound events from connection handles to the single
// consumer that applies them, in arrival order.
type MessageBus struct {
	inbound chan InboundEvent
	done    chan struct{}
	closed  atomic.Bool
}

func NewMessageBus() *MessageBus {
	return NewMessageBusSize(defaultInboundBuffer)
}

func NewMessageBusSize(size int) *MessageBus {
	if size < 0 {
		size = 0
	}
	return &MessageBus{
		inbound: make(chan InboundEvent, size),
		done:    make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, ev InboundEvent) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case mb.inbound <- ev:
		return nil
	case <-mb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundEvent, bool) {
	select {
	case ev, ok := <-mb.inbound:
		return ev, ok
	case <-mb.done:
		return InboundEvent{}, false
	case <-ctx.Done():
		return InboundEvent{}, false
	}
}

func (mb *MessageBus) Close() {
	if mb.closed.CompareAndSwap(false, true) {
		close(mb.done)
	}
}

func (mb *MessageBus) Done() <-chan struct{} {
	return mb.done
}

// Latest is a single-slot stream where a publish replaces any value not
// yet consumed. Publishers never block.
type Latest[T any] struct {
	mu sync.Mutex
	ch chan T
}

func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{ch: make(chan T, 1)}
}

func (l *Latest[T]) Publish(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.ch:
	default:
	}
	l.ch <- v
}

// C returns the receive side of the stream.
func (l *Latest[T]) C() <-chan T {
	return l.ch
}

func (l *Latest[T]) Next(ctx context.Context) (T, bool) {
	select {
	case v := <-l.ch:
		return v, true
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}
