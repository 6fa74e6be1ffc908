// Package events provides typed synchronous publish/subscribe.
//
// Publish calls every subscriber in registration order on the publishing goroutine.
// A subscriber that returns an error or panics is logged and skipped; the publisher
// and the remaining subscribers are unaffected.
package events

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Handler[T any] func(T) error

type subscription[T any] struct {
	id      uint64
	name    string
	handler Handler[T]
}

type Bus[T any] struct {
	topic string
	log   *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[T]
}

func NewBus[T any](topic string, log *zap.Logger) *Bus[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus[T]{topic: topic, log: log.Named("bus").With(zap.String("topic", topic))}
}

// Subscribe registers h under name and returns a function that removes it.
func (b *Bus[T]) Subscribe(name string, h Handler[T]) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription[T]{id: id, name: name, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers v to every subscriber and returns how many of them failed.
func (b *Bus[T]) Publish(v T) int {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	failed := 0
	for _, s := range subs {
		if err := b.deliver(s, v); err != nil {
			failed++
			b.log.Warn("subscriber_failed", zap.String("subscriber", s.name), zap.Error(err))
		}
	}
	return failed
}

func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus[T]) deliver(s subscription[T], v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return s.handler(v)
}
