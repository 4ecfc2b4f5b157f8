package changefeed

import (
	"context"
	"sync"

	"github.com/prohmpiriya/rentsync/internal/domain"
)

const memoryBufferSize = 256

// MemoryBroker is an in-process Feed and Publisher
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[domain.Table]map[int]*memorySub
	nextID int
	closed bool
}

type memorySub struct {
	mu     sync.RWMutex
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	closed bool
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewMemoryBroker creates a new MemoryBroker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[domain.Table]map[int]*memorySub)}
}

// Subscribe returns a channel of events for table
func (b *MemoryBroker) Subscribe(ctx context.Context, table domain.Table) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, context.Canceled
	}

	id := b.nextID
	b.nextID++
	sub := &memorySub{ch: make(chan Event, memoryBufferSize), done: make(chan struct{})}
	if b.subs[table] == nil {
		b.subs[table] = make(map[int]*memorySub)
	}
	b.subs[table][id] = sub

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
		}
		sub.stop()

		b.mu.Lock()
		delete(b.subs[table], id)
		b.mu.Unlock()

		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		sub.mu.Unlock()
	}()

	return sub.ch, nil
}

// Publish delivers n to every subscriber of its table
func (b *MemoryBroker) Publish(ctx context.Context, n Notification) error {
	return b.send(ctx, n.Table, Event{Notification: n})
}

// Reconnect simulates a dropped connection: subscribers of table get a Resync
func (b *MemoryBroker) Reconnect(ctx context.Context, table domain.Table) error {
	return b.send(ctx, table, Event{Resync: true})
}

func (b *MemoryBroker) send(ctx context.Context, table domain.Table, ev Event) error {
	b.mu.Lock()
	targets := make([]*memorySub, 0, len(b.subs[table]))
	for _, s := range b.subs[table] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		if err := s.deliver(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *memorySub) deliver(ctx context.Context, ev Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- ev:
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Close stops every subscription
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	var all []*memorySub
	for _, subs := range b.subs {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	return nil
}
