package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const subscriptionBuffer = 256

// MemoryBroker fans events out inside one process.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySub]struct{}
	log  *zap.SugaredLogger
}

func NewMemoryBroker(log *zap.SugaredLogger) *MemoryBroker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &MemoryBroker{subs: make(map[string]map[*memorySub]struct{}), log: log}
}

func (b *MemoryBroker) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[ev.Channel] {
		s.deliver(ev, b.log)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySub{
		broker:  b,
		channel: channel,
		events:  make(chan Event, subscriptionBuffer),
	}
	b.mu.Lock()
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*memorySub]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *MemoryBroker) remove(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[s.channel]
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.channel)
	}
}

type memorySub struct {
	broker  *MemoryBroker
	channel string
	events  chan Event

	mu     sync.Mutex
	closed bool
}

func (s *memorySub) Channel() string      { return s.channel }
func (s *memorySub) Events() <-chan Event { return s.events }

func (s *memorySub) deliver(ev Event, log *zap.SugaredLogger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		log.Warnw("subscription buffer full, dropping event", "channel", s.channel, "event", ev.Name)
	}
}

func (s *memorySub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	s.broker.remove(s)
	return nil
}
