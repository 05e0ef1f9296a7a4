package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "consult:"

// RedisBroker carries events between processes over Redis pub/sub.
type RedisBroker struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

func NewRedisBroker(rdb *redis.Client, log *zap.SugaredLogger) *RedisBroker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RedisBroker{rdb: rdb, log: log}
}

func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, redisKeyPrefix+ev.Channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Channel, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, redisKeyPrefix+channel)
	// wait for the subscription confirmation so no event published after
	// Subscribe returns can be missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	s := &redisSub{
		ps:      ps,
		channel: channel,
		events:  make(chan Event, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	go s.pump(b.log)
	return s, nil
}

type redisSub struct {
	ps      *redis.PubSub
	channel string
	events  chan Event
	done    chan struct{}
	once    sync.Once
}

func (s *redisSub) Channel() string      { return s.channel }
func (s *redisSub) Events() <-chan Event { return s.events }

func (s *redisSub) pump(log *zap.SugaredLogger) {
	defer close(s.events)
	msgs := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				log.Warnw("bad event payload", "channel", s.channel, "err", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
