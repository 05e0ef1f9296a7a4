package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/consult-platform/internal/realtime"
	"github.com/suPer8Hu/consult-platform/internal/store/rabbitmq"
	"go.uber.org/zap"
)

const (
	maxAttempts = 5
	baseDelay   = 500 * time.Millisecond
)

// Retrier parks a delivery body for a later attempt.
type Retrier interface {
	Retry(ctx context.Context, body []byte, attempts int, delay time.Duration) error
}

// Relay moves lifecycle events from the durable queue onto the pub/sub
// fabric the WebSocket hubs listen on.
type Relay struct {
	pub   realtime.Publisher
	retry Retrier
	log   *zap.SugaredLogger
}

func NewRelay(pub realtime.Publisher, retry Retrier, log *zap.SugaredLogger) *Relay {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Relay{pub: pub, retry: retry, log: log}
}

// Handle settles exactly one delivery. Malformed events go to the DLQ.
// Publish failures are retried with backoff until maxAttempts.
func (r *Relay) Handle(ctx context.Context, d amqp.Delivery) {
	var ev realtime.Event
	if err := json.Unmarshal(d.Body, &ev); err != nil || ev.Name == "" {
		r.log.Warnw("bad event", "err", err)
		_ = d.Nack(false, false)
		return
	}
	if _, _, err := realtime.ParseChannel(ev.Channel); err != nil {
		r.log.Warnw("bad event channel", "event", ev.Name, "err", err)
		_ = d.Nack(false, false)
		return
	}

	err := r.pub.Publish(ctx, ev)
	if err == nil {
		if err := d.Ack(false); err != nil {
			r.log.Warnw("ack failed", "event", ev.Name, "err", err)
		}
		return
	}

	attempts := attemptsOf(d) + 1
	if attempts >= maxAttempts || r.retry == nil {
		r.log.Errorw("relay gave up", "event", ev.Name, "channel", ev.Channel, "attempts", attempts, "err", err)
		_ = d.Reject(false)
		return
	}
	delay := baseDelay << (attempts - 1)
	if rerr := r.retry.Retry(ctx, d.Body, attempts, delay); rerr != nil {
		r.log.Errorw("schedule retry", "event", ev.Name, "err", rerr)
		_ = d.Nack(false, true)
		return
	}
	r.log.Infow("relay retry scheduled", "event", ev.Name, "attempts", attempts, "delay", delay, "err", err)
	_ = d.Ack(false)
}

// Run feeds deliveries to a fixed pool until ctx ends or msgs closes, then
// waits for in-flight work.
func (r *Relay) Run(ctx context.Context, msgs <-chan amqp.Delivery, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for d := range jobs {
				r.Handle(context.WithoutCancel(ctx), d)
			}
		}()
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				r.log.Warnw("delivery channel closed")
				return
			}
			jobs <- d
		}
	}
}

func attemptsOf(d amqp.Delivery) int {
	switch v := d.Headers[rabbitmq.AttemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
