package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/consult-platform/internal/models"
	"github.com/suPer8Hu/consult-platform/internal/realtime"
	"github.com/suPer8Hu/consult-platform/internal/store/rabbitmq"
)

type ackRecorder struct {
	mu      sync.Mutex
	acked   int
	nacked  int
	requeue int
	reject  int
}

func (a *ackRecorder) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.requeue++
	} else {
		a.nacked++
	}
	return nil
}

func (a *ackRecorder) Reject(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reject++
	return nil
}

type flakyPublisher struct {
	mu   sync.Mutex
	err  error
	sent []realtime.Event
}

func (p *flakyPublisher) Publish(_ context.Context, ev realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, ev)
	return nil
}

type retryCall struct {
	attempts int
	delay    time.Duration
}

type fakeRetrier struct {
	calls []retryCall
	err   error
}

func (f *fakeRetrier) Retry(_ context.Context, _ []byte, attempts int, delay time.Duration) error {
	f.calls = append(f.calls, retryCall{attempts, delay})
	return f.err
}

func delivery(t *testing.T, ack *ackRecorder, channel string, attempts int) amqp.Delivery {
	t.Helper()
	ev, err := realtime.NewSessionEvent(realtime.ChatSessionClosed, channel, models.ChatSession{ID: 9, Status: models.StatusClosed})
	require.NoError(t, err)
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	d := amqp.Delivery{Acknowledger: ack, Body: body}
	if attempts > 0 {
		d.Headers = amqp.Table{rabbitmq.AttemptsHeader: int32(attempts)}
	}
	return d
}

func TestRelayForwardsAndAcks(t *testing.T) {
	pub := &flakyPublisher{}
	ack := &ackRecorder{}
	NewRelay(pub, nil, nil).Handle(context.Background(), delivery(t, ack, realtime.SessionChannel(9), 0))

	require.Len(t, pub.sent, 1)
	assert.Equal(t, realtime.ChatSessionClosed, pub.sent[0].Name)
	assert.Equal(t, 1, ack.acked)
}

func TestRelayDeadLettersBadInput(t *testing.T) {
	pub := &flakyPublisher{}
	ack := &ackRecorder{}
	r := NewRelay(pub, nil, nil)

	r.Handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{nope")})
	r.Handle(context.Background(), delivery(t, ack, "lobby", 0))

	assert.Empty(t, pub.sent)
	assert.Equal(t, 2, ack.nacked)
	assert.Zero(t, ack.acked)
}

func TestRelayRetriesWithBackoff(t *testing.T) {
	pub := &flakyPublisher{err: errors.New("redis down")}
	retry := &fakeRetrier{}
	ack := &ackRecorder{}
	r := NewRelay(pub, retry, nil)

	r.Handle(context.Background(), delivery(t, ack, realtime.AdminChannel, 0))
	r.Handle(context.Background(), delivery(t, ack, realtime.AdminChannel, 2))

	require.Len(t, retry.calls, 2)
	assert.Equal(t, retryCall{1, 500 * time.Millisecond}, retry.calls[0])
	assert.Equal(t, retryCall{3, 2 * time.Second}, retry.calls[1])
	assert.Equal(t, 2, ack.acked)
}

func TestRelayGivesUpAfterMaxAttempts(t *testing.T) {
	pub := &flakyPublisher{err: errors.New("redis down")}
	retry := &fakeRetrier{}
	ack := &ackRecorder{}

	NewRelay(pub, retry, nil).Handle(context.Background(), delivery(t, ack, realtime.AdminChannel, maxAttempts-1))

	assert.Empty(t, retry.calls)
	assert.Equal(t, 1, ack.reject)
}

func TestRelayRequeuesWhenRetryQueueFails(t *testing.T) {
	pub := &flakyPublisher{err: errors.New("redis down")}
	retry := &fakeRetrier{err: errors.New("channel closed")}
	ack := &ackRecorder{}

	NewRelay(pub, retry, nil).Handle(context.Background(), delivery(t, ack, realtime.AdminChannel, 0))

	assert.Equal(t, 1, ack.requeue)
	assert.Zero(t, ack.acked)
}

func TestRelayRunDrainsUntilClosed(t *testing.T) {
	pub := &flakyPublisher{}
	ack := &ackRecorder{}
	msgs := make(chan amqp.Delivery, 10)
	for i := 0; i < 10; i++ {
		msgs <- delivery(t, ack, realtime.SessionChannel(9), 0)
	}
	close(msgs)

	NewRelay(pub, nil, nil).Run(context.Background(), msgs, 3)

	assert.Len(t, pub.sent, 10)
	assert.Equal(t, 10, ack.acked)
}

type fakeExpirer struct {
	calls int
	ttl   time.Duration
}

func (f *fakeExpirer) ExpireWaiting(_ context.Context, olderThan time.Duration) (int, error) {
	f.calls++
	f.ttl = olderThan
	return 2, nil
}

type fakeLocker struct {
	holder   string
	released int
}

func (l *fakeLocker) TryLock(_ context.Context, _ string, owner string, _ time.Duration) (bool, error) {
	if l.holder != "" && l.holder != owner {
		return false, nil
	}
	l.holder = owner
	return true, nil
}

func (l *fakeLocker) Unlock(_ context.Context, _ string, owner string) error {
	if l.holder == owner {
		l.holder = ""
		l.released++
	}
	return nil
}

func TestSweepHoldsLockAroundExpiry(t *testing.T) {
	exp := &fakeExpirer{}
	lock := &fakeLocker{}
	s := NewSweeper(exp, SweeperOptions{WaitingTTL: 10 * time.Minute, Locker: lock, InstanceID: "w1"})

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 10*time.Minute, exp.ttl)
	assert.Equal(t, 1, lock.released)
	assert.Empty(t, lock.holder)
}

func TestSweepSkipsWhenAnotherInstanceHoldsLock(t *testing.T) {
	exp := &fakeExpirer{}
	lock := &fakeLocker{holder: "w2"}
	s := NewSweeper(exp, SweeperOptions{Locker: lock, InstanceID: "w1"})

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, exp.calls)
	assert.Equal(t, "w2", lock.holder)
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	s := NewSweeper(&fakeExpirer{}, SweeperOptions{Schedule: "every so often"})
	assert.Error(t, s.Start())
}
