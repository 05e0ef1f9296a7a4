package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const sweepLock = "expire_waiting"

// Expirer cancels waiting sessions older than the cutoff.
type Expirer interface {
	ExpireWaiting(ctx context.Context, olderThan time.Duration) (int, error)
}

// Locker is a lease shared by every worker instance.
type Locker interface {
	TryLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name, owner string) error
}

type SweeperOptions struct {
	Schedule   string
	WaitingTTL time.Duration
	Locker     Locker // nil for a single worker
	InstanceID string
	Logger     *zap.SugaredLogger
}

// Sweeper periodically expires sessions nobody accepted.
type Sweeper struct {
	cron       *cron.Cron
	expirer    Expirer
	locker     Locker
	schedule   string
	ttl        time.Duration
	instanceID string
	log        *zap.SugaredLogger
}

func NewSweeper(expirer Expirer, opts SweeperOptions) *Sweeper {
	if opts.Schedule == "" {
		opts.Schedule = "@every 1m"
	}
	if opts.WaitingTTL <= 0 {
		opts.WaitingTTL = 30 * time.Minute
	}
	if opts.InstanceID == "" {
		host, _ := os.Hostname()
		opts.InstanceID = fmt.Sprintf("%s-%d", host, time.Now().UnixNano())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Sweeper{
		cron:       cron.New(cron.WithLocation(time.UTC)),
		expirer:    expirer,
		locker:     opts.Locker,
		schedule:   opts.Schedule,
		ttl:        opts.WaitingTTL,
		instanceID: opts.InstanceID,
		log:        opts.Logger,
	}
}

func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("register sweep %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.log.Infow("sweeper started", "schedule", s.schedule, "waiting_ttl", s.ttl, "instance", s.instanceID)
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.log.Infow("sweeper stopped")
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.log.Errorw("sweep failed", "err", err)
	}
}

// Sweep runs one pass. It returns 0 without touching anything when another
// instance holds the lock.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.locker != nil {
		ok, err := s.locker.TryLock(ctx, sweepLock, s.instanceID, 2*time.Minute)
		if err != nil {
			return 0, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			s.log.Debugw("sweep running elsewhere, skipping")
			return 0, nil
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), sweepLock, s.instanceID); err != nil {
				s.log.Warnw("release sweep lock", "err", err)
			}
		}()
	}
	return s.expirer.ExpireWaiting(ctx, s.ttl)
}
