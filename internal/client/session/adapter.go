package session

import (
	"context"
	"sync"
	"time"

	"github.com/suPer8Hu/consult-platform/internal/models"
	"github.com/suPer8Hu/consult-platform/internal/realtime"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const subscribeRetryDelay = 250 * time.Millisecond

// AudioLeaver is the part of the audio bridge the adapter drives when a
// session closes.
type AudioLeaver interface {
	LeaveSession(ctx context.Context, sessionID uint64) error
}

type AdapterOptions struct {
	Audio  AudioLeaver
	Logger *zap.SugaredLogger
}

// Adapter keeps the subscriptions for the bound identity and turns pushed
// events into Store mutations.
type Adapter struct {
	store *Store
	sub   realtime.Subscriber
	audio AudioLeaver
	log   *zap.SugaredLogger

	// handling is held for reading while an event is applied and for writing
	// while the binding changes, so no event from an old binding lands after
	// the switch.
	handling sync.RWMutex

	mu       sync.Mutex
	identity *models.User
	queueSub realtime.Subscription
	sessions map[uint64]realtime.Subscription
	onClosed func(sessionID uint64)
}

func NewAdapter(store *Store, sub realtime.Subscriber, opts AdapterOptions) *Adapter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Adapter{
		store:    store,
		sub:      sub,
		audio:    opts.Audio,
		log:      opts.Logger,
		sessions: make(map[uint64]realtime.Subscription),
	}
}

// Bind tears down every subscription of the previous identity, then
// subscribes to the queue channel of u when u sees the waiting queue.
func (a *Adapter) Bind(ctx context.Context, u *models.User) error {
	a.handling.Lock()
	a.mu.Lock()
	err := a.teardownLocked()
	cp := *u
	a.identity = &cp
	a.mu.Unlock()
	a.handling.Unlock()

	var channel string
	switch {
	case u.IsAdvisor():
		channel = realtime.AdvisorChannel(u.ID)
	case u.IsAdmin():
		channel = realtime.AdminChannel
	default:
		return err
	}

	sub, subErr := a.subscribe(ctx, channel)
	if subErr != nil {
		return multierr.Append(err, subErr)
	}

	a.mu.Lock()
	if a.identity == nil || a.identity.ID != u.ID || a.queueSub != nil {
		// rebound while subscribing
		a.mu.Unlock()
		return multierr.Append(err, sub.Close())
	}
	a.queueSub = sub
	a.mu.Unlock()

	go a.consume(sub)
	return err
}

// Unbind drops the identity and all its subscriptions.
func (a *Adapter) Unbind() error {
	a.handling.Lock()
	defer a.handling.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identity = nil
	return a.teardownLocked()
}

func (a *Adapter) teardownLocked() error {
	var err error
	if a.queueSub != nil {
		err = multierr.Append(err, a.queueSub.Close())
		a.queueSub = nil
	}
	for id, sub := range a.sessions {
		err = multierr.Append(err, sub.Close())
		delete(a.sessions, id)
	}
	return err
}

// WatchSession subscribes to the session channel once.
func (a *Adapter) WatchSession(ctx context.Context, sessionID uint64) error {
	a.mu.Lock()
	if _, ok := a.sessions[sessionID]; ok {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	sub, err := a.subscribe(ctx, realtime.SessionChannel(sessionID))
	if err != nil {
		return err
	}

	a.mu.Lock()
	if _, ok := a.sessions[sessionID]; ok || a.identity == nil {
		a.mu.Unlock()
		return sub.Close()
	}
	a.sessions[sessionID] = sub
	a.mu.Unlock()

	go a.consume(sub)
	return nil
}

func (a *Adapter) UnwatchSession(sessionID uint64) error {
	a.mu.Lock()
	sub, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Close()
}

// Watching reports whether the session channel is subscribed.
func (a *Adapter) Watching(sessionID uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sessions[sessionID]
	return ok
}

// subscribe tries twice before giving up.
func (a *Adapter) subscribe(ctx context.Context, channel string) (realtime.Subscription, error) {
	sub, err := a.sub.Subscribe(ctx, channel)
	if err == nil {
		return sub, nil
	}
	a.log.Warnw("subscribe failed, retrying", "channel", channel, "err", err)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(subscribeRetryDelay):
	}
	return a.sub.Subscribe(ctx, channel)
}

func (a *Adapter) consume(sub realtime.Subscription) {
	for ev := range sub.Events() {
		a.dispatch(sub, ev)
	}
}

func (a *Adapter) dispatch(sub realtime.Subscription, ev realtime.Event) {
	a.handling.RLock()
	defer a.handling.RUnlock()
	if !a.isCurrent(sub) {
		return
	}
	a.Handle(ev)
}

func (a *Adapter) isCurrent(sub realtime.Subscription) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.queueSub == sub {
		return true
	}
	for _, s := range a.sessions {
		if s == sub {
			return true
		}
	}
	return false
}

func (a *Adapter) currentIdentity() *models.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.identity == nil {
		return nil
	}
	u := *a.identity
	return &u
}

// involved reports whether the bound identity keeps its own copy of s.
func involved(u *models.User, s *models.ChatSession) bool {
	if u == nil {
		return false
	}
	return u.IsAdmin() || s.IsParticipant(u.ID)
}

// Handle applies one event to the store.
func (a *Adapter) Handle(ev realtime.Event) {
	me := a.currentIdentity()

	switch ev.Name {
	case realtime.NewChatSessionCreated:
		s, err := ev.Session()
		if err != nil {
			a.log.Warnw("bad event payload", "event", ev.Name, "err", err)
			return
		}
		if me != nil && (me.IsAdvisor() || me.IsAdmin()) {
			a.store.addWaiting(s)
			return
		}
		if involved(me, &s) {
			a.store.applyAuthoritative(s)
		}

	case realtime.ChatSessionAccepted:
		s, err := ev.Session()
		if err != nil {
			a.log.Warnw("bad event payload", "event", ev.Name, "err", err)
			return
		}
		if involved(me, &s) {
			a.store.applyAuthoritative(s)
			return
		}
		// another advisor won
		a.store.forget(s.ID)

	case realtime.MessageSent:
		m, err := ev.Message()
		if err != nil {
			a.log.Warnw("bad event payload", "event", ev.Name, "err", err)
			return
		}
		a.store.addMessage(m)

	case realtime.ChatSessionClosed:
		s, err := ev.Session()
		if err != nil {
			a.log.Warnw("bad event payload", "event", ev.Name, "err", err)
			return
		}
		if involved(me, &s) {
			a.store.applyAuthoritative(s)
		} else {
			a.store.forget(s.ID)
		}
		if err := a.sessionClosed(context.Background(), s.ID); err != nil {
			a.log.Warnw("session teardown failed", "session_id", s.ID, "err", err)
		}

	default:
		a.log.Debugw("ignoring event", "event", ev.Name, "channel", ev.Channel)
	}
}

func (a *Adapter) setClosedHook(fn func(sessionID uint64)) {
	a.mu.Lock()
	a.onClosed = fn
	a.mu.Unlock()
}

// sessionClosed detaches audio and the session channel. Both always run.
func (a *Adapter) sessionClosed(ctx context.Context, sessionID uint64) error {
	a.mu.Lock()
	hook := a.onClosed
	a.mu.Unlock()
	if hook != nil {
		hook(sessionID)
	}

	var err error
	if a.audio != nil {
		err = multierr.Append(err, a.audio.LeaveSession(ctx, sessionID))
	}
	return multierr.Append(err, a.UnwatchSession(sessionID))
}
