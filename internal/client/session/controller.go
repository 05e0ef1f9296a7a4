package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/consult-platform/internal/client/api"
	"github.com/suPer8Hu/consult-platform/internal/common"
	"github.com/suPer8Hu/consult-platform/internal/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	readRetryDelay = 300 * time.Millisecond
	historyPage    = 50
)

// API is the REST surface the controller drives. *api.Client implements it.
type API interface {
	GetUser(ctx context.Context) (*models.User, error)
	WaitingSessions(ctx context.Context) ([]models.ChatSession, error)
	CreateSession(ctx context.Context, categoryID uint64, initialMessage, idempotencyKey string) (*models.ChatSession, error)
	GetSession(ctx context.Context, id uint64) (*models.ChatSession, error)
	AcceptSession(ctx context.Context, id uint64) (*models.ChatSession, error)
	SendMessage(ctx context.Context, id uint64, text string) (*models.Message, error)
	ListMessages(ctx context.Context, id uint64, limit int, beforeID uint64) ([]models.Message, uint64, error)
	MarkRead(ctx context.Context, id uint64) (int64, error)
	CloseSession(ctx context.Context, id uint64) (*models.ChatSession, error)
}

// AudioBridge is the part of the audio bridge the controller uses.
type AudioBridge interface {
	AudioLeaver
	JoinSession(ctx context.Context, sessionID uint64) error
}

type ControllerOptions struct {
	Adapter *Adapter
	Audio   AudioBridge
	Logger  *zap.SugaredLogger
	// NewKey mints the idempotency key of one create call.
	NewKey func() (string, error)
}

// Controller issues the REST calls behind every transition and reconciles
// local state with the answers. Writes are never retried.
type Controller struct {
	api     API
	store   *Store
	adapter *Adapter
	audio   AudioBridge
	log     *zap.SugaredLogger
	newKey  func() (string, error)

	identity singleflight.Group

	sendMu sync.Mutex
	sends  map[uint64]*sync.Mutex
}

func NewController(client API, store *Store, opts ControllerOptions) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.NewKey == nil {
		opts.NewKey = common.NewULID
	}
	c := &Controller{
		api:     client,
		store:   store,
		adapter: opts.Adapter,
		audio:   opts.Audio,
		log:     opts.Logger,
		newKey:  opts.NewKey,
		sends:   make(map[uint64]*sync.Mutex),
	}
	if c.adapter != nil {
		c.adapter.setClosedHook(c.dropSendLock)
	}
	return c
}

func (c *Controller) Store() *Store { return c.store }

// authFailed drops the identity when the backend rejects the token.
func (c *Controller) authFailed(err error) bool {
	if !api.IsUnauthorized(err) {
		return false
	}
	c.log.Infow("token rejected, clearing identity")
	if c.adapter != nil {
		if uerr := c.adapter.Unbind(); uerr != nil {
			c.log.Warnw("unbind after auth failure", "err", uerr)
		}
	}
	c.store.clearIdentity()
	return true
}

// LoadIdentity fetches the current user once and binds the event
// subscriptions to it. Concurrent callers share one request.
func (c *Controller) LoadIdentity(ctx context.Context) (*models.User, error) {
	if u := c.store.Identity(); u != nil {
		return u, nil
	}

	v, err, _ := c.identity.Do("identity", func() (any, error) {
		fetched, err := c.readWithRetry(ctx, "get user", func() (any, error) { return c.api.GetUser(ctx) })
		if err != nil {
			return nil, err
		}
		u := fetched.(*models.User)
		if cur := c.store.Identity(); cur != nil && cur.ID == u.ID {
			return cur, nil
		}

		c.store.setIdentity(u)
		if c.adapter != nil {
			if err := c.adapter.Bind(ctx, u); err != nil {
				c.log.Warnw("event subscription unavailable, queue will not update live", "user_id", u.ID, "err", err)
			}
		}
		c.log.Infow("identity loaded", "user_id", u.ID, "role", u.Role.String())
		return c.store.Identity(), nil
	})
	if err != nil {
		if c.authFailed(err) {
			return nil, fmt.Errorf("%w: %w", ErrAuthExpired, err)
		}
		return nil, err
	}
	return v.(*models.User), nil
}

// Logout tears down subscriptions and audio and forgets the identity.
func (c *Controller) Logout(ctx context.Context) error {
	var err error
	if c.adapter != nil {
		err = multierr.Append(err, c.adapter.Unbind())
	}
	if c.audio != nil {
		for _, v := range c.store.Snapshot().Sessions {
			err = multierr.Append(err, c.audio.LeaveSession(ctx, v.Session.ID))
		}
	}
	c.store.clearIdentity()
	return err
}

// CreateSession opens a consultation request. Nothing is stored locally
// unless the backend confirms it.
func (c *Controller) CreateSession(ctx context.Context, categoryID uint64, initialMessage string) (models.ChatSession, error) {
	initialMessage = strings.TrimSpace(initialMessage)
	if initialMessage == "" {
		return models.ChatSession{}, fmt.Errorf("%w: initial message is empty", ErrCreationFailed)
	}
	if categoryID == 0 {
		return models.ChatSession{}, fmt.Errorf("%w: category required", ErrCreationFailed)
	}

	key, err := c.newKey()
	if err != nil {
		return models.ChatSession{}, fmt.Errorf("%w: %w", ErrCreationFailed, err)
	}

	s, err := c.api.CreateSession(ctx, categoryID, initialMessage, key)
	if err != nil {
		if c.authFailed(err) {
			return models.ChatSession{}, fmt.Errorf("%w: %w", ErrCreationFailed, ErrAuthExpired)
		}
		return models.ChatSession{}, fmt.Errorf("%w: %w", ErrCreationFailed, err)
	}

	c.store.applyAuthoritative(*s)
	c.watch(ctx, s.ID)
	c.log.Infow("session created", "session_id", s.ID, "category_id", categoryID)
	return c.current(*s), nil
}

// AcceptSession claims a waiting session for the current advisor. The local
// copy flips to active at once and is rolled back if the claim loses.
func (c *Controller) AcceptSession(ctx context.Context, sessionID uint64) (models.ChatSession, error) {
	me := c.store.Identity()
	if me == nil {
		return models.ChatSession{}, ErrNoIdentity
	}
	if !me.IsAdvisor() {
		return models.ChatSession{}, ErrNotAdvisor
	}

	base, known := c.store.confirmed(sessionID)
	if known {
		switch base.Status {
		case models.StatusActive:
			return models.ChatSession{}, ErrAlreadyClaimed
		case models.StatusClosed:
			return models.ChatSession{}, ErrSessionNotActive
		}
	} else {
		base = models.ChatSession{ID: sessionID, Status: models.StatusWaiting}
	}

	prov := base.Clone()
	now := time.Now()
	advisorID := me.ID
	prov.Status = models.StatusActive
	prov.ReverendID = &advisorID
	prov.AcceptedAt = &now
	c.store.setProvisional(prov)

	s, err := c.api.AcceptSession(ctx, sessionID)
	if err != nil {
		c.store.retractProvisional(sessionID)
		switch {
		case api.HasCode(err, common.CodeAlreadyClaimed):
			c.store.forget(sessionID)
			return models.ChatSession{}, fmt.Errorf("%w: %w", ErrAlreadyClaimed, err)
		case api.HasCode(err, common.CodeSessionNotActive):
			c.store.forget(sessionID)
			return models.ChatSession{}, fmt.Errorf("%w: %w", ErrSessionNotActive, err)
		case c.authFailed(err):
			return models.ChatSession{}, ErrAuthExpired
		}
		return models.ChatSession{}, fmt.Errorf("accept session %d: %w", sessionID, err)
	}

	c.store.applyAuthoritative(*s)
	c.watch(ctx, sessionID)
	c.log.Infow("session accepted", "session_id", sessionID, "advisor_id", advisorID)
	return c.current(*s), nil
}

func (c *Controller) sendLock(sessionID uint64) *sync.Mutex {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	m, ok := c.sends[sessionID]
	if !ok {
		m = &sync.Mutex{}
		c.sends[sessionID] = m
	}
	return m
}

// dropSendLock forgets the send lock of a closed session. A send still
// holding it finishes; later sends are rejected by the backend anyway.
func (c *Controller) dropSendLock(sessionID uint64) {
	c.sendMu.Lock()
	delete(c.sends, sessionID)
	c.sendMu.Unlock()
}

// SendMessage posts to an active session. Sends to one session go out one at
// a time so the sender's own messages keep their order.
func (c *Controller) SendMessage(ctx context.Context, sessionID uint64, text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if s, ok := c.store.confirmed(sessionID); ok && s.Status != models.StatusActive {
		return models.Message{}, ErrSessionNotActive
	}

	lock := c.sendLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := c.api.SendMessage(ctx, sessionID, text)
	if err != nil {
		switch {
		case api.HasCode(err, common.CodeSessionNotActive):
			return models.Message{}, fmt.Errorf("%w: %w", ErrSessionNotActive, err)
		case c.authFailed(err):
			return models.Message{}, ErrAuthExpired
		}
		return models.Message{}, fmt.Errorf("send message: %w", err)
	}
	c.store.addMessage(*m)
	return m.Clone(), nil
}

// CloseSession ends a session. Closing a closed session returns the stored
// copy without calling the backend.
func (c *Controller) CloseSession(ctx context.Context, sessionID uint64) (models.ChatSession, error) {
	if s, ok := c.store.confirmed(sessionID); ok && s.Status == models.StatusClosed {
		return s, nil
	}

	s, err := c.api.CloseSession(ctx, sessionID)
	if err != nil {
		if c.authFailed(err) {
			return models.ChatSession{}, ErrAuthExpired
		}
		return models.ChatSession{}, fmt.Errorf("close session %d: %w", sessionID, err)
	}

	c.store.applyAuthoritative(*s)
	c.dropSendLock(sessionID)
	if c.adapter != nil {
		if err := c.adapter.sessionClosed(ctx, sessionID); err != nil {
			c.log.Warnw("session teardown failed", "session_id", sessionID, "err", err)
		}
	} else if c.audio != nil {
		if err := c.audio.LeaveSession(ctx, sessionID); err != nil {
			c.log.Warnw("audio leave failed", "session_id", sessionID, "err", err)
		}
	}
	return c.current(*s), nil
}

// FetchWaitingQueue loads the advisor queue once. On failure it returns the
// queue as last known together with the error.
func (c *Controller) FetchWaitingQueue(ctx context.Context) ([]models.ChatSession, error) {
	v, err := c.readWithRetry(ctx, "waiting queue", func() (any, error) { return c.api.WaitingSessions(ctx) })
	if err != nil {
		if c.authFailed(err) {
			return nil, ErrAuthExpired
		}
		return c.store.Snapshot().Waiting, err
	}
	c.store.setWaiting(v.([]models.ChatSession))
	return c.store.Snapshot().Waiting, nil
}

// OpenSession loads a session with its latest messages and subscribes to it
// while it is still open.
func (c *Controller) OpenSession(ctx context.Context, sessionID uint64) (SessionView, error) {
	v, err := c.readWithRetry(ctx, "get session", func() (any, error) { return c.api.GetSession(ctx, sessionID) })
	if err != nil {
		if c.authFailed(err) {
			return SessionView{}, ErrAuthExpired
		}
		return SessionView{}, err
	}
	s := v.(*models.ChatSession)
	c.store.applyAuthoritative(*s)

	if s.Status != models.StatusClosed {
		c.watch(ctx, sessionID)
	}

	hv, err := c.readWithRetry(ctx, "history", func() (any, error) {
		msgs, _, err := c.api.ListMessages(ctx, sessionID, historyPage, 0)
		return msgs, err
	})
	if err != nil {
		c.log.Warnw("history unavailable", "session_id", sessionID, "err", err)
	} else {
		for _, m := range hv.([]models.Message) {
			c.store.addMessage(m)
		}
	}

	view, _ := c.store.Session(sessionID)
	return view, nil
}

// LeaveSession stops following a session: its channel is unsubscribed and
// audio left. Both are attempted even if one fails.
func (c *Controller) LeaveSession(ctx context.Context, sessionID uint64) error {
	var err error
	if c.adapter != nil {
		err = multierr.Append(err, c.adapter.UnwatchSession(sessionID))
	}
	if c.audio != nil {
		err = multierr.Append(err, c.audio.LeaveSession(ctx, sessionID))
	}
	return err
}

// MarkRead marks the messages addressed to the current user as read.
func (c *Controller) MarkRead(ctx context.Context, sessionID uint64) (int64, error) {
	me := c.store.Identity()
	if me == nil {
		return 0, ErrNoIdentity
	}
	n, err := c.api.MarkRead(ctx, sessionID)
	if err != nil {
		if c.authFailed(err) {
			return 0, ErrAuthExpired
		}
		return 0, err
	}
	c.store.markRead(sessionID, me.ID, time.Now())
	return n, nil
}

// JoinAudio joins the live audio channel of an active session.
func (c *Controller) JoinAudio(ctx context.Context, sessionID uint64) error {
	if c.audio == nil {
		return errors.New("session: no audio bridge configured")
	}
	if s, ok := c.store.confirmed(sessionID); !ok || s.Status != models.StatusActive {
		return ErrSessionNotActive
	}
	return c.audio.JoinSession(ctx, sessionID)
}

func (c *Controller) watch(ctx context.Context, sessionID uint64) {
	if c.adapter == nil {
		return
	}
	if err := c.adapter.WatchSession(ctx, sessionID); err != nil {
		c.log.Warnw("session subscription unavailable", "session_id", sessionID, "err", err)
	}
}

// current prefers the store's copy, which may already reflect a newer event.
func (c *Controller) current(fallback models.ChatSession) models.ChatSession {
	if s, ok := c.store.confirmed(fallback.ID); ok {
		return s
	}
	return fallback.Clone()
}

// readWithRetry runs an idempotent read, retrying once on anything but an
// auth failure or a client error.
func (c *Controller) readWithRetry(ctx context.Context, what string, fn func() (any, error)) (any, error) {
	v, err := fn()
	if err == nil || !retryable(err) {
		return v, err
	}
	c.log.Warnw("read failed, retrying once", "what", what, "err", err)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(readRetryDelay):
	}
	return fn()
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ae *api.Error
	if errors.As(err, &ae) {
		return ae.StatusCode >= 500
	}
	return true
}
