package chat

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/consult-platform/internal/auth"
	"github.com/suPer8Hu/consult-platform/internal/models"
	"github.com/suPer8Hu/consult-platform/internal/realtime"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	maxMessageRunes  = 4000
	publishTimeout   = 5 * time.Second
	fanOutLimit      = 16
	adminListLimit   = 200
	defaultPageLimit = 50
)

// Directory is the part of the account service the chat service needs.
type Directory interface {
	GetUser(ctx context.Context, id uint64) (*models.User, error)
	AdvisorIDs(ctx context.Context) ([]uint64, error)
}

type MediaConfig struct {
	AppID    string
	Secret   string
	TokenTTL time.Duration
}

type MediaCredentials struct {
	AppID       string `json:"app_id"`
	ChannelName string `json:"channel_name"`
	Token       string `json:"token"`
	UID         uint32 `json:"uid"`
}

type Options struct {
	Events realtime.Publisher
	Media  MediaConfig
	Logger *zap.SugaredLogger
	Now    func() time.Time
}

// Service is the authoritative owner of chat session state. Every write
// commits first and then publishes the matching event.
type Service struct {
	repo   *Repo
	users  Directory
	events realtime.Publisher
	media  MediaConfig
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewService(repo *Repo, users Directory, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Media.TokenTTL <= 0 {
		opts.Media.TokenTTL = time.Hour
	}
	return &Service{
		repo:   repo,
		users:  users,
		events: opts.Events,
		media:  opts.Media,
		log:    opts.Logger,
		now:    opts.Now,
	}
}

func cleanText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return "", ErrMessageTooLong
	}
	return text, nil
}

// CreateSession opens a waiting session. A repeated idempotency key returns
// the session created the first time and created=false.
func (s *Service) CreateSession(ctx context.Context, userID, categoryID uint64, initialMessage string, idempotencyKey *string) (*models.ChatSession, bool, error) {
	text, err := cleanText(initialMessage)
	if err != nil {
		return nil, false, err
	}
	if categoryID == 0 {
		return nil, false, ErrInvalidCategory
	}
	ok, err := s.repo.CategoryExists(ctx, categoryID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, ErrInvalidCategory
	}

	sess := &models.ChatSession{
		UserID:         userID,
		CategoryID:     categoryID,
		Status:         models.StatusWaiting,
		InitialMessage: text,
		IdempotencyKey: idempotencyKey,
	}
	saved, created, err := s.repo.CreateSessionOrGetExisting(ctx, sess)
	if err != nil {
		return nil, false, err
	}

	full, err := s.repo.GetSession(ctx, saved.ID)
	if err != nil {
		return nil, false, err
	}

	if created {
		s.log.Infow("chat session created", "session_id", full.ID, "user_id", userID, "category_id", categoryID)
		s.publishToQueue(ctx, realtime.NewChatSessionCreated, *full)
	}
	return full, created, nil
}

// AcceptSession assigns advisorID to a waiting session. Losing the race to
// another advisor yields ErrAlreadyClaimed.
func (s *Service) AcceptSession(ctx context.Context, advisorID, sessionID uint64) (*models.ChatSession, error) {
	u, err := s.users.GetUser(ctx, advisorID)
	if err != nil {
		return nil, err
	}
	if !u.IsAdvisor() {
		return nil, ErrNotAdvisor
	}

	won, err := s.repo.AcceptSession(ctx, sessionID, advisorID, s.now())
	if err != nil {
		return nil, err
	}

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !won {
		switch sess.Status {
		case models.StatusActive:
			return nil, ErrAlreadyClaimed
		default:
			return nil, ErrSessionNotActive
		}
	}

	s.log.Infow("chat session accepted", "session_id", sessionID, "advisor_id", advisorID)
	s.publishSession(ctx, realtime.ChatSessionAccepted, *sess)
	s.publishToQueue(ctx, realtime.ChatSessionAccepted, *sess)
	return sess, nil
}

// SendMessage stores a message from one participant to the other.
func (s *Service) SendMessage(ctx context.Context, senderID, sessionID uint64, text string) (*models.Message, error) {
	text, err := cleanText(text)
	if err != nil {
		return nil, err
	}

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsParticipant(senderID) {
		return nil, ErrNotParticipant
	}
	if sess.Status != models.StatusActive {
		return nil, ErrSessionNotActive
	}

	msg := &models.Message{
		ChatSessionID: sessionID,
		SenderID:      senderID,
		ReceiverID:    sess.Counterpart(senderID),
		Message:       text,
	}
	if err := s.repo.InsertMessageIfActive(ctx, msg, s.now()); err != nil {
		return nil, err
	}

	ev, err := realtime.NewMessageEvent(realtime.SessionChannel(sessionID), *msg)
	if err == nil {
		s.publish(ctx, ev)
	}
	return msg, nil
}

// CloseSession closes a waiting or active session. Closing a closed session
// returns it unchanged and emits nothing.
func (s *Service) CloseSession(ctx context.Context, userID, sessionID uint64) (*models.ChatSession, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsParticipant(userID) {
		u, err := s.users.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !u.IsAdmin() {
			return nil, ErrNotParticipant
		}
	}
	if sess.Status == models.StatusClosed {
		return sess, nil
	}

	closed, err := s.repo.CloseSession(ctx, sessionID, s.now())
	if err != nil {
		return nil, err
	}
	after, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if closed {
		s.log.Infow("chat session closed", "session_id", sessionID, "by", userID)
		s.announceClosed(ctx, sess.Status, *after)
	}
	return after, nil
}

// ExpireWaiting cancels sessions nobody accepted within olderThan.
func (s *Service) ExpireWaiting(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	ids, err := s.repo.WaitingIDsBefore(ctx, now.Add(-olderThan))
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		ok, err := s.repo.CancelWaiting(ctx, id, now)
		if err != nil {
			return n, err
		}
		if !ok {
			// accepted or closed meanwhile
			continue
		}
		sess, err := s.repo.GetSession(ctx, id)
		if err != nil {
			return n, err
		}
		n++
		s.announceClosed(ctx, models.StatusWaiting, *sess)
	}
	if n > 0 {
		s.log.Infow("expired waiting sessions", "count", n)
	}
	return n, nil
}

func (s *Service) announceClosed(ctx context.Context, before models.SessionStatus, sess models.ChatSession) {
	s.publishSession(ctx, realtime.ChatSessionClosed, sess)
	if before == models.StatusWaiting {
		s.publishToQueue(ctx, realtime.ChatSessionClosed, sess)
		return
	}
	s.publishAdmin(ctx, realtime.ChatSessionClosed, sess)
}

// WaitingSessions is the advisor queue.
func (s *Service) WaitingSessions(ctx context.Context, userID uint64) ([]models.ChatSession, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.IsAdvisor() && !u.IsAdmin() {
		return nil, ErrNotAdvisor
	}
	return s.repo.ListWaiting(ctx)
}

func (s *Service) SessionsForUser(ctx context.Context, userID uint64) ([]models.ChatSession, error) {
	return s.repo.ListForUser(ctx, userID)
}

func (s *Service) AdminSessions(ctx context.Context, status models.SessionStatus) ([]models.ChatSession, error) {
	return s.repo.ListByStatus(ctx, status, adminListLimit)
}

func (s *Service) Categories(ctx context.Context) ([]models.Category, error) {
	return s.repo.ListCategories(ctx)
}

// GetSession returns a session the user may see: participants, admins, and
// advisors while it is still waiting.
func (s *Service) GetSession(ctx context.Context, userID, sessionID uint64) (*models.ChatSession, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsParticipant(userID) {
		return sess, nil
	}
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.IsAdmin() || (u.IsAdvisor() && sess.Status == models.StatusWaiting) {
		return sess, nil
	}
	return nil, ErrNotParticipant
}

func (s *Service) ListMessages(ctx context.Context, userID, sessionID uint64, limit int, beforeID uint64) ([]models.Message, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = defaultPageLimit
	}
	return s.repo.ListMessages(ctx, sessionID, limit, beforeID)
}

// MarkRead marks everything addressed to userID in the session as read.
func (s *Service) MarkRead(ctx context.Context, userID, sessionID uint64) (int64, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if !sess.IsParticipant(userID) {
		return 0, ErrNotParticipant
	}
	return s.repo.MarkRead(ctx, sessionID, userID, s.now())
}

// MediaCredentials issues the audio join parameters for an active session.
func (s *Service) MediaCredentials(ctx context.Context, userID, sessionID uint64) (*MediaCredentials, error) {
	if s.media.AppID == "" || s.media.Secret == "" {
		return nil, ErrMediaDisabled
	}
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsParticipant(userID) {
		return nil, ErrNotParticipant
	}
	if sess.Status != models.StatusActive {
		return nil, ErrSessionNotActive
	}

	// media uids are 32 bit; truncating could hand both sides the same uid
	if userID > math.MaxUint32 {
		return nil, ErrMediaUIDRange
	}
	channel := models.MediaChannelName(sessionID)
	uid := uint32(userID)
	token, err := auth.SignMediaToken(s.media.Secret, channel, uid, s.media.TokenTTL)
	if err != nil {
		return nil, err
	}
	return &MediaCredentials{AppID: s.media.AppID, ChannelName: channel, Token: token, UID: uid}, nil
}

// AuthorizeChannel gates websocket subscriptions.
func (s *Service) AuthorizeChannel(ctx context.Context, user *models.User, channel string) error {
	kind, id, err := realtime.ParseChannel(channel)
	if err != nil {
		return err
	}
	switch kind {
	case realtime.KindAdvisor:
		if user.IsAdvisor() && user.ID == id {
			return nil
		}
		return ErrNotAdvisor
	case realtime.KindAdmin:
		if user.IsAdmin() {
			return nil
		}
		return errors.New("admin only")
	case realtime.KindSession:
		sess, err := s.repo.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.IsParticipant(user.ID) || user.IsAdmin() {
			return nil
		}
		return ErrNotParticipant
	}
	return errors.New("unknown channel")
}

func (s *Service) publishSession(ctx context.Context, name string, sess models.ChatSession) {
	ev, err := realtime.NewSessionEvent(name, realtime.SessionChannel(sess.ID), sess)
	if err != nil {
		s.log.Errorw("encode event", "event", name, "err", err)
		return
	}
	s.publish(ctx, ev)
}

func (s *Service) publishAdmin(ctx context.Context, name string, sess models.ChatSession) {
	ev, err := realtime.NewSessionEvent(name, realtime.AdminChannel, sess)
	if err != nil {
		s.log.Errorw("encode event", "event", name, "err", err)
		return
	}
	s.publish(ctx, ev)
}

// publishToQueue tells every advisor and the admin dashboard about a change
// to the waiting queue.
func (s *Service) publishToQueue(ctx context.Context, name string, sess models.ChatSession) {
	s.publishAdmin(ctx, name, sess)

	ids, err := s.users.AdvisorIDs(ctx)
	if err != nil {
		s.log.Errorw("list advisors for fan-out", "event", name, "session_id", sess.ID, "err", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for _, id := range ids {
		ev, err := realtime.NewSessionEvent(name, realtime.AdvisorChannel(id), sess)
		if err != nil {
			s.log.Errorw("encode event", "event", name, "err", err)
			return
		}
		g.Go(func() error {
			s.publish(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()
}

// publish never fails the caller: the state change is already committed.
func (s *Service) publish(ctx context.Context, ev realtime.Event) {
	if s.events == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.Publish(pctx, ev); err != nil {
		s.log.Warnw("publish event failed", "event", ev.Name, "channel", ev.Channel, "err", err)
	}
}
