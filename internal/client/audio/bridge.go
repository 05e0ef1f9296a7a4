// Package audio joins the live audio channel of a consultation. The media
// stack itself sits behind Engine.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/suPer8Hu/consult-platform/internal/client/api"
	"github.com/suPer8Hu/consult-platform/internal/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrMediaJoinFailed = errors.New("audio: media join failed")
	ErrNoTokenSource   = errors.New("audio: no token source configured")
)

type Credentials struct {
	AppID       string
	ChannelName string
	Token       string
	UID         uint32
}

// Track is the local microphone capture.
type Track interface {
	Close() error
}

type Connection interface {
	Publish(ctx context.Context, t Track) error
	Leave(ctx context.Context) error
}

// RemoteEvents is how an Engine reports other participants.
type RemoteEvents struct {
	OnJoin  func(uid uint32)
	OnLeave func(uid uint32)
}

type Engine interface {
	Connect(ctx context.Context, creds Credentials, events RemoteEvents) (Connection, error)
	OpenMicrophone(ctx context.Context) (Track, error)
}

// TokenSource fetches join credentials for a session.
type TokenSource func(ctx context.Context, sessionID uint64) (Credentials, error)

// APITokens reads credentials from the backend's media-token endpoint.
func APITokens(c *api.Client) TokenSource {
	return func(ctx context.Context, sessionID uint64) (Credentials, error) {
		mc, err := c.MediaToken(ctx, sessionID)
		if err != nil {
			return Credentials{}, err
		}
		return Credentials{AppID: mc.AppID, ChannelName: mc.ChannelName, Token: mc.Token, UID: mc.UID}, nil
	}
}

// Joined describes the live connection.
type Joined struct {
	SessionID  uint64
	Channel    string
	UID        uint32
	Connection Connection
	Track      Track
}

type Options struct {
	Tokens TokenSource
	Logger *zap.SugaredLogger
}

// Bridge holds at most one connection and one microphone capture.
type Bridge struct {
	engine Engine
	tokens TokenSource
	log    *zap.SugaredLogger

	mu  sync.Mutex
	cur *Joined
	// gen changes on every join and leave; remote events carry the gen of
	// the connection that produced them.
	gen atomic.Uint64

	remoteMu sync.Mutex
	remotes  map[uint32]struct{}
	onJoin   []func(uid uint32)
	onLeave  []func(uid uint32)
}

func NewBridge(engine Engine, opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Bridge{
		engine:  engine,
		tokens:  opts.Tokens,
		log:     opts.Logger,
		remotes: make(map[uint32]struct{}),
	}
}

// OnRemoteJoin registers fn for participants joining the current channel.
func (b *Bridge) OnRemoteJoin(fn func(uid uint32)) {
	b.remoteMu.Lock()
	b.onJoin = append(b.onJoin, fn)
	b.remoteMu.Unlock()
}

func (b *Bridge) OnRemoteLeave(fn func(uid uint32)) {
	b.remoteMu.Lock()
	b.onLeave = append(b.onLeave, fn)
	b.remoteMu.Unlock()
}

// Remotes lists the participants currently heard on the channel.
func (b *Bridge) Remotes() []uint32 {
	b.remoteMu.Lock()
	defer b.remoteMu.Unlock()
	out := make([]uint32, 0, len(b.remotes))
	for uid := range b.remotes {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Current returns the live connection, if any.
func (b *Bridge) Current() (Joined, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return Joined{}, false
	}
	return *b.cur, true
}

// Join connects to creds.ChannelName and publishes the microphone. A
// previous connection is fully torn down first. On failure nothing stays
// joined.
func (b *Bridge) Join(ctx context.Context, creds Credentials) (Joined, error) {
	return b.join(ctx, 0, creds)
}

// JoinSession joins the channel of sessionID with credentials from the
// configured TokenSource.
func (b *Bridge) JoinSession(ctx context.Context, sessionID uint64) error {
	if b.tokens == nil {
		return ErrNoTokenSource
	}
	creds, err := b.tokens(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: media token: %w", ErrMediaJoinFailed, err)
	}
	want := models.MediaChannelName(sessionID)
	if creds.ChannelName == "" {
		creds.ChannelName = want
	}
	if creds.ChannelName != want {
		return fmt.Errorf("%w: token for channel %q, want %q", ErrMediaJoinFailed, creds.ChannelName, want)
	}
	_, err = b.join(ctx, sessionID, creds)
	return err
}

func (b *Bridge) join(ctx context.Context, sessionID uint64, creds Credentials) (Joined, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cur != nil {
		if err := b.leaveLocked(ctx); err != nil {
			b.log.Warnw("leaving previous channel failed", "err", err)
		}
	}

	gen := b.gen.Add(1)
	events := RemoteEvents{
		OnJoin:  func(uid uint32) { b.remoteJoined(gen, uid) },
		OnLeave: func(uid uint32) { b.remoteLeft(gen, uid) },
	}

	conn, err := b.engine.Connect(ctx, creds, events)
	if err != nil {
		return Joined{}, fmt.Errorf("%w: connect %s: %w", ErrMediaJoinFailed, creds.ChannelName, err)
	}

	track, err := b.engine.OpenMicrophone(ctx)
	if err != nil {
		b.resetRemotes()
		err = multierr.Append(err, conn.Leave(ctx))
		return Joined{}, fmt.Errorf("%w: microphone: %w", ErrMediaJoinFailed, err)
	}

	if err := conn.Publish(ctx, track); err != nil {
		b.resetRemotes()
		err = multierr.Combine(err, track.Close(), conn.Leave(ctx))
		return Joined{}, fmt.Errorf("%w: publish: %w", ErrMediaJoinFailed, err)
	}

	b.cur = &Joined{
		SessionID:  sessionID,
		Channel:    creds.ChannelName,
		UID:        creds.UID,
		Connection: conn,
		Track:      track,
	}
	b.log.Infow("audio joined", "channel", creds.ChannelName, "uid", creds.UID)
	return *b.cur, nil
}

// Leave releases the microphone, then leaves the channel. It is a no-op when
// not joined.
func (b *Bridge) Leave(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leaveLocked(ctx)
}

// LeaveSession leaves only if the bridge is joined to sessionID.
func (b *Bridge) LeaveSession(ctx context.Context, sessionID uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil || b.cur.SessionID != sessionID {
		return nil
	}
	return b.leaveLocked(ctx)
}

func (b *Bridge) leaveLocked(ctx context.Context) error {
	cur := b.cur
	if cur == nil {
		return nil
	}
	b.cur = nil
	b.resetRemotes()

	err := cur.Track.Close()
	err = multierr.Append(err, cur.Connection.Leave(ctx))
	b.log.Infow("audio left", "channel", cur.Channel)
	return err
}

// resetRemotes forgets every participant and stops events of the dropped
// connection from arriving.
func (b *Bridge) resetRemotes() {
	b.gen.Add(1)
	b.remoteMu.Lock()
	b.remotes = make(map[uint32]struct{})
	b.remoteMu.Unlock()
}

func (b *Bridge) remoteJoined(gen uint64, uid uint32) {
	if gen != b.gen.Load() {
		return
	}
	b.remoteMu.Lock()
	b.remotes[uid] = struct{}{}
	fns := append([]func(uint32){}, b.onJoin...)
	b.remoteMu.Unlock()
	for _, fn := range fns {
		fn(uid)
	}
}

func (b *Bridge) remoteLeft(gen uint64, uid uint32) {
	if gen != b.gen.Load() {
		return
	}
	b.remoteMu.Lock()
	delete(b.remotes, uid)
	fns := append([]func(uint32){}, b.onLeave...)
	b.remoteMu.Unlock()
	for _, fn := range fns {
		fn(uid)
	}
}
