package audio

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/consult-platform/internal/models"
)

// fakeEngine records every step in order.
type fakeEngine struct {
	mu      sync.Mutex
	log     []string
	mics    int
	events  RemoteEvents
	failOn  string
	leaveEr error
	// present is reported as already in the channel during Connect
	present []uint32
}

func (e *fakeEngine) record(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *fakeEngine) steps() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func (e *fakeEngine) liveMics() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mics
}

func (e *fakeEngine) Connect(_ context.Context, creds Credentials, ev RemoteEvents) (Connection, error) {
	if e.failOn == "connect" {
		return nil, errors.New("network unreachable")
	}
	e.record("connect " + creds.ChannelName)
	e.mu.Lock()
	e.events = ev
	e.mu.Unlock()
	for _, uid := range e.present {
		ev.OnJoin(uid)
	}
	return &fakeConn{e: e, channel: creds.ChannelName}, nil
}

func (e *fakeEngine) OpenMicrophone(context.Context) (Track, error) {
	if e.failOn == "mic" {
		return nil, errors.New("permission denied")
	}
	e.mu.Lock()
	if e.mics > 0 {
		e.mu.Unlock()
		return nil, errors.New("microphone already captured")
	}
	e.mics++
	e.mu.Unlock()
	e.record("mic open")
	return &fakeTrack{e: e}, nil
}

type fakeConn struct {
	e       *fakeEngine
	channel string
}

func (c *fakeConn) Publish(context.Context, Track) error {
	if c.e.failOn == "publish" {
		return errors.New("publish rejected")
	}
	c.e.record("publish " + c.channel)
	return nil
}

func (c *fakeConn) Leave(context.Context) error {
	c.e.record("leave " + c.channel)
	return c.e.leaveEr
}

type fakeTrack struct{ e *fakeEngine }

func (t *fakeTrack) Close() error {
	t.e.mu.Lock()
	t.e.mics--
	t.e.mu.Unlock()
	t.e.record("mic close")
	return nil
}

func tokensFor(uid uint32) TokenSource {
	return func(_ context.Context, sessionID uint64) (Credentials, error) {
		return Credentials{AppID: "app", ChannelName: models.MediaChannelName(sessionID), Token: "t", UID: uid}, nil
	}
}

func TestJoinAgainTearsDownFirst(t *testing.T) {
	eng := &fakeEngine{}
	b := NewBridge(eng, Options{Tokens: tokensFor(9)})
	ctx := context.Background()

	require.NoError(t, b.JoinSession(ctx, 42))
	require.NoError(t, b.JoinSession(ctx, 7))

	assert.Equal(t, []string{
		"connect consultation-42",
		"mic open",
		"publish consultation-42",
		"mic close",
		"leave consultation-42",
		"connect consultation-7",
		"mic open",
		"publish consultation-7",
	}, eng.steps())
	assert.Equal(t, 1, eng.liveMics())

	cur, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, uint64(7), cur.SessionID)
	assert.Equal(t, "consultation-7", cur.Channel)
}

func TestLeaveReleasesMicEvenIfLeaveFails(t *testing.T) {
	eng := &fakeEngine{leaveEr: errors.New("signaling gone")}
	b := NewBridge(eng, Options{Tokens: tokensFor(1)})
	ctx := context.Background()

	require.NoError(t, b.JoinSession(ctx, 42))
	err := b.Leave(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, eng.liveMics())
	steps := eng.steps()
	assert.Equal(t, []string{"mic close", "leave consultation-42"}, steps[len(steps)-2:])

	_, ok := b.Current()
	assert.False(t, ok)

	// idempotent
	assert.NoError(t, b.Leave(ctx))
	assert.NoError(t, b.LeaveSession(ctx, 42))
}

func TestJoinFailureLeavesNothingBehind(t *testing.T) {
	for _, step := range []string{"connect", "mic", "publish"} {
		t.Run(step, func(t *testing.T) {
			eng := &fakeEngine{failOn: step}
			b := NewBridge(eng, Options{Tokens: tokensFor(1)})

			err := b.JoinSession(context.Background(), 42)
			require.ErrorIs(t, err, ErrMediaJoinFailed)

			_, ok := b.Current()
			assert.False(t, ok)
			assert.Equal(t, 0, eng.liveMics())
		})
	}
}

func TestJoinFailureAfterPreviousJoinStillTearsDown(t *testing.T) {
	eng := &fakeEngine{}
	b := NewBridge(eng, Options{Tokens: tokensFor(1)})
	ctx := context.Background()
	require.NoError(t, b.JoinSession(ctx, 42))

	eng.failOn = "connect"
	err := b.JoinSession(ctx, 7)
	require.ErrorIs(t, err, ErrMediaJoinFailed)
	_, ok := b.Current()
	assert.False(t, ok)
	assert.Equal(t, 0, eng.liveMics())
}

func TestJoinFailureForgetsParticipantsSeenDuringConnect(t *testing.T) {
	for _, step := range []string{"mic", "publish"} {
		t.Run(step, func(t *testing.T) {
			eng := &fakeEngine{failOn: step, present: []uint32{99}}
			b := NewBridge(eng, Options{Tokens: tokensFor(1)})

			err := b.JoinSession(context.Background(), 42)
			require.ErrorIs(t, err, ErrMediaJoinFailed)

			_, ok := b.Current()
			assert.False(t, ok)
			assert.Empty(t, b.Remotes())

			eng.events.OnJoin(100)
			assert.Empty(t, b.Remotes())
		})
	}
}

func TestLeaveSessionOnlyLeavesMatchingSession(t *testing.T) {
	eng := &fakeEngine{}
	b := NewBridge(eng, Options{Tokens: tokensFor(1)})
	ctx := context.Background()
	require.NoError(t, b.JoinSession(ctx, 42))

	require.NoError(t, b.LeaveSession(ctx, 7))
	_, ok := b.Current()
	assert.True(t, ok)

	require.NoError(t, b.LeaveSession(ctx, 42))
	_, ok = b.Current()
	assert.False(t, ok)
}

func TestTokenForWrongChannelIsRejected(t *testing.T) {
	eng := &fakeEngine{}
	b := NewBridge(eng, Options{Tokens: func(context.Context, uint64) (Credentials, error) {
		return Credentials{ChannelName: "consultation-1"}, nil
	}})
	err := b.JoinSession(context.Background(), 2)
	assert.ErrorIs(t, err, ErrMediaJoinFailed)
	assert.Empty(t, eng.steps())
}

func TestRemoteEventsFromOldConnectionAreIgnored(t *testing.T) {
	eng := &fakeEngine{}
	b := NewBridge(eng, Options{Tokens: tokensFor(1)})
	ctx := context.Background()

	var joined, left []uint32
	b.OnRemoteJoin(func(uid uint32) { joined = append(joined, uid) })
	b.OnRemoteLeave(func(uid uint32) { left = append(left, uid) })

	require.NoError(t, b.JoinSession(ctx, 42))
	old := eng.events
	old.OnJoin(5)
	assert.Equal(t, []uint32{5}, b.Remotes())

	require.NoError(t, b.JoinSession(ctx, 7))
	assert.Empty(t, b.Remotes())
	old.OnJoin(6)
	old.OnLeave(5)
	assert.Empty(t, b.Remotes())

	eng.events.OnJoin(8)
	eng.events.OnLeave(8)
	assert.Equal(t, []uint32{5, 8}, joined)
	assert.Equal(t, []uint32{8}, left)
}

func TestJoinWithoutTokenSource(t *testing.T) {
	b := NewBridge(&fakeEngine{}, Options{})
	assert.ErrorIs(t, b.JoinSession(context.Background(), 1), ErrNoTokenSource)
}
