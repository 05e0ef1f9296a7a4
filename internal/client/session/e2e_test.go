package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/consult-platform/internal/client/api"
	"github.com/suPer8Hu/consult-platform/internal/client/session"
	"github.com/suPer8Hu/consult-platform/internal/models"
	"github.com/suPer8Hu/consult-platform/internal/realtime"
	"github.com/suPer8Hu/consult-platform/internal/testutil/testserver"
)

type client struct {
	store *session.Store
	ctrl  *session.Controller
}

func connect(t *testing.T, srv *testserver.Server, token string) *client {
	t.Helper()
	ctx := context.Background()
	ws, err := realtime.DialWS(ctx, srv.WSURL, token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	store := session.NewStore()
	ad := session.NewAdapter(store, ws, session.AdapterOptions{})
	ctrl := session.NewController(api.New(srv.URL, token), store, session.ControllerOptions{Adapter: ad})
	t.Cleanup(func() { _ = ctrl.Logout(context.Background()) })

	_, err = ctrl.LoadIdentity(ctx)
	require.NoError(t, err)
	return &client{store: store, ctrl: ctrl}
}

func queueHas(st *session.Store, id uint64) bool {
	for _, s := range st.Snapshot().Waiting {
		if s.ID == id {
			return true
		}
	}
	return false
}

func TestEndToEnd_AcceptRaceAndLiveUpdates(t *testing.T) {
	srv := testserver.Start(t)
	ctx := context.Background()
	_, userTok := srv.User("alice", models.RoleUser)
	revA, tokA := srv.User("reva", models.RoleReverend)
	_, tokB := srv.User("revb", models.RoleReverend)

	user := connect(t, srv, userTok)
	a := connect(t, srv, tokA)
	b := connect(t, srv, tokB)

	s, err := user.ctrl.CreateSession(ctx, 3, "need guidance")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, s.Status)
	assert.Nil(t, s.ReverendID)
	assert.Equal(t, uint64(3), s.CategoryID)

	// both advisors learn about it by push
	require.Eventually(t, func() bool { return queueHas(a.store, s.ID) && queueHas(b.store, s.ID) },
		3*time.Second, 10*time.Millisecond, "queues never received the new session")

	accepted, err := a.ctrl.AcceptSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, accepted.Status)
	require.NotNil(t, accepted.ReverendID)
	assert.Equal(t, revA.ID, *accepted.ReverendID)

	_, err = b.ctrl.AcceptSession(ctx, s.ID)
	require.ErrorIs(t, err, session.ErrAlreadyClaimed)
	require.Eventually(t, func() bool { return !queueHas(b.store, s.ID) },
		3*time.Second, 10*time.Millisecond, "loser still lists the session")

	require.Eventually(t, func() bool {
		v, ok := user.store.Session(s.ID)
		return ok && v.Session.Status == models.StatusActive && v.Session.ReverendID != nil && *v.Session.ReverendID == revA.ID
	}, 3*time.Second, 10*time.Millisecond, "requester never saw the accept")

	sent, err := a.ctrl.SendMessage(ctx, s.ID, "I'm here")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, _ := user.store.Session(s.ID)
		return len(v.Messages) == 1 && v.Messages[0].ID == sent.ID
	}, 3*time.Second, 10*time.Millisecond, "message never pushed to the requester")

	closedByUser, err := user.ctrl.CloseSession(ctx, s.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, _ := a.store.Session(s.ID)
		return v.Session.Status == models.StatusClosed
	}, 3*time.Second, 10*time.Millisecond, "advisor never saw the close")

	again, err := user.ctrl.CloseSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, closedByUser, again)

	_, err = a.ctrl.SendMessage(ctx, s.ID, "still there?")
	assert.ErrorIs(t, err, session.ErrSessionNotActive)
}
