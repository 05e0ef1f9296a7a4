package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/consult-platform/internal/models"
	"github.com/suPer8Hu/consult-platform/internal/realtime"
)

func (c *Controller) sendLocks() int {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return len(c.sends)
}

func waitingIDs(st *Store) []uint64 {
	var ids []uint64
	for _, s := range st.Snapshot().Waiting {
		ids = append(ids, s.ID)
	}
	return ids
}

func (h *harness) publishMessage(t *testing.T, m models.Message) {
	t.Helper()
	ev, err := realtime.NewMessageEvent(realtime.SessionChannel(m.ChatSessionID), m)
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(context.Background(), ev))
}

func TestAdapter_DuplicateMessageEventKeepsOne(t *testing.T) {
	h := newHarness(t, alice)
	ctx := context.Background()
	_, err := h.ctrl.LoadIdentity(ctx)
	require.NoError(t, err)
	h.store.applyAuthoritative(active(1, revA.ID))
	require.NoError(t, h.ad.WatchSession(ctx, 1))

	m := models.Message{ID: 7, ChatSessionID: 1, SenderID: revA.ID, ReceiverID: alice.ID, Message: "peace"}
	h.publishMessage(t, m)
	h.publishMessage(t, m)
	h.publishMessage(t, models.Message{ID: 8, ChatSessionID: 1, SenderID: revA.ID, ReceiverID: alice.ID, Message: "be with you"})

	eventually(t, func() bool {
		v, _ := h.store.Session(1)
		return len(v.Messages) == 2
	}, "both distinct messages arrive")
	v, _ := h.store.Session(1)
	assert.Equal(t, uint64(7), v.Messages[0].ID)
	assert.Equal(t, uint64(8), v.Messages[1].ID)
}

func TestAdapter_ClosedEventDetachesAudioAndChannel(t *testing.T) {
	h := newHarness(t, alice)
	ctx := context.Background()
	_, err := h.ctrl.LoadIdentity(ctx)
	require.NoError(t, err)
	h.store.applyAuthoritative(active(1, revA.ID))
	require.NoError(t, h.ad.WatchSession(ctx, 1))

	h.api.sendFn = func(id uint64, text string) (*models.Message, error) {
		return &models.Message{ID: 1, ChatSessionID: id, SenderID: alice.ID, ReceiverID: revA.ID, Message: text}, nil
	}
	_, err = h.ctrl.SendMessage(ctx, 1, "hello")
	require.NoError(t, err)
	require.Equal(t, 1, h.ctrl.sendLocks())

	h.publish(t, realtime.ChatSessionClosed, realtime.SessionChannel(1), closed(active(1, revA.ID)))

	eventually(t, func() bool { return len(h.audio.leftSessions()) == 1 }, "audio left on close")
	assert.Equal(t, []uint64{1}, h.audio.leftSessions())
	eventually(t, func() bool { return !h.ad.Watching(1) }, "session channel dropped")
	v, _ := h.store.Session(1)
	assert.Equal(t, models.StatusClosed, v.Session.Status)
	assert.Zero(t, h.ctrl.sendLocks())
}

func TestAdapter_LateCreateDoesNotRequeue(t *testing.T) {
	cases := map[string]struct {
		name string
		s    models.ChatSession
	}{
		"accepted by another advisor": {realtime.ChatSessionAccepted, active(1, revA.ID)},
		"cancelled while waiting":     {realtime.ChatSessionClosed, closed(waiting(1))},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, revB)
			ctx := context.Background()
			_, err := h.ctrl.LoadIdentity(ctx)
			require.NoError(t, err)
			queue := realtime.AdvisorChannel(revB.ID)

			h.publish(t, tc.name, queue, tc.s)
			h.publish(t, realtime.NewChatSessionCreated, queue, waiting(1))
			h.publish(t, realtime.NewChatSessionCreated, queue, waiting(2))

			eventually(t, func() bool {
				ids := waitingIDs(h.store)
				return len(ids) > 0 && ids[len(ids)-1] == 2
			}, "later create is applied")
			assert.Equal(t, []uint64{2}, waitingIDs(h.store))

			// a fetch answered before the accept landed
			h.api.waiting = []models.ChatSession{waiting(1), waiting(2)}
			_, err = h.ctrl.FetchWaitingQueue(ctx)
			require.NoError(t, err)
			assert.Equal(t, []uint64{2}, waitingIDs(h.store))
		})
	}
}

func TestCloseSession_DropsSendLock(t *testing.T) {
	h := newHarness(t, alice)
	ctx := context.Background()
	h.store.applyAuthoritative(active(1, revA.ID))
	h.api.sendFn = func(id uint64, text string) (*models.Message, error) {
		return &models.Message{ID: 1, ChatSessionID: id, SenderID: alice.ID, ReceiverID: revA.ID, Message: text}, nil
	}
	h.api.closeFn = func(id uint64) (*models.ChatSession, error) {
		s := closed(active(id, revA.ID))
		return &s, nil
	}

	_, err := h.ctrl.SendMessage(ctx, 1, "hello")
	require.NoError(t, err)
	require.Equal(t, 1, h.ctrl.sendLocks())

	_, err = h.ctrl.CloseSession(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, h.ctrl.sendLocks())
}
