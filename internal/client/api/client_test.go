package api_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/consult-platform/internal/client/api"
	"github.com/suPer8Hu/consult-platform/internal/common"
	"github.com/suPer8Hu/consult-platform/internal/models"
	"github.com/suPer8Hu/consult-platform/internal/testutil/testserver"
)

func TestClient_FullConsultation(t *testing.T) {
	srv := testserver.Start(t)
	ctx := context.Background()
	_, userTok := srv.User("alice", models.RoleUser)
	rev, revTok := srv.User("rev", models.RoleReverend)

	user := api.New(srv.URL, userTok)
	advisor := api.New(srv.URL, revTok)

	cats, err := user.Categories(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, cats)

	created, err := user.CreateSession(ctx, 3, "need guidance", "01JTESTKEY")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, created.Status)

	again, err := user.CreateSession(ctx, 3, "need guidance", "01JTESTKEY")
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)

	queue, err := advisor.WaitingSessions(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	accepted, err := advisor.AcceptSession(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, accepted.ReverendID)
	assert.Equal(t, rev.ID, *accepted.ReverendID)

	msg, err := user.SendMessage(ctx, created.ID, "thank you")
	require.NoError(t, err)
	assert.Equal(t, rev.ID, msg.ReceiverID)

	msgs, next, err := advisor.ListMessages(ctx, created.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, next)

	n, err := advisor.MarkRead(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	creds, err := user.MediaToken(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "test-app", creds.AppID)
	assert.Equal(t, models.MediaChannelName(created.ID), creds.ChannelName)

	closed, err := user.CloseSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, closed.Status)

	_, err = user.SendMessage(ctx, created.ID, "late")
	assert.True(t, api.HasCode(err, common.CodeSessionNotActive), "got %v", err)
}

func TestClient_Errors(t *testing.T) {
	srv := testserver.Start(t)
	ctx := context.Background()

	anon := api.New(srv.URL, "")
	_, err := anon.GetUser(ctx)
	require.Error(t, err)
	assert.True(t, api.IsUnauthorized(err))

	var ae *api.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusUnauthorized, ae.StatusCode)
	assert.Equal(t, common.CodeUnauthorized, ae.Code)

	_, err = anon.Login(ctx, "ghost@example.com", "password1")
	assert.True(t, api.HasCode(err, common.CodeBadLogin))

	u, err := anon.Register(ctx, "bob", "bob@example.com", "password1")
	require.NoError(t, err)
	assert.NotEmpty(t, anon.Token())

	me, err := anon.GetUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, u.ID, me.ID)

	_, err = anon.AcceptSession(ctx, 1)
	assert.True(t, api.HasCode(err, common.CodeForbidden), "got %v", err)
}
