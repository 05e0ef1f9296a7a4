package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/consult-platform/internal/models"
)

func TestParseChannel(t *testing.T) {
	cases := []struct {
		name    string
		kind    ChannelKind
		id      uint64
		wantErr bool
	}{
		{AdvisorChannel(5), KindAdvisor, 5, false},
		{SessionChannel(42), KindSession, 42, false},
		{AdminChannel, KindAdmin, 0, false},
		{"consultant.", KindUnknown, 0, true},
		{"consultant.abc", KindUnknown, 0, true},
		{"chat-session.0", KindUnknown, 0, true},
		{"private.5", KindUnknown, 0, true},
	}
	for _, tc := range cases {
		kind, id, err := ParseChannel(tc.name)
		if tc.wantErr {
			assert.Error(t, err, tc.name)
			continue
		}
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.kind, kind, tc.name)
		assert.Equal(t, tc.id, id, tc.name)
	}
}

func TestSessionEventRoundTrip(t *testing.T) {
	ev, err := NewSessionEvent(NewChatSessionCreated, AdvisorChannel(1), models.ChatSession{ID: 3, Status: models.StatusWaiting})
	require.NoError(t, err)
	assert.Contains(t, string(ev.Data), `"chatSession"`)

	s, err := ev.Session()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), s.ID)

	_, err = ev.Message()
	assert.Error(t, err)
}

func TestMemoryBrokerFanOut(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(nil)

	s1, err := b.Subscribe(ctx, "chat-session.1")
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, "chat-session.1")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "chat-session.2")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, Event{Name: MessageSent, Channel: "chat-session.1"}))

	assert.Equal(t, MessageSent, (<-s1.Events()).Name)
	assert.Equal(t, MessageSent, (<-s2.Events()).Name)
	select {
	case ev := <-other.Events():
		t.Fatalf("unexpected event on other channel: %+v", ev)
	default:
	}

	require.NoError(t, s1.Close())
	require.NoError(t, s1.Close())
	_, ok := <-s1.Events()
	assert.False(t, ok)
	assert.Equal(t, 1, b.Subscribers("chat-session.1"))
}

func newHubServer(t *testing.T, broker Broker, user *models.User) *httptest.Server {
	t.Helper()
	authorize := func(ctx context.Context, u *models.User, channel string) error {
		kind, id, err := ParseChannel(channel)
		if err != nil {
			return err
		}
		if kind == KindAdvisor && id != u.ID {
			return errors.New("forbidden")
		}
		return nil
	}
	hub := NewHub(broker, authorize, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, user)
	}))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return srv
}

func TestHubAndWSSubscriber(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	broker := NewMemoryBroker(nil)
	srv := newHubServer(t, broker, &models.User{ID: 7, Role: models.RoleReverend})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	client, err := DialWS(ctx, url, "tok", nil)
	require.NoError(t, err)
	defer client.Close()

	sub, err := client.Subscribe(ctx, AdvisorChannel(7))
	require.NoError(t, err)

	_, err = client.Subscribe(ctx, AdvisorChannel(7))
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	_, err = client.Subscribe(ctx, AdvisorChannel(8))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden")

	ev, err := NewSessionEvent(NewChatSessionCreated, AdvisorChannel(7), models.ChatSession{ID: 11, Status: models.StatusWaiting})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, ev))

	select {
	case got := <-sub.Events():
		assert.Equal(t, NewChatSessionCreated, got.Name)
		s, err := got.Session()
		require.NoError(t, err)
		assert.Equal(t, uint64(11), s.ID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}

	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool {
		return broker.Subscribers(AdvisorChannel(7)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
