// Package testserver runs the whole backend on httptest for client tests.
package testserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/consult-platform/internal/accounts"
	"github.com/suPer8Hu/consult-platform/internal/chat"
	"github.com/suPer8Hu/consult-platform/internal/httpapi"
	"github.com/suPer8Hu/consult-platform/internal/httpapi/handlers"
	"github.com/suPer8Hu/consult-platform/internal/models"
	"github.com/suPer8Hu/consult-platform/internal/realtime"
	"github.com/suPer8Hu/consult-platform/internal/testutil"
	"gorm.io/gorm"
)

type Server struct {
	URL      string
	WSURL    string
	DB       *gorm.DB
	Broker   *realtime.MemoryBroker
	Accounts *accounts.Service
	Chat     *chat.Service

	t *testing.T
}

func Start(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb := testutil.OpenDB(t)
	broker := realtime.NewMemoryBroker(nil)
	acc := accounts.NewService(gdb, accounts.Options{JWTSecret: "test-secret"})
	svc := chat.NewService(chat.NewRepo(gdb), acc, chat.Options{
		Events: broker,
		Media:  chat.MediaConfig{AppID: "test-app", Secret: "test-media"},
	})
	hub := realtime.NewHub(broker, svc.AuthorizeChannel, nil)

	ts := httptest.NewServer(httpapi.NewRouter(handlers.NewHandler(acc, svc, hub, nil)))
	t.Cleanup(func() {
		hub.Shutdown()
		ts.Close()
	})

	return &Server{
		URL:      ts.URL,
		WSURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		DB:       gdb,
		Broker:   broker,
		Accounts: acc,
		Chat:     svc,
		t:        t,
	}
}

// User registers a user with the given role and returns it with a token.
func (s *Server) User(name string, role models.Role) (*models.User, string) {
	s.t.Helper()
	u, err := s.Accounts.Register(context.Background(), name, name+"@example.com", "password1", role)
	if err != nil {
		s.t.Fatalf("register %s: %v", name, err)
	}
	tok, err := s.Accounts.IssueToken(u.ID)
	if err != nil {
		s.t.Fatalf("token %s: %v", name, err)
	}
	return u, tok
}
