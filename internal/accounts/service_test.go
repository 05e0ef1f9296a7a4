package accounts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/consult-platform/internal/auth"
	"github.com/suPer8Hu/consult-platform/internal/models"
	"github.com/suPer8Hu/consult-platform/internal/testutil"
)

type mapCache struct {
	mu    sync.Mutex
	users map[uint64]models.User
	hits  int
}

func newMapCache() *mapCache { return &mapCache{users: make(map[uint64]models.User)} }

func (c *mapCache) GetUser(ctx context.Context, id uint64) (*models.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[id]
	if !ok {
		return nil, redis.Nil
	}
	c.hits++
	return &u, nil
}

func (c *mapCache) SetUser(ctx context.Context, u *models.User, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.ID] = *u
	return nil
}

func (c *mapCache) DeleteUser(ctx context.Context, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.users, id)
	return nil
}

func TestRegisterAndLogin(t *testing.T) {
	svc := NewService(testutil.OpenDB(t), Options{JWTSecret: "s"})
	ctx := context.Background()

	u, err := svc.Register(ctx, "Ann", " Ann@Example.com ", "password1", models.RoleUser)
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", u.Email)
	assert.NotEqual(t, "password1", u.PasswordHash)

	_, err = svc.Register(ctx, "Ann2", "ann@example.com", "password1", models.RoleUser)
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = svc.Register(ctx, "Bob", "not-an-email", "password1", models.RoleUser)
	assert.ErrorIs(t, err, ErrInvalidRegistration)

	_, _, err = svc.Login(ctx, "ann@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrBadCredentials)

	token, got, err := svc.Login(ctx, "ann@example.com", "password1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	uid, err := auth.ParseJWT(token, "s")
	require.NoError(t, err)
	assert.Equal(t, u.ID, uid)

	who, err := svc.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "Ann", who.Name)
}

func TestGetUserReadsThroughCache(t *testing.T) {
	gdb := testutil.OpenDB(t)
	cache := newMapCache()
	svc := NewService(gdb, Options{Cache: cache})
	ctx := context.Background()

	u := testutil.CreateUser(t, gdb, "rev", models.RoleReverend)

	_, err := svc.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, cache.hits)

	got, err := svc.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.Equal(t, models.RoleReverend, got.Role)

	promoted, err := svc.SetRole(ctx, u.ID, models.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, promoted.Role)

	_, err = svc.GetUser(ctx, 9999)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestAdvisorIDs(t *testing.T) {
	gdb := testutil.OpenDB(t)
	svc := NewService(gdb, Options{})

	a := testutil.CreateUser(t, gdb, "a", models.RoleReverend)
	testutil.CreateUser(t, gdb, "u", models.RoleUser)
	b := testutil.CreateUser(t, gdb, "b", models.RoleReverend)

	ids, err := svc.AdvisorIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{a.ID, b.ID}, ids)
}
