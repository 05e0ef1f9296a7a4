package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/consult-platform/internal/auth"
	"github.com/suPer8Hu/consult-platform/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrEmailTaken          = errors.New("email already registered")
	ErrBadCredentials      = errors.New("invalid email or password")
	ErrInvalidRegistration = errors.New("name, valid email and a password of at least 8 characters required")
)

// UserCache is the identity cache in front of the users table.
type UserCache interface {
	GetUser(ctx context.Context, id uint64) (*models.User, error)
	SetUser(ctx context.Context, u *models.User, ttl time.Duration) error
	DeleteUser(ctx context.Context, id uint64) error
}

type Service struct {
	db       *gorm.DB
	cache    UserCache
	cacheTTL time.Duration
	secret   string
	tokenTTL time.Duration
	log      *zap.SugaredLogger
}

type Options struct {
	Cache     UserCache
	CacheTTL  time.Duration
	JWTSecret string
	TokenTTL  time.Duration
	Logger    *zap.SugaredLogger
}

func NewService(db *gorm.DB, opts Options) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Service{
		db:       db,
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		secret:   opts.JWTSecret,
		tokenTTL: opts.TokenTTL,
		log:      opts.Logger,
	}
}

// Register creates a user with the given role.
func (s *Service) Register(ctx context.Context, name, email, password string, role models.Role) (*models.User, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" || len(password) < 8 {
		return nil, ErrInvalidRegistration
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidRegistration
	}
	if role != models.RoleUser && role != models.RoleAdmin && role != models.RoleReverend {
		return nil, fmt.Errorf("unknown role %d", role)
	}

	var cnt int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&cnt).Error; err != nil {
		return nil, err
	}
	if cnt > 0 {
		return nil, ErrEmailTaken
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &models.User{Name: name, Email: email, PasswordHash: hash, Role: role}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return u, nil
}

// Login checks credentials and returns a signed access token.
func (s *Service) Login(ctx context.Context, email, password string) (string, *models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var u models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, ErrBadCredentials
		}
		return "", nil, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return "", nil, ErrBadCredentials
	}
	token, err := s.IssueToken(u.ID)
	if err != nil {
		return "", nil, err
	}
	return token, &u, nil
}

func (s *Service) IssueToken(userID uint64) (string, error) {
	return auth.SignJWT(userID, s.secret, s.tokenTTL)
}

// Authenticate resolves a bearer token to its user.
func (s *Service) Authenticate(ctx context.Context, token string) (*models.User, error) {
	uid, err := auth.ParseJWT(token, s.secret)
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, uid)
}

// GetUser reads through the cache. Cache failures only cost a DB hit.
func (s *Service) GetUser(ctx context.Context, id uint64) (*models.User, error) {
	if s.cache != nil {
		u, err := s.cache.GetUser(ctx, id)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, redis.Nil) {
			s.log.Warnw("user cache read failed", "user_id", id, "err", err)
		}
	}

	var u models.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetUser(ctx, &u, s.cacheTTL); err != nil {
			s.log.Warnw("user cache write failed", "user_id", id, "err", err)
		}
	}
	return &u, nil
}

// SetRole changes a user's role and drops the cached identity.
func (s *Service) SetRole(ctx context.Context, id uint64, role models.Role) (*models.User, error) {
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update("user_role", role)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrUserNotFound
	}
	if s.cache != nil {
		if err := s.cache.DeleteUser(ctx, id); err != nil {
			s.log.Warnw("user cache invalidate failed", "user_id", id, "err", err)
		}
	}
	return s.GetUser(ctx, id)
}

// AdvisorIDs lists every user with the reverend role.
func (s *Service) AdvisorIDs(ctx context.Context) ([]uint64, error) {
	var ids []uint64
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("user_role = ?", models.RoleReverend).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
