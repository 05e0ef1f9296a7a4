package chat

import (
	"context"
	"errors"
	"time"

	"github.com/suPer8Hu/consult-platform/internal/models"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *models.ChatSession) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// CreateSessionOrGetExisting creates s, but if (user_id, idempotency_key)
// already exists it returns the existing session instead.
func (r *Repo) CreateSessionOrGetExisting(ctx context.Context, s *models.ChatSession) (*models.ChatSession, bool, error) {
	if s.IdempotencyKey == nil || *s.IdempotencyKey == "" {
		s.IdempotencyKey = nil
		if err := r.CreateSession(ctx, s); err != nil {
			return nil, false, err
		}
		return s, true, nil
	}

	existing, err := r.getByIdempotencyKey(ctx, s.UserID, *s.IdempotencyKey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, false, err
	}

	createErr := r.CreateSession(ctx, s)
	if createErr == nil {
		return s, true, nil
	}

	// lost a race against a concurrent request with the same key
	existing, err = r.getByIdempotencyKey(ctx, s.UserID, *s.IdempotencyKey)
	if err == nil {
		return existing, false, nil
	}
	if errors.Is(err, ErrSessionNotFound) {
		return nil, false, createErr
	}
	return nil, false, err
}

func (r *Repo) getByIdempotencyKey(ctx context.Context, userID uint64, key string) (*models.ChatSession, error) {
	var s models.ChatSession
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *Repo) GetSession(ctx context.Context, id uint64) (*models.ChatSession, error) {
	var s models.ChatSession
	if err := r.db.WithContext(ctx).Preload("Category").First(&s, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListWaiting returns the queue oldest first.
func (r *Repo) ListWaiting(ctx context.Context) ([]models.ChatSession, error) {
	var out []models.ChatSession
	if err := r.db.WithContext(ctx).Preload("Category").
		Where("status = ?", models.StatusWaiting).
		Order("created_at ASC, id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListByStatus returns sessions newest first; empty status means all.
func (r *Repo) ListByStatus(ctx context.Context, status models.SessionStatus, limit int) ([]models.ChatSession, error) {
	q := r.db.WithContext(ctx).Preload("Category").Order("id DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.ChatSession
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) ListForUser(ctx context.Context, userID uint64) ([]models.ChatSession, error) {
	var out []models.ChatSession
	if err := r.db.WithContext(ctx).Preload("Category").
		Where("user_id = ? OR reverend_id = ?", userID, userID).
		Order("id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptSession claims a waiting session for advisorID. It reports false when
// the row was not waiting anymore; at most one caller can ever get true.
func (r *Repo) AcceptSession(ctx context.Context, id, advisorID uint64, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("id = ? AND status = ?", id, models.StatusWaiting).
		Updates(map[string]any{
			"status":      models.StatusActive,
			"reverend_id": advisorID,
			"accepted_at": at,
			"updated_at":  at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CloseSession closes a waiting or active session. false means it was already
// closed (or does not exist).
func (r *Repo) CloseSession(ctx context.Context, id uint64, at time.Time) (bool, error) {
	return r.closeWhere(ctx, id, at, models.StatusWaiting, models.StatusActive)
}

// CancelWaiting closes id only if nobody accepted it in the meantime.
func (r *Repo) CancelWaiting(ctx context.Context, id uint64, at time.Time) (bool, error) {
	return r.closeWhere(ctx, id, at, models.StatusWaiting)
}

func (r *Repo) closeWhere(ctx context.Context, id uint64, at time.Time, from ...models.SessionStatus) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]any{
			"status":     models.StatusClosed,
			"closed_at":  at,
			"updated_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// WaitingIDsBefore lists waiting sessions created before t.
func (r *Repo) WaitingIDsBefore(ctx context.Context, t time.Time) ([]uint64, error) {
	var ids []uint64
	if err := r.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("status = ? AND created_at < ?", models.StatusWaiting, t).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// InsertMessageIfActive stores m only while its session is active. The guard
// update takes the session row lock so a concurrent close cannot interleave.
func (r *Repo) InsertMessageIfActive(ctx context.Context, m *models.Message, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ChatSession{}).
			Where("id = ? AND status = ?", m.ChatSessionID, models.StatusActive).
			Update("updated_at", at)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotActive
		}
		return tx.Create(m).Error
	})
}

// ListMessages returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, sessionID uint64, limit int, beforeID uint64) ([]models.Message, error) {
	q := r.db.WithContext(ctx).
		Where("chat_session_id = ?", sessionID).
		Order("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []models.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead stamps read_at on unread messages addressed to receiverID. Already
// read messages keep their first timestamp.
func (r *Repo) MarkRead(ctx context.Context, sessionID, receiverID uint64, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("chat_session_id = ? AND receiver_id = ? AND read_at IS NULL", sessionID, receiverID).
		Updates(map[string]any{"read_at": at, "updated_at": at})
	return res.RowsAffected, res.Error
}

func (r *Repo) CategoryExists(ctx context.Context, id uint64) (bool, error) {
	var cnt int64
	if err := r.db.WithContext(ctx).Model(&models.Category{}).Where("id = ?", id).Count(&cnt).Error; err != nil {
		return false, err
	}
	return cnt > 0, nil
}

func (r *Repo) ListCategories(ctx context.Context) ([]models.Category, error) {
	var out []models.Category
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
