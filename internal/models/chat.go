package models

import (
	"strconv"
	"time"
)

type SessionStatus string

const (
	StatusWaiting SessionStatus = "waiting"
	StatusActive  SessionStatus = "active"
	StatusClosed  SessionStatus = "closed"
)

// Rank orders statuses along the only permitted direction of travel.
func (s SessionStatus) Rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusActive:
		return 1
	case StatusClosed:
		return 2
	default:
		return -1
	}
}

func (s SessionStatus) Valid() bool { return s.Rank() >= 0 }

// CanTransition reports whether moving from s to next is a forward step.
// waiting -> closed is allowed (cancellation); nothing ever re-opens.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.Rank() > s.Rank()
}

type ChatSession struct {
	ID             uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         uint64        `gorm:"not null;index:idx_chat_sessions_user;uniqueIndex:uniq_chat_sessions_idempo,priority:1" json:"user_id"`
	ReverendID     *uint64       `gorm:"index" json:"reverend_id"`
	CategoryID     uint64        `gorm:"not null;index" json:"category_id"`
	Category       *Category     `gorm:"foreignKey:CategoryID" json:"category,omitempty"`
	Status         SessionStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	InitialMessage string        `gorm:"type:text;not null" json:"initial_message"`
	IdempotencyKey *string       `gorm:"type:varchar(128);uniqueIndex:uniq_chat_sessions_idempo,priority:2" json:"-"`
	AcceptedAt     *time.Time    `json:"accepted_at"`
	ClosedAt       *time.Time    `json:"closed_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (ChatSession) TableName() string { return "chat_sessions" }

// IsParticipant reports whether userID is the requester or the assigned advisor.
func (s *ChatSession) IsParticipant(userID uint64) bool {
	if s.UserID == userID {
		return true
	}
	return s.ReverendID != nil && *s.ReverendID == userID
}

// Counterpart returns the other participant, or 0 while no advisor is assigned.
func (s *ChatSession) Counterpart(userID uint64) uint64 {
	if s.UserID == userID {
		if s.ReverendID == nil {
			return 0
		}
		return *s.ReverendID
	}
	return s.UserID
}

// Clone returns a copy that shares no pointers with s.
func (s ChatSession) Clone() ChatSession {
	out := s
	if s.ReverendID != nil {
		v := *s.ReverendID
		out.ReverendID = &v
	}
	if s.Category != nil {
		c := *s.Category
		out.Category = &c
	}
	if s.IdempotencyKey != nil {
		k := *s.IdempotencyKey
		out.IdempotencyKey = &k
	}
	out.AcceptedAt = cloneTime(s.AcceptedAt)
	out.ClosedAt = cloneTime(s.ClosedAt)
	return out
}

type Message struct {
	ID            uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ChatSessionID uint64     `gorm:"not null;index:idx_messages_session_id,priority:1" json:"chat_session_id"`
	SenderID      uint64     `gorm:"not null;index" json:"sender_id"`
	ReceiverID    uint64     `gorm:"not null;index:idx_messages_receiver_read,priority:1" json:"receiver_id"`
	Message       string     `gorm:"type:text;not null" json:"message"`
	ReadAt        *time.Time `gorm:"index:idx_messages_receiver_read,priority:2" json:"read_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (Message) TableName() string { return "messages" }

func (m Message) Clone() Message {
	out := m
	out.ReadAt = cloneTime(m.ReadAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// MediaChannelName is the audio channel both participants of a session join.
func MediaChannelName(sessionID uint64) string {
	return "consultation-" + strconv.FormatUint(sessionID, 10)
}
