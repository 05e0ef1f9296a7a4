package models

import "time"

type Role int

const (
	RoleUser     Role = 0
	RoleAdmin    Role = 1
	RoleReverend Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	case RoleReverend:
		return "reverend"
	default:
		return "unknown"
	}
}

type User struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string    `gorm:"type:varchar(100);not null" json:"name"`
	Email        string    `gorm:"type:varchar(191);uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"type:varchar(100);not null" json:"-"`
	Role         Role      `gorm:"column:user_role;index;not null;default:0" json:"user_role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }

func (u *User) IsAdvisor() bool { return u != nil && u.Role == RoleReverend }

func (u *User) IsAdmin() bool { return u != nil && u.Role == RoleAdmin }
