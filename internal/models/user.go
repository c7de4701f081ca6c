package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const UserStatusActive = "active"

// User is a dashboard viewer.  Account management is an external concern;
// this service only reads users to authenticate logins.
type User struct {
	ID           uuid.UUID  `json:"id" gorm:"type:uuid;primary_key"`
	Name         string     `json:"name"`
	Email        string     `json:"email" gorm:"uniqueIndex"`
	Role         string     `json:"role"`
	Status       string     `json:"-" gorm:"default:active"`
	PasswordHash string     `json:"-"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// UserInfo is the subset of User returned from the login endpoint.
type UserInfo struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Role  string    `json:"role"`
}
