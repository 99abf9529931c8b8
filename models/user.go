package models

import (
	"time"
)

type User struct {
	ID           string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Email        string    `gorm:"type:varchar(320);not null;uniqueIndex" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
}

// Owner is the authenticated identity a request acts on behalf of.
type Owner struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (u User) Owner() Owner {
	return Owner{ID: u.ID, Email: u.Email}
}

type RegisterDTO struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

type LoginDTO struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Session is returned by register and login.
type Session struct {
	User  Owner  `json:"user"`
	Token string `json:"token"`
}
