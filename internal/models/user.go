package models

import (
	"time"
)

type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"uniqueIndex;not null" json:"email"`
	IsActive  bool      `gorm:"not null" json:"is_active"`
	Notes     string    `json:"notes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// All returns every model the database migrates.
func All() []any {
	return []any{&Server{}, &Port{}, &PortUsage{}, &PortUser{}, &ForwardRule{}, &User{}, &ServerUser{}}
}
