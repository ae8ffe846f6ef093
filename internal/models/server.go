package models

import (
	"time"

	"gorm.io/datatypes"
)

type Server struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	Name         string       `gorm:"not null" json:"name"`
	Address      string       `json:"address"`
	Ports        []Port       `gorm:"foreignKey:ServerID" json:"ports,omitempty"`
	AllowedUsers []ServerUser `gorm:"foreignKey:ServerID" json:"allowed_users,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ServerUser links a user to a server. Download/Upload are recomputed every
// cycle as the sum over the ports the user may use.
type ServerUser struct {
	ID        uint                            `gorm:"primaryKey" json:"id"`
	ServerID  uint                            `gorm:"not null;uniqueIndex:idx_server_user" json:"server_id"`
	UserID    uint                            `gorm:"not null;uniqueIndex:idx_server_user" json:"user_id"`
	User      *User                           `json:"user,omitempty"`
	Config    datatypes.JSONType[LimitConfig] `json:"config"`
	Download  int64                           `gorm:"not null;default:0" json:"download"`
	Upload    int64                           `gorm:"not null;default:0" json:"upload"`
	UpdatedAt time.Time                       `json:"updated_at"`
}
