package models

import (
	"time"

	"gorm.io/datatypes"
)

type Port struct {
	ID           uint                            `gorm:"primaryKey" json:"id"`
	ServerID     uint                            `gorm:"not null;uniqueIndex:idx_port_server_num" json:"server_id"`
	Num          int                             `gorm:"not null;uniqueIndex:idx_port_server_num" json:"num"`
	Config       datatypes.JSONType[LimitConfig] `json:"config"`
	Usage        *PortUsage                      `gorm:"foreignKey:PortID" json:"usage,omitempty"`
	ForwardRule  *ForwardRule                    `gorm:"foreignKey:PortID" json:"forward_rule,omitempty"`
	AllowedUsers []PortUser                      `gorm:"foreignKey:PortID" json:"allowed_users,omitempty"`
	CreatedAt    time.Time                       `json:"created_at"`
	UpdatedAt    time.Time                       `json:"updated_at"`
}

// AllowsUser reports whether userID is on the port's allow list.
func (p *Port) AllowsUser(userID uint) bool {
	for _, u := range p.AllowedUsers {
		if u.UserID == userID {
			return true
		}
	}
	return false
}

// PortUsage holds the counters of one port. Download/Upload are the current
// totals; the accumulate fields are the floor new deltas are added onto and the
// checkpoints record the last externally observed raw values.
type PortUsage struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	PortID             uint      `gorm:"not null;uniqueIndex" json:"port_id"`
	Download           int64     `gorm:"not null;default:0" json:"download"`
	Upload             int64     `gorm:"not null;default:0" json:"upload"`
	DownloadAccumulate int64     `gorm:"not null;default:0" json:"download_accumulate"`
	UploadAccumulate   int64     `gorm:"not null;default:0" json:"upload_accumulate"`
	DownloadCheckpoint int64     `gorm:"not null;default:0" json:"download_checkpoint"`
	UploadCheckpoint   int64     `gorm:"not null;default:0" json:"upload_checkpoint"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Total is download plus upload.
func (u *PortUsage) Total() int64 {
	if u == nil {
		return 0
	}
	return u.Download + u.Upload
}

// PortUser grants a user access to a port.
type PortUser struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	PortID uint `gorm:"not null;uniqueIndex:idx_port_user" json:"port_id"`
	UserID uint `gorm:"not null;uniqueIndex:idx_port_user" json:"user_id"`
}
