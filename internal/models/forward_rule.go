package models

import (
	"time"

	"gorm.io/gorm"
)

// ForwardRule is the forwarding program attached to a port. Removing it is the
// DeleteRule limit action.
type ForwardRule struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	PortID     uint           `gorm:"not null;index" json:"port_id"`
	Method     string         `gorm:"not null" json:"method"` // iptables, gost, ...
	TargetNode string         `json:"target_node"`
	TargetPort int            `json:"target_port"`
	Protocol   string         `gorm:"not null;default:'tcp'" json:"protocol"`
	Status     string         `gorm:"default:'running'" json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}
