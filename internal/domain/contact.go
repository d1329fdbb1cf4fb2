package domain

import "time"

// EmergencyContact 紧急联系人（对应 emergency_contacts 表）
// priority 越小越先联系；只有 is_active = true 参与通知扇出
type EmergencyContact struct {
	ContactID    string    `json:"contact_id" db:"contact_id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Name         string    `json:"name" db:"name"`
	Phone        string    `json:"phone" db:"phone"`
	Relationship string    `json:"relationship" db:"relationship"` // spouse/parent/child/sibling/doctor/emergency/other
	Priority     int       `json:"priority" db:"priority"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	Channel      Channel   `json:"channel" db:"channel"` // 为空时使用默认通道（whatsapp）
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
