package domain

import "time"

// Channel 通知通道
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelSMS       Channel = "sms"
	ChannelVoiceCall Channel = "voice_call"
	ChannelEmail     Channel = "email"
)

// AttemptStatus 投递尝试状态
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSent      AttemptStatus = "sent"
	AttemptDelivered AttemptStatus = "delivered"
	AttemptFailed    AttemptStatus = "failed"
)

// Settled 尝试是否已落定（sent/delivered/failed）
// 分发器的汇聚屏障只等待落定，不等待 delivered 确认
func (s AttemptStatus) Settled() bool {
	return s == AttemptSent || s == AttemptDelivered || s == AttemptFailed
}

// Reached 是否已送达提供商（sent 或更好）
func (s AttemptStatus) Reached() bool {
	return s == AttemptSent || s == AttemptDelivered
}

// DeliveryAttempt 投递尝试（对应 delivery_attempts 表）
// 每次分发每个联系人一条；append-only，已 sent/delivered 的记录不会被覆盖
type DeliveryAttempt struct {
	AttemptID   string        `json:"attempt_id" db:"attempt_id"`
	AlertID     string        `json:"alert_id" db:"alert_id"`
	ContactID   string        `json:"contact_id" db:"contact_id"`
	Channel     Channel       `json:"channel" db:"channel"`
	Status      AttemptStatus `json:"status" db:"status"`
	ExternalID  *string       `json:"external_id,omitempty" db:"external_id"` // 提供商消息 ID（如 Twilio SID）
	ErrorText   *string       `json:"error_text,omitempty" db:"error_text"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	SentAt      *time.Time    `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty" db:"delivered_at"`
}
