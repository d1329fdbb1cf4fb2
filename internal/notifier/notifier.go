package notifier

import (
	"context"
	"fmt"

	"cardiocare/internal/domain"
)

// Sender 单通道通知发送器
// 返回提供商消息 ID（如 Twilio SID）供后续送达回执关联
type Sender interface {
	Send(ctx context.Context, contact *domain.EmergencyContact, body string) (externalID string, err error)
}

// Registry 通道注册表（channel → Sender）
// 未注册的通道在分发时记为 failed 尝试，不中断其他通道
type Registry struct {
	senders map[domain.Channel]Sender
}

// NewRegistry 创建通道注册表
func NewRegistry() *Registry {
	return &Registry{senders: make(map[domain.Channel]Sender)}
}

// Register 注册通道发送器（覆盖同通道旧注册）
func (r *Registry) Register(channel domain.Channel, sender Sender) {
	r.senders[channel] = sender
}

// Get 获取通道发送器
func (r *Registry) Get(channel domain.Channel) (Sender, error) {
	sender, ok := r.senders[channel]
	if !ok {
		return nil, fmt.Errorf("no provider configured for channel: %s", channel)
	}
	return sender, nil
}

// Channels 已注册的通道数
func (r *Registry) Channels() int {
	return len(r.senders)
}

// BuildAlertBody 拼装报警通知正文
func BuildAlertBody(alert *domain.Alert) string {
	return fmt.Sprintf(`🚨 EMERGENCY ALERT 🚨

Patient: %s
Alert: %s
Details: %s
Time: %s

This is an automated message from CardioCare AI monitoring system.`,
		alert.UserID,
		alert.Title,
		alert.Message,
		alert.CreatedAt.Format("2006-01-02 15:04:05"),
	)
}
