package domain

import "time"

// AlertType 报警类型
type AlertType string

const (
	AlertTypeEmergency AlertType = "emergency"
	AlertTypeWarning   AlertType = "warning"
	AlertTypeInfo      AlertType = "info"
)

// AlertStatus 报警状态
type AlertStatus string

const (
	AlertStatusActive    AlertStatus = "active"
	AlertStatusResolved  AlertStatus = "resolved"
	AlertStatusCancelled AlertStatus = "cancelled"
)

// Alert 健康报警（对应 alerts 表）
// 由管道按升级阈值创建；管道只回写 contacts_notified，
// resolved/cancelled 状态转换由人工操作（API 层）
type Alert struct {
	AlertID                string      `json:"alert_id" db:"alert_id"`
	UserID                 string      `json:"user_id" db:"user_id"`
	Type                   AlertType   `json:"alert_type" db:"alert_type"`
	Title                  string      `json:"title" db:"title"`
	Message                string      `json:"message" db:"message"`
	Status                 AlertStatus `json:"status" db:"status"`
	Severity               string      `json:"severity" db:"severity"`
	AnalysisID             *string     `json:"analysis_id,omitempty" db:"analysis_id"` // 来源分析（弱引用，可空）
	EmergencyCallInitiated bool        `json:"emergency_call_initiated" db:"emergency_call_initiated"`
	ContactsNotified       bool        `json:"contacts_notified" db:"contacts_notified"`
	CreatedAt              time.Time   `json:"created_at" db:"created_at"`
	ResolvedAt             *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
}
