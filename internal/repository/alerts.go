package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cardiocare/internal/domain"

	"go.uber.org/zap"
)

// AlertsRepository 健康报警仓库
// 管道只创建报警和回写 contacts_notified；
// resolved/cancelled 转换由 API 层的人工操作触发
type AlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertsRepository 创建报警仓库
func NewAlertsRepository(db *sql.DB, logger *zap.Logger) *AlertsRepository {
	return &AlertsRepository{
		db:     db,
		logger: logger,
	}
}

// CreateAlert 创建报警
func (r *AlertsRepository) CreateAlert(ctx context.Context, alert *domain.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	query := `
		INSERT INTO alerts (
			alert_id,
			user_id,
			alert_type,
			title,
			message,
			status,
			severity,
			analysis_id,
			emergency_call_initiated,
			contacts_notified,
			created_at,
			resolved_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		alert.AlertID,
		alert.UserID,
		string(alert.Type),
		alert.Title,
		alert.Message,
		string(alert.Status),
		alert.Severity,
		alert.AnalysisID,
		alert.EmergencyCallInitiated,
		alert.ContactsNotified,
		alert.CreatedAt,
		alert.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// GetAlert 根据 alert_id 获取报警
func (r *AlertsRepository) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT
			alert_id,
			user_id,
			alert_type,
			title,
			message,
			status,
			severity,
			analysis_id,
			emergency_call_initiated,
			contacts_notified,
			created_at,
			resolved_at
		FROM alerts
		WHERE alert_id = $1
	`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alert not found: alert_id=%s", alertID)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return alert, nil
}

// GetAlertByAnalysis 获取由指定分析产生的报警
// 消息重投时据此保证同一读数只产生一条报警；没有记录返回 (nil, nil)
func (r *AlertsRepository) GetAlertByAnalysis(ctx context.Context, analysisID string) (*domain.Alert, error) {
	if analysisID == "" {
		return nil, fmt.Errorf("analysis_id is required")
	}

	query := `
		SELECT
			alert_id,
			user_id,
			alert_type,
			title,
			message,
			status,
			severity,
			analysis_id,
			emergency_call_initiated,
			contacts_notified,
			created_at,
			resolved_at
		FROM alerts
		WHERE analysis_id = $1
		LIMIT 1
	`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, analysisID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get alert by analysis: %w", err)
	}

	return alert, nil
}

// ListAlerts 获取用户报警列表（最近优先，读投影，供 API 层查询）
func (r *AlertsRepository) ListAlerts(ctx context.Context, userID string, limit int) ([]*domain.Alert, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT
			alert_id,
			user_id,
			alert_type,
			title,
			message,
			status,
			severity,
			analysis_id,
			emergency_call_initiated,
			contacts_notified,
			created_at,
			resolved_at
		FROM alerts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*domain.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, nil
}

// SetContactsNotified 回写通知结果（分发汇聚屏障之后调用）
func (r *AlertsRepository) SetContactsNotified(ctx context.Context, alertID string, notified bool) error {
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE alerts SET contacts_notified = $1 WHERE alert_id = $2`,
		notified, alertID,
	)
	if err != nil {
		return fmt.Errorf("failed to set contacts_notified: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert not found: alert_id=%s", alertID)
	}

	return nil
}

// ResolveAlert 人工处理报警（resolved 或 cancelled）
// 管道自身不调用；已发起的投递尝试不受影响
func (r *AlertsRepository) ResolveAlert(ctx context.Context, alertID string, status domain.AlertStatus) error {
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if status != domain.AlertStatusResolved && status != domain.AlertStatusCancelled {
		return fmt.Errorf("invalid resolution status: %s", status)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE alerts SET status = $1, resolved_at = $2 WHERE alert_id = $3 AND status = 'active'`,
		string(status), time.Now(), alertID,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert not found or not active: alert_id=%s", alertID)
	}

	return nil
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var alert domain.Alert
	var alertType, status string
	var analysisID sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&alert.AlertID,
		&alert.UserID,
		&alertType,
		&alert.Title,
		&alert.Message,
		&status,
		&alert.Severity,
		&analysisID,
		&alert.EmergencyCallInitiated,
		&alert.ContactsNotified,
		&alert.CreatedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	alert.Type = domain.AlertType(alertType)
	alert.Status = domain.AlertStatus(status)
	if analysisID.Valid {
		alert.AnalysisID = &analysisID.String
	}
	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}

	return &alert, nil
}
