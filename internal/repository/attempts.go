package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cardiocare/internal/domain"

	"go.uber.org/zap"
)

// AttemptsRepository 投递尝试仓库
// append-only：每轮分发为目标联系人新建记录，
// 已有记录只做 pending→sent/failed 和 sent→delivered 的状态推进
type AttemptsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAttemptsRepository 创建投递尝试仓库
func NewAttemptsRepository(db *sql.DB, logger *zap.Logger) *AttemptsRepository {
	return &AttemptsRepository{
		db:     db,
		logger: logger,
	}
}

// CreateAttempt 创建投递尝试（初始 pending）
func (r *AttemptsRepository) CreateAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	if attempt == nil {
		return fmt.Errorf("attempt is required")
	}
	if attempt.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if attempt.ContactID == "" {
		return fmt.Errorf("contact_id is required")
	}

	query := `
		INSERT INTO delivery_attempts (
			attempt_id,
			alert_id,
			contact_id,
			channel,
			status,
			external_id,
			error_text,
			created_at,
			sent_at,
			delivered_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		attempt.AttemptID,
		attempt.AlertID,
		attempt.ContactID,
		string(attempt.Channel),
		string(attempt.Status),
		attempt.ExternalID,
		attempt.ErrorText,
		attempt.CreatedAt,
		attempt.SentAt,
		attempt.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery attempt: %w", err)
	}

	return nil
}

// ListAttemptsByAlert 获取报警的全部投递尝试（按创建时间升序，审计视图）
func (r *AttemptsRepository) ListAttemptsByAlert(ctx context.Context, alertID string) ([]*domain.DeliveryAttempt, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT
			attempt_id,
			alert_id,
			contact_id,
			channel,
			status,
			external_id,
			error_text,
			created_at,
			sent_at,
			delivered_at
		FROM delivery_attempts
		WHERE alert_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*domain.DeliveryAttempt{}
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate delivery attempts: %w", err)
	}

	return attempts, nil
}

// MarkSent 提供商接受投递（pending → sent，记录 external_id）
func (r *AttemptsRepository) MarkSent(ctx context.Context, attemptID, externalID string) error {
	if attemptID == "" {
		return fmt.Errorf("attempt_id is required")
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE delivery_attempts
		 SET status = 'sent', external_id = $1, sent_at = $2
		 WHERE attempt_id = $3 AND status = 'pending'`,
		externalID, time.Now(), attemptID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark attempt sent: %w", err)
	}

	return requireRowAffected(result, attemptID)
}

// RecordExternalRef 补记提供商引用（状态保持 pending）
// MarkSent 写入失败时的兜底，让重新分发能识别已触达的联系人
func (r *AttemptsRepository) RecordExternalRef(ctx context.Context, attemptID, externalID string) error {
	if attemptID == "" {
		return fmt.Errorf("attempt_id is required")
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE delivery_attempts
		 SET external_id = $1
		 WHERE attempt_id = $2 AND status = 'pending'`,
		externalID, attemptID,
	)
	if err != nil {
		return fmt.Errorf("failed to record external reference: %w", err)
	}

	return requireRowAffected(result, attemptID)
}

// MarkFailed 投递失败（pending → failed，记录提供商错误文本供审计）
func (r *AttemptsRepository) MarkFailed(ctx context.Context, attemptID, errorText string) error {
	if attemptID == "" {
		return fmt.Errorf("attempt_id is required")
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE delivery_attempts
		 SET status = 'failed', error_text = $1
		 WHERE attempt_id = $2 AND status = 'pending'`,
		errorText, attemptID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark attempt failed: %w", err)
	}

	return requireRowAffected(result, attemptID)
}

// MarkDelivered 提供商确认送达（sent → delivered，best-effort 回调）
// 未确认不算错误
func (r *AttemptsRepository) MarkDelivered(ctx context.Context, externalID string) error {
	if externalID == "" {
		return fmt.Errorf("external_id is required")
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE delivery_attempts
		 SET status = 'delivered', delivered_at = $1
		 WHERE external_id = $2 AND status = 'sent'`,
		time.Now(), externalID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark attempt delivered: %w", err)
	}

	return nil
}

func requireRowAffected(result sql.Result, attemptID string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("attempt not found or already settled: attempt_id=%s", attemptID)
	}
	return nil
}

func scanAttempt(row rowScanner) (*domain.DeliveryAttempt, error) {
	var attempt domain.DeliveryAttempt
	var channel, status string
	var externalID, errorText sql.NullString
	var sentAt, deliveredAt sql.NullTime

	err := row.Scan(
		&attempt.AttemptID,
		&attempt.AlertID,
		&attempt.ContactID,
		&channel,
		&status,
		&externalID,
		&errorText,
		&attempt.CreatedAt,
		&sentAt,
		&deliveredAt,
	)
	if err != nil {
		return nil, err
	}

	attempt.Channel = domain.Channel(channel)
	attempt.Status = domain.AttemptStatus(status)
	if externalID.Valid {
		attempt.ExternalID = &externalID.String
	}
	if errorText.Valid {
		attempt.ErrorText = &errorText.String
	}
	if sentAt.Valid {
		attempt.SentAt = &sentAt.Time
	}
	if deliveredAt.Valid {
		attempt.DeliveredAt = &deliveredAt.Time
	}

	return &attempt, nil
}
