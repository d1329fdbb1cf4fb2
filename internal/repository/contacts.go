package repository

import (
	"context"
	"database/sql"
	"fmt"

	"cardiocare/internal/domain"

	"go.uber.org/zap"
)

// ContactsRepository 紧急联系人仓库（Contact Resolver）
type ContactsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewContactsRepository 创建联系人仓库
func NewContactsRepository(db *sql.DB, logger *zap.Logger) *ContactsRepository {
	return &ContactsRepository{
		db:     db,
		logger: logger,
	}
}

// ListActiveContacts 解析用户的有效紧急联系人
// 只取 is_active = true；排序键 (priority ASC, name ASC) 保证确定性
// 空列表是合法结果，不是错误
func (r *ContactsRepository) ListActiveContacts(ctx context.Context, userID string) ([]*domain.EmergencyContact, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT
			contact_id,
			user_id,
			name,
			phone,
			relationship,
			priority,
			is_active,
			channel,
			created_at
		FROM emergency_contacts
		WHERE user_id = $1
		  AND is_active = TRUE
		ORDER BY priority ASC, name ASC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active contacts: %w", err)
	}
	defer rows.Close()

	contacts := []*domain.EmergencyContact{}
	for rows.Next() {
		var contact domain.EmergencyContact
		var channel sql.NullString

		err := rows.Scan(
			&contact.ContactID,
			&contact.UserID,
			&contact.Name,
			&contact.Phone,
			&contact.Relationship,
			&contact.Priority,
			&contact.IsActive,
			&channel,
			&contact.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}

		if channel.Valid && channel.String != "" {
			contact.Channel = domain.Channel(channel.String)
		} else {
			contact.Channel = domain.ChannelWhatsApp
		}

		contacts = append(contacts, &contact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contacts: %w", err)
	}

	return contacts, nil
}
