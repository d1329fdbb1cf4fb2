package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"cardiocare/internal/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupAttemptsMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AttemptsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewAttemptsRepository(db, zap.NewNop())
	return db, mock, repo
}

func TestCreateAttempt_Success(t *testing.T) {
	db, mock, repo := setupAttemptsMockDB(t)
	defer db.Close()

	attempt := &domain.DeliveryAttempt{
		AttemptID: "attempt-1",
		AlertID:   "alert-1",
		ContactID: "contact-1",
		Channel:   domain.ChannelWhatsApp,
		Status:    domain.AttemptPending,
		CreatedAt: time.Now(),
	}

	mock.ExpectExec(`INSERT INTO delivery_attempts`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CreateAttempt(context.Background(), attempt)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSent_OnlyPending(t *testing.T) {
	db, mock, repo := setupAttemptsMockDB(t)
	defer db.Close()

	// 已落定的尝试不会被覆盖（WHERE status = 'pending' 不命中）
	mock.ExpectExec(`UPDATE delivery_attempts`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkSent(context.Background(), "attempt-1", "SM123")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already settled")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordExternalRef_KeepsPendingStatus(t *testing.T) {
	db, mock, repo := setupAttemptsMockDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE delivery_attempts`).
		WithArgs("SM123", "attempt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.RecordExternalRef(context.Background(), "attempt-1", "SM123")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed_RecordsErrorText(t *testing.T) {
	db, mock, repo := setupAttemptsMockDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE delivery_attempts`).
		WithArgs("provider error: unreachable", "attempt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkFailed(context.Background(), "attempt-1", "provider error: unreachable")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDelivered_BestEffort(t *testing.T) {
	db, mock, repo := setupAttemptsMockDB(t)
	defer db.Close()

	// 回调未匹配任何 sent 记录时不报错
	mock.ExpectExec(`UPDATE delivery_attempts`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkDelivered(context.Background(), "SM-unknown")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAttemptsByAlert_Success(t *testing.T) {
	db, mock, repo := setupAttemptsMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"attempt_id", "alert_id", "contact_id", "channel", "status",
		"external_id", "error_text", "created_at", "sent_at", "delivered_at",
	}).
		AddRow("attempt-1", "alert-1", "contact-1", "whatsapp", "sent", "SM123", nil, time.Now(), time.Now(), nil).
		AddRow("attempt-2", "alert-1", "contact-2", "whatsapp", "failed", nil, "timeout", time.Now(), nil, nil)

	mock.ExpectQuery(`SELECT`).
		WithArgs("alert-1").
		WillReturnRows(rows)

	attempts, err := repo.ListAttemptsByAlert(context.Background(), "alert-1")

	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.AttemptSent, attempts[0].Status)
	require.NotNil(t, attempts[0].ExternalID)
	assert.Equal(t, "SM123", *attempts[0].ExternalID)
	assert.Equal(t, domain.AttemptFailed, attempts[1].Status)
	require.NotNil(t, attempts[1].ErrorText)
	assert.Equal(t, "timeout", *attempts[1].ErrorText)

	require.NoError(t, mock.ExpectationsWereMet())
}
