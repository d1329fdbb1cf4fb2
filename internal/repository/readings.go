package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"cardiocare/internal/domain"

	"go.uber.org/zap"
)

// ReadingsRepository ECG 读数仓库
type ReadingsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingsRepository 创建读数仓库
func NewReadingsRepository(db *sql.DB, logger *zap.Logger) *ReadingsRepository {
	return &ReadingsRepository{
		db:     db,
		logger: logger,
	}
}

// CreateReading 创建读数（一旦落库不可变）
func (r *ReadingsRepository) CreateReading(ctx context.Context, reading *domain.Reading) error {
	if reading == nil {
		return fmt.Errorf("reading is required")
	}
	if reading.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if len(reading.Waveform) == 0 {
		return fmt.Errorf("waveform cannot be empty")
	}

	waveformJSON, err := json.Marshal(reading.Waveform)
	if err != nil {
		return fmt.Errorf("failed to marshal waveform: %w", err)
	}

	query := `
		INSERT INTO ecg_readings (
			reading_id,
			user_id,
			waveform,
			heart_rate,
			duration_sec,
			recorded_at,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
	`

	_, err = r.db.ExecContext(ctx, query,
		reading.ReadingID,
		reading.UserID,
		waveformJSON,
		reading.HeartRate,
		reading.DurationSec,
		reading.RecordedAt,
		reading.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create reading: %w", err)
	}

	return nil
}

// GetReading 根据 reading_id 获取读数
func (r *ReadingsRepository) GetReading(ctx context.Context, readingID string) (*domain.Reading, error) {
	if readingID == "" {
		return nil, fmt.Errorf("reading_id is required")
	}

	query := `
		SELECT
			reading_id,
			user_id,
			waveform,
			heart_rate,
			duration_sec,
			recorded_at,
			created_at
		FROM ecg_readings
		WHERE reading_id = $1
	`

	var reading domain.Reading
	var waveformJSON []byte

	err := r.db.QueryRowContext(ctx, query, readingID).Scan(
		&reading.ReadingID,
		&reading.UserID,
		&waveformJSON,
		&reading.HeartRate,
		&reading.DurationSec,
		&reading.RecordedAt,
		&reading.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("reading not found: reading_id=%s", readingID)
		}
		return nil, fmt.Errorf("failed to get reading: %w", err)
	}

	if len(waveformJSON) > 0 {
		if err := json.Unmarshal(waveformJSON, &reading.Waveform); err != nil {
			return nil, fmt.Errorf("failed to unmarshal waveform: %w", err)
		}
	}

	return &reading, nil
}
