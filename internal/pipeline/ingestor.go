package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"cardiocare/internal/domain"
	"cardiocare/internal/queue"
)

// readingMessage 读数流消息体
type readingMessage struct {
	ReadingID string `json:"reading_id"`
	UserID    string `json:"user_id"`
}

// dispatchMessage 分发流消息体（手动触发 / 重新分发）
type dispatchMessage struct {
	AlertID string `json:"alert_id"`
}

// ReadingStore 读数持久化
type ReadingStore interface {
	CreateReading(ctx context.Context, reading *domain.Reading) error
}

// Ingestor 读数摄入口
// 同步路径只做持久化和入队，分析和扇出由后台 worker 异步完成
type Ingestor struct {
	readings       ReadingStore
	redisClient    *redis.Client
	readingsStream string
	dispatchStream string
	logger         *zap.Logger
}

// NewIngestor 创建摄入口
func NewIngestor(readings ReadingStore, redisClient *redis.Client, readingsStream, dispatchStream string, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		readings:       readings,
		redisClient:    redisClient,
		readingsStream: readingsStream,
		dispatchStream: dispatchStream,
		logger:         logger,
	}
}

// Submit 提交一条 ECG 读数
// 空波形是唯一同步暴露给调用方的失败；成功即已入队
func (i *Ingestor) Submit(ctx context.Context, userID string, waveform []float64, heartRate int, recordedAt time.Time) (*domain.Reading, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if len(waveform) == 0 {
		return nil, fmt.Errorf("waveform must not be empty")
	}
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	reading := &domain.Reading{
		ReadingID:   uuid.New().String(),
		UserID:      userID,
		Waveform:    waveform,
		HeartRate:   heartRate,
		DurationSec: domain.WaveformDuration(waveform),
		RecordedAt:  recordedAt,
		CreatedAt:   time.Now(),
	}

	if err := i.readings.CreateReading(ctx, reading); err != nil {
		return nil, fmt.Errorf("failed to persist reading: %w", err)
	}

	msgID, err := queue.PublishJSONToStream(ctx, i.redisClient, i.readingsStream, readingMessage{
		ReadingID: reading.ReadingID,
		UserID:    reading.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue reading: %w", err)
	}

	i.logger.Info("reading ingested",
		zap.String("reading_id", reading.ReadingID),
		zap.String("user_id", reading.UserID),
		zap.Int("duration_sec", reading.DurationSec),
		zap.String("stream_msg_id", msgID),
	)

	return reading, nil
}

// EnqueueDispatch 将报警放入分发流（手动触发 / 显式重新分发）
func (i *Ingestor) EnqueueDispatch(ctx context.Context, alertID string) error {
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	_, err := queue.PublishJSONToStream(ctx, i.redisClient, i.dispatchStream, dispatchMessage{AlertID: alertID})
	if err != nil {
		return fmt.Errorf("failed to enqueue dispatch: %w", err)
	}

	i.logger.Info("dispatch enqueued", zap.String("alert_id", alertID))
	return nil
}
