package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cardiocare/internal/config"
	"cardiocare/internal/domain"
	"cardiocare/internal/queue"
)

func consumerFixture(t *testing.T, verdict *domain.RiskVerdict) (*Consumer, *redis.Client, *fakeAlertStore, *fakeDispatcher, *config.PipelineConfig) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.PipelineConfig{
		ReadingsStream: "cardiocare:readings",
		DispatchStream: "cardiocare:dispatch",
		ConsumerGroup:  "cardiocare-pipeline",
		ConsumerName:   "test-consumer",
		BatchSize:      10,
		WorkerCount:    1,
		PendingMinIdle: time.Millisecond,
	}

	reading := &domain.Reading{
		ReadingID:   "reading-1",
		UserID:      "user-1",
		Waveform:    make([]float64, 500),
		HeartRate:   72,
		DurationSec: 2,
		RecordedAt:  time.Now(),
	}
	alerts := &fakeAlertStore{}
	disp := &fakeDispatcher{}
	orch := NewOrchestrator(
		&fakeReadingGetter{reading: reading},
		&fakeAnalysisStore{},
		alerts,
		&fakeContactResolver{contacts: []*domain.EmergencyContact{
			{ContactID: "contact-a", UserID: "user-1", Name: "Alice", Phone: "+1001", Priority: 1, Channel: domain.ChannelWhatsApp},
		}},
		&fakeAnalyzer{verdict: verdict},
		disp,
		zap.NewNop(),
	)

	c := NewConsumer(cfg, client, orch, zap.NewNop())
	return c, client, alerts, disp, cfg
}

func TestConsumeReadings_ProcessesAndAcks(t *testing.T) {
	verdict := &domain.RiskVerdict{Tier: domain.RiskCritical, Analysis: "x", Confidence: 0.9}
	c, client, alerts, disp, cfg := consumerFixture(t, verdict)
	ctx := context.Background()

	require.NoError(t, queue.CreateConsumerGroup(ctx, client, cfg.ReadingsStream, cfg.ConsumerGroup))
	_, err := queue.PublishJSONToStream(ctx, client, cfg.ReadingsStream, readingMessage{ReadingID: "reading-1", UserID: "user-1"})
	require.NoError(t, err)

	require.NoError(t, c.consumeReadings(ctx, "test-consumer-0"))

	// 完整处理：报警已建、扇出已发生
	assert.Len(t, alerts.created, 1)
	assert.Equal(t, 1, disp.calls)

	// 消息已 ack
	pending, err := client.XPending(ctx, cfg.ReadingsStream, cfg.ConsumerGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestConsumeReadings_PoisonMessageAcked(t *testing.T) {
	verdict := &domain.RiskVerdict{Tier: domain.RiskLow}
	c, client, alerts, _, cfg := consumerFixture(t, verdict)
	ctx := context.Background()

	require.NoError(t, queue.CreateConsumerGroup(ctx, client, cfg.ReadingsStream, cfg.ConsumerGroup))
	// data 字段不是合法 JSON
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: cfg.ReadingsStream,
		Values: map[string]interface{}{"data": "{broken", "timestamp": time.Now().Unix()},
	}).Err())

	require.NoError(t, c.consumeReadings(ctx, "test-consumer-0"))

	assert.Empty(t, alerts.created)
	pending, err := client.XPending(ctx, cfg.ReadingsStream, cfg.ConsumerGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestConsumeReadings_FailedProcessingNotAcked(t *testing.T) {
	verdict := &domain.RiskVerdict{Tier: domain.RiskLow}
	c, client, _, _, cfg := consumerFixture(t, verdict)
	ctx := context.Background()

	require.NoError(t, queue.CreateConsumerGroup(ctx, client, cfg.ReadingsStream, cfg.ConsumerGroup))
	// 指向不存在的读数：处理失败，消息留在 pending 等待重投
	_, err := queue.PublishJSONToStream(ctx, client, cfg.ReadingsStream, readingMessage{ReadingID: "reading-missing", UserID: "user-1"})
	require.NoError(t, err)

	require.NoError(t, c.consumeReadings(ctx, "test-consumer-0"))

	pending, err := client.XPending(ctx, cfg.ReadingsStream, cfg.ConsumerGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestReclaimPending_RedeliversUnackedMessage(t *testing.T) {
	verdict := &domain.RiskVerdict{Tier: domain.RiskCritical, Analysis: "x", Confidence: 0.9}
	c, client, alerts, disp, cfg := consumerFixture(t, verdict)
	ctx := context.Background()

	require.NoError(t, queue.CreateConsumerGroup(ctx, client, cfg.ReadingsStream, cfg.ConsumerGroup))
	require.NoError(t, queue.CreateConsumerGroup(ctx, client, cfg.DispatchStream, cfg.ConsumerGroup))
	_, err := queue.PublishJSONToStream(ctx, client, cfg.ReadingsStream, readingMessage{ReadingID: "reading-1", UserID: "user-1"})
	require.NoError(t, err)

	// 模拟 worker 崩溃：消息已投递但一直没有 ack
	crashed, err := queue.ReadFromStream(ctx, client, cfg.ReadingsStream, cfg.ConsumerGroup, "crashed-worker", cfg.BatchSize)
	require.NoError(t, err)
	require.Len(t, crashed, 1)
	assert.Empty(t, alerts.created)

	// 闲置超时后被其他 worker 认领并处理
	time.Sleep(20 * time.Millisecond)
	c.reclaimPending(ctx, "test-consumer-0")

	assert.Len(t, alerts.created, 1)
	assert.Equal(t, 1, disp.calls)
	pending, err := client.XPending(ctx, cfg.ReadingsStream, cfg.ConsumerGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestConsumeDispatch_Redispatches(t *testing.T) {
	verdict := &domain.RiskVerdict{Tier: domain.RiskHigh, Analysis: "x", Confidence: 0.9}
	c, client, alerts, disp, cfg := consumerFixture(t, verdict)
	ctx := context.Background()

	// 预置一条报警
	alerts.created = append(alerts.created, &domain.Alert{
		AlertID: "alert-1",
		UserID:  "user-1",
		Status:  domain.AlertStatusActive,
	})

	require.NoError(t, queue.CreateConsumerGroup(ctx, client, cfg.DispatchStream, cfg.ConsumerGroup))
	_, err := queue.PublishJSONToStream(ctx, client, cfg.DispatchStream, dispatchMessage{AlertID: "alert-1"})
	require.NoError(t, err)

	require.NoError(t, c.consumeDispatch(ctx, "test-consumer-0"))

	assert.Equal(t, 1, disp.calls)
	pending, err := client.XPending(ctx, cfg.DispatchStream, cfg.ConsumerGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}
