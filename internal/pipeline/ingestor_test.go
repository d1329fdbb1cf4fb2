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

	"cardiocare/internal/domain"
	"cardiocare/internal/queue"
)

type fakeReadingStore struct {
	created []*domain.Reading
}

func (f *fakeReadingStore) CreateReading(_ context.Context, reading *domain.Reading) error {
	f.created = append(f.created, reading)
	return nil
}

func setupIngestor(t *testing.T) (*Ingestor, *fakeReadingStore, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := &fakeReadingStore{}
	ing := NewIngestor(store, client, "cardiocare:readings", "cardiocare:dispatch", zap.NewNop())
	return ing, store, client
}

func TestSubmit_PersistsAndEnqueues(t *testing.T) {
	ing, store, client := setupIngestor(t)
	ctx := context.Background()

	waveform := make([]float64, 750) // 3 秒
	reading, err := ing.Submit(ctx, "user-1", waveform, 88, time.Now())

	require.NoError(t, err)
	assert.NotEmpty(t, reading.ReadingID)
	assert.Equal(t, 3, reading.DurationSec)
	require.Len(t, store.created, 1)

	// 消息已入读数流
	require.NoError(t, queue.CreateConsumerGroup(ctx, client, "cardiocare:readings", "test-group"))
	msgs, err := queue.ReadFromStream(ctx, client, "cardiocare:readings", "test-group", "test-consumer", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var payload struct {
		ReadingID string `json:"reading_id"`
		UserID    string `json:"user_id"`
	}
	require.NoError(t, queue.DecodeJSONMessage(msgs[0], &payload))
	assert.Equal(t, reading.ReadingID, payload.ReadingID)
	assert.Equal(t, "user-1", payload.UserID)
}

func TestSubmit_EmptyWaveformRejected(t *testing.T) {
	ing, store, _ := setupIngestor(t)

	reading, err := ing.Submit(context.Background(), "user-1", nil, 75, time.Now())

	assert.Error(t, err)
	assert.Nil(t, reading)
	assert.Contains(t, err.Error(), "waveform must not be empty")
	assert.Empty(t, store.created)
}

func TestSubmit_MissingUserID(t *testing.T) {
	ing, _, _ := setupIngestor(t)

	_, err := ing.Submit(context.Background(), "", []float64{0.1}, 75, time.Now())

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "user_id is required")
}

func TestEnqueueDispatch_Publishes(t *testing.T) {
	ing, _, client := setupIngestor(t)
	ctx := context.Background()

	require.NoError(t, ing.EnqueueDispatch(ctx, "alert-1"))

	require.NoError(t, queue.CreateConsumerGroup(ctx, client, "cardiocare:dispatch", "test-group"))
	msgs, err := queue.ReadFromStream(ctx, client, "cardiocare:dispatch", "test-group", "test-consumer", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var payload struct {
		AlertID string `json:"alert_id"`
	}
	require.NoError(t, queue.DecodeJSONMessage(msgs[0], &payload))
	assert.Equal(t, "alert-1", payload.AlertID)
}

func TestEnqueueDispatch_MissingAlertID(t *testing.T) {
	ing, _, _ := setupIngestor(t)

	err := ing.EnqueueDispatch(context.Background(), "")

	assert.Error(t, err)
}
