package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"cardiocare/internal/config"
)

// wearablePayload 可穿戴设备上报的 JSON 读数
type wearablePayload struct {
	UserID     string    `json:"user_id"`
	Waveform   []float64 `json:"waveform"`
	HeartRate  int       `json:"heart_rate"`
	RecordedAt string    `json:"recorded_at"` // RFC3339，可空
}

// Source 可穿戴设备 MQTT 摄入源（可选，默认关闭）
// 读数经与 HTTP 边界相同的摄入路径进入管道
type Source struct {
	client mqtt.Client
	cfg    *config.MQTTConfig
	submit func(ctx context.Context, userID string, waveform []float64, heartRate int, recordedAt time.Time) error
	logger *zap.Logger
}

// NewSource 连接 broker 并创建摄入源
func NewSource(
	cfg *config.MQTTConfig,
	submit func(ctx context.Context, userID string, waveform []float64, heartRate int, recordedAt time.Time) error,
	logger *zap.Logger,
) (*Source, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Source{
		client: client,
		cfg:    cfg,
		submit: submit,
		logger: logger,
	}, nil
}

// Start 订阅可穿戴主题
func (s *Source) Start(ctx context.Context) error {
	token := s.client.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		if err := s.handleMessage(ctx, msg.Topic(), msg.Payload()); err != nil {
			s.logger.Error("failed to handle wearable message",
				zap.Error(err),
				zap.String("topic", msg.Topic()),
			)
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", s.cfg.Topic, token.Error())
	}

	s.logger.Info("MQTT ingestion source started",
		zap.String("broker", s.cfg.Broker),
		zap.String("topic", s.cfg.Topic),
	)
	return nil
}

// handleMessage 解码一条设备消息并走标准摄入路径
func (s *Source) handleMessage(ctx context.Context, topic string, payload []byte) error {
	var reading wearablePayload
	if err := json.Unmarshal(payload, &reading); err != nil {
		return fmt.Errorf("failed to decode wearable payload: %w", err)
	}

	recordedAt := time.Time{}
	if reading.RecordedAt != "" {
		parsed, err := time.Parse(time.RFC3339, reading.RecordedAt)
		if err != nil {
			return fmt.Errorf("invalid recorded_at: %w", err)
		}
		recordedAt = parsed
	}

	if err := s.submit(ctx, reading.UserID, reading.Waveform, reading.HeartRate, recordedAt); err != nil {
		return err
	}

	s.logger.Debug("wearable reading ingested",
		zap.String("topic", topic),
		zap.String("user_id", reading.UserID),
	)
	return nil
}

// Stop 断开 MQTT 连接
func (s *Source) Stop() {
	s.client.Disconnect(250)
}
