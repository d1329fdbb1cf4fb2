package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"cardiocare/internal/config"
	"cardiocare/internal/dispatcher"
	"cardiocare/internal/queue"
)

// Consumer 升级管道的 Redis Streams 消费者
// 读数流驱动完整 Process 过程，分发流驱动 Redispatch；
// at-least-once：处理完成后才 ack，闲置超时的未确认消息由 XAUTOCLAIM 重投
type Consumer struct {
	cfg            *config.PipelineConfig
	redisClient    *redis.Client
	orchestrator   *Orchestrator
	pendingMinIdle time.Duration
	logger         *zap.Logger
	wg             sync.WaitGroup
}

// NewConsumer 创建管道消费者
func NewConsumer(cfg *config.PipelineConfig, redisClient *redis.Client, orchestrator *Orchestrator, logger *zap.Logger) *Consumer {
	minIdle := cfg.PendingMinIdle
	if minIdle <= 0 {
		minIdle = time.Minute
	}
	return &Consumer{
		cfg:            cfg,
		redisClient:    redisClient,
		orchestrator:   orchestrator,
		pendingMinIdle: minIdle,
		logger:         logger,
	}
}

// Start 创建消费者组并启动 N 个 worker（ctx 取消后 Wait 返回）
func (c *Consumer) Start(ctx context.Context) error {
	streams := []string{c.cfg.ReadingsStream, c.cfg.DispatchStream}
	for _, stream := range streams {
		if err := queue.CreateConsumerGroup(ctx, c.redisClient, stream, c.cfg.ConsumerGroup); err != nil {
			return fmt.Errorf("failed to create consumer group for %s: %w", stream, err)
		}
	}

	workers := c.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}

	c.logger.Info("pipeline consumer started",
		zap.String("consumer_group", c.cfg.ConsumerGroup),
		zap.Int("workers", workers),
	)

	for i := 0; i < workers; i++ {
		consumerName := fmt.Sprintf("%s-%d", c.cfg.ConsumerName, i)
		c.wg.Add(1)
		go func(name string) {
			defer c.wg.Done()
			c.runWorker(ctx, name)
		}(consumerName)
	}

	return nil
}

// Wait 等待全部 worker 退出
func (c *Consumer) Wait() {
	c.wg.Wait()
}

// runWorker 单 worker 消费循环（指数退避，两个流都失败才退避）
// 周期性认领其他 worker 留下的闲置 pending 消息
func (c *Consumer) runWorker(ctx context.Context, consumerName string) {
	backoffDuration := time.Second
	maxBackoff := 30 * time.Second
	var lastReclaim time.Time

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if time.Since(lastReclaim) >= c.pendingMinIdle {
				c.reclaimPending(ctx, consumerName)
				lastReclaim = time.Now()
			}

			readingsErr := c.consumeReadings(ctx, consumerName)
			dispatchErr := c.consumeDispatch(ctx, consumerName)

			if readingsErr != nil && dispatchErr != nil {
				c.logger.Error("failed to consume streams",
					zap.Error(readingsErr),
					zap.NamedError("dispatch_error", dispatchErr),
					zap.String("consumer", consumerName),
					zap.Duration("backoff", backoffDuration),
				)

				select {
				case <-ctx.Done():
					return
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
			} else {
				backoffDuration = time.Second

				if readingsErr != nil {
					c.logger.Error("failed to consume readings stream", zap.Error(readingsErr))
				}
				if dispatchErr != nil {
					c.logger.Error("failed to consume dispatch stream", zap.Error(dispatchErr))
				}
			}
		}
	}
}

// reclaimPending 认领两个流上闲置超过 pendingMinIdle 的未确认消息并重新处理
// worker 崩溃或处理失败的消息由此获得重投（at-least-once）
func (c *Consumer) reclaimPending(ctx context.Context, consumerName string) {
	readings, err := queue.ClaimPending(ctx, c.redisClient, c.cfg.ReadingsStream, c.cfg.ConsumerGroup, consumerName, c.pendingMinIdle, c.cfg.BatchSize)
	if err != nil {
		c.logger.Error("failed to claim pending readings", zap.Error(err))
	} else if len(readings) > 0 {
		c.logger.Info("reclaimed pending readings",
			zap.Int("count", len(readings)),
			zap.String("consumer", consumerName),
		)
		c.handleReadingMessages(ctx, readings)
	}

	dispatches, err := queue.ClaimPending(ctx, c.redisClient, c.cfg.DispatchStream, c.cfg.ConsumerGroup, consumerName, c.pendingMinIdle, c.cfg.BatchSize)
	if err != nil {
		c.logger.Error("failed to claim pending dispatches", zap.Error(err))
	} else if len(dispatches) > 0 {
		c.logger.Info("reclaimed pending dispatches",
			zap.Int("count", len(dispatches)),
			zap.String("consumer", consumerName),
		)
		c.handleDispatchMessages(ctx, dispatches)
	}
}

// consumeReadings 处理一批读数消息
func (c *Consumer) consumeReadings(ctx context.Context, consumerName string) error {
	messages, err := queue.ReadFromStream(ctx, c.redisClient, c.cfg.ReadingsStream, c.cfg.ConsumerGroup, consumerName, c.cfg.BatchSize)
	if err != nil {
		return err
	}

	c.handleReadingMessages(ctx, messages)
	return nil
}

func (c *Consumer) handleReadingMessages(ctx context.Context, messages []queue.StreamMessage) {
	for _, msg := range messages {
		var payload readingMessage
		if err := queue.DecodeJSONMessage(msg, &payload); err != nil {
			// 无法解析的消息直接 ack，避免毒消息堵塞
			c.logger.Error("failed to decode reading message, acking",
				zap.Error(err),
				zap.String("message_id", msg.ID),
			)
			c.ack(ctx, c.cfg.ReadingsStream, msg.ID)
			continue
		}

		state, err := c.orchestrator.Process(ctx, payload.ReadingID)
		if err != nil {
			if errors.Is(err, dispatcher.ErrDispatchInProgress) {
				// 另一轮分发持锁中；本条消息视为已消费
				c.logger.Warn("dispatch already in progress, acking",
					zap.String("reading_id", payload.ReadingID),
				)
				c.ack(ctx, c.cfg.ReadingsStream, msg.ID)
				continue
			}
			// 不 ack，留待重投
			c.logger.Error("failed to process reading",
				zap.Error(err),
				zap.String("reading_id", payload.ReadingID),
				zap.String("state", string(state)),
			)
			continue
		}

		c.logger.Info("reading processed",
			zap.String("reading_id", payload.ReadingID),
			zap.String("state", string(state)),
		)
		c.ack(ctx, c.cfg.ReadingsStream, msg.ID)
	}
}

// consumeDispatch 处理一批分发消息（手动触发 / 重新分发）
func (c *Consumer) consumeDispatch(ctx context.Context, consumerName string) error {
	messages, err := queue.ReadFromStream(ctx, c.redisClient, c.cfg.DispatchStream, c.cfg.ConsumerGroup, consumerName, c.cfg.BatchSize)
	if err != nil {
		return err
	}

	c.handleDispatchMessages(ctx, messages)
	return nil
}

func (c *Consumer) handleDispatchMessages(ctx context.Context, messages []queue.StreamMessage) {
	for _, msg := range messages {
		var payload dispatchMessage
		if err := queue.DecodeJSONMessage(msg, &payload); err != nil {
			c.logger.Error("failed to decode dispatch message, acking",
				zap.Error(err),
				zap.String("message_id", msg.ID),
			)
			c.ack(ctx, c.cfg.DispatchStream, msg.ID)
			continue
		}

		result, err := c.orchestrator.Redispatch(ctx, payload.AlertID)
		if err != nil {
			if errors.Is(err, dispatcher.ErrDispatchInProgress) {
				c.logger.Warn("dispatch already in progress, acking",
					zap.String("alert_id", payload.AlertID),
				)
				c.ack(ctx, c.cfg.DispatchStream, msg.ID)
				continue
			}
			c.logger.Error("failed to dispatch alert",
				zap.Error(err),
				zap.String("alert_id", payload.AlertID),
			)
			continue
		}

		c.logger.Info("alert dispatched",
			zap.String("alert_id", payload.AlertID),
			zap.Int("sent", result.Sent),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped),
		)
		c.ack(ctx, c.cfg.DispatchStream, msg.ID)
	}
}

func (c *Consumer) ack(ctx context.Context, stream, msgID string) {
	if err := queue.AckMessage(ctx, c.redisClient, stream, c.cfg.ConsumerGroup, msgID); err != nil {
		c.logger.Error("failed to ack message",
			zap.Error(err),
			zap.String("stream", stream),
			zap.String("message_id", msgID),
		)
	}
}
