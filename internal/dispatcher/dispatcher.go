package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"cardiocare/internal/domain"
	"cardiocare/internal/notifier"
)

// ErrDispatchInProgress 同一报警的并发分发被互斥锁拒绝
var ErrDispatchInProgress = errors.New("dispatch already in progress for alert")

// AttemptStore 投递尝试存储
type AttemptStore interface {
	CreateAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error
	ListAttemptsByAlert(ctx context.Context, alertID string) ([]*domain.DeliveryAttempt, error)
	MarkSent(ctx context.Context, attemptID, externalID string) error
	MarkFailed(ctx context.Context, attemptID, errorText string) error
	RecordExternalRef(ctx context.Context, attemptID, externalID string) error
}

// AlertStore 报警状态回写
type AlertStore interface {
	SetContactsNotified(ctx context.Context, alertID string, notified bool) error
}

// Result 一次分发的汇总结果
type Result struct {
	Attempted int  // 本轮创建的尝试数
	Sent      int  // 本轮 sent 数
	Failed    int  // 本轮 failed 数
	Skipped   int  // 已送达联系人跳过数
	Notified  bool // contacts_notified 回写值
}

// Dispatcher 通知分发器
// 同一报警同一时刻只有一轮分发（Redis SET NX 互斥）；
// 尝试记录 append-only，重新分发跳过已触达的联系人
type Dispatcher struct {
	redisClient    *redis.Client
	registry       *notifier.Registry
	attempts       AttemptStore
	alerts         AlertStore
	lockTTL        time.Duration
	attemptTimeout time.Duration
	logger         *zap.Logger
}

// NewDispatcher 创建通知分发器
func NewDispatcher(
	redisClient *redis.Client,
	registry *notifier.Registry,
	attempts AttemptStore,
	alerts AlertStore,
	lockTTL time.Duration,
	attemptTimeout time.Duration,
	logger *zap.Logger,
) *Dispatcher {
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	if attemptTimeout <= 0 {
		attemptTimeout = 15 * time.Second
	}
	return &Dispatcher{
		redisClient:    redisClient,
		registry:       registry,
		attempts:       attempts,
		alerts:         alerts,
		lockTTL:        lockTTL,
		attemptTimeout: attemptTimeout,
		logger:         logger,
	}
}

// Dispatch 对一条报警执行通知扇出
// contacts 必须已按 priority ASC, name ASC 排序（repository 保证）
func (d *Dispatcher) Dispatch(ctx context.Context, alert *domain.Alert, contacts []*domain.EmergencyContact) (*Result, error) {
	if alert == nil {
		return nil, fmt.Errorf("alert is required")
	}

	if d.registry.Channels() == 0 {
		// 凭证未配置：跳过而非报错，不产生任何尝试记录
		d.logger.Warn("notification credentials not configured, skipping dispatch",
			zap.String("alert_id", alert.AlertID),
		)
		return &Result{}, nil
	}

	lockKey := fmt.Sprintf("alert:dispatch:%s", alert.AlertID)
	locked, err := d.redisClient.SetNX(ctx, lockKey, "1", d.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire dispatch lock: %w", err)
	}
	if !locked {
		return nil, ErrDispatchInProgress
	}
	defer d.redisClient.Del(context.Background(), lockKey)

	// 重新分发：已触达（sent/delivered）的联系人不再打扰
	reached, priorSent, err := d.reachedContacts(ctx, alert.AlertID)
	if err != nil {
		return nil, err
	}

	body := notifier.BuildAlertBody(alert)
	result := &Result{}

	// 按优先级顺序创建 pending 记录，再并发执行
	pending := make([]*domain.DeliveryAttempt, 0, len(contacts))
	pendingContacts := make([]*domain.EmergencyContact, 0, len(contacts))
	for _, contact := range contacts {
		if reached[contact.ContactID] {
			result.Skipped++
			continue
		}

		attempt := &domain.DeliveryAttempt{
			AttemptID: uuid.New().String(),
			AlertID:   alert.AlertID,
			ContactID: contact.ContactID,
			Channel:   contact.Channel,
			Status:    domain.AttemptPending,
			CreatedAt: time.Now(),
		}
		if err := d.attempts.CreateAttempt(ctx, attempt); err != nil {
			return nil, fmt.Errorf("failed to create delivery attempt: %w", err)
		}
		pending = append(pending, attempt)
		pendingContacts = append(pendingContacts, contact)
	}
	result.Attempted = len(pending)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range pending {
		wg.Add(1)
		go func(attempt *domain.DeliveryAttempt, contact *domain.EmergencyContact) {
			defer wg.Done()

			sent := d.deliver(ctx, attempt, contact, body)

			mu.Lock()
			if sent {
				result.Sent++
			} else {
				result.Failed++
			}
			mu.Unlock()
		}(pending[i], pendingContacts[i])
	}
	wg.Wait()

	// 汇聚屏障之后才回写：本轮或历史任一 sent 即视为已通知
	result.Notified = result.Sent > 0 || priorSent
	if err := d.alerts.SetContactsNotified(ctx, alert.AlertID, result.Notified); err != nil {
		return nil, fmt.Errorf("failed to update contacts_notified: %w", err)
	}

	d.logger.Info("dispatch completed",
		zap.String("alert_id", alert.AlertID),
		zap.Int("attempted", result.Attempted),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Bool("notified", result.Notified),
	)

	return result, nil
}

// deliver 执行单次投递并落定尝试状态，返回是否 sent
func (d *Dispatcher) deliver(ctx context.Context, attempt *domain.DeliveryAttempt, contact *domain.EmergencyContact, body string) bool {
	sender, err := d.registry.Get(attempt.Channel)
	if err != nil {
		d.failAttempt(ctx, attempt, err.Error())
		return false
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	externalID, err := sender.Send(attemptCtx, contact, body)
	if err != nil {
		d.logger.Error("delivery attempt failed",
			zap.Error(err),
			zap.String("alert_id", attempt.AlertID),
			zap.String("contact_id", contact.ContactID),
			zap.String("channel", string(attempt.Channel)),
		)
		d.failAttempt(ctx, attempt, err.Error())
		return false
	}

	if err := d.attempts.MarkSent(ctx, attempt.AttemptID, externalID); err != nil {
		// 提供商已接受投递，联系人实际已收到通知；
		// 补记 external_id，重新分发时据此不再打扰该联系人
		d.logger.Error("failed to mark attempt sent, provider accepted delivery",
			zap.Error(err),
			zap.String("attempt_id", attempt.AttemptID),
			zap.String("external_id", externalID),
		)
		if refErr := d.attempts.RecordExternalRef(ctx, attempt.AttemptID, externalID); refErr != nil {
			d.logger.Error("failed to record external reference",
				zap.Error(refErr),
				zap.String("attempt_id", attempt.AttemptID),
				zap.String("external_id", externalID),
			)
		}
	}
	return true
}

func (d *Dispatcher) failAttempt(ctx context.Context, attempt *domain.DeliveryAttempt, errorText string) {
	if err := d.attempts.MarkFailed(ctx, attempt.AttemptID, errorText); err != nil {
		d.logger.Error("failed to mark attempt failed",
			zap.Error(err),
			zap.String("attempt_id", attempt.AttemptID),
		)
	}
}

// reachedContacts 按历史尝试计算已触达联系人集合
// 同一联系人取最近一次尝试；pending 但已记录 external_id 的
// 视为已触达（提供商接受后状态回写失败的残留）
func (d *Dispatcher) reachedContacts(ctx context.Context, alertID string) (map[string]bool, bool, error) {
	history, err := d.attempts.ListAttemptsByAlert(ctx, alertID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load delivery history: %w", err)
	}

	latest := make(map[string]*domain.DeliveryAttempt)
	for _, attempt := range history {
		latest[attempt.ContactID] = attempt // created_at ASC，后者覆盖前者
	}

	reached := make(map[string]bool)
	for contactID, attempt := range latest {
		if attempt.Status.Reached() ||
			(attempt.Status == domain.AttemptPending && attempt.ExternalID != nil) {
			reached[contactID] = true
		}
	}
	return reached, len(reached) > 0, nil
}
