package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cardiocare/internal/dispatcher"
	"cardiocare/internal/domain"
)

// recentAnalysesLimit 分析上下文条数
const recentAnalysesLimit = 5

// ReadingGetter 读数查询
type ReadingGetter interface {
	GetReading(ctx context.Context, readingID string) (*domain.Reading, error)
}

// AnalysisStore 分析记录存储
type AnalysisStore interface {
	CreateAnalysis(ctx context.Context, analysis *domain.Analysis) error
	GetAnalysisByReading(ctx context.Context, readingID string) (*domain.Analysis, error)
	ListRecentAnalyses(ctx context.Context, userID string, limit int) ([]*domain.Analysis, error)
}

// AlertStore 报警存储
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *domain.Alert) error
	GetAlert(ctx context.Context, alertID string) (*domain.Alert, error)
	GetAlertByAnalysis(ctx context.Context, analysisID string) (*domain.Alert, error)
}

// ContactResolver 联系人解析（priority ASC, name ASC）
type ContactResolver interface {
	ListActiveContacts(ctx context.Context, userID string) ([]*domain.EmergencyContact, error)
}

// RiskAnalyzer 风险分析（永不返回错误，失败即降级结论）
type RiskAnalyzer interface {
	Analyze(ctx context.Context, reading *domain.Reading, recent []*domain.Analysis) *domain.RiskVerdict
}

// AlertDispatcher 通知扇出
type AlertDispatcher interface {
	Dispatch(ctx context.Context, alert *domain.Alert, contacts []*domain.EmergencyContact) (*dispatcher.Result, error)
}

// Orchestrator 升级编排器：一条读数的完整处理过程
type Orchestrator struct {
	readings   ReadingGetter
	analyses   AnalysisStore
	alerts     AlertStore
	contacts   ContactResolver
	analyzer   RiskAnalyzer
	dispatcher AlertDispatcher
	logger     *zap.Logger
}

// NewOrchestrator 创建升级编排器
func NewOrchestrator(
	readings ReadingGetter,
	analyses AnalysisStore,
	alerts AlertStore,
	contacts ContactResolver,
	analyzer RiskAnalyzer,
	alertDispatcher AlertDispatcher,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		readings:   readings,
		analyses:   analyses,
		alerts:     alerts,
		contacts:   contacts,
		analyzer:   analyzer,
		dispatcher: alertDispatcher,
		logger:     logger,
	}
}

// Process 处理一条已入队读数：分析 → 持久化 → 阈值判定 → 扇出
// 返回终态（suppressed 或 dispatched）；只有持久化/分发基础设施错误才返回 error
// at-least-once 重投安全：已分析的读数不再调分析、不再建报警，直接续跑后续阶段
func (o *Orchestrator) Process(ctx context.Context, readingID string) (State, error) {
	reading, err := o.readings.GetReading(ctx, readingID)
	if err != nil {
		return StateIngested, fmt.Errorf("failed to load reading: %w", err)
	}

	analysis, err := o.analyses.GetAnalysisByReading(ctx, readingID)
	if err != nil {
		return StateIngested, fmt.Errorf("failed to check existing analysis: %w", err)
	}

	if analysis != nil {
		o.logger.Info("reading already analyzed, resuming",
			zap.String("reading_id", readingID),
			zap.String("analysis_id", analysis.AnalysisID),
		)
	} else {
		recent, err := o.analyses.ListRecentAnalyses(ctx, reading.UserID, recentAnalysesLimit)
		if err != nil {
			// 上下文缺失不阻断分析
			o.logger.Warn("failed to load recent analyses, continuing without context",
				zap.Error(err),
				zap.String("user_id", reading.UserID),
			)
			recent = nil
		}

		verdict := o.analyzer.Analyze(ctx, reading, recent)

		analysis = &domain.Analysis{
			AnalysisID:      uuid.New().String(),
			UserID:          reading.UserID,
			ReadingID:       &reading.ReadingID,
			Tier:            verdict.Tier,
			AnalysisText:    verdict.Analysis,
			PredictionText:  verdict.Prediction,
			Confidence:      domain.ClampConfidence(verdict.Confidence),
			Recommendations: verdict.Recommendations,
			TimeToEmergency: verdict.TimeToEmergency,
			Degraded:        verdict.Degraded,
			CreatedAt:       time.Now(),
		}
		if err := o.analyses.CreateAnalysis(ctx, analysis); err != nil {
			return StateIngested, fmt.Errorf("failed to persist analysis: %w", err)
		}
	}

	alert, escalate := Materialize(analysis)
	if !escalate {
		o.logger.Info("reading below escalation threshold",
			zap.String("reading_id", readingID),
			zap.String("risk_tier", string(analysis.Tier)),
		)
		return StateSuppressed, nil
	}

	// 同一分析最多一条报警
	existing, err := o.alerts.GetAlertByAnalysis(ctx, analysis.AnalysisID)
	if err != nil {
		return StateAnalyzed, fmt.Errorf("failed to check existing alert: %w", err)
	}
	if existing != nil {
		alert = existing
	} else {
		alert.AlertID = uuid.New().String()
		alert.CreatedAt = time.Now()
		if err := o.alerts.CreateAlert(ctx, alert); err != nil {
			return StateAnalyzed, fmt.Errorf("failed to create alert: %w", err)
		}

		o.logger.Info("alert escalated",
			zap.String("alert_id", alert.AlertID),
			zap.String("reading_id", readingID),
			zap.String("severity", alert.Severity),
		)
	}

	if err := o.dispatch(ctx, alert); err != nil {
		return StateEscalated, err
	}
	return StateDispatched, nil
}

// Redispatch 对已存在的报警重新分发（已触达联系人跳过）
func (o *Orchestrator) Redispatch(ctx context.Context, alertID string) (*dispatcher.Result, error) {
	alert, err := o.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	contacts, err := o.contacts.ListActiveContacts(ctx, alert.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve contacts: %w", err)
	}

	return o.dispatcher.Dispatch(ctx, alert, contacts)
}

// TriggerEmergency 手动紧急触发：不经分析直接建报警并扇出入队由调用方负责
func (o *Orchestrator) TriggerEmergency(ctx context.Context, userID, emergencyType string) (*domain.Alert, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if emergencyType == "" {
		emergencyType = "cardiac_emergency"
	}

	alert := &domain.Alert{
		AlertID:   uuid.New().String(),
		UserID:    userID,
		Type:      domain.AlertTypeEmergency,
		Title:     AlertTitle,
		Message:   fmt.Sprintf("Emergency detected: %s", emergencyType),
		Status:    domain.AlertStatusActive,
		Severity:  string(domain.RiskCritical),
		CreatedAt: time.Now(),
	}
	if err := o.alerts.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}

	o.logger.Info("manual emergency triggered",
		zap.String("alert_id", alert.AlertID),
		zap.String("user_id", userID),
		zap.String("emergency_type", emergencyType),
	)

	return alert, nil
}

// dispatch 解析联系人并扇出；零联系人是合法的空扇出
func (o *Orchestrator) dispatch(ctx context.Context, alert *domain.Alert) error {
	contacts, err := o.contacts.ListActiveContacts(ctx, alert.UserID)
	if err != nil {
		return fmt.Errorf("failed to resolve contacts: %w", err)
	}

	if _, err := o.dispatcher.Dispatch(ctx, alert, contacts); err != nil {
		return fmt.Errorf("failed to dispatch alert: %w", err)
	}
	return nil
}
