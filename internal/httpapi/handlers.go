package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"cardiocare/internal/domain"
)

// Ingestor 读数摄入与分发入队
type Ingestor interface {
	Submit(ctx context.Context, userID string, waveform []float64, heartRate int, recordedAt time.Time) (*domain.Reading, error)
	EnqueueDispatch(ctx context.Context, alertID string) error
}

// EmergencyTrigger 手动紧急触发
type EmergencyTrigger interface {
	TriggerEmergency(ctx context.Context, userID, emergencyType string) (*domain.Alert, error)
}

// AlertReader 报警查询
type AlertReader interface {
	GetAlert(ctx context.Context, alertID string) (*domain.Alert, error)
	ListAlerts(ctx context.Context, userID string, limit int) ([]*domain.Alert, error)
}

// AnalysisReader 分析查询
type AnalysisReader interface {
	GetLatestAnalysis(ctx context.Context, userID string) (*domain.Analysis, error)
}

// ContactReader 联系人查询
type ContactReader interface {
	ListActiveContacts(ctx context.Context, userID string) ([]*domain.EmergencyContact, error)
}

// AttemptReader 投递尝试查询与送达回执
type AttemptReader interface {
	ListAttemptsByAlert(ctx context.Context, alertID string) ([]*domain.DeliveryAttempt, error)
	MarkDelivered(ctx context.Context, externalID string) error
}

// HealthHandler 健康监护 API
type HealthHandler struct {
	ingestor Ingestor
	trigger  EmergencyTrigger
	alerts   AlertReader
	analyses AnalysisReader
	contacts ContactReader
	attempts AttemptReader
	logger   *zap.Logger
}

// NewHealthHandler 创建健康监护 API 处理器
func NewHealthHandler(
	ingestor Ingestor,
	trigger EmergencyTrigger,
	alerts AlertReader,
	analyses AnalysisReader,
	contacts ContactReader,
	attempts AttemptReader,
	logger *zap.Logger,
) *HealthHandler {
	return &HealthHandler{
		ingestor: ingestor,
		trigger:  trigger,
		alerts:   alerts,
		analyses: analyses,
		contacts: contacts,
		attempts: attempts,
		logger:   logger,
	}
}

// submitECGRequest POST /health/api/v1/ecg 请求体
type submitECGRequest struct {
	UserID     string    `json:"user_id"`
	Waveform   []float64 `json:"waveform"`
	HeartRate  int       `json:"heart_rate"`
	RecordedAt string    `json:"recorded_at"` // RFC3339，可空
}

// SubmitECG 提交 ECG 读数（唯一同步失败：空波形 → 400）
func (h *HealthHandler) SubmitECG(w http.ResponseWriter, r *http.Request) {
	var req submitECGRequest
	if err := readBodyJSON(r, 8<<20, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("user_id is required"))
		return
	}
	if len(req.Waveform) == 0 {
		writeJSON(w, http.StatusBadRequest, Fail("waveform must not be empty"))
		return
	}

	recordedAt := time.Time{}
	if req.RecordedAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.RecordedAt)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Fail("recorded_at must be RFC3339"))
			return
		}
		recordedAt = parsed
	}

	reading, err := h.ingestor.Submit(r.Context(), req.UserID, req.Waveform, req.HeartRate, recordedAt)
	if err != nil {
		h.logger.Error("failed to submit reading", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to submit reading"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"reading_id":   reading.ReadingID,
		"duration_sec": reading.DurationSec,
		"message":      "ECG data submitted for analysis",
	}))
}

// GetAlerts GET /health/api/v1/alerts?user_id=&limit=
func (h *HealthHandler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("user_id is required"))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 20)

	alerts, err := h.alerts.ListAlerts(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list alerts", zap.Error(err), zap.String("user_id", userID))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list alerts"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": alerts, "total": len(alerts)}))
}

// GetLatestAnalysis GET /health/api/v1/analysis/latest?user_id=
// 无历史分析时返回演示结论（demo 模式）
func (h *HealthHandler) GetLatestAnalysis(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("user_id is required"))
		return
	}

	analysis, err := h.analyses.GetLatestAnalysis(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get latest analysis", zap.Error(err), zap.String("user_id", userID))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to get latest analysis"))
		return
	}

	if analysis == nil {
		writeJSON(w, http.StatusOK, Ok(map[string]any{
			"analysis_result":  "Abnormal QRS complex indicating potential arrhythmia",
			"prediction":       "Immediate medical attention recommended",
			"confidence_score": 0.95,
			"recommendations": []string{
				"Seek immediate medical attention",
				"Contact emergency services",
				"Take prescribed emergency medication if available",
			},
			"risk_level": "high",
			"demo":       true,
		}))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"analysis_id":      analysis.AnalysisID,
		"analysis_result":  analysis.AnalysisText,
		"prediction":       analysis.PredictionText,
		"confidence_score": analysis.Confidence,
		"recommendations":  analysis.Recommendations,
		"risk_level":       string(analysis.Tier),
		"degraded":         analysis.Degraded,
		"created_at":       analysis.CreatedAt,
	}))
}

// GetEmergencyContacts GET /health/api/v1/emergency/contacts?user_id=
func (h *HealthHandler) GetEmergencyContacts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("user_id is required"))
		return
	}

	contacts, err := h.contacts.ListActiveContacts(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list contacts", zap.Error(err), zap.String("user_id", userID))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list contacts"))
		return
	}

	items := make([]map[string]any, 0, len(contacts))
	for _, c := range contacts {
		items = append(items, map[string]any{
			"id":           c.ContactID,
			"name":         c.Name,
			"phone":        c.Phone,
			"relationship": c.Relationship,
			"priority":     c.Priority,
			"channel":      string(c.Channel),
		})
	}

	writeJSON(w, http.StatusOK, Ok(items))
}

// GetDeliveries GET /health/api/v1/alerts/{id}/deliveries
func (h *HealthHandler) GetDeliveries(w http.ResponseWriter, r *http.Request, alertID string) {
	attempts, err := h.attempts.ListAttemptsByAlert(r.Context(), alertID)
	if err != nil {
		h.logger.Error("failed to list delivery attempts", zap.Error(err), zap.String("alert_id", alertID))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list delivery attempts"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": attempts, "total": len(attempts)}))
}

// RedispatchAlert POST /health/api/v1/alerts/{id}/dispatch
// 显式重新分发：校验报警存在后入队，由后台 worker 执行
func (h *HealthHandler) RedispatchAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	if _, err := h.alerts.GetAlert(r.Context(), alertID); err != nil {
		writeJSON(w, http.StatusNotFound, Fail("alert not found"))
		return
	}

	if err := h.ingestor.EnqueueDispatch(r.Context(), alertID); err != nil {
		h.logger.Error("failed to enqueue dispatch", zap.Error(err), zap.String("alert_id", alertID))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to enqueue dispatch"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{"alert_id": alertID, "queued": true}))
}

// triggerEmergencyRequest POST /health/api/v1/emergency/trigger 请求体
type triggerEmergencyRequest struct {
	UserID        string `json:"user_id"`
	EmergencyType string `json:"emergency_type"`
}

// TriggerEmergency 手动紧急触发：建报警并入队分发
func (h *HealthHandler) TriggerEmergency(w http.ResponseWriter, r *http.Request) {
	var req triggerEmergencyRequest
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("user_id is required"))
		return
	}

	alert, err := h.trigger.TriggerEmergency(r.Context(), req.UserID, req.EmergencyType)
	if err != nil {
		h.logger.Error("failed to trigger emergency", zap.Error(err), zap.String("user_id", req.UserID))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to trigger emergency"))
		return
	}

	if err := h.ingestor.EnqueueDispatch(r.Context(), alert.AlertID); err != nil {
		h.logger.Error("failed to enqueue emergency dispatch", zap.Error(err), zap.String("alert_id", alert.AlertID))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to enqueue dispatch"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"alert_id": alert.AlertID,
		"message":  "Emergency alert triggered successfully",
	}))
}

// DeliveryCallback POST /health/api/v1/deliveries/callback
// 提供商送达回执（Twilio status callback，form-encoded）
// best-effort：未匹配的 SID 不报错
func (h *HealthHandler) DeliveryCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid form"))
		return
	}

	messageSID := r.PostForm.Get("MessageSid")
	messageStatus := r.PostForm.Get("MessageStatus")
	if messageSID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("MessageSid is required"))
		return
	}

	if messageStatus == "delivered" {
		if err := h.attempts.MarkDelivered(r.Context(), messageSID); err != nil {
			h.logger.Error("failed to mark attempt delivered",
				zap.Error(err),
				zap.String("external_id", messageSID),
			)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// Healthz GET /healthz
func (h *HealthHandler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
