package domain

import "time"

// RiskTier 风险等级
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// ParseRiskTier 解析风险等级字符串
// 未知值降级为 medium（触发人工复核，不丢弃读数）
func ParseRiskTier(s string) RiskTier {
	switch RiskTier(s) {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return RiskTier(s)
	default:
		return RiskMedium
	}
}

// Escalates 是否达到升级阈值（high/critical 触发报警和通知扇出）
func (t RiskTier) Escalates() bool {
	return t == RiskHigh || t == RiskCritical
}

// RiskVerdict 分析结论（Analyzer 输出，嵌入 Analysis 持久化）
type RiskVerdict struct {
	Tier            RiskTier `json:"risk_tier"`
	Analysis        string   `json:"analysis"`
	Prediction      string   `json:"prediction"`
	Confidence      float64  `json:"confidence"` // 始终钳制在 [0,1]
	Recommendations []string `json:"recommendations"`
	TimeToEmergency *string  `json:"time_to_emergency,omitempty"`
	Degraded        bool     `json:"degraded"` // 外部分析失败时的默认结论
}

// ClampConfidence 钳制置信度到 [0,1]
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Analysis 风险分析记录（对应 analyses 表）
type Analysis struct {
	AnalysisID      string    `json:"analysis_id" db:"analysis_id"`
	UserID          string    `json:"user_id" db:"user_id"`
	ReadingID       *string   `json:"reading_id,omitempty" db:"reading_id"`
	Tier            RiskTier  `json:"risk_tier" db:"risk_tier"`
	AnalysisText    string    `json:"analysis_text" db:"analysis_text"`
	PredictionText  string    `json:"prediction_text" db:"prediction_text"`
	Confidence      float64   `json:"confidence" db:"confidence"`
	Recommendations []string  `json:"recommendations" db:"recommendations"` // JSONB
	TimeToEmergency *string   `json:"time_to_emergency,omitempty" db:"time_to_emergency"`
	Degraded        bool      `json:"degraded" db:"degraded"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Verdict 从分析记录还原结论
func (a *Analysis) Verdict() RiskVerdict {
	return RiskVerdict{
		Tier:            a.Tier,
		Analysis:        a.AnalysisText,
		Prediction:      a.PredictionText,
		Confidence:      a.Confidence,
		Recommendations: a.Recommendations,
		TimeToEmergency: a.TimeToEmergency,
		Degraded:        a.Degraded,
	}
}
