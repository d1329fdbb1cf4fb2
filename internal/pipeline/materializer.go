package pipeline

import (
	"cardiocare/internal/domain"
)

// AlertTitle 升级报警的固定标题
const AlertTitle = "Critical Health Alert"

// Materialize 按升级阈值决定是否生成报警
// 纯决策：不触碰时钟和随机源，ID/时间戳由调用方补齐后再持久化
// high/critical → emergency 报警；low/medium → 抑制
func Materialize(analysis *domain.Analysis) (*domain.Alert, bool) {
	if analysis == nil || !analysis.Tier.Escalates() {
		return nil, false
	}

	analysisID := analysis.AnalysisID
	return &domain.Alert{
		UserID:     analysis.UserID,
		Type:       domain.AlertTypeEmergency,
		Title:      AlertTitle,
		Message:    analysis.AnalysisText,
		Status:     domain.AlertStatusActive,
		Severity:   string(analysis.Tier),
		AnalysisID: &analysisID,
	}, true
}
