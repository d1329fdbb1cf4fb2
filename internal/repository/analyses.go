package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"cardiocare/internal/domain"

	"go.uber.org/zap"
)

// AnalysesRepository 风险分析记录仓库
type AnalysesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAnalysesRepository 创建分析记录仓库
func NewAnalysesRepository(db *sql.DB, logger *zap.Logger) *AnalysesRepository {
	return &AnalysesRepository{
		db:     db,
		logger: logger,
	}
}

// CreateAnalysis 创建分析记录
func (r *AnalysesRepository) CreateAnalysis(ctx context.Context, analysis *domain.Analysis) error {
	if analysis == nil {
		return fmt.Errorf("analysis is required")
	}
	if analysis.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	recommendationsJSON, err := json.Marshal(analysis.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to marshal recommendations: %w", err)
	}

	query := `
		INSERT INTO analyses (
			analysis_id,
			user_id,
			reading_id,
			risk_tier,
			analysis_text,
			prediction_text,
			confidence,
			recommendations,
			time_to_emergency,
			degraded,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	_, err = r.db.ExecContext(ctx, query,
		analysis.AnalysisID,
		analysis.UserID,
		analysis.ReadingID,
		string(analysis.Tier),
		analysis.AnalysisText,
		analysis.PredictionText,
		analysis.Confidence,
		recommendationsJSON,
		analysis.TimeToEmergency,
		analysis.Degraded,
		analysis.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create analysis: %w", err)
	}

	return nil
}

// GetLatestAnalysis 获取用户最近一次分析（读投影，供 API 层查询）
// 没有记录时返回 (nil, nil)
func (r *AnalysesRepository) GetLatestAnalysis(ctx context.Context, userID string) (*domain.Analysis, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT
			analysis_id,
			user_id,
			reading_id,
			risk_tier,
			analysis_text,
			prediction_text,
			confidence,
			recommendations,
			time_to_emergency,
			degraded,
			created_at
		FROM analyses
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	analysis, err := r.scanAnalysis(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest analysis: %w", err)
	}

	return analysis, nil
}

// GetAnalysisByReading 获取读数对应的分析记录
// 消息重投时据此跳过重复分析；没有记录返回 (nil, nil)
func (r *AnalysesRepository) GetAnalysisByReading(ctx context.Context, readingID string) (*domain.Analysis, error) {
	if readingID == "" {
		return nil, fmt.Errorf("reading_id is required")
	}

	query := `
		SELECT
			analysis_id,
			user_id,
			reading_id,
			risk_tier,
			analysis_text,
			prediction_text,
			confidence,
			recommendations,
			time_to_emergency,
			degraded,
			created_at
		FROM analyses
		WHERE reading_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	analysis, err := r.scanAnalysis(r.db.QueryRowContext(ctx, query, readingID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get analysis by reading: %w", err)
	}

	return analysis, nil
}

// GetAnalysis 根据 analysis_id 获取分析记录
func (r *AnalysesRepository) GetAnalysis(ctx context.Context, analysisID string) (*domain.Analysis, error) {
	if analysisID == "" {
		return nil, fmt.Errorf("analysis_id is required")
	}

	query := `
		SELECT
			analysis_id,
			user_id,
			reading_id,
			risk_tier,
			analysis_text,
			prediction_text,
			confidence,
			recommendations,
			time_to_emergency,
			degraded,
			created_at
		FROM analyses
		WHERE analysis_id = $1
	`

	analysis, err := r.scanAnalysis(r.db.QueryRowContext(ctx, query, analysisID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("analysis not found: analysis_id=%s", analysisID)
		}
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}

	return analysis, nil
}

// ListRecentAnalyses 获取用户最近 N 条分析（作为 Analyzer 的上下文输入）
func (r *AnalysesRepository) ListRecentAnalyses(ctx context.Context, userID string, limit int) ([]*domain.Analysis, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if limit <= 0 {
		limit = 5
	}

	query := `
		SELECT
			analysis_id,
			user_id,
			reading_id,
			risk_tier,
			analysis_text,
			prediction_text,
			confidence,
			recommendations,
			time_to_emergency,
			degraded,
			created_at
		FROM analyses
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent analyses: %w", err)
	}
	defer rows.Close()

	analyses := []*domain.Analysis{}
	for rows.Next() {
		analysis, err := r.scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		analyses = append(analyses, analysis)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate analyses: %w", err)
	}

	return analyses, nil
}

// rowScanner QueryRow 和 Rows 的公共扫描接口
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *AnalysesRepository) scanAnalysis(row rowScanner) (*domain.Analysis, error) {
	var analysis domain.Analysis
	var readingID, timeToEmergency sql.NullString
	var tier string
	var recommendationsJSON []byte

	err := row.Scan(
		&analysis.AnalysisID,
		&analysis.UserID,
		&readingID,
		&tier,
		&analysis.AnalysisText,
		&analysis.PredictionText,
		&analysis.Confidence,
		&recommendationsJSON,
		&timeToEmergency,
		&analysis.Degraded,
		&analysis.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	analysis.Tier = domain.ParseRiskTier(tier)
	if readingID.Valid {
		analysis.ReadingID = &readingID.String
	}
	if timeToEmergency.Valid {
		analysis.TimeToEmergency = &timeToEmergency.String
	}
	if len(recommendationsJSON) > 0 {
		if err := json.Unmarshal(recommendationsJSON, &analysis.Recommendations); err != nil {
			// 推荐列表损坏不阻断查询
			r.logger.Warn("Failed to unmarshal recommendations",
				zap.String("analysis_id", analysis.AnalysisID),
				zap.Error(err),
			)
			analysis.Recommendations = []string{}
		}
	} else {
		analysis.Recommendations = []string{}
	}

	return &analysis, nil
}
