package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"cardiocare/internal/config"
	"cardiocare/internal/domain"
)

// chatMessage OpenRouter chat-completions 消息
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest OpenRouter chat-completions 请求
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

// chatResponse OpenRouter chat-completions 响应
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// verdictPayload 模型返回的 JSON 结论
type verdictPayload struct {
	RiskLevel       string   `json:"risk_level"`
	Analysis        string   `json:"analysis"`
	Prediction      string   `json:"prediction"`
	Confidence      float64  `json:"confidence"`
	Recommendations []string `json:"recommendations"`
	TimeToEmergency *string  `json:"time_to_emergency"`
}

// Client 风险分析客户端（OpenRouter 兼容 API）
// Analyze 永不返回错误：外部失败一律降级为保守结论，管道照常推进
type Client struct {
	httpClient *resty.Client
	apiKey     string
	model      string
	logger     *zap.Logger
}

// NewClient 创建风险分析客户端
// apiKey 为空时进入 fallback 模式（固定高风险演示结论），不是错误
func NewClient(cfg *config.AnalyzerConfig, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	return &Client{
		httpClient: client,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		logger:     logger,
	}
}

// Analyze 分析一条 ECG 读数（附带最近分析历史作为上下文）
// 任何失败路径都返回降级结论（medium/0.5），不返回错误
func (c *Client) Analyze(ctx context.Context, reading *domain.Reading, recent []*domain.Analysis) *domain.RiskVerdict {
	if c.apiKey == "" {
		c.logger.Warn("analyzer API key not configured, using fallback verdict",
			zap.String("reading_id", reading.ReadingID),
		)
		return fallbackVerdict()
	}

	request := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{
				Role:    "system",
				Content: "You are a medical AI assistant specialized in analyzing health data and detecting emergencies.",
			},
			{
				Role:    "user",
				Content: buildPrompt(reading, recent),
			},
		},
		MaxTokens:   1000,
		Temperature: 0.1,
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(request).
		Post("/chat/completions")

	if err != nil {
		c.logger.Error("analyzer API call failed",
			zap.Error(err),
			zap.String("reading_id", reading.ReadingID),
		)
		return degradedVerdict()
	}

	if resp.StatusCode() >= 400 {
		c.logger.Error("analyzer API returned error status",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("reading_id", reading.ReadingID),
		)
		return degradedVerdict()
	}

	// 不依赖响应的 Content-Type，直接按响应体解析
	var response chatResponse
	if err := json.Unmarshal(resp.Body(), &response); err != nil {
		c.logger.Error("failed to decode analyzer response",
			zap.Error(err),
			zap.String("reading_id", reading.ReadingID),
		)
		return degradedVerdict()
	}

	if len(response.Choices) == 0 {
		c.logger.Error("analyzer API returned no choices",
			zap.String("reading_id", reading.ReadingID),
		)
		return degradedVerdict()
	}

	verdict, err := parseVerdict(response.Choices[0].Message.Content)
	if err != nil {
		c.logger.Error("failed to parse analyzer verdict",
			zap.Error(err),
			zap.String("reading_id", reading.ReadingID),
		)
		return degradedVerdict()
	}

	c.logger.Info("risk analysis completed",
		zap.String("reading_id", reading.ReadingID),
		zap.String("risk_tier", string(verdict.Tier)),
		zap.Float64("confidence", verdict.Confidence),
	)

	return verdict
}

// buildPrompt 拼装分析提示（读数 + 最近分析摘要）
func buildPrompt(reading *domain.Reading, recent []*domain.Analysis) string {
	healthData := map[string]any{
		"user_id":   reading.UserID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"ecg": map[string]any{
			"waveform":   reading.Waveform,
			"heart_rate": reading.HeartRate,
			"duration":   reading.DurationSec,
		},
	}

	if len(recent) > 0 {
		history := make([]map[string]any, 0, len(recent))
		for _, a := range recent {
			history = append(history, map[string]any{
				"risk_level": string(a.Tier),
				"analysis":   a.AnalysisText,
				"created_at": a.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		healthData["recent_analyses"] = history
	}

	encoded, _ := json.MarshalIndent(healthData, "", "  ")

	return fmt.Sprintf(`Analyze the following health data and provide a medical assessment:

Health Data: %s

Please provide:
1. Risk level (low, medium, high, critical)
2. Medical analysis of the data
3. Prediction of potential health issues
4. Confidence score (0-1)
5. Recommendations
6. Time to potential emergency (if applicable)

Respond in JSON format with keys: risk_level, analysis, prediction, confidence, recommendations, time_to_emergency.`, string(encoded))
}

// parseVerdict 解析模型返回的 JSON 结论
// 容忍 markdown 代码块包裹；缺省字段按原始行为补默认值
func parseVerdict(content string) (*domain.RiskVerdict, error) {
	content = stripCodeFence(content)

	var payload verdictPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verdict: %w", err)
	}

	analysis := payload.Analysis
	if analysis == "" {
		analysis = "Analysis completed"
	}
	prediction := payload.Prediction
	if prediction == "" {
		prediction = "No immediate concerns"
	}
	confidence := payload.Confidence
	if confidence == 0 {
		confidence = 0.8
	}
	recommendations := payload.Recommendations
	if recommendations == nil {
		recommendations = []string{}
	}

	return &domain.RiskVerdict{
		Tier:            domain.ParseRiskTier(payload.RiskLevel),
		Analysis:        analysis,
		Prediction:      prediction,
		Confidence:      domain.ClampConfidence(confidence),
		Recommendations: recommendations,
		TimeToEmergency: payload.TimeToEmergency,
		Degraded:        false,
	}, nil
}

// stripCodeFence 剥离模型偶发的 ```json 包裹
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// fallbackVerdict 未配置 API key 时的固定演示结论
func fallbackVerdict() *domain.RiskVerdict {
	return &domain.RiskVerdict{
		Tier:       domain.RiskHigh,
		Analysis:   "Abnormal QRS complex indicating potential arrhythmia",
		Prediction: "Immediate medical attention recommended",
		Confidence: 0.95,
		Recommendations: []string{
			"Seek immediate medical attention",
			"Contact emergency services",
			"Take prescribed emergency medication if available",
		},
		Degraded: false,
	}
}

// degradedVerdict 外部分析失败时的保守结论
func degradedVerdict() *domain.RiskVerdict {
	return &domain.RiskVerdict{
		Tier:            domain.RiskMedium,
		Analysis:        "Unable to complete AI analysis",
		Prediction:      "Manual review recommended",
		Confidence:      0.5,
		Recommendations: []string{"Consult healthcare provider"},
		Degraded:        true,
	}
}
