package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"cardiocare/internal/config"
	"cardiocare/internal/domain"
)

// twilioMessageResponse Twilio Messages/Calls API 响应（取 SID 与错误信息）
type twilioMessageResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"message"` // 错误响应的 message 字段
}

// TwilioSender Twilio 通知发送器
// 同一客户端按 channel 分别注册 whatsapp/sms/voice_call
type TwilioSender struct {
	httpClient *resty.Client
	accountSID string
	channel    domain.Channel
	from       string
	logger     *zap.Logger
}

// NewTwilioSender 创建指定通道的 Twilio 发送器
func NewTwilioSender(cfg *config.TwilioConfig, channel domain.Channel, from string, logger *zap.Logger) *TwilioSender {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.AttemptTimeout).
		SetBasicAuth(cfg.AccountSID, cfg.AuthToken).
		SetHeader("Accept", "application/json")

	return &TwilioSender{
		httpClient: client,
		accountSID: cfg.AccountSID,
		channel:    channel,
		from:       from,
		logger:     logger,
	}
}

// Send 向联系人发送一条通知（Messages.json 或 Calls.json）
func (s *TwilioSender) Send(ctx context.Context, contact *domain.EmergencyContact, body string) (string, error) {
	var path string
	form := map[string]string{
		"From": s.from,
		"To":   s.formatTo(contact.Phone),
	}

	switch s.channel {
	case domain.ChannelVoiceCall:
		path = fmt.Sprintf("/2010-04-01/Accounts/%s/Calls.json", s.accountSID)
		form["Twiml"] = fmt.Sprintf("<Response><Say>%s</Say></Response>", sanitizeForSay(body))
	default:
		path = fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", s.accountSID)
		form["Body"] = body
	}

	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetFormData(form).
		Post(path)

	if err != nil {
		return "", fmt.Errorf("failed to call Twilio API: %w", err)
	}

	// 不依赖响应的 Content-Type，直接按响应体解析；
	// 错误响应体不可解析时仍以状态码报错
	var response twilioMessageResponse
	if decodeErr := json.Unmarshal(resp.Body(), &response); decodeErr != nil && resp.StatusCode() < 400 {
		return "", fmt.Errorf("failed to decode Twilio response: %w", decodeErr)
	}

	if resp.StatusCode() >= 400 {
		return "", fmt.Errorf("Twilio API error: %s (status: %d)", response.ErrorMessage, resp.StatusCode())
	}

	if response.SID == "" {
		return "", fmt.Errorf("Twilio API returned no message SID")
	}

	s.logger.Info("notification sent",
		zap.String("channel", string(s.channel)),
		zap.String("contact_id", contact.ContactID),
		zap.String("external_id", response.SID),
	)

	return response.SID, nil
}

// formatTo 按通道格式化目标号码
func (s *TwilioSender) formatTo(phone string) string {
	if s.channel == domain.ChannelWhatsApp && !strings.HasPrefix(phone, "whatsapp:") {
		return "whatsapp:" + phone
	}
	return phone
}

// sanitizeForSay 去掉 TwiML 不能承载的字符
func sanitizeForSay(body string) string {
	replacer := strings.NewReplacer("<", "", ">", "", "&", "and", "🚨", "")
	return strings.TrimSpace(replacer.Replace(body))
}

// NewRegistryFromConfig 按配置组装通道注册表
// 仅注册配置了发件号码的通道；email 无提供商，保持未注册
func NewRegistryFromConfig(cfg *config.TwilioConfig, logger *zap.Logger) *Registry {
	registry := NewRegistry()
	if !cfg.Credentialed() {
		return registry
	}

	if cfg.WhatsAppFrom != "" {
		registry.Register(domain.ChannelWhatsApp, NewTwilioSender(cfg, domain.ChannelWhatsApp, cfg.WhatsAppFrom, logger))
	}
	if cfg.SMSFrom != "" {
		registry.Register(domain.ChannelSMS, NewTwilioSender(cfg, domain.ChannelSMS, cfg.SMSFrom, logger))
	}
	if cfg.VoiceFrom != "" {
		registry.Register(domain.ChannelVoiceCall, NewTwilioSender(cfg, domain.ChannelVoiceCall, cfg.VoiceFrom, logger))
	}

	return registry
}

var _ Sender = (*TwilioSender)(nil)
