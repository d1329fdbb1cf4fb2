package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// AnalyzerConfig 风险分析服务配置（OpenRouter 兼容 API）
// APIKey 为空是合法的 fallback 模式，不是启动错误
type AnalyzerConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// TwilioConfig 通知通道配置（Twilio）
// 凭证缺失时分发器记录 skip，不报错
type TwilioConfig struct {
	BaseURL        string
	AccountSID     string
	AuthToken      string
	WhatsAppFrom   string // 如 "whatsapp:+14155238886"
	SMSFrom        string
	VoiceFrom      string
	AttemptTimeout time.Duration // 单次投递尝试的超时
}

// Credentialed 凭证是否就绪
func (c *TwilioConfig) Credentialed() bool {
	return c.AccountSID != "" && c.AuthToken != ""
}

// PipelineConfig 升级管道配置
type PipelineConfig struct {
	ReadingsStream  string // 读数摄入流
	DispatchStream  string // 手动触发/重新分发流
	ConsumerGroup   string
	ConsumerName    string
	BatchSize       int64
	WorkerCount     int
	DispatchLockTTL time.Duration // 单报警分发互斥锁 TTL
	PendingMinIdle  time.Duration // 未确认消息闲置多久后被其他 worker 认领重投
}

// MQTTConfig 可穿戴设备 MQTT 摄入配置（默认关闭）
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// Config CardioCare 服务配置
type Config struct {
	HTTP struct {
		Addr string
	}
	Database DatabaseConfig
	Redis    struct {
		Addr     string
		Password string
		DB       int
	}
	Analyzer AnalyzerConfig
	Twilio   TwilioConfig
	Pipeline PipelineConfig
	MQTT     MQTTConfig
	Log      struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置（带默认值）
func Load() *Config {
	cfg := &Config{}

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "cardiocare")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "20"), 20)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.Analyzer.BaseURL = getEnv("ANALYZER_BASE_URL", "https://openrouter.ai/api/v1")
	cfg.Analyzer.APIKey = getEnv("ANALYZER_API_KEY", "")
	cfg.Analyzer.Model = getEnv("ANALYZER_MODEL", "anthropic/claude-3-haiku")
	cfg.Analyzer.Timeout = parseDuration(getEnv("ANALYZER_TIMEOUT", "30s"), 30*time.Second)

	cfg.Twilio.BaseURL = getEnv("TWILIO_BASE_URL", "https://api.twilio.com")
	cfg.Twilio.AccountSID = getEnv("TWILIO_ACCOUNT_SID", "")
	cfg.Twilio.AuthToken = getEnv("TWILIO_AUTH_TOKEN", "")
	cfg.Twilio.WhatsAppFrom = getEnv("TWILIO_WHATSAPP_FROM", "whatsapp:+14155238886")
	cfg.Twilio.SMSFrom = getEnv("TWILIO_SMS_FROM", "")
	cfg.Twilio.VoiceFrom = getEnv("TWILIO_VOICE_FROM", "")
	cfg.Twilio.AttemptTimeout = parseDuration(getEnv("DISPATCH_ATTEMPT_TIMEOUT", "15s"), 15*time.Second)

	cfg.Pipeline.ReadingsStream = getEnv("PIPELINE_READINGS_STREAM", "cardiocare:readings")
	cfg.Pipeline.DispatchStream = getEnv("PIPELINE_DISPATCH_STREAM", "cardiocare:dispatch")
	cfg.Pipeline.ConsumerGroup = getEnv("PIPELINE_CONSUMER_GROUP", "cardiocare-pipeline")
	cfg.Pipeline.ConsumerName = getEnv("PIPELINE_CONSUMER_NAME", hostnameOr("pipeline-worker"))
	cfg.Pipeline.BatchSize = int64(parseInt(getEnv("PIPELINE_BATCH_SIZE", "10"), 10))
	cfg.Pipeline.WorkerCount = parseInt(getEnv("PIPELINE_WORKER_COUNT", "4"), 4)
	cfg.Pipeline.DispatchLockTTL = parseDuration(getEnv("DISPATCH_LOCK_TTL", "2m"), 2*time.Minute)
	cfg.Pipeline.PendingMinIdle = parseDuration(getEnv("PIPELINE_PENDING_MIN_IDLE", "1m"), time.Minute)

	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "cardiocare-ingest")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "cardiocare/readings/+")
	cfg.MQTT.QoS = byte(parseInt(getEnv("MQTT_QOS", "1"), 1))

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string, defaultValue int) int {
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return defaultValue
}

func hostnameOr(defaultValue string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return defaultValue + "-" + h
	}
	return defaultValue
}
