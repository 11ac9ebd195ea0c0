package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
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

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Config 采集报警服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 采集配置
	Ingest struct {
		MaxPayloadBytes int           // 载荷大小上限，默认 1 MiB
		WorkerCount     int           // 工作池大小，默认 8
		QueueSize       int           // 任务队列容量，默认 1024
		RetryMax        int           // 瞬时错误重试次数，默认 3
		RetryBackoff    time.Duration // 初始退避时间，默认 500ms
		DrainTimeout    time.Duration // 关闭时任务排空超时，默认 10s
	}

	// 批量写入配置
	Batch struct {
		Size          int           // 触发立即落库的批大小，默认 100
		FlushInterval time.Duration // 定时落库间隔，默认 10s
		StopTimeout   time.Duration // 停止时最终落库超时，默认 5s
	}

	// 电子围栏配置
	Geofence struct {
		CacheTTL          time.Duration // 多边形缓存 TTL，默认 60s
		ViolationSeverity string        // 越界报警级别，默认 HIGH
	}

	// 遥测规则配置
	Telemetry struct {
		LowBatteryThreshold int // 低电量报警阈值（%），默认 15；0 表示禁用
	}

	// 通知配置
	Notify struct {
		SMS struct {
			GatewayURL string
			APIKey     string
			From       string
			RatePerMin int // 单手机号每分钟限额，默认 10
		}
		SMTP struct {
			Host     string
			Port     int
			Username string
			Password string
			From     string
		}
		Push struct {
			GatewayURL string
			APIKey     string
		}
		ProviderTimeout time.Duration // 单次 provider 调用超时，默认 5s
		NOCStream       string        // NOC 看板 Redis Stream，默认 "noc:critical-alerts"

		// 值班收件人（逗号分隔环境变量加载）
		Recipients struct {
			SMS   []string // 手机号
			Email []string // 邮箱
			Push  []string // 设备 token
		}
	}

	// 聚类配置
	Cluster struct {
		JoinThreshold     float64       // 并入已有聚类的相似度阈值，默认 0.5
		SuppressThreshold float64       // 自动抑制的相似度阈值，默认 0.9
		InactiveAfter     time.Duration // 聚类失活窗口，默认 4h
		SweepInterval     time.Duration // 失活扫描间隔，默认 10m
	}

	Metrics struct {
		ListenAddr string // Prometheus /metrics 监听地址，默认 ":9190"
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "guardlink")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "guardlink-ingest")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")

	cfg.Ingest.MaxPayloadBytes = getEnvInt("INGEST_MAX_PAYLOAD_BYTES", 1<<20)
	cfg.Ingest.WorkerCount = getEnvInt("INGEST_WORKER_COUNT", 8)
	cfg.Ingest.QueueSize = getEnvInt("INGEST_QUEUE_SIZE", 1024)
	cfg.Ingest.RetryMax = getEnvInt("INGEST_RETRY_MAX", 3)
	cfg.Ingest.RetryBackoff = getEnvDuration("INGEST_RETRY_BACKOFF", 500*time.Millisecond)
	cfg.Ingest.DrainTimeout = getEnvDuration("INGEST_DRAIN_TIMEOUT", 10*time.Second)

	cfg.Batch.Size = getEnvInt("BATCH_SIZE", 100)
	cfg.Batch.FlushInterval = getEnvDuration("BATCH_FLUSH_INTERVAL", 10*time.Second)
	cfg.Batch.StopTimeout = getEnvDuration("BATCH_STOP_TIMEOUT", 5*time.Second)

	cfg.Geofence.CacheTTL = getEnvDuration("GEOFENCE_CACHE_TTL", 60*time.Second)
	cfg.Geofence.ViolationSeverity = getEnv("GEOFENCE_VIOLATION_SEVERITY", "HIGH")

	cfg.Telemetry.LowBatteryThreshold = getEnvInt("TELEMETRY_LOW_BATTERY_THRESHOLD", 15)

	cfg.Notify.SMS.GatewayURL = getEnv("SMS_GATEWAY_URL", "")
	cfg.Notify.SMS.APIKey = getEnv("SMS_API_KEY", "")
	cfg.Notify.SMS.From = getEnv("SMS_FROM", "")
	cfg.Notify.SMS.RatePerMin = getEnvInt("SMS_RATE_PER_MINUTE", 10)
	cfg.Notify.SMTP.Host = getEnv("SMTP_HOST", "")
	cfg.Notify.SMTP.Port = getEnvInt("SMTP_PORT", 587)
	cfg.Notify.SMTP.Username = getEnv("SMTP_USERNAME", "")
	cfg.Notify.SMTP.Password = getEnv("SMTP_PASSWORD", "")
	cfg.Notify.SMTP.From = getEnv("SMTP_FROM", "")
	cfg.Notify.Push.GatewayURL = getEnv("PUSH_GATEWAY_URL", "")
	cfg.Notify.Push.APIKey = getEnv("PUSH_API_KEY", "")
	cfg.Notify.ProviderTimeout = getEnvDuration("NOTIFY_PROVIDER_TIMEOUT", 5*time.Second)
	cfg.Notify.NOCStream = getEnv("NOC_STREAM", "noc:critical-alerts")
	cfg.Notify.Recipients.SMS = getEnvList("NOTIFY_SMS_RECIPIENTS")
	cfg.Notify.Recipients.Email = getEnvList("NOTIFY_EMAIL_RECIPIENTS")
	cfg.Notify.Recipients.Push = getEnvList("NOTIFY_PUSH_RECIPIENTS")

	cfg.Cluster.JoinThreshold = getEnvFloat("CLUSTER_JOIN_THRESHOLD", 0.5)
	cfg.Cluster.SuppressThreshold = getEnvFloat("CLUSTER_SUPPRESS_THRESHOLD", 0.9)
	cfg.Cluster.InactiveAfter = getEnvDuration("CLUSTER_INACTIVE_AFTER", 4*time.Hour)
	cfg.Cluster.SweepInterval = getEnvDuration("CLUSTER_SWEEP_INTERVAL", 10*time.Minute)

	cfg.Metrics.ListenAddr = getEnv("METRICS_LISTEN_ADDR", ":9190")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Ingest.MaxPayloadBytes <= 0 {
		return fmt.Errorf("INGEST_MAX_PAYLOAD_BYTES must be positive")
	}
	if c.Ingest.WorkerCount <= 0 {
		return fmt.Errorf("INGEST_WORKER_COUNT must be positive")
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}
	if c.Batch.FlushInterval <= 0 {
		return fmt.Errorf("BATCH_FLUSH_INTERVAL must be positive")
	}
	if c.Cluster.JoinThreshold <= 0 || c.Cluster.JoinThreshold > 1 {
		return fmt.Errorf("CLUSTER_JOIN_THRESHOLD must be in (0, 1]")
	}
	if c.Cluster.SuppressThreshold < c.Cluster.JoinThreshold || c.Cluster.SuppressThreshold > 1 {
		return fmt.Errorf("CLUSTER_SUPPRESS_THRESHOLD must be in [join_threshold, 1]")
	}
	if c.Notify.SMS.RatePerMin <= 0 {
		return fmt.Errorf("SMS_RATE_PER_MINUTE must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
