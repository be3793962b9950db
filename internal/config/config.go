package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	WorkerID int64  `mapstructure:"worker_id"`
	Instance string `mapstructure:"instance"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers  []string         `mapstructure:"brokers"`
	ClientID string           `mapstructure:"client_id"`
	Version  string           `mapstructure:"version"`
	Topic    KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	ApplicationSubmitted string `mapstructure:"application_submitted"`
	RiskAssessed         string `mapstructure:"risk_assessed"`
	DecisionMade         string `mapstructure:"decision_made"`
	DeadLetter           string `mapstructure:"dead_letter"`
}

// OutboxConfig 发件箱投递任务配置
type OutboxConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Concurrency  int           `mapstructure:"concurrency"`
	MaxRetryWarn int           `mapstructure:"max_retry_warn"`
	LockEnabled  bool          `mapstructure:"lock_enabled"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
}

type MonitorConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StuckAfter time.Duration `mapstructure:"stuck_after"`
	StuckLimit int           `mapstructure:"stuck_limit"`
	QueueWarn  int64         `mapstructure:"queue_warn"`
}

type ReconcileConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	BatchSize  int           `mapstructure:"batch_size"`
}

// DedupConfig 幂等键配置
// TTL 必须大于 Kafka 的消息保留时间，否则过期后的重投会被当成新事件
type DedupConfig struct {
	Prefix        string        `mapstructure:"prefix"`
	TTL           time.Duration `mapstructure:"ttl"`
	ProcessingTTL time.Duration `mapstructure:"processing_ttl"`
}

type ConsumerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Concurrency    int           `mapstructure:"concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	RiskGroup      string        `mapstructure:"risk_group"`
	DecisionGroup  string        `mapstructure:"decision_group"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
}

type CacheConfig struct {
	ApplicationTTL time.Duration `mapstructure:"application_ttl"`
	AssessmentTTL  time.Duration `mapstructure:"assessment_ttl"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)

	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.log_level", "warn")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.client_id", "creditflow")
	v.SetDefault("kafka.version", "2.8.0")
	v.SetDefault("kafka.topic.application_submitted", "credit.application.submitted")
	v.SetDefault("kafka.topic.risk_assessed", "risk.assessment.completed")
	v.SetDefault("kafka.topic.decision_made", "credit.decision.made")
	v.SetDefault("kafka.topic.dead_letter", "credit.dead-letter")

	v.SetDefault("outbox.interval", "100ms")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.concurrency", 1)
	v.SetDefault("outbox.max_retry_warn", 10)
	v.SetDefault("outbox.lock_enabled", false)
	v.SetDefault("outbox.lock_ttl", "30s")

	v.SetDefault("monitor.interval", "1m")
	v.SetDefault("monitor.stuck_after", "5m")
	v.SetDefault("monitor.stuck_limit", 100)
	v.SetDefault("monitor.queue_warn", 1000)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", "1m")
	v.SetDefault("reconcile.stale_after", "15m")
	v.SetDefault("reconcile.batch_size", 50)

	v.SetDefault("dedup.prefix", "idempotency:")
	v.SetDefault("dedup.ttl", "168h")
	v.SetDefault("dedup.processing_ttl", "10m")

	v.SetDefault("consumer.enabled", true)
	v.SetDefault("consumer.concurrency", 3)
	v.SetDefault("consumer.max_attempts", 5)
	v.SetDefault("consumer.retry_backoff", "500ms")
	v.SetDefault("consumer.risk_group", "risk-assessment-group")
	v.SetDefault("consumer.decision_group", "decision-group")
	v.SetDefault("consumer.session_timeout", "10s")

	v.SetDefault("cache.application_ttl", "30m")
	v.SetDefault("cache.assessment_ttl", "1h")

	v.SetDefault("log.level", "info")
}

// LoadConfig 加载配置文件，环境变量 CREDITFLOW_<SECTION>_<KEY> 可覆盖文件中的值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("creditflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 启动时校验关键配置，避免运行期才暴露问题
func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers 不能为空")
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batch_size 必须大于0")
	}
	if c.Outbox.Interval <= 0 {
		return fmt.Errorf("outbox.interval 必须大于0")
	}
	if c.Dedup.TTL <= 0 {
		return fmt.Errorf("dedup.ttl 必须大于0")
	}
	if c.Dedup.ProcessingTTL < 0 || c.Dedup.ProcessingTTL > c.Dedup.TTL {
		return fmt.Errorf("dedup.processing_ttl 必须在 0 与 dedup.ttl 之间")
	}
	if c.Consumer.MaxAttempts <= 0 {
		return fmt.Errorf("consumer.max_attempts 必须大于0")
	}
	return nil
}
