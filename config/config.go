package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// 应用配置
	AppName     string
	Environment string
	Port        string

	// 线路 API 配置
	APIHost           string
	APIKey            string
	APIAttempts       int
	APIRequestTimeout time.Duration // 单次请求超时 (0 = 不限制)
	APIWindowDays     int

	// Rabbit 配置
	RabbitPrefix      string
	RabbitUser        string
	RabbitPassword    string
	RabbitHost        string
	RabbitVHost       string
	RabbitRoutingKey  string
	RabbitExchange    string
	RabbitOutExchange string

	// 周期重启配置
	RestartInitialDelay  time.Duration
	RestartMaxDelay      time.Duration
	RestartBackoffFactor float64

	// 存储配置
	DatabaseURL string
	RedisAddr   string
	SnapshotTTL time.Duration

	// 数据清理配置
	CleanupRetainDays int
	CleanupInterval   time.Duration

	// 变更发布配置
	PublishBackend string // rabbit, kafka, none
	KafkaBrokers   []string
	KafkaTopic     string

	// 通知配置
	LarkWebhook string
}

func Load() *Config {
	cfg := &Config{
		AppName:     getEnv("APP_NAME", "LinesClient"),
		Environment: getEnv("ENVIRONMENT", "development"),
		Port:        getEnv("PORT", "8080"),

		APIHost:           strings.TrimRight(getEnv("API_HOST", ""), "/"),
		APIKey:            getEnv("API_KEY", ""),
		APIAttempts:       getEnvInt("API_ATTEMPTS", 3),
		APIRequestTimeout: getEnvDuration("API_REQUEST_TIMEOUT", 30*time.Second),
		APIWindowDays:     getEnvInt("API_WINDOW_DAYS", 2),

		RabbitPrefix:      getEnv("RABBIT_PREFIX", "amqp"),
		RabbitUser:        getEnv("RABBIT_USER", "guest"),
		RabbitPassword:    getEnv("RABBIT_PASSWORD", "guest"),
		RabbitHost:        getEnv("RABBIT_HOST", ""),
		RabbitVHost:       getEnv("RABBIT_VHOST", ""),
		RabbitRoutingKey:  getEnv("RABBIT_ROUTING_KEY", ""),
		RabbitExchange:    getEnv("RABBIT_EXCHANGE", ""),
		RabbitOutExchange: getEnv("RABBIT_OUT_EXCHANGE", ""),

		RestartInitialDelay:  getEnvDuration("RESTART_INITIAL_DELAY", 1*time.Second),
		RestartMaxDelay:      getEnvDuration("RESTART_MAX_DELAY", 60*time.Second),
		RestartBackoffFactor: getEnvFloat("RESTART_BACKOFF_FACTOR", 2.0),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisAddr:   getEnv("REDIS_ADDR", ""),
		SnapshotTTL: getEnvDuration("SNAPSHOT_TTL", 72*time.Hour),

		CleanupRetainDays: getEnvInt("CLEANUP_RETAIN_DAYS", 7),
		CleanupInterval:   getEnvDuration("CLEANUP_INTERVAL", 6*time.Hour),

		KafkaBrokers: getList("KAFKA_BROKERS", ""),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "lines-changes"),

		LarkWebhook: getEnv("LARK_WEBHOOK", ""),
	}

	// 未显式指定时，有出站 exchange 就走 rabbit
	defaultBackend := "none"
	if cfg.RabbitOutExchange != "" {
		defaultBackend = "rabbit"
	}
	cfg.PublishBackend = strings.ToLower(getEnv("PUBLISH_BACKEND", defaultBackend))

	return cfg
}

// RabbitURI 组装 broker 连接串，用户名、密码和 vhost 按 URI 规则转义
func (c *Config) RabbitURI() string {
	u := url.URL{
		Scheme:   c.RabbitPrefix,
		User:     url.UserPassword(c.RabbitUser, c.RabbitPassword),
		Host:     c.RabbitHost,
		Path:     "/" + c.RabbitVHost,
		RawQuery: "heartbeat=15",
	}
	return u.String()
}

// Validate 检查必填项
func (c *Config) Validate() error {
	var missing []string
	if c.APIHost == "" {
		missing = append(missing, "API_HOST")
	}
	if c.RabbitHost == "" {
		missing = append(missing, "RABBIT_HOST")
	}
	if c.RabbitExchange == "" {
		missing = append(missing, "RABBIT_EXCHANGE")
	}
	if c.RabbitRoutingKey == "" {
		missing = append(missing, "RABBIT_ROUTING_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.APIAttempts <= 0 {
		return fmt.Errorf("API_ATTEMPTS must be positive, got %d", c.APIAttempts)
	}

	switch c.PublishBackend {
	case "none", "rabbit", "kafka":
	default:
		return fmt.Errorf("unknown PUBLISH_BACKEND %q", c.PublishBackend)
	}
	if c.PublishBackend == "rabbit" && c.RabbitOutExchange == "" {
		return fmt.Errorf("PUBLISH_BACKEND=rabbit requires RABBIT_OUT_EXCHANGE")
	}
	if c.PublishBackend == "kafka" && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("PUBLISH_BACKEND=kafka requires KAFKA_BROKERS")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return result
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil || result <= 0 {
		return defaultValue
	}
	return result
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := time.ParseDuration(value)
	if err != nil || result < 0 {
		return defaultValue
	}
	return result
}

func getList(key, defaultValue string) []string {
	value := getEnv(key, defaultValue)
	if value == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
