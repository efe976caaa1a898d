package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// DB pool
	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolConnLifetime      time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolConnIdleTime      time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	// Broker
	AMQPURL           string `envconfig:"AMQP_URL" required:"true"`
	DispatchQueueName string `envconfig:"DISPATCH_QUEUE" default:"campaign_dispatch"`

	// Redis campaign-status cache (empty addr disables invalidation)
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Fire-and-forget status events (empty disables)
	StatusEventURL string `envconfig:"STATUS_EVENT_URL"`

	// Inbound auth
	GatewayWebhookToken string `envconfig:"GATEWAY_WEBHOOK_TOKEN" required:"true"`
	OpsToken            string `envconfig:"OPS_TOKEN"`
}

type WorkerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8081"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9091"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// DB pool
	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolConnLifetime      time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolConnIdleTime      time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	// Broker
	AMQPURL           string        `envconfig:"AMQP_URL" required:"true"`
	DispatchQueueName string        `envconfig:"DISPATCH_QUEUE" default:"campaign_dispatch"`
	MaxRetries        int           `envconfig:"DISPATCH_MAX_RETRIES" default:"3"`
	RetryDelay        time.Duration `envconfig:"DISPATCH_RETRY_DELAY" default:"5s"`
	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"20"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`

	// Redis campaign-status cache
	RedisAddr      string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	StatusCacheTTL time.Duration `envconfig:"STATUS_CACHE_TTL" default:"10s"`

	// Gateway
	GatewayBaseURL   string        `envconfig:"GATEWAY_BASE_URL" required:"true"`
	GatewayAPIKey    string        `envconfig:"GATEWAY_API_KEY" required:"true"`
	GatewayTimeout   time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"8s"`
	GatewayRPSPerPod float64       `envconfig:"GATEWAY_RPS_PER_POD" default:"5"`
	GatewayBurst     int           `envconfig:"GATEWAY_BURST" default:"10"`

	// Fire-and-forget status events (empty disables)
	StatusEventURL string `envconfig:"STATUS_EVENT_URL"`
}

func LoadAPI() APIConfig {
	_ = godotenv.Load()
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	_ = godotenv.Load()
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
