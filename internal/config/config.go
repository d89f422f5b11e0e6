package config

import "github.com/kelseyhightower/envconfig"

type MonitorConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Redis dedup cache; empty disables the fast path.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	// Detection loop
	TickInterval      string `envconfig:"TICK_INTERVAL" default:"60s"`
	FetchRetries      int    `envconfig:"FETCH_RETRIES" default:"3"`
	FailureLogAfter   int    `envconfig:"FAILURE_LOG_AFTER" default:"5"`
	DrainInterval     string `envconfig:"DRAIN_INTERVAL" default:"1s"`
	AlarmQueueMaxSize int    `envconfig:"ALARM_QUEUE_MAX_SIZE" default:"10000"`

	// Telemetry upstream
	TelemetryBaseURL string `envconfig:"TELEMETRY_BASE_URL" required:"true"`
	TelemetryAPIKey  string `envconfig:"TELEMETRY_API_KEY" required:"true"`

	// Chat channel
	ChatBaseURL   string  `envconfig:"CHAT_BASE_URL" required:"true"`
	ChatAccountID string  `envconfig:"CHAT_ACCOUNT_ID" required:"true"`
	ChatAuthToken string  `envconfig:"CHAT_AUTH_TOKEN" required:"true"`
	ChatRPS       float64 `envconfig:"CHAT_RPS" default:"5"`
	ChatBurst     int     `envconfig:"CHAT_BURST" default:"10"`

	// Public URL the chat provider signs reply callbacks against.
	PublicWebhookURL string `envconfig:"PUBLIC_WEBHOOK_URL" required:"true"`

	// Escalation timeouts
	Level1Timeout string `envconfig:"LEVEL1_TIMEOUT" default:"5m"`
	Level2Timeout string `envconfig:"LEVEL2_TIMEOUT" default:"10m"`
}

func LoadMonitor() MonitorConfig {
	var cfg MonitorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
