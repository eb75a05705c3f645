package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"America/New_York"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Queue struct {
		Backend string `envconfig:"QUEUE_BACKEND" default:"redis"`
		RunJobs string `envconfig:"RUN_JOBS_QUEUE_KEY" default:"promo_run_jobs"`
		AMQPURL string `envconfig:"AMQP_URL"`
	} `envconfig:""`

	Telegram struct {
		Token  string `envconfig:"TG_BOT_TOKEN"`
		ChatID int64  `envconfig:"TG_CHAT_ID"`
	} `envconfig:""`

	OpenAI struct {
		APIKey  string `envconfig:"OPENAI_API_KEY"`
		BaseURL string `envconfig:"OPENAI_BASE_URL"`
		Model   string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	} `envconfig:""`

	Merge struct {
		WindowDays   int `envconfig:"MATCH_WINDOW_DAYS" default:"30"`
		EndGraceDays int `envconfig:"MATCH_END_GRACE_DAYS" default:"2"`
	} `envconfig:""`

	Sync struct {
		SourceKey   string `envconfig:"SYNC_SOURCE_KEY" default:"gmail"`
		ResyncDays  int    `envconfig:"SYNC_RESYNC_DAYS" default:"14"`
		FetcherMode string `envconfig:"SYNC_FETCHER_MODE" default:"noop"`
	} `envconfig:""`

	Schedule struct {
		DailyHour     int `envconfig:"DAILY_RUN_HOUR" default:"9"`
		WeeklyWeekday int `envconfig:"WEEKLY_RUN_WEEKDAY" default:"1"`
	} `envconfig:""`

	Digest struct {
		StoreAllowlist []string `envconfig:"DIGEST_STORE_ALLOWLIST"`
		DailyLookback  int      `envconfig:"DIGEST_DAILY_LOOKBACK_HOURS" default:"24"`
		WeeklyLookback int      `envconfig:"DIGEST_WEEKLY_LOOKBACK_HOURS" default:"168"`
	} `envconfig:""`

	SeedPath string `envconfig:"STORES_SEED_PATH" default:"stores.yaml"`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
