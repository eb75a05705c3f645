package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"promo-digest/internal/adapters/extractor"
	"promo-digest/internal/adapters/ingest"
	"promo-digest/internal/adapters/repo"
	"promo-digest/internal/adapters/seed"
	"promo-digest/internal/adapters/telegram"
	"promo-digest/internal/domain"
	"promo-digest/internal/infra/cache"
	"promo-digest/internal/infra/config"
	"promo-digest/internal/infra/db"
	applog "promo-digest/internal/infra/log"
	"promo-digest/internal/infra/metrics"
	openaiinfra "promo-digest/internal/infra/openai"
	"promo-digest/internal/infra/queue"
	"promo-digest/internal/usecase/digestsel"
	"promo-digest/internal/usecase/merge"
	"promo-digest/internal/usecase/pipeline"
	"promo-digest/internal/usecase/syncstate"
)

const alertTTL = 6 * time.Hour

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv).With().Str("component", "runner").Logger()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		logger.Fatal().Err(err).Str("tz", cfg.TZ).Msg("runner: неизвестный часовой пояс")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("runner: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("runner: нет подключения к Telegram")
	}
	sender := telegram.NewSender(bot, cfg.Telegram.ChatID)

	var signalFetcher domain.SignalFetcher
	switch cfg.Sync.FetcherMode {
	case "noop", "":
		signalFetcher = ingest.NewNoop(logger)
	default:
		logger.Warn().Str("mode", cfg.Sync.FetcherMode).Msg("runner: неизвестный режим источника, используем noop")
		signalFetcher = ingest.NewNoop(logger)
	}

	var signalExtractor domain.Extractor
	if cfg.OpenAI.APIKey != "" {
		client := openaiinfra.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, 60*time.Second)
		signalExtractor = extractor.NewOpenAI(client, cfg.OpenAI.Model, 60*time.Second)
	} else {
		logger.Warn().Msg("runner: ключ OpenAI не задан, извлечение эвристикой")
		signalExtractor = extractor.NewSimple()
	}

	window := domain.MatchWindow{
		Lookback: time.Duration(cfg.Merge.WindowDays) * 24 * time.Hour,
		EndGrace: time.Duration(cfg.Merge.EndGraceDays) * 24 * time.Hour,
	}
	mergeService := merge.NewService(repoAdapter, repoAdapter, window, logger.With().Str("component", "merge").Logger())
	syncService := syncstate.NewService(signalFetcher, repoAdapter, cfg.Sync.ResyncDays, logger.With().Str("component", "sync").Logger())
	selectService := digestsel.NewService(
		repoAdapter, repoAdapter, cfg.Digest.StoreAllowlist,
		time.Duration(cfg.Digest.DailyLookback)*time.Hour,
		time.Duration(cfg.Digest.WeeklyLookback)*time.Hour,
		logger.With().Str("component", "digestsel").Logger(),
	)

	pipelineService := pipeline.NewService(pipeline.Deps{
		Locker:      repoAdapter,
		Runs:        repoAdapter,
		Stores:      repoAdapter,
		Seeds:       seed.NewYAMLSource(cfg.SeedPath),
		Syncer:      syncService,
		SourceKey:   cfg.Sync.SourceKey,
		Signals:     repoAdapter,
		Extractor:   signalExtractor,
		Extractions: repoAdapter,
		Merger:      mergeService,
		Promos:      repoAdapter,
		Selector:    selectService,
		Sender:      sender,
		EndGrace:    window.EndGrace,
		Location:    loc,
	}, logger.With().Str("component", "pipeline").Logger())

	var (
		alerts  domain.Cache
		runJobs domain.RunQueue
	)
	if cfg.RedisAddr != "" {
		redisCli := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisCli.Close()
		alerts = cache.NewRedis(redisCli)
		if cfg.Queue.Backend == "redis" {
			runJobs = queue.NewRedisRunQueue(redisCli, cfg.Queue.RunJobs)
		}
	}
	if cfg.Queue.Backend == "rabbitmq" {
		amqpQueue, err := queue.NewAMQPRunQueue(cfg.Queue.AMQPURL, cfg.Queue.RunJobs)
		if err != nil {
			logger.Fatal().Err(err).Msg("runner: нет подключения к RabbitMQ")
		}
		defer amqpQueue.Close()
		runJobs = amqpQueue
	}

	execute := func(runType string, dryRun bool) {
		result, err := pipelineService.Run(ctx, runType, dryRun)
		if err != nil {
			logger.Error().Err(err).Str("run_type", runType).Msg("runner: запуск завершился ошибкой")
			notifyFailure(ctx, logger, alerts, sender, runType, err)
			return
		}
		logger.Info().
			Str("run_type", runType).
			Str("outcome", result.Outcome).
			Int("digest_promos", result.Stats.Digest.Promos).
			Bool("digest_sent", result.Stats.Digest.Sent).
			Msg("runner: запуск завершён")
	}

	if runJobs != nil {
		go popLoop(ctx, logger, runJobs, execute)
	}

	logger.Info().
		Int("daily_hour", cfg.Schedule.DailyHour).
		Int("weekly_weekday", cfg.Schedule.WeeklyWeekday).
		Msg("runner: старт расписания")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("runner: остановка")
			return
		case now := <-ticker.C:
			local := now.In(loc)
			if local.Minute() != 0 || local.Hour() != cfg.Schedule.DailyHour {
				continue
			}
			// Защита от повторов внутри периода лежит на уникальности
			// (run_type, period_key), тикер лишь инициирует попытку.
			execute(domain.RunTypeDaily, false)
			if int(local.Weekday()) == cfg.Schedule.WeeklyWeekday {
				execute(domain.RunTypeWeekly, false)
			}
		}
	}
}

// popLoop обрабатывает задания на запуск, поставленные через API.
func popLoop(ctx context.Context, logger zerolog.Logger, jobs domain.RunQueue, execute func(string, bool)) {
	for {
		job, err := jobs.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("runner: очередь заданий недоступна")
			time.Sleep(5 * time.Second)
			continue
		}
		switch job.Type {
		case domain.RunTypeDaily, domain.RunTypeWeekly:
			execute(job.Type, job.DryRun)
		default:
			logger.Warn().Str("type", job.Type).Msg("runner: неизвестный тип задания")
		}
	}
}

// notifyFailure шлёт оператору не более одного алерта на тип запуска за TTL.
func notifyFailure(ctx context.Context, logger zerolog.Logger, alerts domain.Cache, sender domain.DigestSender, runType string, runErr error) {
	if alerts == nil {
		return
	}
	key := "promo_digest:alert:" + runType
	err := alerts.Once(key, alertTTL, func() error {
		text := fmt.Sprintf("⚠️ Запуск %s завершился ошибкой: %v", runType, runErr)
		_, sendErr := sender.SendDigest(ctx, text)
		return sendErr
	})
	if err != nil {
		logger.Error().Err(err).Str("run_type", runType).Msg("runner: алерт не отправлен")
	}
}
