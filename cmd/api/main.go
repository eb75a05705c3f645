package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	redisclient "github.com/redis/go-redis/v9"

	"promo-digest/internal/adapters/repo"
	"promo-digest/internal/domain"
	"promo-digest/internal/infra/config"
	"promo-digest/internal/infra/db"
	applog "promo-digest/internal/infra/log"
	"promo-digest/internal/infra/metrics"
	"promo-digest/internal/infra/queue"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv).With().Str("component", "api").Logger()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	var runJobs domain.RunQueue
	switch cfg.Queue.Backend {
	case "rabbitmq":
		amqpQueue, err := queue.NewAMQPRunQueue(cfg.Queue.AMQPURL, cfg.Queue.RunJobs)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: нет подключения к RabbitMQ")
		}
		defer amqpQueue.Close()
		runJobs = amqpQueue
	default:
		if cfg.RedisAddr != "" {
			redisCli := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
			defer redisCli.Close()
			runJobs = queue.NewRedisRunQueue(redisCli, cfg.Queue.RunJobs)
		}
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Get("/api/v1/runs/{type}/latest", func(w http.ResponseWriter, r *http.Request) {
		runType := chi.URLParam(r, "type")
		if !validRunType(runType) {
			writeError(w, http.StatusBadRequest, "unknown run type")
			return
		}
		run, err := repoAdapter.GetLatestRun(r.Context(), runType)
		if errors.Is(err, domain.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("api: выборка последнего запуска")
			writeError(w, http.StatusInternalServerError, "failed to load run")
			return
		}
		writeJSON(w, runResponse(run))
	})

	r.Get("/api/v1/runs/{type}/{date}", func(w http.ResponseWriter, r *http.Request) {
		runType := chi.URLParam(r, "type")
		if !validRunType(runType) {
			writeError(w, http.StatusBadRequest, "unknown run type")
			return
		}
		periodKey := chi.URLParam(r, "date")
		if _, err := time.Parse("2006-01-02", periodKey); err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		run, err := repoAdapter.GetRun(r.Context(), runType, periodKey)
		if errors.Is(err, domain.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("api: выборка запуска")
			writeError(w, http.StatusInternalServerError, "failed to load run")
			return
		}
		writeJSON(w, runResponse(run))
	})

	r.Post("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if runJobs == nil {
			writeError(w, http.StatusServiceUnavailable, "run queue is not configured")
			return
		}
		var req enqueueRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !validRunType(req.Type) {
			writeError(w, http.StatusBadRequest, "unknown run type")
			return
		}
		job := domain.RunJob{Type: req.Type, DryRun: req.DryRun, RequestedAt: time.Now().UTC()}
		if err := runJobs.Enqueue(r.Context(), job); err != nil {
			logger.Error().Err(err).Msg("api: задание не поставлено")
			writeError(w, http.StatusInternalServerError, "failed to enqueue run")
			return
		}
		writeJSON(w, map[string]any{"status": "queued", "type": job.Type, "dry_run": job.DryRun})
	})

	r.Get("/api/v1/promos", func(w http.ResponseWriter, r *http.Request) {
		var storeID *uuid.UUID
		slug := r.URL.Query().Get("store")
		if slug != "" {
			store, err := repoAdapter.GetStoreBySlug(r.Context(), slug)
			if errors.Is(err, domain.ErrStoreNotFound) {
				writeError(w, http.StatusNotFound, "store not found")
				return
			}
			if err != nil {
				logger.Error().Err(err).Msg("api: выборка магазина")
				writeError(w, http.StatusInternalServerError, "failed to load store")
				return
			}
			id := store.ID
			storeID = &id
		}
		promos, err := repoAdapter.ListActivePromos(r.Context(), storeID)
		if err != nil {
			logger.Error().Err(err).Msg("api: выборка промо")
			writeError(w, http.StatusInternalServerError, "failed to load promos")
			return
		}
		out := make([]map[string]any, 0, len(promos))
		for _, p := range promos {
			out = append(out, promoResponse(p))
		}
		writeJSON(w, map[string]any{"promos": out})
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("api: старт")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()
	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

type enqueueRunRequest struct {
	Type   string `json:"type"`
	DryRun bool   `json:"dry_run"`
}

func validRunType(runType string) bool {
	return runType == domain.RunTypeDaily || runType == domain.RunTypeWeekly
}

func runResponse(run *domain.Run) map[string]any {
	resp := map[string]any{
		"id":         run.ID,
		"type":       run.Type,
		"period_key": run.PeriodKey,
		"status":     run.Status,
		"started_at": run.StartedAt,
	}
	if run.FinishedAt != nil {
		resp["finished_at"] = run.FinishedAt
	}
	if run.DigestSentAt != nil {
		resp["digest_sent_at"] = run.DigestSentAt
		resp["digest_provider_id"] = run.DigestProviderID
	}
	if run.Cursor != "" {
		resp["cursor"] = run.Cursor
	}
	if len(run.StatsJSON) > 0 {
		resp["stats"] = json.RawMessage(run.StatsJSON)
	}
	if len(run.ErrorJSON) > 0 {
		resp["error"] = json.RawMessage(run.ErrorJSON)
	}
	return resp
}

func promoResponse(p domain.Promo) map[string]any {
	resp := map[string]any{
		"id":            p.ID,
		"store_id":      p.StoreID,
		"headline":      p.Headline,
		"status":        p.Status,
		"first_seen_at": p.FirstSeenAt,
		"last_seen_at":  p.LastSeenAt,
		"end_inferred":  p.EndInferred,
	}
	if p.Summary != "" {
		resp["summary"] = p.Summary
	}
	if p.DiscountText != "" {
		resp["discount_text"] = p.DiscountText
	}
	if p.PercentOff != nil {
		resp["percent_off"] = *p.PercentOff
	}
	if p.AmountOff != nil {
		resp["amount_off"] = *p.AmountOff
	}
	if p.Code != "" {
		resp["code"] = p.Code
	}
	if p.StartsAt != nil {
		resp["starts_at"] = p.StartsAt
	}
	if p.EndsAt != nil {
		resp["ends_at"] = p.EndsAt
	}
	if p.LandingURL != "" {
		resp["landing_url"] = p.LandingURL
	}
	return resp
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
