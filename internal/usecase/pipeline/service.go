package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"promo-digest/internal/domain"
	"promo-digest/internal/infra/metrics"
	"promo-digest/internal/usecase/digestsel"
)

// Итоги запуска для вызывающего.
const (
	OutcomeCompleted   = "completed"
	OutcomeConcurrent  = "concurrent_run"
	OutcomeAlreadySent = "already_sent"
)

// Syncer продвигает курсор источника сигналов.
type Syncer interface {
	Advance(ctx context.Context, sourceKey string) (domain.SignalBatch, error)
	Commit(ctx context.Context, sourceKey string, batch domain.SignalBatch) error
}

// Merger сворачивает извлечённых кандидатов в канонические промо.
type Merger interface {
	MergeAll(ctx context.Context) (domain.MergeStats, error)
}

// Selector выбирает промо для дайджеста.
type Selector interface {
	SelectSince(ctx context.Context, runType string) ([]domain.DigestItem, time.Time, error)
}

// RunResult — итог одного вызова оркестратора.
type RunResult struct {
	Outcome string
	Stats   domain.RunStats
}

// Service выполняет стадии конвейера под advisory-блокировкой и гарантирует
// не более одной отправки дайджеста за период.
type Service struct {
	locker      domain.RunLocker
	runs        domain.RunRepo
	stores      domain.StoreRepo
	seeds       domain.SeedSource
	syncer      Syncer
	sourceKey   string
	signals     domain.SignalRepo
	extractor   domain.Extractor
	extractions domain.ExtractionRepo
	merger      Merger
	promos      domain.PromoRepo
	selector    Selector
	sender      domain.DigestSender
	endGrace    time.Duration
	loc         *time.Location
	logger      zerolog.Logger
	now         func() time.Time
}

// Deps перечисляет зависимости оркестратора.
type Deps struct {
	Locker      domain.RunLocker
	Runs        domain.RunRepo
	Stores      domain.StoreRepo
	Seeds       domain.SeedSource
	Syncer      Syncer
	SourceKey   string
	Signals     domain.SignalRepo
	Extractor   domain.Extractor
	Extractions domain.ExtractionRepo
	Merger      Merger
	Promos      domain.PromoRepo
	Selector    Selector
	Sender      domain.DigestSender
	EndGrace    time.Duration
	Location    *time.Location
}

// NewService создаёт оркестратор.
func NewService(deps Deps, logger zerolog.Logger) *Service {
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	endGrace := deps.EndGrace
	if endGrace <= 0 {
		endGrace = 48 * time.Hour
	}
	return &Service{
		locker:      deps.Locker,
		runs:        deps.Runs,
		stores:      deps.Stores,
		seeds:       deps.Seeds,
		syncer:      deps.Syncer,
		sourceKey:   deps.SourceKey,
		signals:     deps.Signals,
		extractor:   deps.Extractor,
		extractions: deps.Extractions,
		merger:      deps.Merger,
		promos:      deps.Promos,
		selector:    deps.Selector,
		sender:      deps.Sender,
		endGrace:    endGrace,
		loc:         loc,
		logger:      logger,
		now:         time.Now,
	}
}

// Run выполняет один запуск конвейера указанного типа.
// Конкуренция за блокировку и уже отправленный дайджест — штатные выходы
// без записей в хранилище.
func (s *Service) Run(ctx context.Context, runType string, dryRun bool) (RunResult, error) {
	periodKey := digestsel.PeriodKey(s.now(), s.loc)
	result := RunResult{
		Outcome: OutcomeCompleted,
		Stats:   domain.RunStats{Date: periodKey, DryRun: dryRun},
	}

	lock, acquired, err := s.locker.AcquireRunLock(ctx, "promo_digest_"+runType)
	if err != nil {
		return result, fmt.Errorf("захват блокировки запуска: %w", err)
	}
	if !acquired {
		s.logger.Info().Str("run_type", runType).Msg("pipeline: другой запуск уже идёт, выходим")
		result.Outcome = OutcomeConcurrent
		return result, nil
	}
	// Освобождение не зависит от исхода и от состояния внешнего контекста.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			s.logger.Error().Err(err).Str("run_type", runType).Msg("pipeline: не удалось освободить блокировку")
		}
	}()

	existing, err := s.runs.GetRun(ctx, runType, periodKey)
	if err != nil && !errors.Is(err, domain.ErrRunNotFound) {
		return result, fmt.Errorf("поиск записи запуска: %w", err)
	}
	if existing != nil && existing.DigestSentAt != nil {
		s.logger.Info().Str("run_type", runType).Str("period", periodKey).
			Msg("pipeline: дайджест за период уже отправлен")
		result.Outcome = OutcomeAlreadySent
		return result, nil
	}

	run := domain.Run{}
	if existing != nil {
		run = *existing
	} else {
		run, err = s.runs.CreateRun(ctx, runType, periodKey)
		if err != nil {
			return result, fmt.Errorf("создание записи запуска: %w", err)
		}
	}
	if err := s.runs.MarkRunning(ctx, run.ID); err != nil {
		return result, fmt.Errorf("перевод запуска в running: %w", err)
	}

	rc := domain.RunContext{
		RunID:     run.ID,
		Type:      runType,
		PeriodKey: periodKey,
		DryRun:    dryRun,
		Stats:     &result.Stats,
	}

	stageErr := s.executeStages(ctx, &rc)
	if stageErr != nil {
		result.Stats.Error = stageErr.Error()
		errorJSON, _ := json.Marshal(map[string]string{"error": stageErr.Error()})
		statsJSON, _ := json.Marshal(result.Stats)
		if err := s.runs.FinishRun(ctx, run.ID, domain.RunFailed, statsJSON, errorJSON); err != nil {
			s.logger.Error().Err(err).Msg("pipeline: не удалось записать провал запуска")
		}
		metrics.RunsTotal.WithLabelValues(runType, domain.RunFailed).Inc()
		return result, stageErr
	}

	statsJSON, _ := json.Marshal(result.Stats)
	if err := s.runs.FinishRun(ctx, run.ID, domain.RunSuccess, statsJSON, nil); err != nil {
		return result, fmt.Errorf("завершение записи запуска: %w", err)
	}
	metrics.RunsTotal.WithLabelValues(runType, domain.RunSuccess).Inc()
	return result, nil
}

func (s *Service) executeStages(ctx context.Context, rc *domain.RunContext) error {
	s.seedStage(ctx, rc)
	if err := s.syncStage(ctx, rc); err != nil {
		return err
	}
	s.extractStage(ctx, rc)
	if err := s.mergeStage(ctx, rc); err != nil {
		return err
	}
	s.expireStage(ctx, rc)
	return s.digestStage(ctx, rc)
}

// seedStage наполняет справочник магазинов; отсутствие файла — не ошибка.
func (s *Service) seedStage(ctx context.Context, rc *domain.RunContext) {
	start := time.Now()
	defer metrics.ObserveStage("seed", start)

	if s.seeds == nil {
		rc.Stats.Seed.Skipped = true
		return
	}
	seeds, err := s.seeds.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Msg("pipeline: файл посева магазинов не найден, пропускаем")
		} else {
			s.logger.Warn().Err(err).Msg("pipeline: посев магазинов не удался, пропускаем")
		}
		rc.Stats.Seed.Skipped = true
		return
	}
	for _, seed := range seeds {
		_, created, err := s.stores.UpsertStore(ctx, seed)
		if err != nil {
			s.logger.Error().Err(err).Str("slug", seed.Slug).Msg("pipeline: магазин не сохранён")
			continue
		}
		if created {
			rc.Stats.Seed.Created++
		} else {
			rc.Stats.Seed.Updated++
		}
	}
}

// syncStage забирает новые сигналы; курсор сохраняется только после того,
// как порция надёжно записана.
func (s *Service) syncStage(ctx context.Context, rc *domain.RunContext) error {
	start := time.Now()
	defer metrics.ObserveStage("sync", start)

	batch, err := s.syncer.Advance(ctx, s.sourceKey)
	if err != nil {
		// Сбой выборки не прерывает запуск: обработаем то, что уже накоплено.
		s.logger.Error().Err(err).Str("source", s.sourceKey).Msg("pipeline: синхронизация не удалась")
		rc.Stats.Sync.Errors++
		return nil
	}
	rc.Stats.Sync.Fetched = len(batch.Signals)
	rc.Stats.Sync.FullResync = batch.FullResync

	saved, err := s.signals.SaveSignals(ctx, batch.Signals)
	if err != nil {
		return fmt.Errorf("сохранение сигналов: %w", err)
	}
	rc.Stats.Sync.New = saved

	if err := s.syncer.Commit(ctx, s.sourceKey, batch); err != nil {
		return fmt.Errorf("фиксация курсора: %w", err)
	}
	rc.Cursor = batch.Cursor
	if batch.Cursor != "" {
		if err := s.runs.SetRunCursor(ctx, rc.RunID, batch.Cursor); err != nil {
			s.logger.Error().Err(err).Msg("pipeline: курсор не записан в запуск")
		}
	}
	return nil
}

// extractStage передаёт необработанные сигналы извлекателю. Ошибка одного
// сигнала записывается и не прерывает стадию.
func (s *Service) extractStage(ctx context.Context, rc *domain.RunContext) {
	start := time.Now()
	defer metrics.ObserveStage("extract", start)

	pending, err := s.signals.ListPendingSignals(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("pipeline: выборка необработанных сигналов не удалась")
		return
	}
	rc.Stats.Extract.Processed = len(pending)

	for _, signal := range pending {
		result, err := s.extractor.Extract(ctx, signal)
		if err != nil {
			s.logger.Error().Err(err).Str("signal_id", signal.ID.String()).Msg("pipeline: извлечение не удалось")
			if markErr := s.signals.MarkExtractionError(ctx, signal.ID, err.Error()); markErr != nil {
				s.logger.Error().Err(markErr).Msg("pipeline: статус извлечения не записан")
			}
			rc.Stats.Extract.Failed++
			continue
		}
		payload, err := json.Marshal(result)
		if err != nil {
			s.logger.Error().Err(err).Str("signal_id", signal.ID.String()).Msg("pipeline: ответ извлекателя не сериализован")
			rc.Stats.Extract.Failed++
			continue
		}
		if err := s.extractions.SaveExtraction(ctx, signal.ID, s.extractor.Model(), payload); err != nil {
			s.logger.Error().Err(err).Str("signal_id", signal.ID.String()).Msg("pipeline: извлечение не сохранено")
			rc.Stats.Extract.Failed++
			continue
		}
		if err := s.signals.MarkExtractionSuccess(ctx, signal.ID); err != nil {
			s.logger.Error().Err(err).Msg("pipeline: статус извлечения не записан")
		}
		rc.Stats.Extract.Succeeded++
	}
}

func (s *Service) mergeStage(ctx context.Context, rc *domain.RunContext) error {
	start := time.Now()
	defer metrics.ObserveStage("merge", start)

	stats, err := s.merger.MergeAll(ctx)
	if err != nil {
		return fmt.Errorf("слияние кандидатов: %w", err)
	}
	rc.Stats.Merge = stats
	return nil
}

// expireStage переводит давно закончившиеся промо в expired.
func (s *Service) expireStage(ctx context.Context, rc *domain.RunContext) {
	start := time.Now()
	defer metrics.ObserveStage("expire", start)

	expired, err := s.promos.ExpireEnded(ctx, s.endGrace)
	if err != nil {
		s.logger.Error().Err(err).Msg("pipeline: ретирование промо не удалось")
		return
	}
	rc.Stats.Expired = expired
}

func (s *Service) digestStage(ctx context.Context, rc *domain.RunContext) error {
	start := time.Now()
	defer metrics.ObserveStage("digest", start)

	items, _, err := s.selector.SelectSince(ctx, rc.Type)
	if err != nil {
		return fmt.Errorf("выборка дайджеста: %w", err)
	}
	rc.Stats.Digest.Promos = len(items)
	metrics.DigestPromos.Set(float64(len(items)))

	if len(items) == 0 {
		s.logger.Info().Str("run_type", rc.Type).Msg("pipeline: нет изменений, дайджест не отправляется")
		rc.Stats.Digest.Reason = "empty"
		return nil
	}

	text := digestsel.FormatDigest(rc.PeriodKey, items)
	if rc.DryRun {
		s.logger.Info().Int("promos", len(items)).Msg("pipeline: dry-run, дайджест не отправлен")
		rc.Stats.Digest.Reason = "dry_run"
		rc.Stats.Digest.Preview = text
		return nil
	}

	providerID, err := s.sender.SendDigest(ctx, text)
	if err != nil {
		rc.Stats.Digest.Reason = "send_failed"
		return fmt.Errorf("отправка дайджеста: %w", err)
	}

	sentAt := s.now().UTC()
	if err := s.runs.SetDigestSent(ctx, rc.RunID, sentAt, providerID); err != nil {
		return fmt.Errorf("фиксация отправки: %w", err)
	}
	rc.Stats.Digest.Sent = true
	rc.Stats.Digest.ProviderID = providerID

	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.Promo.ID)
	}
	if err := s.promos.SetNotified(ctx, ids, sentAt); err != nil {
		s.logger.Error().Err(err).Msg("pipeline: отметка уведомления не записана")
	}
	return nil
}
