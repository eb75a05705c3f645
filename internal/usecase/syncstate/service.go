package syncstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"promo-digest/internal/domain"
	"promo-digest/internal/infra/metrics"
)

// Service управляет курсором инкрементальной выборки по источнику.
// Advance только читает источник; курсор сохраняется отдельным вызовом
// Commit после того, как вызывающий надёжно записал порцию сигналов —
// иначе падение между выборкой и записью теряло бы сигналы.
type Service struct {
	fetcher    domain.SignalFetcher
	cursors    domain.CursorRepo
	resyncDays int
	logger     zerolog.Logger
}

// NewService создаёт менеджер курсора.
func NewService(fetcher domain.SignalFetcher, cursors domain.CursorRepo, resyncDays int, logger zerolog.Logger) *Service {
	if resyncDays <= 0 {
		resyncDays = 14
	}
	return &Service{fetcher: fetcher, cursors: cursors, resyncDays: resyncDays, logger: logger}
}

// Advance возвращает порцию новых сигналов источника. Первый вызов и
// устаревший курсор приводят к полному ресинку ограниченного окна —
// это ожидаемый путь восстановления, а не ошибка.
func (s *Service) Advance(ctx context.Context, sourceKey string) (domain.SignalBatch, error) {
	state, err := s.cursors.GetCursor(ctx, sourceKey)
	if err != nil {
		return domain.SignalBatch{}, fmt.Errorf("чтение курсора %s: %w", sourceKey, err)
	}

	if state.Cursor == "" {
		s.logger.Info().Str("source", sourceKey).Int("days", s.resyncDays).
			Msg("sync: первый запуск, полный ресинк окна")
		return s.fullResync(ctx, sourceKey)
	}

	batch, err := s.fetcher.FetchSince(ctx, state.Cursor)
	if err != nil {
		if errors.Is(err, domain.ErrCursorExpired) {
			s.logger.Warn().Str("source", sourceKey).
				Msg("sync: курсор устарел, полный ресинк окна")
			return s.fullResync(ctx, sourceKey)
		}
		return domain.SignalBatch{}, fmt.Errorf("инкрементальная выборка %s: %w", sourceKey, err)
	}
	s.logger.Info().Str("source", sourceKey).Int("signals", len(batch.Signals)).
		Msg("sync: инкрементальная выборка")
	return batch, nil
}

// Commit сохраняет курсор после подтверждения, что порция надёжно записана.
func (s *Service) Commit(ctx context.Context, sourceKey string, batch domain.SignalBatch) error {
	if batch.Cursor == "" {
		return nil
	}
	if err := s.cursors.SaveCursor(ctx, sourceKey, batch.Cursor, batch.FullResync); err != nil {
		return fmt.Errorf("сохранение курсора %s: %w", sourceKey, err)
	}
	return nil
}

func (s *Service) fullResync(ctx context.Context, sourceKey string) (domain.SignalBatch, error) {
	start := time.Now()
	batch, err := s.fetcher.FetchWindow(ctx, s.resyncDays)
	if err != nil {
		return domain.SignalBatch{}, fmt.Errorf("полный ресинк %s: %w", sourceKey, err)
	}
	batch.FullResync = true
	metrics.SyncFullResyncs.Inc()
	s.logger.Info().Str("source", sourceKey).Int("signals", len(batch.Signals)).
		Dur("took", time.Since(start)).Msg("sync: полный ресинк завершён")
	return batch, nil
}
