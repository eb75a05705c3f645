package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"promo-digest/internal/domain"
)

// Noop — заглушка источника сигналов. Применяется, когда внешняя выборка
// отключена: сигналы попадают в хранилище другим путём, а конвейер
// обрабатывает накопленное.
type Noop struct {
	logger zerolog.Logger
}

// NewNoop создаёт заглушку источника.
func NewNoop(logger zerolog.Logger) *Noop {
	return &Noop{logger: logger}
}

// FetchSince возвращает пустую порцию, сохраняя тот же курсор.
func (n *Noop) FetchSince(_ context.Context, cursor string) (domain.SignalBatch, error) {
	n.logger.Debug().Msg("ingest: noop-источник, дельта пуста")
	return domain.SignalBatch{Cursor: cursor}, nil
}

// FetchWindow возвращает пустое окно с синтетическим курсором, чтобы
// последующие запуски шли инкрементально.
func (n *Noop) FetchWindow(_ context.Context, days int) (domain.SignalBatch, error) {
	n.logger.Debug().Int("days", days).Msg("ingest: noop-источник, полный ресинк пуст")
	return domain.SignalBatch{
		Cursor:     "noop-" + time.Now().UTC().Format("20060102T150405Z"),
		FullResync: true,
	}, nil
}
