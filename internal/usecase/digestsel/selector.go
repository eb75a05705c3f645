package digestsel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"promo-digest/internal/domain"
	"promo-digest/internal/usecase/merge"
)

// Service выбирает промо для дайджеста из журнала изменений.
type Service struct {
	changes        domain.ChangeRepo
	runs           domain.RunRepo
	allowlist      map[string]struct{}
	dailyLookback  time.Duration
	weeklyLookback time.Duration
	logger         zerolog.Logger
	now            func() time.Time
}

// NewService создаёт селектор. Пустой allowlist означает «все магазины».
func NewService(changes domain.ChangeRepo, runs domain.RunRepo, allowlist []string, dailyLookback, weeklyLookback time.Duration, logger zerolog.Logger) *Service {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, slug := range allowlist {
		if slug != "" {
			allowed[slug] = struct{}{}
		}
	}
	if dailyLookback <= 0 {
		dailyLookback = 24 * time.Hour
	}
	if weeklyLookback <= 0 {
		weeklyLookback = 7 * 24 * time.Hour
	}
	return &Service{
		changes:        changes,
		runs:           runs,
		allowlist:      allowed,
		dailyLookback:  dailyLookback,
		weeklyLookback: weeklyLookback,
		logger:         logger,
		now:            time.Now,
	}
}

// SelectSince возвращает полный, стабильный и недублированный набор промо,
// изменившихся после последней успешной отправки. Каждое промо входит один
// раз: бейдж NEW, если среди его изменений в окне есть created, иначе UPDATED.
func (s *Service) SelectSince(ctx context.Context, runType string) ([]domain.DigestItem, time.Time, error) {
	cutoff, err := s.cutoff(ctx, runType)
	if err != nil {
		return nil, time.Time{}, err
	}

	feed, err := s.changes.ListChangesSince(ctx, cutoff)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("чтение журнала изменений: %w", err)
	}

	var items []domain.DigestItem
	index := make(map[uuid.UUID]int)
	headlineSeen := make(map[string]struct{})

	for _, entry := range feed {
		if len(s.allowlist) > 0 {
			if _, ok := s.allowlist[entry.StoreSlug]; !ok {
				continue
			}
		}

		if pos, ok := index[entry.Promo.ID]; ok {
			items[pos].Changes = append(items[pos].Changes, entry.Change.Kind)
			if entry.Change.Kind == domain.ChangeCreated {
				items[pos].Badge = domain.BadgeNew
			}
			continue
		}

		// Почти одинаковые заголовки одного магазина схлопываются в одну позицию.
		headlineKey := entry.StoreSlug + "|" + merge.NormalizeHeadline(entry.Promo.Headline)
		if _, ok := headlineSeen[headlineKey]; ok {
			continue
		}
		headlineSeen[headlineKey] = struct{}{}

		badge := domain.BadgeUpdated
		if entry.Change.Kind == domain.ChangeCreated {
			badge = domain.BadgeNew
		}
		index[entry.Promo.ID] = len(items)
		items = append(items, domain.DigestItem{
			Promo:     entry.Promo,
			StoreName: entry.StoreName,
			Badge:     badge,
			Changes:   []domain.ChangeKind{entry.Change.Kind},
		})
	}

	s.logger.Info().Time("since", cutoff).Int("promos", len(items)).Str("run_type", runType).
		Msg("digest: выборка завершена")
	return items, cutoff, nil
}

// cutoff — время последней успешной отправки или запасное окно, если её не было.
func (s *Service) cutoff(ctx context.Context, runType string) (time.Time, error) {
	sentAt, err := s.runs.LastSentAt(ctx, runType)
	if err != nil {
		return time.Time{}, fmt.Errorf("поиск последней отправки: %w", err)
	}
	if sentAt != nil {
		return *sentAt, nil
	}
	lookback := s.dailyLookback
	if runType == domain.RunTypeWeekly {
		lookback = s.weeklyLookback
	}
	return s.now().UTC().Add(-lookback), nil
}
