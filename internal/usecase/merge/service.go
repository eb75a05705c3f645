package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"promo-digest/internal/domain"
	"promo-digest/internal/infra/metrics"
)

// ErrEmptyHeadline возвращается для кандидата без заголовка.
var ErrEmptyHeadline = errors.New("у кандидата пустой заголовок")

type outcome string

const (
	outcomeCreated   outcome = "created"
	outcomeUpdated   outcome = "updated"
	outcomeUnchanged outcome = "unchanged"
	outcomeReplayed  outcome = "replayed"
	outcomeError     outcome = "error"
)

// Service сворачивает кандидатов в канонические промо и ведёт журнал изменений.
type Service struct {
	extractions domain.ExtractionRepo
	promos      domain.PromoRepo
	window      domain.MatchWindow
	logger      zerolog.Logger
	now         func() time.Time
}

// NewService создаёт движок слияния.
func NewService(extractions domain.ExtractionRepo, promos domain.PromoRepo, window domain.MatchWindow, logger zerolog.Logger) *Service {
	return &Service{
		extractions: extractions,
		promos:      promos,
		window:      window,
		logger:      logger,
		now:         time.Now,
	}
}

// MergeAll обрабатывает всех извлечённых кандидатов. Ошибка одного кандидата
// учитывается в статистике и не прерывает остальных.
func (s *Service) MergeAll(ctx context.Context) (domain.MergeStats, error) {
	var stats domain.MergeStats

	batches, err := s.extractions.ListExtractedBatches(ctx)
	if err != nil {
		return stats, fmt.Errorf("выборка кандидатов: %w", err)
	}

	// Пары (сигнал, промо), ссылку для которых записал этот прогон: второй
	// кандидат письма с тем же base_key не ошибочный повтор, его изменения
	// обязаны примениться.
	linked := map[string]struct{}{}

	for _, batch := range batches {
		for _, candidate := range batch.Candidates {
			result, err := s.mergeCandidate(ctx, batch, candidate, linked)
			if err != nil {
				s.logger.Error().Err(err).
					Str("signal_id", batch.SignalID.String()).
					Str("headline", candidate.Headline).
					Msg("merge: кандидат пропущен")
				stats.Errors++
				metrics.MergeOutcomes.WithLabelValues(string(outcomeError)).Inc()
				continue
			}
			metrics.MergeOutcomes.WithLabelValues(string(result)).Inc()
			switch result {
			case outcomeCreated:
				stats.Created++
			case outcomeUpdated:
				stats.Updated++
			case outcomeUnchanged:
				stats.Unchanged++
			case outcomeReplayed:
				stats.Replayed++
			}
		}
	}
	return stats, nil
}

func (s *Service) mergeCandidate(ctx context.Context, batch domain.ExtractedBatch, candidate domain.PromoCandidate, linked map[string]struct{}) (outcome, error) {
	headline := strings.TrimSpace(candidate.Headline)
	if headline == "" {
		return outcomeError, ErrEmptyHeadline
	}

	now := s.now().UTC()
	baseKey := ComputeBaseKey(candidate.Code, candidate.LandingURL, headline)
	linkKey := batch.SignalID.String() + "|" + baseKey
	_, linkRecorded := linked[linkKey]

	existing, err := s.promos.FindMatch(ctx, batch.StoreID, baseKey, s.window)
	if err != nil {
		return outcomeError, fmt.Errorf("поиск промо %s: %w", baseKey, err)
	}

	if existing == nil {
		promo, err := s.newPromo(batch.StoreID, baseKey, headline, candidate, now)
		if err != nil {
			return outcomeError, err
		}
		applied, err := s.promos.ApplyMerge(ctx, domain.MergeApply{
			Promo:        promo,
			IsNew:        true,
			Changes:      []domain.PromoChange{{Kind: domain.ChangeCreated, Diff: map[string]any{}, ChangedAt: now}},
			SignalID:     batch.SignalID,
			LinkRecorded: linkRecorded,
		})
		if err != nil {
			return outcomeError, fmt.Errorf("создание промо %s: %w", baseKey, err)
		}
		if !applied {
			return outcomeReplayed, nil
		}
		linked[linkKey] = struct{}{}
		return outcomeCreated, nil
	}

	merged, changes, err := s.mergeFields(*existing, candidate, now)
	if err != nil {
		return outcomeError, err
	}
	applied, err := s.promos.ApplyMerge(ctx, domain.MergeApply{
		Promo:        merged,
		IsNew:        false,
		Changes:      changes,
		SignalID:     batch.SignalID,
		LinkRecorded: linkRecorded,
	})
	if err != nil {
		return outcomeError, fmt.Errorf("обновление промо %s: %w", baseKey, err)
	}
	if !applied {
		return outcomeReplayed, nil
	}
	linked[linkKey] = struct{}{}
	if len(changes) > 0 {
		return outcomeUpdated, nil
	}
	return outcomeUnchanged, nil
}

// mergeFields применяет правила приоритета полей и собирает обнаруженные
// отличия. Одна строка details_updated агрегирует все второстепенные поля,
// чтобы не нарушать уникальность (promo, signal, kind).
func (s *Service) mergeFields(existing domain.Promo, candidate domain.PromoCandidate, now time.Time) (domain.Promo, []domain.PromoChange, error) {
	merged := existing
	merged.LastSeenAt = now

	var changes []domain.PromoChange
	record := func(kind domain.ChangeKind, diff map[string]any) {
		changes = append(changes, domain.PromoChange{
			PromoID:   merged.ID,
			Kind:      kind,
			Diff:      diff,
			ChangedAt: now,
		})
	}
	details := map[string]any{}

	if candidate.EndsAt != "" {
		newEnds, err := parseWhen(candidate.EndsAt)
		if err != nil {
			return domain.Promo{}, nil, fmt.Errorf("некорректная дата окончания %q: %w", candidate.EndsAt, err)
		}
		switch {
		case merged.EndsAt == nil || newEnds.After(*merged.EndsAt):
			record(domain.ChangeEndExtended, map[string]any{
				"before": isoOrNil(merged.EndsAt),
				"after":  newEnds.Format(time.RFC3339),
			})
			merged.EndsAt = &newEnds
			merged.EndInferred = candidate.EndInferred
		case merged.EndInferred && !candidate.EndInferred && !newEnds.Equal(*merged.EndsAt):
			// Явная дата вытесняет выведенную, даже если она раньше.
			details["ends_at"] = map[string]any{
				"before": isoOrNil(merged.EndsAt),
				"after":  newEnds.Format(time.RFC3339),
			}
			merged.EndsAt = &newEnds
			merged.EndInferred = false
		}
	}

	if candidate.PercentOff != nil && !floatPtrEqual(candidate.PercentOff, merged.PercentOff) {
		record(domain.ChangeDiscountChanged, map[string]any{
			"field":  "percent_off",
			"before": floatOrNil(merged.PercentOff),
			"after":  *candidate.PercentOff,
		})
		merged.PercentOff = candidate.PercentOff
		if candidate.DiscountText != "" {
			merged.DiscountText = candidate.DiscountText
		}
	}
	if candidate.AmountOff != nil && !floatPtrEqual(candidate.AmountOff, merged.AmountOff) {
		record(domain.ChangeDiscountChanged, map[string]any{
			"field":  "amount_off",
			"before": floatOrNil(merged.AmountOff),
			"after":  *candidate.AmountOff,
		})
		merged.AmountOff = candidate.AmountOff
		if candidate.DiscountText != "" {
			merged.DiscountText = candidate.DiscountText
		}
	}

	code := strings.TrimSpace(candidate.Code)
	switch {
	case code != "" && merged.Code == "":
		record(domain.ChangeCodeAdded, map[string]any{"code": code})
		merged.Code = code
	case code != "" && merged.Code != "" && !strings.EqualFold(code, merged.Code):
		record(domain.ChangeCodeChanged, map[string]any{"before": merged.Code, "after": code})
		merged.Code = code
	}

	if candidate.LandingURL != "" && merged.LandingURL == "" {
		merged.LandingURL = candidate.LandingURL
		details["landing_url"] = candidate.LandingURL
	}
	if candidate.Summary != "" && merged.Summary == "" {
		merged.Summary = candidate.Summary
		details["summary"] = candidate.Summary
	}
	if len(candidate.Exclusions) > 0 && merged.Exclusions == "" {
		merged.Exclusions = strings.Join(candidate.Exclusions, "\n")
		details["exclusions"] = candidate.Exclusions
	}
	if len(details) > 0 {
		record(domain.ChangeDetailsUpdated, details)
	}

	return merged, changes, nil
}

func (s *Service) newPromo(storeID uuid.UUID, baseKey, headline string, candidate domain.PromoCandidate, now time.Time) (domain.Promo, error) {
	promo := domain.Promo{
		StoreID:      storeID,
		BaseKey:      baseKey,
		Headline:     headline,
		Summary:      candidate.Summary,
		DiscountText: candidate.DiscountText,
		PercentOff:   candidate.PercentOff,
		AmountOff:    candidate.AmountOff,
		Code:         strings.TrimSpace(candidate.Code),
		EndInferred:  candidate.EndInferred,
		LandingURL:   candidate.LandingURL,
		Confidence:   candidate.Confidence,
		FirstSeenAt:  now,
		LastSeenAt:   now,
		Status:       domain.PromoActive,
	}
	if len(candidate.Exclusions) > 0 {
		promo.Exclusions = strings.Join(candidate.Exclusions, "\n")
	}
	if candidate.StartsAt != "" {
		starts, err := parseWhen(candidate.StartsAt)
		if err != nil {
			return domain.Promo{}, fmt.Errorf("некорректная дата начала %q: %w", candidate.StartsAt, err)
		}
		promo.StartsAt = &starts
	}
	if candidate.EndsAt != "" {
		ends, err := parseWhen(candidate.EndsAt)
		if err != nil {
			return domain.Promo{}, fmt.Errorf("некорректная дата окончания %q: %w", candidate.EndsAt, err)
		}
		promo.EndsAt = &ends
	}
	return promo, nil
}

var whenLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseWhen(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range whenLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("неизвестный формат даты")
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func floatOrNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func isoOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}
