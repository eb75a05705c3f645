package merge

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"promo-digest/internal/domain"
)

type stubExtractions struct {
	batches []domain.ExtractedBatch
}

func (s *stubExtractions) SaveExtraction(context.Context, uuid.UUID, string, []byte) error {
	return nil
}

func (s *stubExtractions) ListExtractedBatches(context.Context) ([]domain.ExtractedBatch, error) {
	return s.batches, nil
}

// stubPromos воспроизводит окно допустимости так же, как SQL-запрос FindMatch,
// и конфликт ссылки-свидетельства так же, как ApplyMerge в репозитории.
type stubPromos struct {
	now      time.Time
	existing []domain.Promo
	applies  []domain.MergeApply
	links    map[string]struct{}
	rejected bool
}

func (s *stubPromos) FindMatch(_ context.Context, storeID uuid.UUID, baseKey string, window domain.MatchWindow) (*domain.Promo, error) {
	seenSince := s.now.Add(-window.Lookback)
	endAfter := s.now.Add(-window.EndGrace)
	for i := range s.existing {
		p := s.existing[i]
		if p.StoreID != storeID || p.BaseKey != baseKey {
			continue
		}
		if p.LastSeenAt.After(seenSince) || p.EndsAt == nil || p.EndsAt.After(endAfter) {
			return &p, nil
		}
	}
	return nil, nil
}

func (s *stubPromos) ApplyMerge(_ context.Context, apply domain.MergeApply) (bool, error) {
	if s.rejected {
		return false, nil
	}
	linkKey := apply.SignalID.String() + "|" + apply.Promo.BaseKey
	if _, dup := s.links[linkKey]; dup && !apply.LinkRecorded {
		return false, nil
	}
	if s.links == nil {
		s.links = map[string]struct{}{}
	}
	s.links[linkKey] = struct{}{}
	if apply.IsNew {
		promo := apply.Promo
		promo.ID = uuid.New()
		s.existing = append(s.existing, promo)
	} else {
		for i := range s.existing {
			if s.existing[i].ID == apply.Promo.ID {
				s.existing[i] = apply.Promo
			}
		}
	}
	s.applies = append(s.applies, apply)
	return true, nil
}

func (s *stubPromos) ExpireEnded(context.Context, time.Duration) (int64, error) { return 0, nil }
func (s *stubPromos) ListActivePromos(context.Context, *uuid.UUID) ([]domain.Promo, error) {
	return nil, nil
}
func (s *stubPromos) SetNotified(context.Context, []uuid.UUID, time.Time) error { return nil }

var testWindow = domain.MatchWindow{
	Lookback: 30 * 24 * time.Hour,
	EndGrace: 48 * time.Hour,
}

func newTestService(extractions *stubExtractions, promos *stubPromos, now time.Time) *Service {
	service := NewService(extractions, promos, testWindow, zerolog.Nop())
	service.now = func() time.Time { return now }
	promos.now = now
	return service
}

func batchWith(storeID uuid.UUID, candidates ...domain.PromoCandidate) domain.ExtractedBatch {
	return domain.ExtractedBatch{
		SignalID:   uuid.New(),
		StoreID:    storeID,
		ReceivedAt: time.Now().UTC(),
		Candidates: candidates,
	}
}

func TestMergeCreatesPromo(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	storeID := uuid.New()
	percent := 25.0
	extractions := &stubExtractions{batches: []domain.ExtractedBatch{
		batchWith(storeID, domain.PromoCandidate{
			Headline:   "Summer Sale",
			Code:       "SUMMER25",
			PercentOff: &percent,
			EndsAt:     "2026-09-05",
		}),
	}}
	promos := &stubPromos{}
	service := newTestService(extractions, promos, now)

	stats, err := service.MergeAll(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if stats.Created != 1 {
		t.Fatalf("ожидали 1 созданное промо, получили %+v", stats)
	}
	if len(promos.applies) != 1 {
		t.Fatalf("ожидали одно применение")
	}
	apply := promos.applies[0]
	if !apply.IsNew {
		t.Fatalf("ожидали вставку нового промо")
	}
	if apply.Promo.BaseKey != "code:SUMMER25" {
		t.Fatalf("ожидали ключ code:SUMMER25, получили %s", apply.Promo.BaseKey)
	}
	if apply.Promo.FirstSeenAt != now || apply.Promo.LastSeenAt != now {
		t.Fatalf("ожидали first/last_seen_at в момент слияния")
	}
	if len(apply.Changes) != 1 || apply.Changes[0].Kind != domain.ChangeCreated {
		t.Fatalf("ожидали единственную запись created, получили %+v", apply.Changes)
	}
}

func TestMergeDiscountChanged(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	storeID := uuid.New()
	oldPercent := 25.0
	newPercent := 30.0
	existing := domain.Promo{
		ID:          uuid.New(),
		StoreID:     storeID,
		BaseKey:     "code:SUMMER25",
		Headline:    "Summer Sale",
		PercentOff:  &oldPercent,
		FirstSeenAt: now.Add(-72 * time.Hour),
		LastSeenAt:  now.Add(-72 * time.Hour),
		Status:      domain.PromoActive,
	}
	extractions := &stubExtractions{batches: []domain.ExtractedBatch{
		batchWith(storeID, domain.PromoCandidate{
			Headline:   "Summer Sale",
			Code:       "SUMMER25",
			PercentOff: &newPercent,
		}),
	}}
	promos := &stubPromos{existing: []domain.Promo{existing}}
	service := newTestService(extractions, promos, now)

	stats, err := service.MergeAll(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if stats.Updated != 1 {
		t.Fatalf("ожидали 1 обновление, получили %+v", stats)
	}
	apply := promos.applies[0]
	if apply.IsNew {
		t.Fatalf("ожидали обновление существующего промо")
	}
	if apply.Promo.PercentOff == nil || *apply.Promo.PercentOff != 30 {
		t.Fatalf("ожидали percent_off=30")
	}
	if apply.Promo.LastSeenAt != now {
		t.Fatalf("ожидали обновлённый last_seen_at")
	}
	if len(apply.Changes) != 1 || apply.Changes[0].Kind != domain.ChangeDiscountChanged {
		t.Fatalf("ожидали единственную запись discount_changed, получили %+v", apply.Changes)
	}
	diff := apply.Changes[0].Diff
	if diff["before"] != 25.0 || diff["after"] != 30.0 {
		t.Fatalf("ожидали diff before=25 after=30, получили %+v", diff)
	}
}

func TestMergeUnchangedCandidate(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	storeID := uuid.New()
	percent := 25.0
	existing := domain.Promo{
		ID:         uuid.New(),
		StoreID:    storeID,
		BaseKey:    "code:SUMMER25",
		Headline:   "Summer Sale",
		Code:       "SUMMER25",
		PercentOff: &percent,
		LastSeenAt: now.Add(-24 * time.Hour),
		Status:     domain.PromoActive,
	}
	extractions := &stubExtractions{batches: []domain.ExtractedBatch{
		batchWith(storeID, domain.PromoCandidate{
			Headline:   "Summer Sale",
			Code:       "SUMMER25",
			PercentOff: &percent,
		}),
	}}
	promos := &stubPromos{existing: []domain.Promo{existing}}
	service := newTestService(extractions, promos, now)

	stats, err := service.MergeAll(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if stats.Unchanged != 1 {
		t.Fatalf("ожидали 1 без изменений, получили %+v", stats)
	}
	if len(promos.applies[0].Changes) != 0 {
		t.Fatalf("не ожидали записей в журнале")
	}
}

func TestMergeReplayIsNoOp(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	storeID := uuid.New()
	extractions := &stubExtractions{batches: []domain.ExtractedBatch{
		batchWith(storeID, domain.PromoCandidate{Headline: "Summer Sale", Code: "SUMMER25"}),
	}}
	promos := &stubPromos{rejected: true}
	service := newTestService(extractions, promos, now)

	stats, err := service.MergeAll(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if stats.Replayed != 1 || stats.Created != 0 {
		t.Fatalf("повтор сигнала должен считаться replayed, получили %+v", stats)
	}
}

func TestMergeOldPromoPastEndCreatesNew(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	storeID := uuid.New()
	oldEnd := now.Add(-10 * 24 * time.Hour)
	existing := domain.Promo{
		ID:         uuid.New(),
		StoreID:    storeID,
		BaseKey:    "code:SUMMER25",
		Headline:   "Summer Sale",
		Code:       "SUMMER25",
		EndsAt:     &oldEnd,
		LastSeenAt: now.Add(-40 * 24 * time.Hour),
		Status:     domain.PromoActive,
	}
	extractions := &stubExtractions{batches: []domain.ExtractedBatch{
		batchWith(storeID, domain.PromoCandidate{Headline: "Summer Sale", Code: "SUMMER25"}),
	}}
	promos := &stubPromos{existing: []domain.Promo{existing}}
	service := newTestService(extractions, promos, now)

	stats, err := service.MergeAll(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if stats.Created != 1 {
		t.Fatalf("промо за окном сопоставления должно создаваться заново, получили %+v", stats)
	}
}

func TestMergeOldPromoWithoutEndStillMatches(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	storeID := uuid.New()
	existing := domain.Promo{
		ID:         uuid.New(),
		StoreID:    storeID,
		BaseKey:    "code:SUMMER25",
		Headline:   "Summer Sale",
		Code:       "SUMMER25",
		LastSeenAt: now.Add(-40 * 24 * time.Hour),
		Status:     domain.PromoActive,
	}
	extractions := &stubExtractions{batches: []domain.ExtractedBatch{
		batchWith(storeID, domain.PromoCandidate{Headline: "Summer Sale", Code: "SUMMER25"}),
	}}
	promos := &stubPromos{existing: []domain.Promo{existing}}
	service := newTestService(extractions, promos, now)

	stats, err := service.MergeAll(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if stats.Unchanged != 1 {
		t.Fatalf("промо без даты окончания должно сопоставляться, получили %+v", stats)
	}
}

func TestMergeEndExtended(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	storeID := uuid.New()
	oldEnd := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	existing := domain.Promo{
		ID:         uuid.New(),
		StoreID:    storeID,
		BaseKey:    "code:SUMMER25",
		Headline:   "Summer Sale",
		Code:       "SUMMER25",
		EndsAt:     &oldEnd,
		LastSeenAt: now.Add(-24 * time.Hour),
		Status:     domain.PromoActive,
	}
	extractions := &stubExtractions{batches: []domain.ExtractedBatch{
		batchWith(storeID, domain.PromoCandidate{
			Headline: "Summer Sale",
			Code:     "SUMMER25",
			EndsAt:   "2026-09-08",
		}),
	}}
	promos := &stubPromos{existing: []domain.Promo{existing}}
	service := newTestService(extractions, promos, now)

	stats, err := service.MergeAll(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if stats.Updated != 1 {
		t.Fatalf("ожидали обновление, получили %+v", stats)
	}
	apply := promos.applies[0]
	if len(apply.Changes) != 1 || apply.Changes[0].Kind != domain.ChangeEndExtended {
		t.Fatalf("ожидали запись end_extended, получили %+v", apply.Changes)
	}
	if apply.Promo.EndsAt == nil || !apply.Promo.EndsAt.Equal(time.Date(2026, 9, 8, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("ожидали перенос даты окончания на 8 сентября")
	}
}

func TestMergeSecondCandidateSameKeyApplies(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	storeID := uuid.New()
	extractions := &stubExtractions{batches: []domain.ExtractedBatch{
		batchWith(storeID,
			domain.PromoCandidate{Headline: "Summer Sale", Code: "SUMMER25", EndsAt: "2026-09-01"},
			domain.PromoCandidate{Headline: "Summer Sale extended", Code: "SUMMER25", EndsAt: "2026-09-15"},
		),
	}}
	promos := &stubPromos{}
	service := newTestService(extractions, promos, now)

	stats, err := service.MergeAll(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if stats.Created != 1 || stats.Updated != 1 || stats.Replayed != 0 {
		t.Fatalf("второй кандидат письма с тем же ключом должен применяться, получили %+v", stats)
	}
	if len(promos.applies) != 2 {
		t.Fatalf("ожидали два применения, получили %d", len(promos.applies))
	}
	second := promos.applies[1]
	if !second.LinkRecorded {
		t.Fatalf("второе применение должно помечать ссылку как уже записанную")
	}
	if len(second.Changes) != 1 || second.Changes[0].Kind != domain.ChangeEndExtended {
		t.Fatalf("ожидали запись end_extended, получили %+v", second.Changes)
	}
	final := promos.existing[0]
	if final.EndsAt == nil || !final.EndsAt.Equal(time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("продление из второго кандидата потеряно: %v", final.EndsAt)
	}
}

func TestMergeExplicitEndReplacesInferred(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	storeID := uuid.New()
	inferredEnd := time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)
	existing := domain.Promo{
		ID:          uuid.New(),
		StoreID:     storeID,
		BaseKey:     "code:SUMMER25",
		Headline:    "Summer Sale",
		Code:        "SUMMER25",
		EndsAt:      &inferredEnd,
		EndInferred: true,
		LastSeenAt:  now.Add(-24 * time.Hour),
		Status:      domain.PromoActive,
	}
	extractions := &stubExtractions{batches: []domain.ExtractedBatch{
		batchWith(storeID, domain.PromoCandidate{
			Headline: "Summer Sale",
			Code:     "SUMMER25",
			EndsAt:   "2026-09-05",
		}),
	}}
	promos := &stubPromos{existing: []domain.Promo{existing}}
	service := newTestService(extractions, promos, now)

	stats, err := service.MergeAll(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if stats.Updated != 1 {
		t.Fatalf("ожидали обновление, получили %+v", stats)
	}
	apply := promos.applies[0]
	if apply.Promo.EndsAt == nil || !apply.Promo.EndsAt.Equal(time.Date(2026, 9, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("явная дата должна вытеснять выведенную, даже более раннюю: %v", apply.Promo.EndsAt)
	}
	if apply.Promo.EndInferred {
		t.Fatalf("после явной даты признак end_inferred должен сниматься")
	}
	if len(apply.Changes) != 1 || apply.Changes[0].Kind != domain.ChangeDetailsUpdated {
		t.Fatalf("ожидали единственную запись details_updated, получили %+v", apply.Changes)
	}
	if _, ok := apply.Changes[0].Diff["ends_at"]; !ok {
		t.Fatalf("diff должен содержать ends_at, получили %+v", apply.Changes[0].Diff)
	}
}

func TestMergeBadDateCountsAsError(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	storeID := uuid.New()
	extractions := &stubExtractions{batches: []domain.ExtractedBatch{
		batchWith(storeID, domain.PromoCandidate{
			Headline: "Summer Sale",
			EndsAt:   "soon",
		}),
	}}
	promos := &stubPromos{}
	service := newTestService(extractions, promos, now)

	stats, err := service.MergeAll(context.Background())
	if err != nil {
		t.Fatalf("ошибка кандидата не должна прерывать слияние: %v", err)
	}
	if stats.Errors != 1 || stats.Created != 0 {
		t.Fatalf("ожидали 1 ошибку без созданий, получили %+v", stats)
	}
}
