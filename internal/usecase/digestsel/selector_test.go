package digestsel

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"promo-digest/internal/domain"
)

type stubChanges struct {
	feed []domain.ChangeFeedItem
}

func (s *stubChanges) ListChangesSince(context.Context, time.Time) ([]domain.ChangeFeedItem, error) {
	return s.feed, nil
}

type stubRuns struct {
	sentAt *time.Time
}

func (s *stubRuns) GetRun(context.Context, string, string) (*domain.Run, error) {
	return nil, domain.ErrRunNotFound
}
func (s *stubRuns) GetLatestRun(context.Context, string) (*domain.Run, error) {
	return nil, domain.ErrRunNotFound
}
func (s *stubRuns) CreateRun(context.Context, string, string) (domain.Run, error) {
	return domain.Run{}, nil
}
func (s *stubRuns) MarkRunning(context.Context, uuid.UUID) error                    { return nil }
func (s *stubRuns) FinishRun(context.Context, uuid.UUID, string, []byte, []byte) error { return nil }
func (s *stubRuns) SetDigestSent(context.Context, uuid.UUID, time.Time, string) error  { return nil }
func (s *stubRuns) SetRunCursor(context.Context, uuid.UUID, string) error              { return nil }
func (s *stubRuns) LastSentAt(context.Context, string) (*time.Time, error) {
	return s.sentAt, nil
}

func feedEntry(promo domain.Promo, slug, name string, kind domain.ChangeKind, at time.Time) domain.ChangeFeedItem {
	return domain.ChangeFeedItem{
		Change:    domain.PromoChange{ID: uuid.New(), PromoID: promo.ID, Kind: kind, ChangedAt: at},
		Promo:     promo,
		StoreSlug: slug,
		StoreName: name,
	}
}

func TestSelectSinceBadgeUpdatedWhenCreatedOutsideWindow(t *testing.T) {
	now := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	sentAt := now.Add(-24 * time.Hour)
	promo := domain.Promo{ID: uuid.New(), Headline: "Summer Sale", Status: domain.PromoActive}

	// created было до последней отправки и в журнал окна не попало.
	changes := &stubChanges{feed: []domain.ChangeFeedItem{
		feedEntry(promo, "acme", "ACME", domain.ChangeDiscountChanged, now.Add(-2*time.Hour)),
	}}
	service := NewService(changes, &stubRuns{sentAt: &sentAt}, nil, 0, 0, zerolog.Nop())

	items, cutoff, err := service.SelectSince(context.Background(), domain.RunTypeDaily)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !cutoff.Equal(sentAt) {
		t.Fatalf("ожидали отсечку по последней отправке")
	}
	if len(items) != 1 {
		t.Fatalf("ожидали 1 позицию, получили %d", len(items))
	}
	if items[0].Badge != domain.BadgeUpdated {
		t.Fatalf("ожидали бейдж UPDATED, получили %s", items[0].Badge)
	}
}

func TestSelectSinceDedupesPromoAndUpgradesBadge(t *testing.T) {
	now := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	sentAt := now.Add(-24 * time.Hour)
	promo := domain.Promo{ID: uuid.New(), Headline: "Summer Sale", Status: domain.PromoActive}

	changes := &stubChanges{feed: []domain.ChangeFeedItem{
		feedEntry(promo, "acme", "ACME", domain.ChangeCreated, now.Add(-3*time.Hour)),
		feedEntry(promo, "acme", "ACME", domain.ChangeDiscountChanged, now.Add(-1*time.Hour)),
	}}
	service := NewService(changes, &stubRuns{sentAt: &sentAt}, nil, 0, 0, zerolog.Nop())

	items, _, err := service.SelectSince(context.Background(), domain.RunTypeDaily)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("промо должно входить в дайджест один раз, получили %d", len(items))
	}
	if items[0].Badge != domain.BadgeNew {
		t.Fatalf("created в окне даёт бейдж NEW, получили %s", items[0].Badge)
	}
	if len(items[0].Changes) != 2 {
		t.Fatalf("ожидали 2 вида изменений, получили %d", len(items[0].Changes))
	}
}

func TestSelectSinceCollapsesSimilarHeadlines(t *testing.T) {
	now := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	sentAt := now.Add(-24 * time.Hour)
	first := domain.Promo{ID: uuid.New(), Headline: "Up to 40% OFF!", Status: domain.PromoActive}
	second := domain.Promo{ID: uuid.New(), Headline: "up to 40 off", Status: domain.PromoActive}

	changes := &stubChanges{feed: []domain.ChangeFeedItem{
		feedEntry(first, "acme", "ACME", domain.ChangeCreated, now.Add(-2*time.Hour)),
		feedEntry(second, "acme", "ACME", domain.ChangeCreated, now.Add(-1*time.Hour)),
	}}
	service := NewService(changes, &stubRuns{sentAt: &sentAt}, nil, 0, 0, zerolog.Nop())

	items, _, err := service.SelectSince(context.Background(), domain.RunTypeDaily)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("почти одинаковые заголовки одного магазина должны схлопываться, получили %d", len(items))
	}
	if items[0].Promo.ID != first.ID {
		t.Fatalf("должна остаться первая по времени позиция")
	}
}

func TestSelectSinceAllowlistFiltersStores(t *testing.T) {
	now := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	sentAt := now.Add(-24 * time.Hour)
	kept := domain.Promo{ID: uuid.New(), Headline: "Kept", Status: domain.PromoActive}
	dropped := domain.Promo{ID: uuid.New(), Headline: "Dropped", Status: domain.PromoActive}

	changes := &stubChanges{feed: []domain.ChangeFeedItem{
		feedEntry(kept, "acme", "ACME", domain.ChangeCreated, now.Add(-2*time.Hour)),
		feedEntry(dropped, "other", "Other", domain.ChangeCreated, now.Add(-1*time.Hour)),
	}}
	service := NewService(changes, &stubRuns{sentAt: &sentAt}, []string{"acme"}, 0, 0, zerolog.Nop())

	items, _, err := service.SelectSince(context.Background(), domain.RunTypeDaily)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(items) != 1 || items[0].Promo.ID != kept.ID {
		t.Fatalf("ожидали только магазин из allowlist, получили %+v", items)
	}
}

func TestSelectSinceFallbackLookback(t *testing.T) {
	service := NewService(&stubChanges{}, &stubRuns{}, nil, 24*time.Hour, 168*time.Hour, zerolog.Nop())
	now := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	_, cutoff, err := service.SelectSince(context.Background(), domain.RunTypeWeekly)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !cutoff.Equal(now.Add(-168 * time.Hour)) {
		t.Fatalf("без отправок недельное окно должно быть 168 часов, получили %v", cutoff)
	}
}
