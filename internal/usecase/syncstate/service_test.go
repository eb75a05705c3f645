package syncstate

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"promo-digest/internal/domain"
)

type stubFetcher struct {
	sinceBatch  domain.SignalBatch
	sinceErr    error
	windowBatch domain.SignalBatch
	sinceCalls  int
	windowDays  []int
}

func (s *stubFetcher) FetchSince(_ context.Context, cursor string) (domain.SignalBatch, error) {
	s.sinceCalls++
	if s.sinceErr != nil {
		return domain.SignalBatch{}, s.sinceErr
	}
	return s.sinceBatch, nil
}

func (s *stubFetcher) FetchWindow(_ context.Context, days int) (domain.SignalBatch, error) {
	s.windowDays = append(s.windowDays, days)
	return s.windowBatch, nil
}

type stubCursors struct {
	state domain.SyncCursor
	saved []savedCursor
}

type savedCursor struct {
	cursor   string
	fullSync bool
}

func (s *stubCursors) GetCursor(context.Context, string) (domain.SyncCursor, error) {
	return s.state, nil
}

func (s *stubCursors) SaveCursor(_ context.Context, _ string, cursor string, fullSync bool) error {
	s.saved = append(s.saved, savedCursor{cursor: cursor, fullSync: fullSync})
	return nil
}

func TestAdvanceFirstRunDoesFullResync(t *testing.T) {
	fetcher := &stubFetcher{windowBatch: domain.SignalBatch{Cursor: "c1"}}
	cursors := &stubCursors{}
	service := NewService(fetcher, cursors, 14, zerolog.Nop())

	batch, err := service.Advance(context.Background(), "gmail")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !batch.FullResync {
		t.Fatalf("первый запуск должен помечаться полным ресинком")
	}
	if len(fetcher.windowDays) != 1 || fetcher.windowDays[0] != 14 {
		t.Fatalf("ожидали ресинк окна 14 дней, получили %v", fetcher.windowDays)
	}
	if fetcher.sinceCalls != 0 {
		t.Fatalf("инкрементальная выборка не должна вызываться без курсора")
	}
}

func TestAdvanceExpiredCursorFallsBackToWindow(t *testing.T) {
	fetcher := &stubFetcher{
		sinceErr:    domain.ErrCursorExpired,
		windowBatch: domain.SignalBatch{Cursor: "c2"},
	}
	cursors := &stubCursors{state: domain.SyncCursor{SourceKey: "gmail", Cursor: "stale"}}
	service := NewService(fetcher, cursors, 14, zerolog.Nop())

	batch, err := service.Advance(context.Background(), "gmail")
	if err != nil {
		t.Fatalf("устаревший курсор — не ошибка: %v", err)
	}
	if !batch.FullResync || batch.Cursor != "c2" {
		t.Fatalf("ожидали полный ресинк с новым курсором, получили %+v", batch)
	}
	if fetcher.sinceCalls != 1 || len(fetcher.windowDays) != 1 {
		t.Fatalf("ожидали попытку дельты и затем ресинк")
	}
}

func TestAdvanceIncremental(t *testing.T) {
	fetcher := &stubFetcher{sinceBatch: domain.SignalBatch{Cursor: "c3"}}
	cursors := &stubCursors{state: domain.SyncCursor{SourceKey: "gmail", Cursor: "c2"}}
	service := NewService(fetcher, cursors, 14, zerolog.Nop())

	batch, err := service.Advance(context.Background(), "gmail")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if batch.FullResync {
		t.Fatalf("дельта не должна помечаться полным ресинком")
	}
	if len(fetcher.windowDays) != 0 {
		t.Fatalf("ресинк не должен вызываться при живом курсоре")
	}
}

func TestCommitSkipsEmptyCursor(t *testing.T) {
	cursors := &stubCursors{}
	service := NewService(&stubFetcher{}, cursors, 14, zerolog.Nop())

	if err := service.Commit(context.Background(), "gmail", domain.SignalBatch{}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(cursors.saved) != 0 {
		t.Fatalf("пустой курсор не должен сохраняться")
	}
}

func TestCommitPersistsCursor(t *testing.T) {
	cursors := &stubCursors{}
	service := NewService(&stubFetcher{}, cursors, 14, zerolog.Nop())

	batch := domain.SignalBatch{Cursor: "c4", FullResync: true}
	if err := service.Commit(context.Background(), "gmail", batch); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(cursors.saved) != 1 || cursors.saved[0].cursor != "c4" || !cursors.saved[0].fullSync {
		t.Fatalf("ожидали сохранение курсора c4 с пометкой ресинка, получили %+v", cursors.saved)
	}
}
