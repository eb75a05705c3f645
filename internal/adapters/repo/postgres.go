package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"promo-digest/internal/domain"
	"promo-digest/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.StoreRepo      = (*Postgres)(nil)
	_ domain.SignalRepo     = (*Postgres)(nil)
	_ domain.ExtractionRepo = (*Postgres)(nil)
	_ domain.PromoRepo      = (*Postgres)(nil)
	_ domain.ChangeRepo     = (*Postgres)(nil)
	_ domain.RunRepo        = (*Postgres)(nil)
	_ domain.CursorRepo     = (*Postgres)(nil)
	_ domain.RunLocker      = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// UpsertStore сохраняет магазин по slug и возвращает true при вставке новой строки.
func (p *Postgres) UpsertStore(ctx context.Context, seed domain.StoreSeed) (domain.Store, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		store   domain.Store
		created bool
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO stores (slug, name, website_url, category, active)
VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''), true)
ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name, website_url = COALESCE(EXCLUDED.website_url, stores.website_url), category = COALESCE(EXCLUDED.category, stores.category), updated_at = now()
RETURNING id, slug, name, COALESCE(website_url,''), COALESCE(category,''), active, created_at, updated_at, (xmax = 0) AS inserted
`, seed.Slug, seed.Name, seed.WebsiteURL, seed.Category).Scan(&store.ID, &store.Slug, &store.Name, &store.WebsiteURL, &store.Category, &store.Active, &store.CreatedAt, &store.UpdatedAt, &created)
	metrics.ObserveNetworkRequest("postgres", "stores_upsert", "stores", start, err)
	if err != nil {
		return domain.Store{}, false, err
	}
	return store, created, nil
}

// GetStoreBySlug возвращает магазин по slug.
func (p *Postgres) GetStoreBySlug(ctx context.Context, slug string) (domain.Store, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var store domain.Store
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, slug, name, COALESCE(website_url,''), COALESCE(category,''), active, created_at, updated_at
FROM stores WHERE slug=$1
`, slug).Scan(&store.ID, &store.Slug, &store.Name, &store.WebsiteURL, &store.Category, &store.Active, &store.CreatedAt, &store.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "stores_get_by_slug", "stores", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Store{}, domain.ErrStoreNotFound
	}
	return store, err
}

// ListActiveStores возвращает активные магазины.
func (p *Postgres) ListActiveStores(ctx context.Context) ([]domain.Store, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, slug, name, COALESCE(website_url,''), COALESCE(category,''), active, created_at, updated_at
FROM stores WHERE active ORDER BY slug
`)
	metrics.ObserveNetworkRequest("postgres", "stores_list_active", "stores", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stores []domain.Store
	for rows.Next() {
		var s domain.Store
		if err := rows.Scan(&s.ID, &s.Slug, &s.Name, &s.WebsiteURL, &s.Category, &s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		stores = append(stores, s)
	}
	return stores, rows.Err()
}

// SaveSignals сохраняет порцию сигналов батчем. Дубликаты по
// (source_key, message_id) молча пропускаются; возвращается число новых строк.
func (p *Postgres) SaveSignals(ctx context.Context, signals []domain.RawSignal) (int, error) {
	if len(signals) == 0 {
		return 0, nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, s := range signals {
		batch.Queue(`
INSERT INTO raw_signals (source_key, message_id, store_id, subject, received_at, body_text, body_hash, top_links)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (source_key, message_id) DO NOTHING
`, s.SourceKey, s.MessageID, s.StoreID, s.Subject, s.ReceivedAt, s.BodyText, s.BodyHash, s.TopLinks)
	}
	start := time.Now()
	br := p.pool.SendBatch(ctx, batch)
	metrics.ObserveNetworkRequest("postgres", "raw_signals_send_batch", "raw_signals", start, nil)
	defer br.Close()

	saved := 0
	for range signals {
		start = time.Now()
		res, err := br.Exec()
		metrics.ObserveNetworkRequest("postgres", "raw_signals_batch_exec", "raw_signals", start, err)
		if err != nil {
			return saved, err
		}
		saved += int(res.RowsAffected())
	}
	return saved, nil
}

// ListPendingSignals возвращает сигналы, ожидающие извлечения, в порядке получения.
func (p *Postgres) ListPendingSignals(ctx context.Context) ([]domain.RawSignal, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, source_key, message_id, store_id, subject, received_at, body_text, COALESCE(body_hash,''), top_links, extraction_status, COALESCE(extraction_error,''), created_at
FROM raw_signals
WHERE extraction_status = $1
ORDER BY received_at ASC
`, domain.ExtractionPending)
	metrics.ObserveNetworkRequest("postgres", "raw_signals_list_pending", "raw_signals", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var signals []domain.RawSignal
	for rows.Next() {
		var (
			s       domain.RawSignal
			storeID *uuid.UUID
		)
		if err := rows.Scan(&s.ID, &s.SourceKey, &s.MessageID, &storeID, &s.Subject, &s.ReceivedAt, &s.BodyText, &s.BodyHash, &s.TopLinks, &s.ExtractionStatus, &s.ExtractionError, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.StoreID = storeID
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// MarkExtractionSuccess помечает сигнал как успешно извлечённый.
func (p *Postgres) MarkExtractionSuccess(ctx context.Context, signalID uuid.UUID) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE raw_signals SET extraction_status=$2, extraction_error=NULL WHERE id=$1
`, signalID, domain.ExtractionSuccess)
	metrics.ObserveNetworkRequest("postgres", "raw_signals_mark_success", "raw_signals", start, err)
	return err
}

// MarkExtractionError сохраняет текст ошибки извлечения.
func (p *Postgres) MarkExtractionError(ctx context.Context, signalID uuid.UUID, message string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE raw_signals SET extraction_status=$2, extraction_error=$3 WHERE id=$1
`, signalID, domain.ExtractionError, message)
	metrics.ObserveNetworkRequest("postgres", "raw_signals_mark_error", "raw_signals", start, err)
	return err
}

// SaveExtraction сохраняет сырой ответ извлекателя по сигналу.
func (p *Postgres) SaveExtraction(ctx context.Context, signalID uuid.UUID, model string, payload []byte) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO promo_extractions (signal_id, model, payload)
VALUES ($1, $2, $3)
ON CONFLICT (signal_id) DO UPDATE SET model = EXCLUDED.model, payload = EXCLUDED.payload, created_at = now()
`, signalID, model, payload)
	metrics.ObserveNetworkRequest("postgres", "promo_extractions_upsert", "promo_extractions", start, err)
	return err
}

// ListExtractedBatches возвращает кандидатов извлечённых сигналов с привязанным
// магазином, ещё не доведённых до промо, в порядке возрастания received_at.
// Сигналы без ссылок старше двух месяцев не выбираются: они заведомо за
// пределами окна сопоставления.
func (p *Postgres) ListExtractedBatches(ctx context.Context) ([]domain.ExtractedBatch, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT rs.id, rs.store_id, rs.received_at, pe.payload
FROM raw_signals rs
JOIN promo_extractions pe ON pe.signal_id = rs.id
WHERE rs.extraction_status = $1
  AND rs.store_id IS NOT NULL
  AND rs.received_at >= now() - interval '60 days'
  AND NOT EXISTS (SELECT 1 FROM promo_signal_links l WHERE l.signal_id = rs.id)
ORDER BY rs.received_at ASC
`, domain.ExtractionSuccess)
	metrics.ObserveNetworkRequest("postgres", "promo_extractions_list_batches", "promo_extractions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []domain.ExtractedBatch
	for rows.Next() {
		var (
			b       domain.ExtractedBatch
			payload []byte
		)
		if err := rows.Scan(&b.SignalID, &b.StoreID, &b.ReceivedAt, &payload); err != nil {
			return nil, err
		}
		var result domain.ExtractionResult
		if err := json.Unmarshal(payload, &result); err != nil {
			// Повреждённый ответ не должен останавливать слияние остальных.
			continue
		}
		if !result.IsPromo || len(result.Promos) == 0 {
			continue
		}
		b.Candidates = result.Promos
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// GetCursor возвращает сохранённый курсор источника; пустой курсор — не ошибка.
func (p *Postgres) GetCursor(ctx context.Context, sourceKey string) (domain.SyncCursor, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		cursor   domain.SyncCursor
		fullSync sql.NullTime
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, source_key, COALESCE(cursor,''), last_full_sync_at, updated_at
FROM sync_state WHERE source_key=$1
`, sourceKey).Scan(&cursor.ID, &cursor.SourceKey, &cursor.Cursor, &fullSync, &cursor.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "sync_state_get", "sync_state", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SyncCursor{SourceKey: sourceKey}, nil
	}
	if err != nil {
		return domain.SyncCursor{}, err
	}
	if fullSync.Valid {
		ts := fullSync.Time
		cursor.LastFullSyncAt = &ts
	}
	return cursor, nil
}

// SaveCursor сохраняет позицию синхронизации источника.
func (p *Postgres) SaveCursor(ctx context.Context, sourceKey, cursor string, fullSync bool) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var err error
	if fullSync {
		_, err = p.pool.Exec(ctx, `
INSERT INTO sync_state (source_key, cursor, last_full_sync_at)
VALUES ($1, $2, now())
ON CONFLICT (source_key) DO UPDATE SET cursor = EXCLUDED.cursor, last_full_sync_at = now(), updated_at = now()
`, sourceKey, cursor)
	} else {
		_, err = p.pool.Exec(ctx, `
INSERT INTO sync_state (source_key, cursor)
VALUES ($1, $2)
ON CONFLICT (source_key) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = now()
`, sourceKey, cursor)
	}
	metrics.ObserveNetworkRequest("postgres", "sync_state_save", "sync_state", start, err)
	return err
}
