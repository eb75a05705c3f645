package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"promo-digest/internal/domain"
	"promo-digest/internal/infra/metrics"
)

const promoColumns = `id, store_id, base_key, headline, COALESCE(summary,''), COALESCE(discount_text,''), percent_off, amount_off, COALESCE(code,''), starts_at, ends_at, end_inferred, COALESCE(exclusions,''), COALESCE(landing_url,''), confidence, first_seen_at, last_seen_at, status, last_notified_at`

func scanPromo(row pgx.Row) (domain.Promo, error) {
	var (
		promo      domain.Promo
		percentOff sql.NullFloat64
		amountOff  sql.NullFloat64
		startsAt   sql.NullTime
		endsAt     sql.NullTime
		notifiedAt sql.NullTime
	)
	err := row.Scan(&promo.ID, &promo.StoreID, &promo.BaseKey, &promo.Headline, &promo.Summary, &promo.DiscountText, &percentOff, &amountOff, &promo.Code, &startsAt, &endsAt, &promo.EndInferred, &promo.Exclusions, &promo.LandingURL, &promo.Confidence, &promo.FirstSeenAt, &promo.LastSeenAt, &promo.Status, &notifiedAt)
	if err != nil {
		return domain.Promo{}, err
	}
	if percentOff.Valid {
		v := percentOff.Float64
		promo.PercentOff = &v
	}
	if amountOff.Valid {
		v := amountOff.Float64
		promo.AmountOff = &v
	}
	if startsAt.Valid {
		ts := startsAt.Time
		promo.StartsAt = &ts
	}
	if endsAt.Valid {
		ts := endsAt.Time
		promo.EndsAt = &ts
	}
	if notifiedAt.Valid {
		ts := notifiedAt.Time
		promo.LastNotifiedAt = &ts
	}
	return promo, nil
}

// FindMatch ищет промо по (store_id, base_key) в окне допустимости: запись
// считается той же акцией, если её недавно видели, её срок ещё не истёк с
// учётом грейса, либо срок неизвестен.
func (p *Postgres) FindMatch(ctx context.Context, storeID uuid.UUID, baseKey string, window domain.MatchWindow) (*domain.Promo, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	seenSince := now.Add(-window.Lookback)
	endAfter := now.Add(-window.EndGrace)

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT `+promoColumns+`
FROM promos
WHERE store_id=$1 AND base_key=$2
  AND (last_seen_at >= $3 OR ends_at IS NULL OR ends_at >= $4)
`, storeID, baseKey, seenSince, endAfter)
	promo, err := scanPromo(row)
	metrics.ObserveNetworkRequest("postgres", "promos_find_match", "promos", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &promo, nil
}

// ApplyMerge применяет результат слияния одного кандидата атомарно.
// Ссылка-свидетельство вставляется первой: её конфликт означает, что сигнал
// уже был применён к этому промо, и вся транзакция откатывается без следов.
func (p *Postgres) ApplyMerge(ctx context.Context, apply domain.MergeApply) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "promos", start, err)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	promoID := apply.Promo.ID
	if apply.IsNew {
		promoID, err = p.insertPromo(ctx, tx, apply.Promo)
		if err != nil {
			return false, err
		}
	}

	start = time.Now()
	res, err := tx.Exec(ctx, `
INSERT INTO promo_signal_links (promo_id, signal_id)
VALUES ($1, $2)
ON CONFLICT (promo_id, signal_id) DO NOTHING
`, promoID, apply.SignalID)
	metrics.ObserveNetworkRequest("postgres", "promo_signal_links_insert", "promo_signal_links", start, err)
	if err != nil {
		return false, err
	}
	if res.RowsAffected() == 0 && !apply.LinkRecorded {
		// Повтор сигнала: откатываем всё, включая возможную вставку промо.
		// Если ссылку записал предыдущий кандидат этого же прогона
		// (LinkRecorded), конфликт штатный, и слияние продолжается.
		return false, nil
	}

	if !apply.IsNew {
		if err := p.updatePromo(ctx, tx, apply.Promo, promoID); err != nil {
			return false, err
		}
	}

	for _, change := range apply.Changes {
		diff, err := json.Marshal(change.Diff)
		if err != nil {
			return false, err
		}
		start = time.Now()
		_, err = tx.Exec(ctx, `
INSERT INTO promo_changes (promo_id, signal_id, change_kind, diff, changed_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (promo_id, signal_id, change_kind) DO NOTHING
`, promoID, apply.SignalID, string(change.Kind), diff, change.ChangedAt)
		metrics.ObserveNetworkRequest("postgres", "promo_changes_insert", "promo_changes", start, err)
		if err != nil {
			return false, err
		}
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "promos", start, err)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Postgres) insertPromo(ctx context.Context, tx pgx.Tx, promo domain.Promo) (uuid.UUID, error) {
	var id uuid.UUID
	start := time.Now()
	err := tx.QueryRow(ctx, `
INSERT INTO promos (store_id, base_key, headline, summary, discount_text, percent_off, amount_off, code, starts_at, ends_at, end_inferred, exclusions, landing_url, confidence, first_seen_at, last_seen_at, status)
VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6,$7,NULLIF($8,''),$9,$10,$11,NULLIF($12,''),NULLIF($13,''),$14,$15,$16,$17)
ON CONFLICT (store_id, base_key) DO NOTHING
RETURNING id
`, promo.StoreID, promo.BaseKey, promo.Headline, promo.Summary, promo.DiscountText, promo.PercentOff, promo.AmountOff, promo.Code, promo.StartsAt, promo.EndsAt, promo.EndInferred, promo.Exclusions, promo.LandingURL, promo.Confidence, promo.FirstSeenAt, promo.LastSeenAt, promo.Status).Scan(&id)
	metrics.ObserveNetworkRequest("postgres", "promos_insert", "promos", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		// Гонка или повтор: строка уже существует, берём её id.
		start = time.Now()
		err = tx.QueryRow(ctx, `SELECT id FROM promos WHERE store_id=$1 AND base_key=$2`, promo.StoreID, promo.BaseKey).Scan(&id)
		metrics.ObserveNetworkRequest("postgres", "promos_get_id", "promos", start, err)
	}
	return id, err
}

func (p *Postgres) updatePromo(ctx context.Context, tx pgx.Tx, promo domain.Promo, promoID uuid.UUID) error {
	start := time.Now()
	_, err := tx.Exec(ctx, `
UPDATE promos
SET headline=$2, summary=NULLIF($3,''), discount_text=NULLIF($4,''), percent_off=$5, amount_off=$6, code=NULLIF($7,''), starts_at=$8, ends_at=$9, end_inferred=$10, exclusions=NULLIF($11,''), landing_url=NULLIF($12,''), confidence=$13, last_seen_at=$14, status=$15, updated_at=now()
WHERE id=$1
`, promoID, promo.Headline, promo.Summary, promo.DiscountText, promo.PercentOff, promo.AmountOff, promo.Code, promo.StartsAt, promo.EndsAt, promo.EndInferred, promo.Exclusions, promo.LandingURL, promo.Confidence, promo.LastSeenAt, promo.Status)
	metrics.ObserveNetworkRequest("postgres", "promos_update", "promos", start, err)
	return err
}

// ExpireEnded переводит в expired активные промо, чей срок истёк дольше грейса назад.
func (p *Postgres) ExpireEnded(ctx context.Context, grace time.Duration) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	cutoff := time.Now().UTC().Add(-grace)
	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE promos SET status=$1, updated_at=now()
WHERE status=$2 AND ends_at IS NOT NULL AND ends_at < $3
`, domain.PromoExpired, domain.PromoActive, cutoff)
	metrics.ObserveNetworkRequest("postgres", "promos_expire_ended", "promos", start, err)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// ListActivePromos возвращает активные промо, опционально по одному магазину.
func (p *Postgres) ListActivePromos(ctx context.Context, storeID *uuid.UUID) ([]domain.Promo, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	query := `SELECT ` + promoColumns + ` FROM promos WHERE status=$1`
	args := []any{domain.PromoActive}
	if storeID != nil {
		query += ` AND store_id=$2`
		args = append(args, *storeID)
	}
	query += ` ORDER BY last_seen_at DESC`

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "promos_list_active", "promos", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var promos []domain.Promo
	for rows.Next() {
		promo, err := scanPromo(rows)
		if err != nil {
			return nil, err
		}
		promos = append(promos, promo)
	}
	return promos, rows.Err()
}

// SetNotified помечает время последнего уведомления по списку промо.
func (p *Postgres) SetNotified(ctx context.Context, promoIDs []uuid.UUID, at time.Time) error {
	if len(promoIDs) == 0 {
		return nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE promos SET last_notified_at=$2, updated_at=now() WHERE id = ANY($1)
`, promoIDs, at)
	metrics.ObserveNetworkRequest("postgres", "promos_set_notified", "promos", start, err)
	return err
}

// ListChangesSince возвращает изменения активных промо после отметки вместе с
// промо и магазином, в порядке возрастания changed_at.
func (p *Postgres) ListChangesSince(ctx context.Context, since time.Time) ([]domain.ChangeFeedItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT pc.id, pc.promo_id, pc.signal_id, pc.change_kind, pc.diff, pc.changed_at,
       s.slug, s.name,
       p.id, p.store_id, p.base_key, p.headline, COALESCE(p.summary,''), COALESCE(p.discount_text,''), p.percent_off, p.amount_off, COALESCE(p.code,''), p.starts_at, p.ends_at, p.end_inferred, COALESCE(p.exclusions,''), COALESCE(p.landing_url,''), p.confidence, p.first_seen_at, p.last_seen_at, p.status, p.last_notified_at
FROM promo_changes pc
JOIN promos p ON p.id = pc.promo_id
JOIN stores s ON s.id = p.store_id
WHERE pc.changed_at > $1 AND p.status = $2
ORDER BY pc.changed_at ASC
`, since, domain.PromoActive)
	metrics.ObserveNetworkRequest("postgres", "promo_changes_list_since", "promo_changes", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.ChangeFeedItem
	for rows.Next() {
		var (
			item       domain.ChangeFeedItem
			kind       string
			diff       []byte
			percentOff sql.NullFloat64
			amountOff  sql.NullFloat64
			startsAt   sql.NullTime
			endsAt     sql.NullTime
			notifiedAt sql.NullTime
		)
		if err := rows.Scan(&item.Change.ID, &item.Change.PromoID, &item.Change.SignalID, &kind, &diff, &item.Change.ChangedAt,
			&item.StoreSlug, &item.StoreName,
			&item.Promo.ID, &item.Promo.StoreID, &item.Promo.BaseKey, &item.Promo.Headline, &item.Promo.Summary, &item.Promo.DiscountText, &percentOff, &amountOff, &item.Promo.Code, &startsAt, &endsAt, &item.Promo.EndInferred, &item.Promo.Exclusions, &item.Promo.LandingURL, &item.Promo.Confidence, &item.Promo.FirstSeenAt, &item.Promo.LastSeenAt, &item.Promo.Status, &notifiedAt); err != nil {
			return nil, err
		}
		item.Change.Kind = domain.ChangeKind(kind)
		if len(diff) > 0 {
			_ = json.Unmarshal(diff, &item.Change.Diff)
		}
		if percentOff.Valid {
			v := percentOff.Float64
			item.Promo.PercentOff = &v
		}
		if amountOff.Valid {
			v := amountOff.Float64
			item.Promo.AmountOff = &v
		}
		if startsAt.Valid {
			ts := startsAt.Time
			item.Promo.StartsAt = &ts
		}
		if endsAt.Valid {
			ts := endsAt.Time
			item.Promo.EndsAt = &ts
		}
		if notifiedAt.Valid {
			ts := notifiedAt.Time
			item.Promo.LastNotifiedAt = &ts
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
