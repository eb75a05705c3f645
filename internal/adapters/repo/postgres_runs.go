package repo

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"promo-digest/internal/domain"
	"promo-digest/internal/infra/metrics"
)

const runColumns = `id, run_type, period_key, status, started_at, finished_at, digest_sent_at, COALESCE(digest_provider_id,''), COALESCE(cursor,''), stats, error`

func scanRun(row pgx.Row) (domain.Run, error) {
	var (
		run        domain.Run
		finishedAt sql.NullTime
		sentAt     sql.NullTime
	)
	err := row.Scan(&run.ID, &run.Type, &run.PeriodKey, &run.Status, &run.StartedAt, &finishedAt, &sentAt, &run.DigestProviderID, &run.Cursor, &run.StatsJSON, &run.ErrorJSON)
	if err != nil {
		return domain.Run{}, err
	}
	if finishedAt.Valid {
		ts := finishedAt.Time
		run.FinishedAt = &ts
	}
	if sentAt.Valid {
		ts := sentAt.Time
		run.DigestSentAt = &ts
	}
	return run, nil
}

// GetRun возвращает запись запуска по типу и ключу периода.
func (p *Postgres) GetRun(ctx context.Context, runType, periodKey string) (*domain.Run, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT `+runColumns+` FROM runs WHERE run_type=$1 AND period_key=$2
`, runType, periodKey)
	run, err := scanRun(row)
	metrics.ObserveNetworkRequest("postgres", "runs_get", "runs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetLatestRun возвращает последний запуск указанного типа.
func (p *Postgres) GetLatestRun(ctx context.Context, runType string) (*domain.Run, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT `+runColumns+` FROM runs WHERE run_type=$1 ORDER BY started_at DESC LIMIT 1
`, runType)
	run, err := scanRun(row)
	metrics.ObserveNetworkRequest("postgres", "runs_get_latest", "runs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// CreateRun создаёт запись запуска. Уникальность (run_type, period_key)
// гарантирует не более одной записи за период.
func (p *Postgres) CreateRun(ctx context.Context, runType, periodKey string) (domain.Run, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO runs (run_type, period_key, status)
VALUES ($1, $2, $3)
ON CONFLICT (run_type, period_key) DO UPDATE SET run_type = EXCLUDED.run_type
RETURNING `+runColumns+`
`, runType, periodKey, domain.RunRunning)
	run, err := scanRun(row)
	metrics.ObserveNetworkRequest("postgres", "runs_create", "runs", start, err)
	return run, err
}

// MarkRunning переводит запуск в состояние running с новым временем старта.
func (p *Postgres) MarkRunning(ctx context.Context, runID uuid.UUID) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE runs SET status=$2, started_at=now(), finished_at=NULL, error=NULL WHERE id=$1
`, runID, domain.RunRunning)
	metrics.ObserveNetworkRequest("postgres", "runs_mark_running", "runs", start, err)
	return err
}

// FinishRun записывает итоговый статус, статистику и ошибку запуска.
func (p *Postgres) FinishRun(ctx context.Context, runID uuid.UUID, status string, statsJSON, errorJSON []byte) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE runs SET status=$2, finished_at=now(), stats=$3, error=$4 WHERE id=$1
`, runID, status, statsJSON, errorJSON)
	metrics.ObserveNetworkRequest("postgres", "runs_finish", "runs", start, err)
	return err
}

// SetDigestSent фиксирует факт отправки дайджеста для запуска.
func (p *Postgres) SetDigestSent(ctx context.Context, runID uuid.UUID, sentAt time.Time, providerID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE runs SET digest_sent_at=$2, digest_provider_id=NULLIF($3,'') WHERE id=$1
`, runID, sentAt, providerID)
	metrics.ObserveNetworkRequest("postgres", "runs_set_digest_sent", "runs", start, err)
	return err
}

// SetRunCursor сохраняет курсор синхронизации, которым закончился запуск.
func (p *Postgres) SetRunCursor(ctx context.Context, runID uuid.UUID, cursor string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE runs SET cursor=$2 WHERE id=$1`, runID, cursor)
	metrics.ObserveNetworkRequest("postgres", "runs_set_cursor", "runs", start, err)
	return err
}

// LastSentAt возвращает время последней успешной отправки дайджеста по типу.
func (p *Postgres) LastSentAt(ctx context.Context, runType string) (*time.Time, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var sentAt time.Time
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT digest_sent_at FROM runs
WHERE run_type=$1 AND digest_sent_at IS NOT NULL
ORDER BY digest_sent_at DESC LIMIT 1
`, runType).Scan(&sentAt)
	metrics.ObserveNetworkRequest("postgres", "runs_last_sent_at", "runs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sentAt, nil
}

// advisoryLock держит захваченную advisory-блокировку на выделенном соединении.
type advisoryLock struct {
	conn *pgxpool.Conn
	key  int64
}

// Release снимает блокировку и возвращает соединение в пул.
func (l *advisoryLock) Release(ctx context.Context) error {
	start := time.Now()
	_, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	metrics.ObserveNetworkRequest("postgres", "advisory_unlock", "pg_locks", start, err)
	if err != nil {
		// Сессия могла удержать блокировку. Такое соединение нельзя
		// возвращать в пул живым: любой будущий запуск упёрся бы в него,
		// поэтому закрываем его, и пул его уничтожит.
		_ = l.conn.Conn().Close(ctx)
	}
	l.conn.Release()
	return err
}

// Блокировка должна жить на одном соединении всё время запуска, поэтому
// соединение забирается из пула и не возвращается до Release.
func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64() % (1 << 31))
}

// AcquireRunLock пытается захватить advisory-блокировку по имени.
// false без ошибки означает, что блокировку держит другой процесс.
func (p *Postgres) AcquireRunLock(ctx context.Context, name string) (domain.RunLock, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	key := lockKey(name)
	var acquired bool
	start := time.Now()
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired)
	metrics.ObserveNetworkRequest("postgres", "advisory_try_lock", "pg_locks", start, err)
	if err != nil {
		conn.Release()
		return nil, false, err
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}
	return &advisoryLock{conn: conn, key: key}, true, nil
}
