package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrCursorExpired сообщает, что источник больше не принимает сохранённый курсор.
// Это ожидаемое состояние: вызывающий обязан выполнить полный ресинк окна.
var ErrCursorExpired = errors.New("курсор источника устарел")

// ErrRunNotFound возвращается, если запись запуска отсутствует.
var ErrRunNotFound = errors.New("запуск не найден")

// ErrStoreNotFound возвращается, если магазин отсутствует.
var ErrStoreNotFound = errors.New("магазин не найден")

// SignalFetcher — внешний слой выборки сигналов (почта, веб).
type SignalFetcher interface {
	// FetchSince возвращает дельту после курсора; ErrCursorExpired при устаревании.
	FetchSince(ctx context.Context, cursor string) (SignalBatch, error)
	// FetchWindow выполняет полный ресинк ограниченного окна в днях.
	FetchWindow(ctx context.Context, days int) (SignalBatch, error)
}

// Extractor извлекает кандидатов промо из одного сигнала.
type Extractor interface {
	Extract(ctx context.Context, signal RawSignal) (ExtractionResult, error)
	// Model возвращает имя модели для аудита извлечений.
	Model() string
}

// DigestSender доставляет готовый текст дайджеста и возвращает id у провайдера.
type DigestSender interface {
	SendDigest(ctx context.Context, text string) (string, error)
}

// SeedSource отдаёт список магазинов для посева.
type SeedSource interface {
	Load() ([]StoreSeed, error)
}

// StoreRepo управляет магазинами.
type StoreRepo interface {
	UpsertStore(ctx context.Context, seed StoreSeed) (Store, bool, error)
	GetStoreBySlug(ctx context.Context, slug string) (Store, error)
	ListActiveStores(ctx context.Context) ([]Store, error)
}

// SignalRepo управляет сырыми сигналами.
type SignalRepo interface {
	// SaveSignals сохраняет порцию; дубликаты по (source_key, message_id) молча пропускаются.
	SaveSignals(ctx context.Context, signals []RawSignal) (int, error)
	ListPendingSignals(ctx context.Context) ([]RawSignal, error)
	MarkExtractionSuccess(ctx context.Context, signalID uuid.UUID) error
	MarkExtractionError(ctx context.Context, signalID uuid.UUID, message string) error
}

// ExtractionRepo хранит сырые ответы извлекателя и отдаёт кандидатов на слияние.
type ExtractionRepo interface {
	SaveExtraction(ctx context.Context, signalID uuid.UUID, model string, payload []byte) error
	// ListExtractedBatches возвращает кандидатов успешно извлечённых сигналов
	// с привязанным магазином, в порядке возрастания received_at.
	ListExtractedBatches(ctx context.Context) ([]ExtractedBatch, error)
}

// MatchWindow задаёт окно допустимости сопоставления кандидата с промо.
type MatchWindow struct {
	Lookback time.Duration
	EndGrace time.Duration
}

// MergeApply — атомарно применяемый результат слияния одного кандидата:
// строка промо, строки журнала и ссылка на сигнал-источник в одной транзакции.
type MergeApply struct {
	Promo    Promo
	IsNew    bool
	Changes  []PromoChange
	SignalID uuid.UUID
	// LinkRecorded выставляется, когда ссылка (promo, signal) уже записана
	// предыдущим кандидатом этого же сигнала в текущем прогоне: конфликт
	// ссылки тогда не считается повтором, и слияние применяется.
	LinkRecorded bool
}

// PromoRepo управляет каноническими промо и журналом изменений.
type PromoRepo interface {
	FindMatch(ctx context.Context, storeID uuid.UUID, baseKey string, window MatchWindow) (*Promo, error)
	// ApplyMerge применяет слияние; false без ошибки означает, что сигнал уже
	// был полностью обработан (ссылка-свидетельство существует) и всё пропущено.
	ApplyMerge(ctx context.Context, apply MergeApply) (bool, error)
	ExpireEnded(ctx context.Context, grace time.Duration) (int64, error)
	ListActivePromos(ctx context.Context, storeID *uuid.UUID) ([]Promo, error)
	SetNotified(ctx context.Context, promoIDs []uuid.UUID, at time.Time) error
}

// ChangeRepo читает журнал изменений для выборки дайджеста.
type ChangeRepo interface {
	// ListChangesSince возвращает изменения активных промо после отметки,
	// в порядке возрастания changed_at.
	ListChangesSince(ctx context.Context, since time.Time) ([]ChangeFeedItem, error)
}

// RunRepo управляет записями запусков.
type RunRepo interface {
	GetRun(ctx context.Context, runType, periodKey string) (*Run, error)
	GetLatestRun(ctx context.Context, runType string) (*Run, error)
	CreateRun(ctx context.Context, runType, periodKey string) (Run, error)
	MarkRunning(ctx context.Context, runID uuid.UUID) error
	FinishRun(ctx context.Context, runID uuid.UUID, status string, statsJSON, errorJSON []byte) error
	SetDigestSent(ctx context.Context, runID uuid.UUID, sentAt time.Time, providerID string) error
	SetRunCursor(ctx context.Context, runID uuid.UUID, cursor string) error
	// LastSentAt возвращает время последней успешной отправки по типу запуска.
	LastSentAt(ctx context.Context, runType string) (*time.Time, error)
}

// CursorRepo хранит позицию инкрементальной синхронизации по источникам.
type CursorRepo interface {
	GetCursor(ctx context.Context, sourceKey string) (SyncCursor, error)
	SaveCursor(ctx context.Context, sourceKey, cursor string, fullSync bool) error
}

// RunLock — захваченная advisory-блокировка запуска.
type RunLock interface {
	Release(ctx context.Context) error
}

// RunLocker выдаёт advisory-блокировку на тип запуска. false без ошибки
// означает, что блокировку держит другой процесс.
type RunLocker interface {
	AcquireRunLock(ctx context.Context, name string) (RunLock, bool, error)
}

// RunQueue — очередь заданий на запуск конвейера.
type RunQueue interface {
	Enqueue(ctx context.Context, job RunJob) error
	Pop(ctx context.Context) (RunJob, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
