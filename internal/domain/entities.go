package domain

import (
	"time"

	"github.com/google/uuid"
)

// Store описывает магазин или бренд, рассылающий промо-сигналы.
type Store struct {
	ID         uuid.UUID
	Slug       string
	Name       string
	WebsiteURL string
	Category   string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StoreSeed описывает запись магазина из файла посева.
type StoreSeed struct {
	Slug       string `yaml:"slug"`
	Name       string `yaml:"name"`
	WebsiteURL string `yaml:"website_url"`
	Category   string `yaml:"category"`
}

// Статусы извлечения сигнала.
const (
	ExtractionPending = "pending"
	ExtractionSuccess = "success"
	ExtractionError   = "error"
)

// RawSignal представляет обнаруженный документ (письмо, страницу).
// Запись неизменяема после сохранения, меняется только статус извлечения.
type RawSignal struct {
	ID               uuid.UUID
	SourceKey        string
	MessageID        string
	StoreID          *uuid.UUID
	Subject          string
	ReceivedAt       time.Time
	BodyText         string
	BodyHash         string
	TopLinks         []string
	ExtractionStatus string
	ExtractionError  string
	CreatedAt        time.Time
}

// SignalBatch содержит порцию новых сигналов и курсор после выборки.
type SignalBatch struct {
	Cursor     string
	FullResync bool
	Signals    []RawSignal
}

// PromoCandidate — одно предложение, извлечённое LLM из одного сигнала.
// Даты приходят строками ISO 8601 как их вернула модель.
type PromoCandidate struct {
	Headline     string   `json:"headline"`
	Summary      string   `json:"summary,omitempty"`
	DiscountText string   `json:"discount_text,omitempty"`
	PercentOff   *float64 `json:"percent_off,omitempty"`
	AmountOff    *float64 `json:"amount_off,omitempty"`
	Code         string   `json:"code,omitempty"`
	StartsAt     string   `json:"starts_at,omitempty"`
	EndsAt       string   `json:"ends_at,omitempty"`
	EndInferred  bool     `json:"end_inferred"`
	Exclusions   []string `json:"exclusions,omitempty"`
	LandingURL   string   `json:"landing_url,omitempty"`
	Confidence   float64  `json:"confidence"`
}

// ExtractionResult — ответ извлекателя по одному сигналу.
type ExtractionResult struct {
	IsPromo bool             `json:"is_promo_email"`
	Promos  []PromoCandidate `json:"promos"`
	Notes   []string         `json:"notes,omitempty"`
}

// ExtractedBatch — кандидаты одного сигнала, готовые к слиянию.
type ExtractedBatch struct {
	SignalID   uuid.UUID
	StoreID    uuid.UUID
	ReceivedAt time.Time
	Candidates []PromoCandidate
}

// Статусы канонической промоакции.
const (
	PromoActive  = "active"
	PromoExpired = "expired"
	PromoUnknown = "unknown"
)

// Promo — каноническая запись одной реальной промоакции магазина.
// Уникальна по (store_id, base_key), физически никогда не удаляется.
type Promo struct {
	ID             uuid.UUID
	StoreID        uuid.UUID
	BaseKey        string
	Headline       string
	Summary        string
	DiscountText   string
	PercentOff     *float64
	AmountOff      *float64
	Code           string
	StartsAt       *time.Time
	EndsAt         *time.Time
	EndInferred    bool
	Exclusions     string
	LandingURL     string
	Confidence     float64
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	Status         string
	LastNotifiedAt *time.Time
}

// PromoChange — запись в журнале изменений промоакции.
// Не более одной строки на (promo, signal, kind).
type PromoChange struct {
	ID        uuid.UUID
	PromoID   uuid.UUID
	SignalID  uuid.UUID
	Kind      ChangeKind
	Diff      map[string]any
	ChangedAt time.Time
}

// ChangeFeedItem — строка журнала вместе с промо и магазином для выборки дайджеста.
type ChangeFeedItem struct {
	Change    PromoChange
	Promo     Promo
	StoreSlug string
	StoreName string
}

// Бейджи дайджеста.
const (
	BadgeNew     = "NEW"
	BadgeUpdated = "UPDATED"
)

// DigestItem — одна позиция дайджеста: промо с бейджем и списком изменений.
type DigestItem struct {
	Promo     Promo
	StoreName string
	Badge     string
	Changes   []ChangeKind
}

// Типы и статусы запусков.
const (
	RunTypeDaily  = "daily_digest"
	RunTypeWeekly = "weekly_digest"

	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
)

// Run — запись одного планового запуска. Уникальна по (run_type, period_key);
// именно это ограничение защищает от повторной отправки дайджеста за период.
type Run struct {
	ID               uuid.UUID
	Type             string
	PeriodKey        string
	Status           string
	StartedAt        time.Time
	FinishedAt       *time.Time
	DigestSentAt     *time.Time
	DigestProviderID string
	Cursor           string
	StatsJSON        []byte
	ErrorJSON        []byte
}

// SyncCursor хранит позицию инкрементальной выборки по источнику.
type SyncCursor struct {
	ID             uuid.UUID
	SourceKey      string
	Cursor         string
	LastFullSyncAt *time.Time
	UpdatedAt      time.Time
}

// RunJob — задание на запуск конвейера, передаётся через очередь.
type RunJob struct {
	Type        string    `json:"type"`
	DryRun      bool      `json:"dry_run"`
	RequestedAt time.Time `json:"requested_at"`
}
