package domain

import "github.com/google/uuid"

// RunContext передаётся через все стадии конвейера вместо глобального состояния:
// идентификатор запуска, срез курсора и накапливаемая статистика.
type RunContext struct {
	RunID     uuid.UUID
	Type      string
	PeriodKey string
	DryRun    bool
	Cursor    string
	Stats     *RunStats
}

// RunStats — накапливаемая статистика запуска, сериализуется в RunRecord.
type RunStats struct {
	Date    string       `json:"date"`
	DryRun  bool         `json:"dry_run"`
	Seed    SeedStats    `json:"seed"`
	Sync    SyncStats    `json:"sync"`
	Extract ExtractStats `json:"extract"`
	Merge   MergeStats   `json:"merge"`
	Expired int64        `json:"expired"`
	Digest  DigestStats  `json:"digest"`
	Error   string       `json:"error,omitempty"`
}

// SeedStats — итог посева магазинов.
type SeedStats struct {
	Created int  `json:"created"`
	Updated int  `json:"updated"`
	Skipped bool `json:"skipped,omitempty"`
}

// SyncStats — итог инкрементальной синхронизации сигналов.
type SyncStats struct {
	Fetched    int  `json:"fetched"`
	New        int  `json:"new"`
	FullResync bool `json:"full_resync,omitempty"`
	Errors     int  `json:"errors"`
}

// ExtractStats — итог стадии извлечения.
type ExtractStats struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// MergeStats — итог стадии слияния кандидатов.
type MergeStats struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Replayed  int `json:"replayed"`
	Errors    int `json:"errors"`
}

// DigestStats — итог стадии дайджеста.
type DigestStats struct {
	Promos     int    `json:"promos"`
	Sent       bool   `json:"sent"`
	Reason     string `json:"reason,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
	Preview    string `json:"preview,omitempty"`
}
