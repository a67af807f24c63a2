// Package config implements the engine's two-layer configuration: a
// JSON-file-plus-env-var layer for the sync knobs that travel with the
// embedding application, and a viper+cobra layer for the daemon
// process's own flags. Load binds the two into one Config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/driftsync/engine/internal/merge"
)

// SyncKnobs are the engine's tunable sync settings: what an embedding
// application adjusts per project, independent of the daemon's own
// process configuration.
type SyncKnobs struct {
	ChangeLogRetentionDays int            `json:"change_log_retention_days,omitempty"`
	SyncExistingData       *bool          `json:"sync_existing_data,omitempty"`
	ConflictStrategy       merge.Strategy `json:"conflict_strategy,omitempty"`
	DebounceInterval       string         `json:"debounce_interval,omitempty"` // duration string
	PeriodicSyncInterval   string         `json:"periodic_sync_interval,omitempty"`
	MaxBatchSize           int            `json:"max_batch_size,omitempty"`
	QueueCap               int            `json:"queue_cap,omitempty"`
	SnapshotThreshold      *int64         `json:"snapshot_threshold,omitempty"`
	ServerURL              string         `json:"server_url,omitempty"`
}

// knobsFile is the on-disk shape at <data-dir>/sync.json, nesting the
// knobs under a single top-level key.
type knobsFile struct {
	Sync SyncKnobs `json:"sync"`
}

// env var names.
const (
	envRetentionDays  = "DRIFTSYNC_CHANGE_LOG_RETENTION_DAYS"
	envSyncExisting   = "DRIFTSYNC_SYNC_EXISTING_DATA"
	envConflict       = "DRIFTSYNC_CONFLICT_STRATEGY"
	envDebounce       = "DRIFTSYNC_DEBOUNCE_INTERVAL"
	envPeriodic       = "DRIFTSYNC_PERIODIC_SYNC_INTERVAL"
	envMaxBatch       = "DRIFTSYNC_MAX_BATCH_SIZE"
	envQueueCap       = "DRIFTSYNC_QUEUE_CAP"
	envSnapshotThresh = "DRIFTSYNC_SNAPSHOT_THRESHOLD"
	envServerURL      = "DRIFTSYNC_SERVER_URL"
)

// knobsFilePath returns <dataDir>/sync.json.
func knobsFilePath(dataDir string) string {
	return filepath.Join(dataDir, "sync.json")
}

// LoadSyncKnobs reads <dataDir>/sync.json if present; absence is not an
// error, since every knob falls back to its documented default.
// Environment variable overrides are layered on top at Resolve time.
func LoadSyncKnobs(dataDir string) (*SyncKnobs, error) {
	var file knobsFile
	data, err := os.ReadFile(knobsFilePath(dataDir))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", knobsFilePath(dataDir), err)
		}
	case os.IsNotExist(err):
		// use defaults
	default:
		return nil, fmt.Errorf("config: read %s: %w", knobsFilePath(dataDir), err)
	}
	return &file.Sync, nil
}

// SaveSyncKnobs writes knobs to <dataDir>/sync.json, creating the
// directory if necessary.
func SaveSyncKnobs(dataDir string, knobs SyncKnobs) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("config: create data dir: %w", err)
	}
	data, err := json.MarshalIndent(knobsFile{Sync: knobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal sync knobs: %w", err)
	}
	return os.WriteFile(knobsFilePath(dataDir), data, 0o644)
}

// Resolved is every sync knob after defaults and env overrides are
// applied — what the rest of the engine actually consumes.
type Resolved struct {
	ChangeLogRetentionDays int
	SyncExistingData       bool
	ConflictStrategy       merge.Strategy
	DebounceInterval       time.Duration
	PeriodicSyncInterval   time.Duration
	MaxBatchSize           int
	QueueCap               int
	SnapshotThreshold      int64
	ServerURL              string
}

// Resolve layers env vars over the file-loaded knobs and fills in the
// documented defaults for anything still unset. Priority, per knob:
// env var > sync.json > default.
func (k SyncKnobs) Resolve() Resolved {
	r := Resolved{
		ChangeLogRetentionDays: orInt(k.ChangeLogRetentionDays, 30),
		SyncExistingData:       true,
		ConflictStrategy:       orStrategy(k.ConflictStrategy, merge.LastWriteWins),
		DebounceInterval:       orDuration(k.DebounceInterval, 5*time.Second),
		PeriodicSyncInterval:   orDuration(k.PeriodicSyncInterval, 5*time.Minute),
		MaxBatchSize:           orInt(k.MaxBatchSize, 500),
		QueueCap:               orInt(k.QueueCap, 10000),
		SnapshotThreshold:      0,
		ServerURL:              k.ServerURL,
	}
	if k.SyncExistingData != nil {
		r.SyncExistingData = *k.SyncExistingData
	}
	if k.SnapshotThreshold != nil {
		r.SnapshotThreshold = *k.SnapshotThreshold
	}

	if v := os.Getenv(envRetentionDays); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			r.ChangeLogRetentionDays = n
		}
	}
	if v := parseBoolEnv(envSyncExisting); v != nil {
		r.SyncExistingData = *v
	}
	if v := os.Getenv(envConflict); v != "" {
		r.ConflictStrategy = merge.Strategy(v)
	}
	if v := os.Getenv(envDebounce); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			r.DebounceInterval = d
		}
	}
	if v := os.Getenv(envPeriodic); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			r.PeriodicSyncInterval = d
		}
	}
	if v := os.Getenv(envMaxBatch); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			r.MaxBatchSize = n
		}
	}
	if v := os.Getenv(envQueueCap); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			r.QueueCap = n
		}
	}
	if v := os.Getenv(envSnapshotThresh); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			r.SnapshotThreshold = n
		}
	}
	if v := os.Getenv(envServerURL); v != "" {
		r.ServerURL = v
	}
	return r
}

func orInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func orDuration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func orStrategy(v, fallback merge.Strategy) merge.Strategy {
	if v == "" {
		return fallback
	}
	return v
}

// parseBoolEnv returns nil if env isn't set, a pointer to the parsed
// value otherwise.
func parseBoolEnv(key string) *bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "1", "true":
		b := true
		return &b
	case "0", "false":
		b := false
		return &b
	default:
		return nil
	}
}
