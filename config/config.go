package config

import "time"

// Config represents the Loom sync engine configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	API      APIConfig      `mapstructure:"api"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Search   SearchConfig   `mapstructure:"search"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// APIConfig configures the remote API used for the manifest query and for
// outbox replay writes.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// RelayConfig configures the replication relay connection
type RelayConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// NotifyConfig configures the live change-notification channel
type NotifyConfig struct {
	URL                 string `mapstructure:"url"`
	ReconcileDebounce   int    `mapstructure:"reconcile_debounce_ms"`     // debounce before a notification triggers a cycle
	ReconcileCeilingSec int    `mapstructure:"reconcile_ceiling_seconds"` // max latency before the cycle runs anyway
}

// SyncConfig configures the reconciliation cycle and document sync
type SyncConfig struct {
	BatchSize            int `mapstructure:"batch_size"`             // documents synced concurrently per batch
	BatchDelayMS         int `mapstructure:"batch_delay_ms"`         // fixed delay between batches
	DocTimeoutSeconds    int `mapstructure:"doc_timeout_seconds"`    // per-document relay sync deadline
	CycleDeadlineMinutes int `mapstructure:"cycle_deadline_minutes"` // global abort deadline for one cycle
	IntervalMinutes      int `mapstructure:"interval_minutes"`       // periodic cycle interval for the daemon
}

// SearchConfig configures the local full-text index
type SearchConfig struct {
	PersistDebounceSeconds int `mapstructure:"persist_debounce_seconds"`
	PersistCeilingSeconds  int `mapstructure:"persist_ceiling_seconds"`
	ResultLimit            int `mapstructure:"result_limit"`
}

// OutboxConfig configures the durable offline-write queue
type OutboxConfig struct {
	RetentionDays   int `mapstructure:"retention_days"`
	ReplayPerMinute int `mapstructure:"replay_per_minute"`
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// BatchDelay returns the inter-batch delay as a duration.
func (c SyncConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMS) * time.Millisecond
}

// DocTimeout returns the per-document sync deadline as a duration.
func (c SyncConfig) DocTimeout() time.Duration {
	return time.Duration(c.DocTimeoutSeconds) * time.Second
}

// CycleDeadline returns the global cycle deadline as a duration.
func (c SyncConfig) CycleDeadline() time.Duration {
	return time.Duration(c.CycleDeadlineMinutes) * time.Minute
}

// Interval returns the daemon reconcile interval as a duration.
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// PersistDebounce returns the index persistence debounce as a duration.
func (c SearchConfig) PersistDebounce() time.Duration {
	return time.Duration(c.PersistDebounceSeconds) * time.Second
}

// PersistCeiling returns the index persistence ceiling as a duration.
func (c SearchConfig) PersistCeiling() time.Duration {
	return time.Duration(c.PersistCeilingSeconds) * time.Second
}

// Retention returns the outbox retention window as a duration.
func (c OutboxConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ReconcileDebounceDelay returns the notification debounce as a duration.
func (c NotifyConfig) ReconcileDebounceDelay() time.Duration {
	return time.Duration(c.ReconcileDebounce) * time.Millisecond
}

// ReconcileCeiling returns the notification ceiling as a duration.
func (c NotifyConfig) ReconcileCeiling() time.Duration {
	return time.Duration(c.ReconcileCeilingSec) * time.Second
}
