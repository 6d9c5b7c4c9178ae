package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "loom.db")

	// Remote API defaults (manifest query + write endpoints).
	// Tokens default empty so LOOM_API_TOKEN / LOOM_RELAY_TOKEN env
	// overrides are picked up during unmarshal.
	v.SetDefault("api.base_url", "http://localhost:8710")
	v.SetDefault("api.token", "")

	// Replication relay defaults
	v.SetDefault("relay.url", "ws://localhost:8711/relay")
	v.SetDefault("relay.token", "")

	// Live notification channel defaults
	v.SetDefault("notify.url", "ws://localhost:8710/api/notify")
	v.SetDefault("notify.reconcile_debounce_ms", 500)
	v.SetDefault("notify.reconcile_ceiling_seconds", 10)

	// Sync cycle defaults
	v.SetDefault("sync.batch_size", 5)               // documents per concurrent batch
	v.SetDefault("sync.batch_delay_ms", 1000)        // bound burst load on the relay
	v.SetDefault("sync.doc_timeout_seconds", 10)     // soft per-document deadline
	v.SetDefault("sync.cycle_deadline_minutes", 6)   // a stuck cycle must not block the next
	v.SetDefault("sync.interval_minutes", 5)         // daemon periodic reconcile

	// Search index defaults
	v.SetDefault("search.persist_debounce_seconds", 10)
	v.SetDefault("search.persist_ceiling_seconds", 120) // flush even under continuous edits
	v.SetDefault("search.result_limit", 20)

	// Outbox defaults
	v.SetDefault("outbox.retention_days", 30)   // drop abandoned writes eventually
	v.SetDefault("outbox.replay_per_minute", 30)

	// Logging defaults
	v.SetDefault("log.json", false)
}
