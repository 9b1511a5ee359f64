package config

import (
	"github.com/spf13/viper"

	"github.com/LeJamon/goDAGBFT/internal/crypto"
)

// setDefaults sets all default values
func setDefaults(v *viper.Viper) {
	// Node defaults
	v.SetDefault("node.scheme", crypto.SchemeMLDSA65)
	v.SetDefault("node.data_dir", "dagbft-data")
	v.SetDefault("node.verify_workers", 0) // 0 means one per CPU
	v.SetDefault("node.inbound_queue", 1024)
	v.SetDefault("node.outbound_queue", 1024)
	v.SetDefault("node.parked_queries", 4096)
	v.SetDefault("node.orphans", 1024)
	v.SetDefault("node.finality_retry", "1s")

	// Consensus defaults (k=20, α=0.8, β=150)
	v.SetDefault("consensus.k", 20)
	v.SetDefault("consensus.alpha", 0.8)
	v.SetDefault("consensus.beta", 150)
	v.SetDefault("consensus.confidence_threshold", 0) // 0 means 2·β
	v.SetDefault("consensus.round_timeout", "500ms")
	v.SetDefault("consensus.retry_interval", "250ms")
	v.SetDefault("consensus.shards", 8)
	v.SetDefault("consensus.queue_size", 1024)
	v.SetDefault("consensus.conflict_separator", "")

	// Adaptive quorum defaults
	v.SetDefault("quorum.base", 0.6667)
	v.SetDefault("quorum.max", 0.90)
	v.SetDefault("quorum.step", 0.15)
	v.SetDefault("quorum.window", "5m")
	v.SetDefault("quorum.responsiveness_alpha", 0.1)

	// Reputation defaults
	v.SetDefault("reputation.initial", 0.5)
	v.SetDefault("reputation.ban_threshold", 0.1)
	v.SetDefault("reputation.rehabilitation_threshold", 0.5)
	v.SetDefault("reputation.reward_step", 0.01)
	v.SetDefault("reputation.uptime_alpha", 0.05)

	// Byzantine detection defaults
	v.SetDefault("byzantine.max_vote_delay", "400ms")
	v.SetDefault("byzantine.abstention_limit", 10)
	v.SetDefault("byzantine.max_messages", 5000)
	v.SetDefault("byzantine.flood_window", "1s")
	v.SetDefault("byzantine.replay_window", "1m")
	v.SetDefault("byzantine.max_payload_size", 1<<20)
	v.SetDefault("byzantine.max_parents", 64)
	v.SetDefault("byzantine.max_clock_skew", "30s")

	// Finality and fork detection defaults
	v.SetDefault("finality.record_buffer", 256)
	v.SetDefault("forks.scan_depth", 16)
	v.SetDefault("forks.max_inconclusive", 5)
	v.SetDefault("forks.interval", "1s")

	// Storage defaults
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.path", "vertices")
	v.SetDefault("storage.cache_size", 4096)
	v.SetDefault("storage.compression", "lz4")
	v.SetDefault("storage.sync", true)
	v.SetDefault("storage.audit_log", false)

	// Optional listeners
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9464")
	v.SetDefault("feed.enabled", false)
	v.SetDefault("feed.address", "127.0.0.1:6006")
}
