package config

import (
	"github.com/spf13/viper"
)

// DefaultCPUTimeBuckets is the bucket ladder used when none is configured.
// The values are seconds of normalised CPU time.
var DefaultCPUTimeBuckets = []int64{500, 1800, 10800, 43200, 86400, 250000, 500000, 1000000}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "gridwms.db")
	v.SetDefault("database.max_connections", 10)

	// Scheduler defaults
	v.SetDefault("scheduler.cputime_buckets", DefaultCPUTimeBuckets)
	v.SetDefault("scheduler.platform_order", [][]string{})
	v.SetDefault("scheduler.match_retry_budget", 3)
	v.SetDefault("scheduler.default_group_priority", 1.0)
	v.SetDefault("scheduler.share_recalc_min_interval_seconds", 5)

	// Housekeeping defaults
	v.SetDefault("housekeeping.interval_seconds", 300)
	v.SetDefault("housekeeping.default_request_lifetime_seconds", 3600)
}

// Default returns a Config populated with defaults only
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	// Unmarshal of defaults cannot fail; ignore the error to keep callers simple
	_ = v.Unmarshal(&cfg)
	return &cfg
}
