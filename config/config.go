package config

// Config represents the core gridwms configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
}

// DatabaseConfig configures the SQLite backing store
type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MaxConnections int    `mapstructure:"max_connections"` // connection pool ceiling (default: 10)
}

// SchedulerConfig configures task queue matching and shares
type SchedulerConfig struct {
	// CPUTimeBuckets is the ladder used to bucket raw CPUTime requirements.
	// A job's CPUTime is stored as the smallest bucket >= the raw value;
	// values above the top rung clamp to the top rung.
	CPUTimeBuckets []int64 `mapstructure:"cputime_buckets"`

	// PlatformOrder lists [ancestor, descendant] edges of the platform
	// compatibility DAG, e.g. ["slc6", "centos7"] means payloads built for
	// slc6 run on centos7. Transitive; unrelated families never match.
	PlatformOrder [][]string `mapstructure:"platform_order"`

	// MatchRetryBudget bounds how often a matcher restarts after losing a
	// detach race before reporting no match (default: 3)
	MatchRetryBudget int `mapstructure:"match_retry_budget"`

	// DefaultGroupPriority is the raw priority floor assigned to a task
	// queue whose jobs carry no priority hint (default: 1)
	DefaultGroupPriority float64 `mapstructure:"default_group_priority"`

	// ShareRecalcMinIntervalSeconds throttles implicit share recalculation.
	// Shares are a derived view; eventual consistency within a few seconds
	// is sufficient. (default: 5)
	ShareRecalcMinIntervalSeconds int `mapstructure:"share_recalc_min_interval_seconds"`
}

// HousekeepingConfig configures the periodic maintenance loop
type HousekeepingConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"` // default: 300

	// DefaultRequestLifetimeSeconds bounds how long a delegation request in
	// the companion credential tables stays valid (default: 3600)
	DefaultRequestLifetimeSeconds int `mapstructure:"default_request_lifetime_seconds"`
}
