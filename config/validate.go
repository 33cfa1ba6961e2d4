package config

import "github.com/teranos/gridwms/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.MaxConnections <= 0 {
		return errors.Newf("database.max_connections must be > 0, got %d", c.Database.MaxConnections)
	}

	if len(c.Scheduler.CPUTimeBuckets) == 0 {
		return errors.New("scheduler.cputime_buckets cannot be empty")
	}
	prev := int64(0)
	for _, b := range c.Scheduler.CPUTimeBuckets {
		if b <= prev {
			return errors.Newf("scheduler.cputime_buckets must be strictly increasing and positive, got %v", c.Scheduler.CPUTimeBuckets)
		}
		prev = b
	}

	for _, edge := range c.Scheduler.PlatformOrder {
		if len(edge) != 2 || edge[0] == "" || edge[1] == "" {
			return errors.Newf("scheduler.platform_order entries must be [ancestor, descendant] pairs, got %v", edge)
		}
	}

	if c.Scheduler.MatchRetryBudget < 0 {
		return errors.Newf("scheduler.match_retry_budget must be >= 0, got %d", c.Scheduler.MatchRetryBudget)
	}
	if c.Scheduler.DefaultGroupPriority <= 0 {
		return errors.Newf("scheduler.default_group_priority must be > 0, got %f", c.Scheduler.DefaultGroupPriority)
	}
	if c.Scheduler.ShareRecalcMinIntervalSeconds < 0 {
		return errors.Newf("scheduler.share_recalc_min_interval_seconds must be >= 0, got %d", c.Scheduler.ShareRecalcMinIntervalSeconds)
	}

	if c.Housekeeping.IntervalSeconds <= 0 {
		return errors.Newf("housekeeping.interval_seconds must be > 0, got %d", c.Housekeeping.IntervalSeconds)
	}
	if c.Housekeeping.DefaultRequestLifetimeSeconds <= 0 {
		return errors.Newf("housekeeping.default_request_lifetime_seconds must be > 0, got %d", c.Housekeeping.DefaultRequestLifetimeSeconds)
	}

	return nil
}
