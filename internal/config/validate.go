package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url is required")
	}

	if c.Poller.BatchSize < 1 {
		return errors.New("poller.batch_size must be >= 1")
	}
	if c.Poller.MinInterval <= 0 {
		return errors.New("poller.min_interval must be > 0")
	}
	if c.Poller.MaxInterval < c.Poller.MinInterval {
		return fmt.Errorf("poller.max_interval (%v) cannot be less than min_interval (%v)",
			c.Poller.MaxInterval, c.Poller.MinInterval)
	}
	if c.Poller.MaxFetchFailures < 1 {
		return errors.New("poller.max_fetch_failures must be >= 1")
	}

	if c.Batcher.Window <= 0 {
		return errors.New("batcher.window must be > 0")
	}

	if c.Hub.OutboundQueueSize < 1 {
		return errors.New("hub.outbound_queue_size must be >= 1")
	}
	if c.Hub.MaxReconnectAttempts < 1 {
		return errors.New("hub.max_reconnect_attempts must be >= 1")
	}

	if c.Cache.HistoryDepth < 1 {
		return errors.New("cache.history_depth must be >= 1")
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
