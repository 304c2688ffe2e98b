package config

import (
	"fmt"
	"strings"
	"time"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Lease.validate(); err != nil {
		return err
	}
	if err := c.Leader.validate(); err != nil {
		return err
	}
	if err := c.Recovery.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	return nil
}

func (d *DatabaseConfig) validate() error {
	switch d.Driver {
	case "sqlite":
		if strings.TrimSpace(d.Path) == "" {
			return fmt.Errorf("database.path cannot be empty for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(d.DSN) == "" && strings.TrimSpace(d.Host) == "" {
			return fmt.Errorf("database.dsn or database.host is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", d.Driver)
	}
	return nil
}

func (l *LeaseConfig) validate() error {
	if l.BaseClientID < 0 {
		return fmt.Errorf("lease.base_client_id must be >= 0")
	}
	if l.PoolSize <= 0 {
		return fmt.Errorf("lease.pool_size must be > 0")
	}
	if l.LiveOffset < 0 {
		return fmt.Errorf("lease.live_offset must be >= 0")
	}
	if l.LiveOffset > 0 && l.LiveOffset < l.PoolSize {
		return fmt.Errorf("lease.live_offset (%d) overlaps the paper range of size %d", l.LiveOffset, l.PoolSize)
	}
	return nil
}

func (l *LeaderConfig) validate() error {
	for _, m := range l.Modes {
		if m != "paper" && m != "live" {
			return fmt.Errorf("leader.modes only supports paper/live, got %q", m)
		}
	}
	if l.Enabled && strings.TrimSpace(l.Command) == "" {
		return fmt.Errorf("leader.command is required when leader.enabled=true")
	}
	if l.HeartbeatTimeoutSeconds <= 0 {
		return fmt.Errorf("leader.heartbeat_timeout_seconds must be > 0")
	}
	return nil
}

func (r *RecoveryConfig) validate() error {
	if r.MaxRetries < 0 {
		return fmt.Errorf("recovery.max_retries must be >= 0")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if _, err := time.LoadLocation(m.Timezone); err != nil {
		return fmt.Errorf("market.timezone invalid: %w", err)
	}
	open, err := time.Parse("15:04", m.Open)
	if err != nil {
		return fmt.Errorf("market.open must be HH:MM: %w", err)
	}
	closeAt, err := time.Parse("15:04", m.Close)
	if err != nil {
		return fmt.Errorf("market.close must be HH:MM: %w", err)
	}
	if !closeAt.After(open) {
		return fmt.Errorf("market.close must be after market.open")
	}
	for _, h := range m.Holidays {
		if _, err := time.Parse("2006-01-02", strings.TrimSpace(h)); err != nil {
			return fmt.Errorf("market.holidays entry %q must be YYYY-MM-DD", h)
		}
	}
	return nil
}
