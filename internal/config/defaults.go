package config

import (
	"path/filepath"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv                = "dev"
	defaultAppLogLevel           = "info"
	defaultAppLogFormat          = "text"
	defaultAppHTTPAddr           = ":9992"
	defaultAppDataDir            = "/data/brokerd"
	defaultDatabaseDriver        = "sqlite"
	defaultPostgresPort          = 5432
	defaultPostgresSSLMode       = "disable"
	defaultLeaseBase             = 100
	defaultLeasePoolSize         = 16
	defaultLeaseLiveOffset       = 500
	defaultLeaseTTL              = 6 * 3600
	defaultLeaseHeartbeatTimeout = 120
	defaultLeaseReapInterval     = 30
	defaultLockTTL               = 120
	defaultLockHeartbeat         = 15
	defaultLockWaitPollMillis    = 500
	defaultSnapshotMaxAge        = 30
	defaultLeaderGateway         = "sim"
	defaultLeaderGrace           = 90
	defaultLeaderHeartbeat       = 45
	defaultLeaderCheckInterval   = 10
	defaultLeaderBreaker         = 3
	defaultLeaderBreakerCooldown = 600
	defaultLeaderTickMillis      = 250
	defaultWatchlistMillis       = 30_000
	defaultSnapshotMillis        = 5_000
	defaultOpenOrdersMillis      = 2_000
	defaultExecutionsMillis      = 1_000
	defaultCommandsMillis        = 500
	defaultCommandTTL            = 120
	defaultReconcileInterval     = 15
	defaultReconcileNewGrace     = 20
	defaultReconcileCancelAck    = 120
	defaultRecoveryInterval      = 60
	defaultRecoveryNewTimeout    = 300
	defaultRecoveryMaxRetries    = 2
	defaultRunsStallWindow       = 15
	defaultRunsCheckInterval     = 60
	defaultRunsResumeInterval    = 20
	defaultMarketTimezone        = "America/New_York"
	defaultMarketOpen            = "09:30"
	defaultMarketClose           = "16:00"
)

var defaultLeaderModes = []string{"paper"}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Database.applyDefaults(keys, c.App.DataDir)
	c.Lease.applyDefaults(keys)
	c.Lock.applyDefaults(keys, c.App.DataDir)
	c.Bridge.applyDefaults(keys, c.App.DataDir)
	c.Leader.applyDefaults(keys)
	c.Worker.applyDefaults(keys, c.App.DataDir)
	c.Reconcile.applyDefaults(keys)
	c.Recovery.applyDefaults(keys)
	c.Runs.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Exclusions.applyDefaults(keys, c.App.DataDir)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.data_dir", &a.DataDir, defaultAppDataDir),
	)
}

func (d *DatabaseConfig) applyDefaults(keys keySet, dataDir string) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("database.driver", &d.Driver, defaultDatabaseDriver),
		stringFieldDefault("database.path", &d.Path, filepath.Join(dataDir, "db", "brokerd.db")),
		stringFieldDefault("database.journal_path", &d.JournalPath, filepath.Join(dataDir, "db", "journal.db")),
		stringFieldDefault("database.ssl_mode", &d.SSLMode, defaultPostgresSSLMode),
		intFieldDefault("database.port", &d.Port, defaultPostgresPort),
	)
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
}

func (l *LeaseConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("lease.base_client_id", &l.BaseClientID, defaultLeaseBase),
		intFieldDefault("lease.pool_size", &l.PoolSize, defaultLeasePoolSize),
		intFieldDefault("lease.live_offset", &l.LiveOffset, defaultLeaseLiveOffset),
		intFieldDefault("lease.ttl_seconds", &l.TTLSeconds, defaultLeaseTTL),
		intFieldDefault("lease.heartbeat_timeout_seconds", &l.HeartbeatTimeoutSeconds, defaultLeaseHeartbeatTimeout),
		intFieldDefault("lease.reap_interval_seconds", &l.ReapIntervalSeconds, defaultLeaseReapInterval),
	)
}

func (l *LockConfig) applyDefaults(keys keySet, dataDir string) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("lock.dir", &l.Dir, filepath.Join(dataDir, "locks")),
		intFieldDefault("lock.ttl_seconds", &l.TTLSeconds, defaultLockTTL),
		intFieldDefault("lock.heartbeat_interval_seconds", &l.HeartbeatIntervalSeconds, defaultLockHeartbeat),
		intFieldDefault("lock.wait_poll_ms", &l.WaitPollMillis, defaultLockWaitPollMillis),
	)
}

func (b *BridgeConfig) applyDefaults(keys keySet, dataDir string) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("bridge.root", &b.Root, filepath.Join(dataDir, "bridge")),
		intFieldDefault("bridge.snapshot_max_age_seconds", &b.SnapshotMaxAgeSeconds, defaultSnapshotMaxAge),
	)
}

func (l *LeaderConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("leader.enabled", &l.Enabled, true),
		stringFieldDefault("leader.gateway", &l.Gateway, defaultLeaderGateway),
		intFieldDefault("leader.startup_grace_seconds", &l.StartupGraceSeconds, defaultLeaderGrace),
		intFieldDefault("leader.heartbeat_timeout_seconds", &l.HeartbeatTimeoutSeconds, defaultLeaderHeartbeat),
		intFieldDefault("leader.check_interval_seconds", &l.CheckIntervalSeconds, defaultLeaderCheckInterval),
		intFieldDefault("leader.breaker_threshold", &l.BreakerThreshold, defaultLeaderBreaker),
		intFieldDefault("leader.breaker_cooldown_seconds", &l.BreakerCooldownSeconds, defaultLeaderBreakerCooldown),
		intFieldDefault("leader.tick_ms", &l.TickMillis, defaultLeaderTickMillis),
		intFieldDefault("leader.command_ttl_seconds", &l.CommandTTLSeconds, defaultCommandTTL),
		intFieldDefault("leader.intervals.watchlist_ms", &l.Intervals.WatchlistMillis, defaultWatchlistMillis),
		intFieldDefault("leader.intervals.snapshot_ms", &l.Intervals.SnapshotMillis, defaultSnapshotMillis),
		intFieldDefault("leader.intervals.open_orders_ms", &l.Intervals.OpenOrdersMillis, defaultOpenOrdersMillis),
		intFieldDefault("leader.intervals.executions_ms", &l.Intervals.ExecutionsMillis, defaultExecutionsMillis),
		intFieldDefault("leader.intervals.commands_ms", &l.Intervals.CommandsMillis, defaultCommandsMillis),
		fieldDefault{
			key:   "leader.modes",
			need:  func() bool { return len(l.Modes) == 0 },
			apply: func() { l.Modes = append([]string(nil), defaultLeaderModes...) },
		},
	)
	l.Modes = normalizeModes(l.Modes)
}

func (w *WorkerConfig) applyDefaults(keys keySet, dataDir string) {
	if w == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("worker.work_root", &w.WorkRoot, filepath.Join(dataDir, "runs")),
	)
}

func (r *ReconcileConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("reconcile.interval_seconds", &r.IntervalSeconds, defaultReconcileInterval),
		intFieldDefault("reconcile.new_grace_seconds", &r.NewGraceSeconds, defaultReconcileNewGrace),
		intFieldDefault("reconcile.cancel_ack_seconds", &r.CancelAckSeconds, defaultReconcileCancelAck),
		boolFieldDefault("reconcile.promote_new", &r.PromoteNew, true),
		boolFieldDefault("reconcile.watch_events", &r.WatchEvents, true),
		boolFieldDefault("reconcile.cancel_on_empty_snapshot", &r.CancelOnEmptySnapshot, true),
	)
}

func (r *RecoveryConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("recovery.enabled", &r.Enabled, true),
		intFieldDefault("recovery.interval_seconds", &r.IntervalSeconds, defaultRecoveryInterval),
		intFieldDefault("recovery.new_timeout_seconds", &r.NewTimeoutSeconds, defaultRecoveryNewTimeout),
		fieldDefault{
			key:   "recovery.max_retries",
			apply: func() { r.MaxRetries = defaultRecoveryMaxRetries },
		},
	)
}

func (r *RunsConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("runs.stall_window_minutes", &r.StallWindowMinutes, defaultRunsStallWindow),
		intFieldDefault("runs.check_interval_seconds", &r.CheckIntervalSeconds, defaultRunsCheckInterval),
		intFieldDefault("runs.resume_interval_seconds", &r.ResumeIntervalSeconds, defaultRunsResumeInterval),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.timezone", &m.Timezone, defaultMarketTimezone),
		stringFieldDefault("market.open", &m.Open, defaultMarketOpen),
		stringFieldDefault("market.close", &m.Close, defaultMarketClose),
	)
}

func (e *ExclusionsConfig) applyDefaults(keys keySet, dataDir string) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("exclusions.path", &e.Path, filepath.Join(dataDir, "exclusions.yaml")),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func normalizeModes(modes []string) []string {
	out := make([]string, 0, len(modes))
	seen := make(map[string]bool, len(modes))
	for _, m := range modes {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
