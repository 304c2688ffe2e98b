package config

import (
	"path/filepath"
	"strings"
	"time"
)

// Config 是 brokerd 的主配置载体。
type Config struct {
	App        AppConfig        `toml:"app"`
	Database   DatabaseConfig   `toml:"database"`
	Lease      LeaseConfig      `toml:"lease"`
	Lock       LockConfig       `toml:"lock"`
	Bridge     BridgeConfig     `toml:"bridge"`
	Leader     LeaderConfig     `toml:"leader"`
	Worker     WorkerConfig     `toml:"worker"`
	Reconcile  ReconcileConfig  `toml:"reconcile"`
	Recovery   RecoveryConfig   `toml:"recovery"`
	Runs       RunsConfig       `toml:"runs"`
	Market     MarketConfig     `toml:"market"`
	Exclusions ExclusionsConfig `toml:"exclusions"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
	DataDir   string `toml:"data_dir"`
}

// DatabaseConfig 选择订单/租约存储。driver 为 sqlite（默认）或 postgres。
type DatabaseConfig struct {
	Driver      string            `toml:"driver"`
	Path        string            `toml:"path"`
	JournalPath string            `toml:"journal_path"`
	DSN         string            `toml:"dsn"`
	Host        string            `toml:"host"`
	Port        int               `toml:"port"`
	User        string            `toml:"user"`
	Password    string            `toml:"password"`
	Name        string            `toml:"name"`
	SSLMode     string            `toml:"ssl_mode"`
	Params      map[string]string `toml:"params"`
}

// LeaseConfig 描述 client id 地址池。
// paper 模式使用 [base, base+pool_size)，live 模式整体偏移 live_offset。
type LeaseConfig struct {
	BaseClientID            int `toml:"base_client_id"`
	PoolSize                int `toml:"pool_size"`
	LiveOffset              int `toml:"live_offset"`
	TTLSeconds              int `toml:"ttl_seconds"`
	HeartbeatTimeoutSeconds int `toml:"heartbeat_timeout_seconds"`
	ReapIntervalSeconds     int `toml:"reap_interval_seconds"`
}

func (l LeaseConfig) TTL() time.Duration { return seconds(l.TTLSeconds) }
func (l LeaseConfig) HeartbeatTimeout() time.Duration {
	return seconds(l.HeartbeatTimeoutSeconds)
}
func (l LeaseConfig) ReapInterval() time.Duration { return seconds(l.ReapIntervalSeconds) }

type LockConfig struct {
	Dir                      string `toml:"dir"`
	TTLSeconds               int    `toml:"ttl_seconds"`
	HeartbeatIntervalSeconds int    `toml:"heartbeat_interval_seconds"`
	WaitPollMillis           int    `toml:"wait_poll_ms"`
}

func (l LockConfig) TTL() time.Duration { return seconds(l.TTLSeconds) }
func (l LockConfig) HeartbeatInterval() time.Duration {
	return seconds(l.HeartbeatIntervalSeconds)
}
func (l LockConfig) WaitPoll() time.Duration {
	return time.Duration(l.WaitPollMillis) * time.Millisecond
}

// BridgeConfig 描述 leader 与服务之间的文件通道根目录。
type BridgeConfig struct {
	Root                  string `toml:"root"`
	SnapshotMaxAgeSeconds int    `toml:"snapshot_max_age_seconds"`
}

func (b BridgeConfig) SnapshotMaxAge() time.Duration { return seconds(b.SnapshotMaxAgeSeconds) }

// ModeRoot 返回某交易模式的文件通道目录。
func (b BridgeConfig) ModeRoot(mode string) string {
	return filepath.Join(b.Root, strings.ToLower(strings.TrimSpace(mode)))
}

// LeaderConfig 控制 leader 进程的启动、监控与内部轮询节奏。
type LeaderConfig struct {
	Enabled                 bool            `toml:"enabled"`
	Modes                   []string        `toml:"modes"`
	Command                 string          `toml:"command"`
	Args                    []string        `toml:"args"`
	Gateway                 string          `toml:"gateway"`
	StartupGraceSeconds     int             `toml:"startup_grace_seconds"`
	HeartbeatTimeoutSeconds int             `toml:"heartbeat_timeout_seconds"`
	CheckIntervalSeconds    int             `toml:"check_interval_seconds"`
	BreakerThreshold        int             `toml:"breaker_threshold"`
	BreakerCooldownSeconds  int             `toml:"breaker_cooldown_seconds"`
	TickMillis              int             `toml:"tick_ms"`
	StaticSymbols           []string        `toml:"static_symbols"`
	Intervals               LeaderIntervals `toml:"intervals"`
	CommandTTLSeconds       int             `toml:"command_ttl_seconds"`
}

// LeaderIntervals 是 leader 内部各子任务的独立轮询间隔（毫秒）。
type LeaderIntervals struct {
	WatchlistMillis  int `toml:"watchlist_ms"`
	SnapshotMillis   int `toml:"snapshot_ms"`
	OpenOrdersMillis int `toml:"open_orders_ms"`
	ExecutionsMillis int `toml:"executions_ms"`
	CommandsMillis   int `toml:"commands_ms"`
}

func (l LeaderConfig) StartupGrace() time.Duration { return seconds(l.StartupGraceSeconds) }
func (l LeaderConfig) HeartbeatTimeout() time.Duration {
	return seconds(l.HeartbeatTimeoutSeconds)
}
func (l LeaderConfig) CheckInterval() time.Duration   { return seconds(l.CheckIntervalSeconds) }
func (l LeaderConfig) BreakerCooldown() time.Duration { return seconds(l.BreakerCooldownSeconds) }
func (l LeaderConfig) Tick() time.Duration            { return millis(l.TickMillis) }
func (l LeaderConfig) CommandTTL() time.Duration      { return seconds(l.CommandTTLSeconds) }

type WorkerConfig struct {
	Command  string   `toml:"command"`
	Args     []string `toml:"args"`
	WorkRoot string   `toml:"work_root"`
}

type ReconcileConfig struct {
	IntervalSeconds       int  `toml:"interval_seconds"`
	IncludeNew            bool `toml:"include_new"`
	PromoteNew            bool `toml:"promote_new"`
	NewGraceSeconds       int  `toml:"new_grace_seconds"`
	CancelAckSeconds      int  `toml:"cancel_ack_seconds"`
	WatchEvents           bool `toml:"watch_events"`
	CancelOnEmptySnapshot bool `toml:"cancel_on_empty_snapshot"`
}

func (r ReconcileConfig) Interval() time.Duration  { return seconds(r.IntervalSeconds) }
func (r ReconcileConfig) NewGrace() time.Duration  { return seconds(r.NewGraceSeconds) }
func (r ReconcileConfig) CancelAck() time.Duration { return seconds(r.CancelAckSeconds) }

type RecoveryConfig struct {
	Enabled           bool `toml:"enabled"`
	IntervalSeconds   int  `toml:"interval_seconds"`
	NewTimeoutSeconds int  `toml:"new_timeout_seconds"`
	MaxRetries        int  `toml:"max_retries"`
}

func (r RecoveryConfig) Interval() time.Duration   { return seconds(r.IntervalSeconds) }
func (r RecoveryConfig) NewTimeout() time.Duration { return seconds(r.NewTimeoutSeconds) }

type RunsConfig struct {
	StallWindowMinutes    int `toml:"stall_window_minutes"`
	CheckIntervalSeconds  int `toml:"check_interval_seconds"`
	ResumeIntervalSeconds int `toml:"resume_interval_seconds"`
}

func (r RunsConfig) StallWindow() time.Duration {
	return time.Duration(r.StallWindowMinutes) * time.Minute
}
func (r RunsConfig) CheckInterval() time.Duration  { return seconds(r.CheckIntervalSeconds) }
func (r RunsConfig) ResumeInterval() time.Duration { return seconds(r.ResumeIntervalSeconds) }

// MarketConfig 描述交易时段，用于卡住判定。
type MarketConfig struct {
	Timezone string   `toml:"timezone"`
	Open     string   `toml:"open"`
	Close    string   `toml:"close"`
	Holidays []string `toml:"holidays"`
}

type ExclusionsConfig struct {
	Path string `toml:"path"`
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
