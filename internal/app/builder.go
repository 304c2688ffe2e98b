package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	brcfg "brokerd/internal/config"
	"brokerd/internal/exclusions"
	"brokerd/internal/execution"
	"brokerd/internal/filelock"
	"brokerd/internal/ipc"
	"brokerd/internal/leader"
	"brokerd/internal/lease"
	"brokerd/internal/logger"
	"brokerd/internal/market"
	"brokerd/internal/metrics"
	"brokerd/internal/orders"
	"brokerd/internal/pkg/reason"
	"brokerd/internal/proc"
	"brokerd/internal/recovery"
	"brokerd/internal/reconcile"
	"brokerd/internal/runs"
	"brokerd/internal/scheduler"
	"brokerd/internal/store/gormstore"
	"brokerd/internal/store/journal"
	opshttp "brokerd/internal/transport/http/ops"
	"brokerd/internal/worker"
)

type AppBuilder struct {
	cfg        *brcfg.Config
	configPath string

	prober         proc.Prober
	workerLauncher worker.Launcher
	leaderLauncher leader.Launcher
}

type AppBuilderOption func(*AppBuilder)

// WithConfigPath is passed on to launched leaders as --config.
func WithConfigPath(path string) AppBuilderOption {
	return func(b *AppBuilder) { b.configPath = path }
}

func WithProber(p proc.Prober) AppBuilderOption {
	return func(b *AppBuilder) { b.prober = p }
}

func WithWorkerLauncher(l worker.Launcher) AppBuilderOption {
	return func(b *AppBuilder) { b.workerLauncher = l }
}

func WithLeaderLauncher(l leader.Launcher) AppBuilderOption {
	return func(b *AppBuilder) { b.leaderLauncher = l }
}

func NewAppBuilder(cfg *brcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (a *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	a = &App{cfg: cfg, Summary: newStartupSummary(cfg)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.store, err = gormstore.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	logger.Infof("✓ 数据库已连接 dialect=%s", a.store.Dialect())
	if strings.TrimSpace(cfg.Database.JournalPath) != "" {
		if a.journal, err = journal.Open(cfg.Database.JournalPath); err != nil {
			return nil, fmt.Errorf("打开状态日志失败: %w", err)
		}
	}

	prober := b.prober
	if prober == nil {
		prober = proc.OS{}
	}
	m := metrics.New()
	a.metrics = m
	a.locks = filelock.NewManager(cfg.Lock, prober)

	calendar, err := market.NewCalendar(cfg.Market)
	if err != nil {
		return nil, err
	}

	db := a.store.DB()
	a.runs = runs.NewService(db)
	orderOpts := []orders.Option{orders.WithProgress(a.runs), orders.WithObserver(m.OrderObserver())}
	if a.journal != nil {
		orderOpts = append(orderOpts, orders.WithJournal(a.journal))
	}
	a.orders = orders.NewService(db, orderOpts...)

	a.pool = lease.NewPool(db, cfg.Lease, prober,
		lease.WithHooks(m.LeaseHooks()),
		lease.WithHeartbeatReader(ipc.ReadHeartbeat),
	)
	for _, mode := range cfg.Leader.Modes {
		if err := a.pool.EnsurePool(ctx, mode); err != nil {
			return nil, fmt.Errorf("初始化 client id 池失败 mode=%s: %w", mode, err)
		}
		lo, hi := a.pool.Range(mode)
		inUse, _ := a.pool.InUse(ctx, mode)
		m.SetLeasesInUse(mode, inUse)
		a.Summary.Pools[mode] = PoolSummary{First: lo, Last: hi - 1, InUse: inUse}
	}

	a.exclusions = exclusions.New(cfg.Exclusions.Path, a.locks)
	workerLauncher := b.workerLauncher
	if workerLauncher == nil {
		workerLauncher = worker.NewExecLauncher(cfg.Worker)
	}
	a.exec = execution.NewService(execution.Deps{
		Orders:     a.orders,
		Runs:       a.runs,
		Pool:       a.pool,
		Launcher:   workerLauncher,
		Prober:     prober,
		Exclusions: a.exclusions,
	}, cfg)

	engine := reconcile.NewEngine(a.orders, cfg.Reconcile, cfg.Bridge.SnapshotMaxAge(), reconcile.WithWorkerProbe(a.exec))
	engine.OnAction = m.ReconcileAction
	layouts := make(map[string]ipc.Layout, len(cfg.Leader.Modes))
	for _, mode := range cfg.Leader.Modes {
		layouts[mode] = a.exec.Layout(mode)
	}
	a.sweeper = reconcile.NewSweeper(engine, layouts, cfg.Reconcile.Interval(), cfg.Reconcile.WatchEvents)

	stall := runs.NewStallWatcher(a.runs, calendar, cfg.Runs.StallWindow())
	stall.OnStall = func(r runs.Run) {
		m.RunStalled()
		logger.Warnf("run %d 无进展，已标记 stalled", r.ID)
	}

	var rec *recovery.Recovery
	if cfg.Recovery.Enabled {
		rec = recovery.New(a.orders, a.exec, recovery.TerminatorFunc(func(ctx context.Context, runID int64, why string) error {
			_, err := a.exec.Terminate(ctx, runID, why)
			return err
		}), cfg.Recovery)
		rec.OnOutcome = m.RecoveryOutcome
	}

	if cfg.Leader.Enabled {
		launcher := b.leaderLauncher
		if launcher == nil {
			launcher = leader.ExecLauncher{
				Command:    leaderCommand(cfg.Leader.Command),
				Args:       cfg.Leader.Args,
				ConfigPath: b.configPath,
				LogDir:     filepath.Join(cfg.App.DataDir, "logs"),
			}
		}
		for _, mode := range cfg.Leader.Modes {
			sup := leader.NewSupervisor(cfg.Leader, mode, layouts[mode], launcher, prober)
			sup.OnRestart = m.LeaderRestart
			a.supervisors = append(a.supervisors, sup)
		}
	}

	a.sched = b.buildScheduler(a, stall, rec)
	a.sched.OnRun = m.TaskRun
	a.Summary.Tasks = a.sched.Tasks()

	a.http, err = opshttp.NewServer(opshttp.ServerConfig{
		Addr: cfg.App.HTTPAddr,
		Router: &opshttp.Router{
			Exec:       a.exec,
			Orders:     a.orders,
			Runs:       a.runs,
			Pool:       a.pool,
			Exclusions: a.exclusions,
		},
		Metrics: m.Handler(),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (b *AppBuilder) buildScheduler(a *App, stall *runs.StallWatcher, rec *recovery.Recovery) *scheduler.Scheduler {
	cfg := b.cfg
	s := scheduler.New()
	s.Add(scheduler.Task{
		Name:           "lease_reap",
		Interval:       cfg.Lease.ReapInterval(),
		RunImmediately: true,
		Fn:             a.reapLeases,
	})
	s.Add(scheduler.Task{
		Name:     "run_progress",
		Interval: cfg.Runs.CheckInterval(),
		Fn: func(ctx context.Context) error {
			if _, err := stall.Sweep(ctx, time.Now()); err != nil {
				return err
			}
			return a.finalizeRuns(ctx)
		},
	})
	s.Add(scheduler.Task{
		Name:     "command_results",
		Interval: millisOr(cfg.Leader.Intervals.CommandsMillis, time.Second),
		Fn: func(ctx context.Context) error {
			_, err := a.exec.PollCommandResults(ctx)
			return err
		},
	})
	s.Add(scheduler.Task{
		Name:     "resume_queued",
		Interval: cfg.Runs.ResumeInterval(),
		Fn: func(ctx context.Context) error {
			_, err := a.exec.Resume(ctx)
			return err
		},
	})
	if rec != nil {
		s.Add(scheduler.Task{
			Name:     "auto_recovery",
			Interval: cfg.Recovery.Interval(),
			Fn: func(ctx context.Context) error {
				_, err := rec.RunOnce(ctx)
				return err
			},
		})
	}
	return s
}

// reapLeases releases stale or dead leases and refreshes the in-use gauge.
func (a *App) reapLeases(ctx context.Context) error {
	var errs []error
	for _, mode := range a.cfg.Leader.Modes {
		if _, err := a.pool.ReapStaleLeases(ctx, mode, time.Now()); err != nil {
			errs = append(errs, err)
		}
		if n, err := a.pool.InUse(ctx, mode); err == nil {
			a.metrics.SetLeasesInUse(mode, n)
		}
	}
	return errors.Join(errs...)
}

// finalizeRuns closes runs whose orders all ended and frees their leases.
func (a *App) finalizeRuns(ctx context.Context) error {
	done, err := a.runs.FinalizeReady(ctx)
	for _, r := range done {
		logger.Infof("run %d 已结束 status=%s", r.ID, r.Status)
		if r.LeaseToken == "" {
			continue
		}
		if rerr := a.pool.Release(ctx, r.LeaseToken, "run_"+string(r.Status)); rerr != nil && !errors.Is(rerr, reason.ErrLeaseNotFound) {
			logger.Warnf("释放 run %d 租约失败: %v", r.ID, rerr)
		}
	}
	return err
}

// leaderCommand falls back to the brokerd-leader binary next to this one.
func leaderCommand(command string) string {
	if strings.TrimSpace(command) != "" {
		return command
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Join(filepath.Dir(exe), "brokerd-leader")
	}
	return "brokerd-leader"
}

func millisOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
