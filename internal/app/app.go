package app

import (
	"context"
	"errors"
	"fmt"

	brcfg "brokerd/internal/config"
	"brokerd/internal/exclusions"
	"brokerd/internal/execution"
	"brokerd/internal/filelock"
	"brokerd/internal/leader"
	"brokerd/internal/lease"
	"brokerd/internal/logger"
	"brokerd/internal/metrics"
	"brokerd/internal/orders"
	"brokerd/internal/reconcile"
	"brokerd/internal/runs"
	"brokerd/internal/scheduler"
	"brokerd/internal/store/gormstore"
	"brokerd/internal/store/journal"
	opshttp "brokerd/internal/transport/http/ops"

	"golang.org/x/sync/errgroup"
)

// ServiceLockKey guards against two services sharing one data directory.
const ServiceLockKey = "brokerd-service"

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP、对账、周期任务与 leader 监护。
type App struct {
	cfg *brcfg.Config

	store      *gormstore.GormStore
	journal    *journal.Journal
	locks      *filelock.Manager
	metrics    *metrics.Metrics
	orders     *orders.Service
	runs       *runs.Service
	pool       *lease.Pool
	exclusions *exclusions.List
	exec       *execution.Service

	sweeper     *reconcile.Sweeper
	supervisors []*leader.Supervisor
	sched       *scheduler.Scheduler
	http        *opshttp.Server

	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *brcfg.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, opts)
}

// Run 启动全部后台循环，直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	lock, err := a.locks.Acquire(ServiceLockKey)
	if err != nil {
		return fmt.Errorf("服务锁被占用，可能已有实例在运行: %w", err)
	}
	defer lock.Release()

	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("ops http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error { return a.sweeper.Run(ctx) })
	group.Go(func() error { return a.sched.Run(ctx) })
	for _, sup := range a.supervisors {
		sup := sup
		group.Go(func() error { return sup.Run(ctx, a.locks) })
	}
	return group.Wait()
}

// Close releases the database handles.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// Execution exposes the execution service (for tests and embedding).
func (a *App) Execution() *execution.Service {
	if a == nil {
		return nil
	}
	return a.exec
}

func (a *App) Orders() *orders.Service {
	if a == nil {
		return nil
	}
	return a.orders
}
