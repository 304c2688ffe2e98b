package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brokerd/internal/logger"

	"golang.org/x/sync/errgroup"
)

var schedLog = logger.Named("scheduler")

// Task is one periodic job. Runs of the same task never overlap; a run that
// overshoots its interval skips the ticks it missed.
type Task struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool
	Fn             func(ctx context.Context) error
}

type Scheduler struct {
	tasks []Task
	nowFn func() time.Time

	// OnRun is called after every run; may be nil.
	OnRun func(name string, dur time.Duration, err error)
}

func New(tasks ...Task) *Scheduler {
	return &Scheduler{tasks: tasks, nowFn: time.Now}
}

func (s *Scheduler) Add(t Task) { s.tasks = append(s.tasks, t) }

func (s *Scheduler) Tasks() []string {
	names := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		names = append(names, t.Name)
	}
	return names
}

// Run drives every task until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil || len(s.tasks) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		if t.Fn == nil {
			schedLog.Warnf("任务 %s 无执行函数，跳过", t.Name)
			continue
		}
		if t.Interval <= 0 {
			schedLog.Warnf("任务 %s 的 interval=%s 无效，跳过", t.Name, t.Interval)
			continue
		}
		t := t
		g.Go(func() error {
			s.loop(gctx, t)
			return nil
		})
	}
	return g.Wait()
}

// RunOnce executes the named task a single time.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	for _, t := range s.tasks {
		if t.Name == name {
			return s.exec(ctx, t)
		}
	}
	return fmt.Errorf("scheduler: unknown task %q", name)
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	startAt := s.nowFn().UTC()
	schedLog.Infof("任务 %s 已启动 interval=%s run_immediately=%v", t.Name, t.Interval, t.RunImmediately)
	if t.RunImmediately {
		_ = s.exec(ctx, t)
	}
	nextAt := nextFixedTimeAfter(startAt, t.Interval, s.nowFn().UTC())
	for {
		if !s.waitUntil(ctx, nextAt) {
			schedLog.Debugf("任务 %s 退出", t.Name)
			return
		}
		_ = s.exec(ctx, t)
		nextAt = nextFixedTimeAfter(startAt, t.Interval, s.nowFn().UTC())
	}
}

func (s *Scheduler) exec(ctx context.Context, t Task) (err error) {
	start := s.nowFn()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		dur := s.nowFn().Sub(start)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			err = nil
		default:
			schedLog.Errorf("任务 %s 执行失败 dur=%s: %v", t.Name, dur, err)
		}
		if s.OnRun != nil {
			s.OnRun(t.Name, dur, err)
		}
	}()
	return t.Fn(ctx)
}

func (s *Scheduler) waitUntil(ctx context.Context, target time.Time) bool {
	wait := target.Sub(s.nowFn().UTC())
	if wait <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(wait)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
		return true
	}
}

func nextFixedTimeAfter(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	anchor = anchor.UTC()
	now = now.UTC()
	if interval <= 0 {
		return now
	}
	delta := now.Sub(anchor)
	if delta < 0 {
		return anchor
	}
	k := delta / interval
	return anchor.Add((k + 1) * interval)
}
