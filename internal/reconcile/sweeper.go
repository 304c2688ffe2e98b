package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"brokerd/internal/ipc"

	"github.com/fsnotify/fsnotify"
)

// SweepReport is the result of one full pass for a mode.
type SweepReport struct {
	Ingest    IngestReport
	Sync      SyncReport
	Abandoned []Outcome
}

// Sweep runs the passes in evidence order: events first so recorded fills
// win, then the open-orders snapshot, then abandoned orders.
func (e *Engine) Sweep(ctx context.Context, mode string, layout ipc.Layout) (SweepReport, error) {
	var rep SweepReport
	var errs []error

	ingest, err := e.IngestEvents(ctx, mode, layout)
	rep.Ingest = ingest
	errs = append(errs, err)

	var open ipc.OpenOrdersSnapshot
	found, err := ipc.ReadJSON(layout.OpenOrdersFile(), &open)
	if err != nil || !found {
		// unreadable or missing is treated as stale
		open = ipc.OpenOrdersSnapshot{Stale: true}
	}
	if rep.Sync, err = e.SyncOpenOrders(ctx, mode, open); err != nil {
		errs = append(errs, err)
	}

	var positions ipc.PositionsSnapshot
	if found, err := ipc.ReadJSON(layout.PositionsFile(), &positions); err != nil || !found {
		positions = ipc.PositionsSnapshot{Stale: true}
	}
	if rep.Abandoned, err = e.TerminalizeAbandoned(ctx, mode, open, positions); err != nil {
		errs = append(errs, err)
	}
	return rep, errors.Join(errs...)
}

// Sweeper runs Sweep per mode on an interval. When watching is enabled a
// write to a mode's events directory triggers an early ingestion.
type Sweeper struct {
	engine   *Engine
	layouts  map[string]ipc.Layout
	interval time.Duration
	watch    bool

	mu sync.Mutex
}

func NewSweeper(engine *Engine, layouts map[string]ipc.Layout, interval time.Duration, watch bool) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sweeper{engine: engine, layouts: layouts, interval: interval, watch: watch}
}

// SweepAll runs one pass over every mode. Passes never overlap.
func (s *Sweeper) SweepAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for mode, layout := range s.layouts {
		if _, err := s.engine.Sweep(ctx, mode, layout); err != nil {
			recLog.Warnf("reconcile sweep 失败 mode=%s err=%v", mode, err)
		}
	}
}

func (s *Sweeper) ingest(ctx context.Context, mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.engine.IngestEvents(ctx, mode, s.layouts[mode]); err != nil {
		recLog.Warnf("事件摄取失败 mode=%s err=%v", mode, err)
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	dirs := make(map[string]string)
	if s.watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			recLog.Warnf("fsnotify 不可用，仅按间隔同步: %v", err)
		} else {
			defer w.Close()
			for mode, layout := range s.layouts {
				if err := layout.Ensure(); err != nil {
					recLog.Warnf("创建目录失败 mode=%s err=%v", mode, err)
					continue
				}
				if err := w.Add(layout.EventsDir()); err != nil {
					recLog.Warnf("监听事件目录失败 dir=%s err=%v", layout.EventsDir(), err)
					continue
				}
				dirs[layout.EventsDir()] = mode
			}
			events, watchErrs = w.Events, w.Errors
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	// coalesce bursts of appends into one ingestion per mode
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	dirty := make(map[string]bool)

	s.SweepAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepAll(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			base := filepath.Base(ev.Name)
			if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".jsonl") {
				continue
			}
			if mode, ok := dirs[filepath.Dir(ev.Name)]; ok {
				dirty[mode] = true
			}
			debounce.Reset(200 * time.Millisecond)
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			recLog.Warnf("fsnotify 错误: %v", err)
		case <-debounce.C:
			for mode := range dirty {
				s.ingest(ctx, mode)
				delete(dirty, mode)
			}
		}
	}
}
