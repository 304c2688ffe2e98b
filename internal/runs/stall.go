package runs

import (
	"context"
	"time"
)

// StallWatcher parks running runs that stopped reporting progress while the
// session is open. Stalled is pausable; the next progress stamp resumes it.
type StallWatcher struct {
	svc     *Service
	session SessionClock
	window  time.Duration
	// OnStall is called for each run moved to stalled.
	OnStall func(Run)
}

func NewStallWatcher(svc *Service, session SessionClock, window time.Duration) *StallWatcher {
	return &StallWatcher{svc: svc, session: session, window: window}
}

// Sweep checks every running run at now and returns how many were stalled.
func (w *StallWatcher) Sweep(ctx context.Context, now time.Time) (int, error) {
	if w == nil || w.svc == nil {
		return 0, nil
	}
	running, err := w.svc.List(ctx, StatusRunning)
	if err != nil {
		return 0, err
	}
	stalled := 0
	for _, r := range running {
		if !IsStalled(r, now, w.window, w.session) {
			continue
		}
		out, err := w.svc.Transition(ctx, r.ID, StatusStalled, "no_progress")
		if err != nil {
			runsLog.Warnf("run %d 标记 stalled 失败: %v", r.ID, err)
			continue
		}
		stalled++
		if w.OnStall != nil {
			w.OnStall(out)
		}
	}
	return stalled, nil
}

// FinalizeReady finalizes every running or stalled run whose orders are all
// terminal and returns the finalized runs.
func (s *Service) FinalizeReady(ctx context.Context) ([]Run, error) {
	active, err := s.List(ctx, StatusRunning, StatusStalled)
	if err != nil {
		return nil, err
	}
	var out []Run
	for _, r := range active {
		done, ok, err := s.Finalize(ctx, r.ID)
		if err != nil {
			runsLog.Warnf("run %d finalize 失败: %v", r.ID, err)
			continue
		}
		if ok {
			out = append(out, done)
		}
	}
	return out, nil
}
