package leader

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"brokerd/internal/config"
	"brokerd/internal/filelock"
	"brokerd/internal/ipc"
	"brokerd/internal/logger"
	"brokerd/internal/pkg/circuit"
	"brokerd/internal/proc"
)

var supLog = logger.Named("supervisor")

// Launcher starts a leader process for a mode and returns its pid.
type Launcher interface {
	Launch(mode string) (int, error)
}

// ExecLauncher runs the leader binary detached in its own process group.
type ExecLauncher struct {
	Command    string
	Args       []string
	ConfigPath string
	LogDir     string
}

func (e ExecLauncher) Launch(mode string) (int, error) {
	if e.Command == "" {
		return 0, fmt.Errorf("leader: command not configured")
	}
	args := append([]string(nil), e.Args...)
	args = append(args, "--mode", mode)
	if e.ConfigPath != "" {
		args = append(args, "--config", e.ConfigPath)
	}
	cmd := exec.Command(e.Command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), "BROKERD_MODE="+mode)
	if e.LogDir != "" {
		if err := os.MkdirAll(e.LogDir, 0o755); err != nil {
			return 0, err
		}
		f, err := os.OpenFile(filepath.Join(e.LogDir, "leader-"+mode+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		cmd.Stdout, cmd.Stderr = f, f
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// Decision is the outcome of one supervision check.
type Decision struct {
	Mode      string
	Restart   bool
	Launched  bool
	Reason    string
	PID       int
	Alive     bool
	PastGrace bool
}

// Supervisor keeps one leader per mode alive.
type Supervisor struct {
	cfg       config.LeaderConfig
	mode      string
	layout    ipc.Layout
	launcher  Launcher
	prober    proc.Prober
	breaker   *circuit.CircuitBreaker
	now       func() time.Time
	OnRestart func(mode, why string)
}

type SupervisorOption func(*Supervisor)

func WithSupervisorClock(now func() time.Time) SupervisorOption {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
			s.breaker.SetClock(now)
		}
	}
}

func NewSupervisor(cfg config.LeaderConfig, mode string, layout ipc.Layout, launcher Launcher, prober proc.Prober, opts ...SupervisorOption) *Supervisor {
	if prober == nil {
		prober = proc.OS{}
	}
	s := &Supervisor{
		cfg:      cfg,
		mode:     mode,
		layout:   layout,
		launcher: launcher,
		prober:   prober,
		breaker:  circuit.NewCircuitBreaker("leader-"+mode, cfg.BreakerThreshold, cfg.BreakerCooldown()),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.breaker.SetStateChangeHandler(func(name string, from, to circuit.State) {
		supLog.Warnf("leader 重启熔断 %s: %s -> %s", name, from, to)
	})
	return s
}

func (s *Supervisor) Breaker() *circuit.CircuitBreaker { return s.breaker }

// Check reads the leader's status and state and restarts it when the
// status is missing, degraded or silent past the startup grace and the
// process is gone or its heartbeat has timed out.
func (s *Supervisor) Check(ctx context.Context) (Decision, error) {
	now := s.now()
	d := Decision{Mode: s.mode}
	var state ipc.LeaderState
	hasState, err := ipc.ReadJSON(s.layout.StateFile(), &state)
	if err != nil {
		supLog.Warnf("leader state 损坏 mode=%s err=%v", s.mode, err)
		hasState = false
	}
	if !hasState || state.PID <= 0 {
		d.Reason = "not_started"
		return d, s.launch(state, d.Reason, &d)
	}
	d.PID = state.PID
	d.Alive = s.prober.Alive(state.PID)
	d.PastGrace = now.Sub(state.StartedAt) >= s.cfg.StartupGrace()

	var status ipc.LeaderStatus
	found, err := ipc.ReadJSON(s.layout.StatusFile(), &status)
	if err != nil {
		found = false
	}
	hbStale := found && s.cfg.HeartbeatTimeout() > 0 && now.Sub(status.LastHeartbeat) > s.cfg.HeartbeatTimeout()
	unhealthy := !found || status.Degraded() || hbStale

	if !unhealthy && d.Alive {
		s.breaker.RecordSuccess()
		return d, nil
	}
	if !d.PastGrace || !unhealthy || (d.Alive && !hbStale) {
		return d, nil
	}
	switch {
	case !found:
		d.Reason = "status_missing"
	case hbStale:
		d.Reason = "heartbeat_timeout"
	default:
		d.Reason = "degraded"
	}
	d.Restart = true
	if !s.breaker.Allow() {
		d.Reason = "breaker_open"
		supLog.Warnf("leader 需要重启但熔断打开 mode=%s pid=%d", s.mode, state.PID)
		return d, nil
	}
	if d.Alive {
		if err := s.prober.Terminate(state.PID, 5*time.Second); err != nil {
			supLog.Warnf("终止旧 leader 失败 pid=%d err=%v", state.PID, err)
		}
	}
	s.breaker.RecordFailure()
	return d, s.launch(state, d.Reason, &d)
}

func (s *Supervisor) launch(prev ipc.LeaderState, why string, d *Decision) error {
	if s.launcher == nil {
		return fmt.Errorf("leader: no launcher for mode %s", s.mode)
	}
	pid, err := s.launcher.Launch(s.mode)
	if err != nil {
		supLog.Errorf("启动 leader 失败 mode=%s err=%v", s.mode, err)
		return err
	}
	next := ipc.LeaderState{PID: pid, StartedAt: s.now().UTC(), Restarts: prev.Restarts, Command: s.cfg.Command}
	if prev.PID > 0 {
		next.Restarts++
	}
	if err := ipc.WriteJSON(s.layout.StateFile(), next); err != nil {
		return err
	}
	d.Launched, d.PID = true, pid
	supLog.Infof("leader 已启动 mode=%s pid=%d reason=%s restarts=%d", s.mode, pid, why, next.Restarts)
	if prev.PID > 0 && s.OnRestart != nil {
		s.OnRestart(s.mode, why)
	}
	return nil
}

// Run holds the supervisor lock for the mode and checks on every interval.
func (s *Supervisor) Run(ctx context.Context, locks *filelock.Manager) error {
	if locks != nil {
		lock, err := locks.AcquireWait(ctx, "supervisor-"+s.mode, 0)
		if err != nil {
			return err
		}
		defer lock.Release()
	}
	interval := s.cfg.CheckInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Check(ctx); err != nil {
			supLog.Warnf("leader check 失败 mode=%s err=%v", s.mode, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
