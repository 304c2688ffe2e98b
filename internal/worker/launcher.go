// Package worker starts the short-lived per-run processes that drive a
// batch against the broker with a leased client id.
package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"brokerd/internal/config"
	"brokerd/internal/logger"
)

var workerLog = logger.Named("worker")

// Environment handed to every worker.
const (
	EnvClientID = "BROKERD_CLIENT_ID"
	EnvRunID    = "BROKERD_RUN_ID"
	EnvWorkdir  = "BROKERD_WORKDIR"
	EnvMode     = "BROKERD_MODE"
)

const logFile = "worker.log"

// Spec is what a worker needs to know at start.
type Spec struct {
	RunID    int64
	Mode     string
	ClientID int
	Workdir  string
}

// Env renders spec as environment assignments.
func (s Spec) Env() []string {
	return []string{
		EnvClientID + "=" + strconv.Itoa(s.ClientID),
		EnvRunID + "=" + strconv.FormatInt(s.RunID, 10),
		EnvWorkdir + "=" + s.Workdir,
		EnvMode + "=" + s.Mode,
	}
}

type Launcher interface {
	Launch(ctx context.Context, spec Spec) (int, error)
}

// ExecLauncher starts worker.command detached in its own process group with
// stdout and stderr appended to worker.log in the workdir.
type ExecLauncher struct {
	Command string
	Args    []string
}

func NewExecLauncher(cfg config.WorkerConfig) *ExecLauncher {
	return &ExecLauncher{Command: cfg.Command, Args: append([]string(nil), cfg.Args...)}
}

func (e *ExecLauncher) Launch(_ context.Context, spec Spec) (int, error) {
	if e == nil || e.Command == "" {
		return 0, fmt.Errorf("worker: command not configured")
	}
	if err := os.MkdirAll(spec.Workdir, 0o755); err != nil {
		return 0, err
	}
	// the worker outlives the request that started it
	cmd := exec.Command(e.Command, e.Args...)
	cmd.Dir = spec.Workdir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), spec.Env()...)
	f, err := os.OpenFile(filepath.Join(spec.Workdir, logFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	cmd.Stdout, cmd.Stderr = f, f
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		workerLog.Infof("worker 退出 run=%d pid=%d err=%v", spec.RunID, pid, err)
	}()
	workerLog.Infof("worker 启动 run=%d mode=%s client_id=%d pid=%d", spec.RunID, spec.Mode, spec.ClientID, pid)
	return pid, nil
}
