// Package proc abstracts process liveness checks and termination so lease,
// lock and supervisor logic can be tested without real processes.
package proc

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Prober checks and stops local processes by pid.
type Prober interface {
	Alive(pid int) bool
	Terminate(pid int, grace time.Duration) error
}

// OS probes real processes with signal 0 and stops them with SIGTERM then
// SIGKILL.
type OS struct{}

func (OS) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM: exists but owned by another user.
	return errors.Is(err, unix.EPERM)
}

func (o OS) Terminate(pid int, grace time.Duration) error {
	if pid <= 0 || pid == os.Getpid() {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !o.Alive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !o.Alive(pid) {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// Hostname returns the short host name used in lock metadata.
func Hostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(host)
}

// Fake is an in-memory Prober for tests.
type Fake struct {
	mu         sync.Mutex
	Live       map[int]bool
	Terminated []int
}

func NewFake(alive ...int) *Fake {
	f := &Fake{Live: make(map[int]bool)}
	for _, pid := range alive {
		f.Live[pid] = true
	}
	return f
}

func (f *Fake) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Live[pid]
}

func (f *Fake) SetAlive(pid int, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Live[pid] = alive
}

func (f *Fake) TerminatedPIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.Terminated...)
}

func (f *Fake) Terminate(pid int, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Terminated = append(f.Terminated, pid)
	delete(f.Live, pid)
	return nil
}
