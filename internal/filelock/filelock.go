// Package filelock provides cross-process exclusive locks over named files
// with a renewable heartbeat and stale-owner recovery.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"brokerd/internal/config"
	"brokerd/internal/logger"
	"brokerd/internal/pkg/reason"
	"brokerd/internal/proc"

	"golang.org/x/sys/unix"
)

var lockLog = logger.Named("filelock")

// Manager hands out locks under one directory.
type Manager struct {
	dir       string
	ttl       time.Duration
	interval  time.Duration
	waitPoll  time.Duration
	host      string
	pid       int
	prober    proc.Prober
	now       func() time.Time
	onAcquire func(key string, stolen bool)
}

type Option func(*Manager)

// WithIdentity overrides host and pid written into lock metadata.
func WithIdentity(host string, pid int) Option {
	return func(m *Manager) {
		m.host = host
		m.pid = pid
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithAcquireHook is called after every successful acquisition.
func WithAcquireHook(fn func(key string, stolen bool)) Option {
	return func(m *Manager) { m.onAcquire = fn }
}

func NewManager(cfg config.LockConfig, prober proc.Prober, opts ...Option) *Manager {
	if prober == nil {
		prober = proc.OS{}
	}
	m := &Manager{
		dir:      cfg.Dir,
		ttl:      cfg.TTL(),
		interval: cfg.HeartbeatInterval(),
		waitPoll: cfg.WaitPoll(),
		host:     proc.Hostname(),
		pid:      os.Getpid(),
		prober:   prober,
		now:      time.Now,
	}
	if m.waitPoll <= 0 {
		m.waitPoll = 200 * time.Millisecond
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Path returns the lock file for key.
func (m *Manager) Path(key string) string {
	return filepath.Join(m.dir, sanitizeKey(key)+".lock")
}

func sanitizeKey(key string) string {
	key = strings.TrimSpace(key)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}

// Acquire makes a single non-blocking attempt. A busy lock fails with
// lock_busy. A stale lock whose owner on this host is confirmed dead is
// taken over; owners on other hosts are assumed alive.
func (m *Manager) Acquire(key string) (*Lock, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("filelock: key 不能为空")
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, err
	}
	path := m.Path(key)
	stolen := false
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, err
		}
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			if !sameFile(f, path) {
				// unlinked by a stale-owner takeover between open and flock
				_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
				f.Close()
				continue
			}
			return m.hold(key, path, f, stolen)
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("filelock: flock %s: %w", path, err)
		}
		meta, merr := readMetadata(f)
		f.Close()
		if merr != nil || !m.takeoverAllowed(meta) {
			return nil, reason.Wrap(reason.LockBusy, merr, "%s held by %s", key, meta.Owner)
		}
		lockLog.Warnf("lock %s: owner %s pid=%d 已失联，强制接管", key, meta.Owner, meta.PID)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		stolen = true
	}
	return nil, reason.New(reason.LockBusy, "%s: contention", key)
}

func (m *Manager) takeoverAllowed(meta Metadata) bool {
	if !meta.Stale(m.now()) {
		return false
	}
	if meta.Host != "" && meta.Host != m.host {
		return false
	}
	if meta.PID <= 0 {
		return true
	}
	return !m.prober.Alive(meta.PID)
}

// AcquireWait retries Acquire until it succeeds, ctx ends, or timeout
// elapses. Only lock_busy is retried.
func (m *Manager) AcquireWait(ctx context.Context, key string, timeout time.Duration) (*Lock, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(m.waitPoll)
	defer ticker.Stop()
	for {
		l, err := m.Acquire(key)
		if err == nil || !errors.Is(err, reason.ErrLockBusy) {
			return l, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-ticker.C:
		}
	}
}

// Inspect reads the metadata of key without locking it.
func (m *Manager) Inspect(key string) (Metadata, bool, error) {
	data, err := os.ReadFile(m.Path(key))
	if os.IsNotExist(err) {
		return Metadata{}, false, nil
	}
	if err != nil {
		return Metadata{}, false, err
	}
	if len(data) == 0 {
		return Metadata{}, false, nil
	}
	meta, err := ParseMetadata(data)
	return meta, err == nil, err
}

func (m *Manager) hold(key, path string, f *os.File, stolen bool) (*Lock, error) {
	now := m.now().UTC()
	l := &Lock{
		key:  key,
		path: path,
		f:    f,
		now:  m.now,
		meta: Metadata{
			Version:     metadataVersion,
			Key:         key,
			Owner:       fmt.Sprintf("%s:%d", m.host, m.pid),
			Host:        m.host,
			PID:         m.pid,
			AcquiredAt:  now,
			HeartbeatAt: now,
			TTL:         m.ttl,
		},
	}
	if err := l.write(); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}
	if m.interval > 0 {
		l.stop = make(chan struct{})
		l.done = make(chan struct{})
		go l.heartbeat(m.interval)
	}
	if m.onAcquire != nil {
		m.onAcquire(key, stolen)
	}
	return l, nil
}

// Lock is a held lock. Release it exactly once; extra calls are no-ops.
type Lock struct {
	key  string
	path string
	now  func() time.Time

	mu       sync.Mutex
	f        *os.File
	meta     Metadata
	released bool
	stop     chan struct{}
	done     chan struct{}
}

func (l *Lock) Key() string { return l.key }

func (l *Lock) Metadata() Metadata {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta
}

func (l *Lock) heartbeat(interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.Touch(); err != nil {
				lockLog.Warnf("lock %s heartbeat 失败: %v", l.key, err)
			}
		}
	}
}

// Touch rewrites heartbeat_at. It is a no-op after Release.
func (l *Lock) Touch() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.meta.HeartbeatAt = l.now().UTC()
	return l.writeLocked()
}

func (l *Lock) write() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLocked()
}

func (l *Lock) writeLocked() error {
	data := l.meta.Encode()
	if err := l.f.Truncate(0); err != nil {
		return err
	}
	if _, err := l.f.WriteAt(data, 0); err != nil {
		return err
	}
	return l.f.Sync()
}

// Release stops the heartbeat, then drops the OS lock and closes the file.
// The heartbeat goroutine has exited before the lock is dropped, so no write
// lands after release.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()
	if l.stop != nil {
		close(l.stop)
		<-l.done
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func readMetadata(f *os.File) (Metadata, error) {
	info, err := f.Stat()
	if err != nil {
		return Metadata{}, err
	}
	buf := make([]byte, info.Size())
	n, err := f.ReadAt(buf, 0)
	if err != nil && n == 0 {
		return Metadata{}, err
	}
	return ParseMetadata(buf[:n])
}

func sameFile(f *os.File, path string) bool {
	a, err := f.Stat()
	if err != nil {
		return false
	}
	b, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(a, b)
}
