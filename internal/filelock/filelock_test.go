package filelock

import (
	"context"
	"os"
	"testing"
	"time"

	"brokerd/internal/config"
	"brokerd/internal/pkg/reason"
	"brokerd/internal/proc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockConfig(dir string, ttl, hb int) config.LockConfig {
	return config.LockConfig{Dir: dir, TTLSeconds: ttl, HeartbeatIntervalSeconds: hb, WaitPollMillis: 10}
}

func TestMetadataRoundTrip(t *testing.T) {
	at := time.Date(2026, 10, 19, 12, 0, 0, 123456789, time.UTC)
	m := Metadata{Version: 1, Key: "weekly", Owner: "h:1", Host: "h", PID: 1, AcquiredAt: at, HeartbeatAt: at.Add(time.Second), TTL: 30 * time.Second}
	got, err := ParseMetadata(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, got)

	assert.Contains(t, string(m.Encode()), "ttl_seconds=30\n")
	assert.False(t, m.Stale(at.Add(31*time.Second)))
	assert.True(t, m.Stale(at.Add(32*time.Second)))

	m.TTL = 0
	assert.False(t, m.Stale(at.Add(time.Hour)))

	_, err = ParseMetadata(nil)
	assert.Error(t, err)
}

func TestAcquireIsExclusive(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(lockConfig(dir, 30, 0), proc.NewFake())

	l, err := mgr.Acquire("exclusions")
	require.NoError(t, err)

	_, err = mgr.Acquire("exclusions")
	assert.ErrorIs(t, err, reason.ErrLockBusy)

	meta, ok, err := mgr.Inspect("exclusions")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exclusions", meta.Key)
	assert.Equal(t, os.Getpid(), meta.PID)

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	l2, err := mgr.Acquire("exclusions")
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestStaleOwnerRecovery(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	const deadPID = 424242

	holderMgr := NewManager(lockConfig(dir, 1, 0), proc.NewFake(), WithIdentity("host-a", deadPID),
		WithClock(func() time.Time { return base }))
	holder, err := holderMgr.Acquire("weekly")
	require.NoError(t, err)
	defer holder.Release()

	later := func() time.Time { return base.Add(10 * time.Second) }

	t.Run("alive owner keeps the lock", func(t *testing.T) {
		mgr := NewManager(lockConfig(dir, 1, 0), proc.NewFake(deadPID), WithIdentity("host-a", 1), WithClock(later))
		_, err := mgr.Acquire("weekly")
		assert.ErrorIs(t, err, reason.ErrLockBusy)
	})

	t.Run("other host is never stolen", func(t *testing.T) {
		mgr := NewManager(lockConfig(dir, 1, 0), proc.NewFake(), WithIdentity("host-b", 1), WithClock(later))
		_, err := mgr.Acquire("weekly")
		assert.ErrorIs(t, err, reason.ErrLockBusy)
	})

	t.Run("fresh heartbeat is busy", func(t *testing.T) {
		mgr := NewManager(lockConfig(dir, 1, 0), proc.NewFake(), WithIdentity("host-a", 1),
			WithClock(func() time.Time { return base.Add(500 * time.Millisecond) }))
		_, err := mgr.Acquire("weekly")
		assert.ErrorIs(t, err, reason.ErrLockBusy)
	})

	t.Run("dead owner is taken over", func(t *testing.T) {
		var stolen bool
		mgr := NewManager(lockConfig(dir, 1, 0), proc.NewFake(), WithIdentity("host-a", 1), WithClock(later),
			WithAcquireHook(func(_ string, s bool) { stolen = s }))
		l, err := mgr.Acquire("weekly")
		require.NoError(t, err)
		defer l.Release()
		assert.True(t, stolen)
		meta, ok, err := mgr.Inspect("weekly")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1, meta.PID)
	})
}

func TestNoExpiryLockIsAlwaysBusy(t *testing.T) {
	dir := t.TempDir()
	holderMgr := NewManager(lockConfig(dir, 0, 0), proc.NewFake(), WithIdentity("host-a", 5))
	holder, err := holderMgr.Acquire("batch")
	require.NoError(t, err)
	defer holder.Release()

	mgr := NewManager(lockConfig(dir, 0, 0), proc.NewFake(), WithIdentity("host-a", 6),
		WithClock(func() time.Time { return time.Now().Add(24 * time.Hour) }))
	_, err = mgr.Acquire("batch")
	assert.ErrorIs(t, err, reason.ErrLockBusy)
}

func TestHeartbeatAdvances(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(lockConfig(dir, 30, 0), proc.NewFake())
	mgr.interval = 20 * time.Millisecond
	l, err := mgr.Acquire("hb")
	require.NoError(t, err)
	first := l.Metadata().HeartbeatAt

	require.Eventually(t, func() bool {
		meta, ok, err := mgr.Inspect("hb")
		return err == nil && ok && meta.HeartbeatAt.After(first)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Release())
	require.NoError(t, l.Touch())
}

func TestAcquireWait(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(lockConfig(dir, 30, 0), proc.NewFake())
	l, err := mgr.Acquire("wait")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = l.Release()
	}()
	l2, err := mgr.AcquireWait(context.Background(), "wait", 2*time.Second)
	require.NoError(t, err)
	defer l2.Release()

	_, err = mgr.AcquireWait(context.Background(), "wait", 30*time.Millisecond)
	assert.ErrorIs(t, err, reason.ErrLockBusy)
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "a_b-c.d", sanitizeKey(" a/b-c.d "))
}
