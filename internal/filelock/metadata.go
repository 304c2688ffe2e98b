package filelock

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const metadataVersion = 1

// Metadata is the advisory owner record kept inside a lock file as
// newline-delimited key=value pairs.
type Metadata struct {
	Version     int
	Key         string
	Owner       string
	Host        string
	PID         int
	AcquiredAt  time.Time
	HeartbeatAt time.Time
	TTL         time.Duration
}

func (m Metadata) Encode() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "version=%d\n", m.Version)
	fmt.Fprintf(&b, "key=%s\n", m.Key)
	fmt.Fprintf(&b, "owner=%s\n", m.Owner)
	fmt.Fprintf(&b, "host=%s\n", m.Host)
	fmt.Fprintf(&b, "pid=%d\n", m.PID)
	fmt.Fprintf(&b, "acquired_at=%s\n", formatTime(m.AcquiredAt))
	fmt.Fprintf(&b, "heartbeat_at=%s\n", formatTime(m.HeartbeatAt))
	fmt.Fprintf(&b, "ttl_seconds=%d\n", int64(m.TTL/time.Second))
	return b.Bytes()
}

// ParseMetadata reads the key=value form. Unknown keys are ignored so newer
// writers stay readable.
func ParseMetadata(data []byte) (Metadata, error) {
	var m Metadata
	sc := bufio.NewScanner(bytes.NewReader(data))
	seen := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		seen = true
		v = strings.TrimSpace(v)
		var err error
		switch strings.TrimSpace(k) {
		case "version":
			m.Version, err = strconv.Atoi(v)
		case "key":
			m.Key = v
		case "owner":
			m.Owner = v
		case "host":
			m.Host = v
		case "pid":
			m.PID, err = strconv.Atoi(v)
		case "acquired_at":
			m.AcquiredAt, err = parseTime(v)
		case "heartbeat_at":
			m.HeartbeatAt, err = parseTime(v)
		case "ttl_seconds":
			var secs int64
			secs, err = strconv.ParseInt(v, 10, 64)
			m.TTL = time.Duration(secs) * time.Second
		}
		if err != nil {
			return m, fmt.Errorf("filelock: bad %s: %w", k, err)
		}
	}
	if err := sc.Err(); err != nil {
		return m, err
	}
	if !seen {
		return m, fmt.Errorf("filelock: empty metadata")
	}
	return m, nil
}

// LastSeen is heartbeat_at, or acquired_at when no heartbeat was written.
func (m Metadata) LastSeen() time.Time {
	if !m.HeartbeatAt.IsZero() {
		return m.HeartbeatAt
	}
	return m.AcquiredAt
}

// Stale reports whether the owner missed its ttl at now. A zero ttl never
// expires.
func (m Metadata) Stale(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	last := m.LastSeen()
	if last.IsZero() {
		return true
	}
	return now.Sub(last) > m.TTL
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
