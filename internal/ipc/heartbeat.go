package ipc

import (
	"path/filepath"
	"time"
)

// WorkerHeartbeat is written by workers into heartbeat.json in their workdir.
type WorkerHeartbeat struct {
	TS    time.Time `json:"ts"`
	PID   int       `json:"pid,omitempty"`
	Stage string    `json:"stage,omitempty"`
}

const HeartbeatFile = "heartbeat.json"

func WriteHeartbeat(workdir string, hb WorkerHeartbeat) error {
	if hb.TS.IsZero() {
		hb.TS = time.Now().UTC()
	}
	return WriteJSON(filepath.Join(workdir, HeartbeatFile), hb)
}

// ReadHeartbeat returns the last heartbeat reported in workdir. ok=false when
// the file is missing or unreadable.
func ReadHeartbeat(workdir string) (time.Time, bool) {
	if workdir == "" {
		return time.Time{}, false
	}
	var hb WorkerHeartbeat
	found, err := ReadJSON(filepath.Join(workdir, HeartbeatFile), &hb)
	if err != nil || !found || hb.TS.IsZero() {
		return time.Time{}, false
	}
	return hb.TS.UTC(), true
}
