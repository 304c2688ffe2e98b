// Package ipc is the file protocol between the leader process, workers and
// the service: status and snapshot JSON documents, JSONL execution events,
// command files and their results.
package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to a temp file in the same directory and
// renames it over path, so readers never see a partial document.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("ipc: encode %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// ReadJSON decodes path into v. found=false when the file does not exist.
func ReadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("ipc: decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// Layout names the files of one mode's bridge directory.
type Layout struct {
	Root string
}

func (l Layout) StatusFile() string      { return filepath.Join(l.Root, "leader_status.json") }
func (l Layout) StateFile() string       { return filepath.Join(l.Root, "leader_state.json") }
func (l Layout) OpenOrdersFile() string  { return filepath.Join(l.Root, "open_orders.json") }
func (l Layout) PositionsFile() string   { return filepath.Join(l.Root, "positions.json") }
func (l Layout) AccountFile() string     { return filepath.Join(l.Root, "account.json") }
func (l Layout) QuotesFile() string      { return filepath.Join(l.Root, "quotes.json") }
func (l Layout) WatchlistFile() string   { return filepath.Join(l.Root, "watchlist.json") }
func (l Layout) EventsDir() string       { return filepath.Join(l.Root, "events") }
func (l Layout) CommandsDir() string     { return filepath.Join(l.Root, "commands") }
func (l Layout) ResultsDir() string      { return filepath.Join(l.Root, "command_results") }
func (l Layout) EventCursorFile() string { return filepath.Join(l.Root, "events", ".cursors.json") }
func (l Layout) ProcessedFile() string   { return filepath.Join(l.Root, "commands_processed.json") }

// EventLog is the execution log of one order tag.
func (l Layout) EventLog(tag string) string {
	return filepath.Join(l.EventsDir(), safeName(tag)+".jsonl")
}

// Ensure creates every directory of the layout.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Root, l.EventsDir(), l.CommandsDir(), l.ResultsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func safeName(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			out[i] = '_'
		}
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}
