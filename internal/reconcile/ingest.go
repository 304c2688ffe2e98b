package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"brokerd/internal/ipc"
)

// IngestEvents tails every per-order event log of the layout from its saved
// cursor and applies the new lines. Cursors advance only past lines that were
// applied, so a crash mid-pass replays them, which the store tolerates.
func (e *Engine) IngestEvents(ctx context.Context, mode string, layout ipc.Layout) (IngestReport, error) {
	var rep IngestReport
	entries, err := os.ReadDir(layout.EventsDir())
	if os.IsNotExist(err) {
		return rep, nil
	}
	if err != nil {
		return rep, err
	}
	cursors, err := ipc.LoadCursors(layout.EventCursorFile())
	if err != nil {
		recLog.Warnf("event cursor 文件损坏，从头重放 mode=%s err=%v", mode, err)
		if rmErr := os.Remove(layout.EventCursorFile()); rmErr != nil {
			return rep, rmErr
		}
		if cursors, err = ipc.LoadCursors(layout.EventCursorFile()); err != nil {
			return rep, err
		}
	}
	var names []string
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var firstErr error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			firstErr = err
			break
		}
		path := filepath.Join(layout.EventsDir(), name)
		events, next, bad, err := ipc.Tail(path, cursors.Get(name))
		if err != nil {
			recLog.Warnf("读取事件日志失败 file=%s err=%v", name, err)
			continue
		}
		rep.Bad += bad
		if len(events) == 0 && next == cursors.Get(name) {
			continue
		}
		rep.Files++
		applied := true
		for _, ev := range events {
			rep.Events++
			if err := e.ApplyEvent(ctx, mode, name, ev, &rep); err != nil {
				recLog.Errorf("应用事件失败 file=%s order=%d tag=%s err=%v", name, ev.OrderID, ev.Tag, err)
				if firstErr == nil {
					firstErr = err
				}
				applied = false
				break
			}
		}
		if applied {
			cursors.Set(name, next)
		}
	}
	if err := cursors.Save(); err != nil && firstErr == nil {
		firstErr = err
	}
	if rep.Events > 0 {
		recLog.Infof("事件摄取 mode=%s files=%d events=%d fills=%d statuses=%d corrected=%d unmatched=%d bad=%d",
			mode, rep.Files, rep.Events, rep.Fills, rep.Statuses, rep.Corrected, rep.Unmatched, rep.Bad)
	}
	return rep, firstErr
}
