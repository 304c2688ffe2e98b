// Package exclusions maintains the operator-edited list of symbols no batch
// may trade. The file is shared between processes, so every edit happens
// under the named lock "exclusions".
package exclusions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"brokerd/internal/filelock"
	"brokerd/internal/ipc"
	"brokerd/internal/logger"

	"gopkg.in/yaml.v3"
)

// LockKey is the named lock guarding the exclusion file.
const LockKey = "exclusions"

var exclLog = logger.Named("exclusions")

// Document is the on-disk form.
type Document struct {
	Symbols   []string  `yaml:"symbols"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// List reads and edits the exclusion file.
type List struct {
	path     string
	locks    *filelock.Manager
	lockWait time.Duration
	now      func() time.Time
}

func New(path string, locks *filelock.Manager) *List {
	return &List{path: path, locks: locks, lockWait: 5 * time.Second, now: time.Now}
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Load returns the current document. A missing file is an empty list.
func (l *List) Load() (Document, error) {
	var doc Document
	raw, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, err
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse exclusions %s: %w", l.path, err)
	}
	return doc, nil
}

func (l *List) Symbols() ([]string, error) {
	doc, err := l.Load()
	if err != nil {
		return nil, err
	}
	return doc.Symbols, nil
}

// Contains reports whether symbol is excluded.
func (l *List) Contains(symbol string) (bool, error) {
	doc, err := l.Load()
	if err != nil {
		return false, err
	}
	want := normalize(symbol)
	for _, s := range doc.Symbols {
		if normalize(s) == want {
			return true, nil
		}
	}
	return false, nil
}

func (l *List) Add(ctx context.Context, symbols ...string) (Document, error) {
	return l.edit(ctx, func(set map[string]bool) {
		for _, s := range symbols {
			if s = normalize(s); s != "" {
				set[s] = true
			}
		}
	})
}

func (l *List) Remove(ctx context.Context, symbols ...string) (Document, error) {
	return l.edit(ctx, func(set map[string]bool) {
		for _, s := range symbols {
			delete(set, normalize(s))
		}
	})
}

func (l *List) edit(ctx context.Context, fn func(map[string]bool)) (Document, error) {
	lock, err := l.locks.AcquireWait(ctx, LockKey, l.lockWait)
	if err != nil {
		return Document{}, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			exclLog.Warnf("释放 exclusions 锁失败: %v", err)
		}
	}()

	doc, err := l.Load()
	if err != nil {
		return Document{}, err
	}
	set := make(map[string]bool, len(doc.Symbols))
	for _, s := range doc.Symbols {
		if s = normalize(s); s != "" {
			set[s] = true
		}
	}
	fn(set)
	out := Document{Symbols: make([]string, 0, len(set)), UpdatedAt: l.now().UTC()}
	for s := range set {
		out.Symbols = append(out.Symbols, s)
	}
	sort.Strings(out.Symbols)
	raw, err := yaml.Marshal(out)
	if err != nil {
		return Document{}, err
	}
	if err := ipc.WriteFileAtomic(l.path, raw, 0o644); err != nil {
		return Document{}, err
	}
	exclLog.Infof("exclusions 已更新: %d 个标的", len(out.Symbols))
	return out, nil
}
