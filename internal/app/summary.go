package app

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"brokerd/internal/config"
)

type StartupSummary struct {
	Env        string
	HTTPAddr   string
	Database   string
	Journal    string
	BridgeRoot string
	Leader     LeaderSummary
	Pools      map[string]PoolSummary
	Recovery   RecoverySummary
	Tasks      []string
}

type LeaderSummary struct {
	Enabled bool
	Modes   []string
	Command string
	Gateway string
}

type PoolSummary struct {
	First int
	Last  int
	InUse int
}

type RecoverySummary struct {
	Enabled    bool
	NewTimeout string
	MaxRetries int
}

func newStartupSummary(cfg *config.Config) *StartupSummary {
	db := cfg.Database.Driver
	if db == "" || db == "sqlite" {
		db = "sqlite " + cfg.Database.Path
	}
	return &StartupSummary{
		Env:        cfg.App.Env,
		HTTPAddr:   cfg.App.HTTPAddr,
		Database:   db,
		Journal:    cfg.Database.JournalPath,
		BridgeRoot: cfg.Bridge.Root,
		Leader: LeaderSummary{
			Enabled: cfg.Leader.Enabled,
			Modes:   cfg.Leader.Modes,
			Command: strings.TrimSpace(strings.Join(append([]string{cfg.Leader.Command}, cfg.Leader.Args...), " ")),
			Gateway: cfg.Leader.Gateway,
		},
		Pools: map[string]PoolSummary{},
		Recovery: RecoverySummary{
			Enabled:    cfg.Recovery.Enabled,
			NewTimeout: cfg.Recovery.NewTimeout().String(),
			MaxRetries: cfg.Recovery.MaxRetries,
		},
	}
}

func (s *StartupSummary) Print() { s.Fprint(os.Stdout) }

func (s *StartupSummary) Fprint(w io.Writer) {
	title := "启动配置摘要 (STARTUP SUMMARY)"
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[服务 (SERVICE)]")
	fmt.Fprintf(w, "  环境: %s\n", s.Env)
	fmt.Fprintf(w, "  HTTP: %s\n", s.HTTPAddr)
	fmt.Fprintf(w, "  数据库: %s\n", s.Database)
	fmt.Fprintf(w, "  状态日志: %s\n", orDash(s.Journal))
	fmt.Fprintf(w, "  文件通道: %s\n", s.BridgeRoot)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[Leader]")
	fmt.Fprintf(w, "  托管: %v\n", s.Leader.Enabled)
	fmt.Fprintf(w, "  模式: %s\n", formatList(s.Leader.Modes))
	fmt.Fprintf(w, "  命令: %s\n", orDash(s.Leader.Command))
	fmt.Fprintf(w, "  网关: %s\n", orDash(s.Leader.Gateway))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[Client ID 池 (LEASE POOLS)]")
	if len(s.Pools) == 0 {
		fmt.Fprintln(w, "  (无)")
	} else {
		modes := make([]string, 0, len(s.Pools))
		for mode := range s.Pools {
			modes = append(modes, mode)
		}
		sort.Strings(modes)
		for _, mode := range modes {
			p := s.Pools[mode]
			fmt.Fprintf(w, "  > %s: [%d, %d] 占用 %d\n", mode, p.First, p.Last, p.InUse)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[自动恢复 (AUTO RECOVERY)]")
	fmt.Fprintf(w, "  启用: %v\n", s.Recovery.Enabled)
	fmt.Fprintf(w, "  NEW 超时: %s\n", s.Recovery.NewTimeout)
	fmt.Fprintf(w, "  最大重试: %d\n", s.Recovery.MaxRetries)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "[周期任务]: %s\n", formatList(s.Tasks))
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
