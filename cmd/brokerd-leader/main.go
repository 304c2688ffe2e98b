// Command brokerd-leader owns the broker session for one trading mode and
// exchanges snapshots, events and commands with brokerd through files.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	brcfg "brokerd/internal/config"
	"brokerd/internal/filelock"
	"brokerd/internal/ipc"
	"brokerd/internal/leader"
	"brokerd/internal/logger"
	"brokerd/internal/proc"

	"github.com/spf13/pflag"
)

func main() {
	flags := pflag.NewFlagSet("brokerd-leader", pflag.ExitOnError)
	cfgPath := flags.String("config", os.Getenv(brcfg.EnvConfigPath), "配置文件路径")
	mode := flags.String("mode", os.Getenv("BROKERD_MODE"), "交易模式 paper|live")
	gateway := flags.String("gateway", "", "覆盖 leader.gateway")
	_ = flags.Parse(os.Args[1:])

	if err := run(*cfgPath, *mode, *gateway, flags); err != nil {
		log.Fatalf("leader 运行失败: %v", err)
	}
}

func run(cfgPath, mode, gateway string, flags *pflag.FlagSet) error {
	if strings.TrimSpace(cfgPath) == "" {
		cfgPath = "configs/config.yaml"
	}
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode != "paper" && mode != "live" {
		return fmt.Errorf("--mode 必须为 paper 或 live，当前 %q", mode)
	}
	overrides := map[string]any{}
	if flags.Changed("gateway") {
		overrides["leader.gateway"] = gateway
	}
	cfg, err := brcfg.LoadWithOverrides(cfgPath, overrides)
	if err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}
	logger.SetFormat(cfg.App.LogFormat)
	logger.SetLevel(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	locks := filelock.NewManager(cfg.Lock, proc.OS{})
	lock, err := locks.Acquire("leader-" + mode)
	if err != nil {
		return fmt.Errorf("leader 锁被占用 mode=%s: %w", mode, err)
	}
	defer lock.Release()

	session, err := leader.NewSession(cfg.Leader.Gateway)
	if err != nil {
		return err
	}
	layout := ipc.Layout{Root: cfg.Bridge.ModeRoot(mode)}
	logger.Infof("✓ leader 启动 mode=%s gateway=%s bridge=%s", mode, cfg.Leader.Gateway, layout.Root)
	return leader.NewLoop(cfg.Leader, mode, layout, session).Run(ctx)
}
