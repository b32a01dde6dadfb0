// Package main 立即执行一次过期票据清理，供定时任务或运维手动调用
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-ticket/internal/bootstrap"
	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/lock"
	"github.com/pu-ac-cn/uac-ticket/internal/logger"
)

func main() {
	configPath := flag.StringP("config", "c", "", "配置文件路径")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Error("清理失败", zap.Error(err))
		zl.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clockwork.NewRealClock()
	uniqueID := lock.DefaultUniqueID(cfg.Host.Name)

	backends, err := bootstrap.Open(ctx, cfg, clk, zl)
	if err != nil {
		return err
	}
	defer backends.Close()

	registry, err := bootstrap.NewRegistry(cfg, backends.Store, uniqueID, clk, zl)
	if err != nil {
		return err
	}
	cleaner := bootstrap.NewCleaner(cfg, registry, backends.Locker, uniqueID, clk, zl)

	stats, err := cleaner.Clean(ctx)
	if err != nil {
		return err
	}
	if stats.Skipped {
		zl.Info("清理任务正在其他节点执行，本次跳过")
		return nil
	}
	backends.OTP.Clean(ctx)

	zl.Info("清理完成",
		zap.Int64("removed", stats.Removed),
		zap.Int64("failed", stats.Failed),
		zap.Duration("duration", stats.Duration),
	)
	return nil
}
