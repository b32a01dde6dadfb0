package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pu-ac-cn/uac-ticket/internal/bootstrap"
	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/handler"
	"github.com/pu-ac-cn/uac-ticket/internal/lock"
	"github.com/pu-ac-cn/uac-ticket/internal/logger"
	"github.com/pu-ac-cn/uac-ticket/internal/middleware"
	"github.com/pu-ac-cn/uac-ticket/internal/otp"
)

func main() {
	configPath := flag.StringP("config", "c", "", "配置文件路径")
	flag.Parse()

	// 加载配置
	var (
		cfg *config.Config
		err error
	)
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
		zl.Fatal("服务异常退出", zap.Error(err))
	}
	zl.Info("服务已关闭")
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clockwork.NewRealClock()
	uniqueID := lock.DefaultUniqueID(cfg.Host.Name)
	zl = zl.With(zap.String("node", uniqueID))

	// 初始化后端
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

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Logger(zl.Named("http")))
	router.Use(middleware.Recovery(zl.Named("http")))
	router.Use(middleware.Metrics())

	if cfg.Server.AdminToken == "" {
		zl.Warn("未配置 server.admin_token，/admin 接口将拒绝所有请求")
	}
	handler.NewOpsHandler(registry, cleaner, backends.OTP, backends, clk, zl.Named("ops")).Register(router, cfg.Server.AdminToken)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Info("服务启动", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return cleaner.Start(gctx)
	})
	g.Go(func() error {
		return otp.RunCleaner(gctx, backends.OTP, cfg.OTP.CleanInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		zl.Info("正在关闭服务...")

		// 优雅关闭，等待 5 秒
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
