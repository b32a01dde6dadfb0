// Package bootstrap 按配置组装票据存储、分布式锁和一次性令牌仓库
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pu-ac-cn/uac-ticket/internal/cipher"
	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/database"
	"github.com/pu-ac-cn/uac-ticket/internal/lock"
	"github.com/pu-ac-cn/uac-ticket/internal/otp"
	"github.com/pu-ac-cn/uac-ticket/internal/redis"
	"github.com/pu-ac-cn/uac-ticket/internal/repository"
	"github.com/pu-ac-cn/uac-ticket/internal/service"
)

// 注册表后端
const (
	BackendMemory = "memory"
	BackendGorm   = "gorm"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
)

// Backends 已打开的后端及其连接
type Backends struct {
	Store  repository.TicketStore
	Locker lock.Locker
	OTP    otp.Repository

	DB    *gorm.DB
	Redis *goredis.Client
	Bolt  *bolt.DB
}

// Open 按配置打开后端，失败时关闭已打开的连接
func Open(ctx context.Context, cfg *config.Config, clk clockwork.Clock, logger *zap.Logger) (*Backends, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backends{}
	if err := b.open(ctx, cfg, clk, logger); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backends) open(ctx context.Context, cfg *config.Config, clk clockwork.Clock, logger *zap.Logger) error {
	switch cfg.Registry.Backend {
	case "", BackendMemory:
		b.Store = repository.NewMemoryTicketStore()
		b.Locker = lock.NewMemoryLocker(clk)
	case BackendGorm:
		if err := b.openDatabase(&cfg.Database); err != nil {
			return err
		}
		b.Store = repository.NewGormTicketStore(b.DB)
		b.Locker = lock.NewGormLocker(b.DB, clk)
	case BackendRedis:
		if err := b.openRedis(ctx, &cfg.Redis); err != nil {
			return err
		}
		b.Store = repository.NewRedisTicketStore(b.Redis, cfg.Registry.KeyPrefix, clk)
		b.Locker = lock.NewRedisLocker(b.Redis, cfg.Registry.KeyPrefix)
	case BackendBolt:
		if err := b.openBolt(cfg.Registry.BoltPath); err != nil {
			return err
		}
		store, err := repository.NewBoltTicketStore(b.Bolt)
		if err != nil {
			return fmt.Errorf("初始化 BoltDB 票据存储失败: %w", err)
		}
		locker, err := lock.NewBoltLocker(b.Bolt, clk)
		if err != nil {
			return fmt.Errorf("初始化 BoltDB 锁失败: %w", err)
		}
		b.Store, b.Locker = store, locker
	default:
		return fmt.Errorf("不支持的注册表后端: %s", cfg.Registry.Backend)
	}
	logger.Info("票据注册表后端已就绪", zap.String("backend", cfg.Registry.Backend))

	switch cfg.OTP.Backend {
	case "", BackendMemory:
		b.OTP = otp.NewMemoryRepository(&otp.MemoryConfig{
			TTL:         cfg.OTP.TTL,
			MaximumSize: cfg.OTP.MaximumSize,
			Clock:       clk,
		}, logger.Named("otp"))
	case BackendRedis:
		if err := b.openRedis(ctx, &cfg.Redis); err != nil {
			return err
		}
		b.OTP = otp.NewRedisRepository(b.Redis, &otp.RedisConfig{
			KeyPrefix: cfg.OTP.KeyPrefix,
			TTL:       cfg.OTP.TTL,
			Clock:     clk,
		}, logger.Named("otp"))
	default:
		return fmt.Errorf("不支持的一次性令牌后端: %s", cfg.OTP.Backend)
	}
	logger.Info("一次性令牌仓库已就绪", zap.String("backend", cfg.OTP.Backend))
	return nil
}

func (b *Backends) openDatabase(cfg *config.DatabaseConfig) error {
	if cfg.Driver == "sqlite" {
		if err := ensureDir(cfg.SQLite.Path); err != nil {
			return err
		}
	}
	db, err := database.Open(cfg)
	if err != nil {
		return err
	}
	b.DB = db
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	return nil
}

func (b *Backends) openRedis(ctx context.Context, cfg *config.RedisConfig) error {
	if b.Redis != nil {
		return nil
	}
	client, err := redis.NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	b.Redis = client
	return nil
}

func (b *Backends) openBolt(path string) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("打开 BoltDB 失败: %w", err)
	}
	b.Bolt = db
	return nil
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}
	return nil
}

// Ping 检查各后端连通性，返回名称到状态的映射
func (b *Backends) Ping(ctx context.Context) map[string]string {
	status := map[string]string{}
	if b.DB != nil {
		status["database"] = "ok"
		if err := database.Ping(b.DB); err != nil {
			status["database"] = "error"
		}
	}
	if b.Redis != nil {
		status["redis"] = "ok"
		if err := b.Redis.Ping(ctx).Err(); err != nil {
			status["redis"] = "error"
		}
	}
	if b.Bolt != nil {
		status["bolt"] = "ok"
		if err := b.Bolt.View(func(*bolt.Tx) error { return nil }); err != nil {
			status["bolt"] = "error"
		}
	}
	return status
}

// Close 关闭所有已打开的连接
func (b *Backends) Close() error {
	var errs []error
	if b.DB != nil {
		errs = append(errs, database.Close(b.DB))
	}
	if b.Redis != nil {
		errs = append(errs, redis.Close(b.Redis))
	}
	if b.Bolt != nil {
		errs = append(errs, b.Bolt.Close())
	}
	return errors.Join(errs...)
}

// NewRegistry 按配置创建票据注册表
func NewRegistry(cfg *config.Config, store repository.TicketStore, uniqueID string, clk clockwork.Clock, logger *zap.Logger) (service.TicketRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	exec, err := cipher.FromConfig(cfg.Registry.Crypto)
	if err != nil {
		return nil, fmt.Errorf("初始化票据加密失败: %w", err)
	}
	return service.NewTicketRegistry(store, exec, &service.RegistryConfig{
		Policies:    service.PoliciesFromConfig(cfg.Ticket),
		IDGenerator: service.NewIDGenerator(uniqueID),
		Clock:       clk,
	}, logger.Named("registry")), nil
}

// NewCleaner 按配置创建清理任务
func NewCleaner(cfg *config.Config, registry service.TicketRegistry, locker lock.Locker, uniqueID string, clk clockwork.Clock, logger *zap.Logger) *service.Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	strategy := lock.NewLockingStrategy(locker, cfg.Cleaner.AppID, uniqueID, cfg.Cleaner.LockingTimeout, logger.Named("lock"))
	return service.NewCleaner(registry, strategy, &service.CleanerConfig{
		Enabled:             cfg.Cleaner.Enabled,
		StartDelay:          cfg.Cleaner.StartDelay,
		RepeatInterval:      cfg.Cleaner.RepeatInterval,
		UnreadableRetention: cfg.Cleaner.UnreadableRetention,
	}, clk, logger.Named("cleaner"))
}
