package otp

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-ticket/internal/metrics"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// redisRepository Redis 仓库，每个用户一个有序集合，成员为验证码，分值为使用时间（毫秒）
type redisRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  clockwork.Clock
	logger *zap.Logger
}

// RedisConfig Redis 仓库配置
type RedisConfig struct {
	KeyPrefix string
	TTL       time.Duration
	Clock     clockwork.Clock
}

// NewRedisRepository 创建 Redis 一次性令牌仓库
func NewRedisRepository(client *redis.Client, cfg *RedisConfig, logger *zap.Logger) Repository {
	if cfg == nil {
		cfg = &RedisConfig{}
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "cas:otp:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisRepository{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		clock:  cfg.Clock,
		logger: logger,
	}
}

func (r *redisRepository) key(userID string) string {
	return r.prefix + userID
}

// cutoff 早于该分值的记录已过期
func (r *redisRepository) cutoff(now time.Time) string {
	return "(" + strconv.FormatInt(now.Add(-r.ttl).UnixMilli(), 10)
}

func (r *redisRepository) Store(ctx context.Context, token *model.OneTimeToken) {
	now := r.clock.Now()
	key := r.key(token.UserID)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", r.cutoff(now))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: strconv.Itoa(token.Token)})
		pipe.PExpire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		r.logger.Warn("记录验证码失败", zap.String("user_id", token.UserID), zap.Error(err))
		metrics.RecordOTPOperation("store", "error")
		return
	}
	metrics.RecordOTPOperation("store", "success")
}

func (r *redisRepository) Exists(ctx context.Context, userID string, token int) bool {
	now := r.clock.Now()
	key := r.key(userID)

	var scoreCmd *redis.FloatCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", r.cutoff(now))
		scoreCmd = pipe.ZScore(ctx, key, strconv.Itoa(token))
		return nil
	})
	if errors.Is(err, redis.Nil) {
		metrics.RecordOTPOperation("exists", "miss")
		return false
	}
	if err != nil {
		r.logger.Warn("查询验证码失败，按未使用处理",
			zap.String("user_id", userID),
			zap.Bool("fail_open", true),
			zap.Error(err),
		)
		metrics.RecordOTPOperation("exists", "fail_open")
		return false
	}
	if scoreCmd.Err() != nil {
		metrics.RecordOTPOperation("exists", "miss")
		return false
	}
	metrics.RecordOTPOperation("exists", "hit")
	return true
}

func (r *redisRepository) Claim(ctx context.Context, token *model.OneTimeToken) bool {
	now := r.clock.Now()
	key := r.key(token.UserID)

	var addCmd *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", r.cutoff(now))
		addCmd = pipe.ZAddNX(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: strconv.Itoa(token.Token)})
		pipe.PExpire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		r.logger.Warn("记录验证码失败，按未使用处理",
			zap.String("user_id", token.UserID),
			zap.Bool("fail_open", true),
			zap.Error(err),
		)
		metrics.RecordOTPOperation("claim", "fail_open")
		return true
	}
	if addCmd.Val() == 0 {
		r.logger.Info("验证码重放", zap.String("user_id", token.UserID))
		metrics.RecordOTPOperation("claim", "replay")
		return false
	}
	metrics.RecordOTPOperation("claim", "success")
	return true
}

// Clean 逐个用户删除过期成员，集合为空时 Redis 自动删除 key
func (r *redisRepository) Clean(ctx context.Context) {
	cutoff := r.cutoff(r.clock.Now())
	var removed int64

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := r.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", cutoff).Result()
		if err != nil {
			r.logger.Warn("清理过期验证码失败", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn("遍历验证码记录失败", zap.Error(err))
		return
	}
	if removed > 0 {
		metrics.OTPCacheEvictions.WithLabelValues("expired").Add(float64(removed))
	}
	r.logger.Debug("已清理过期验证码", zap.Int64("removed", removed))
}

func (r *redisRepository) Size(ctx context.Context) int {
	var n int
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn("统计验证码记录失败", zap.Error(err))
	}
	return n
}
