package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// 过期记录在 Redis 中多保留的时长，保证过期后的读取仍能区分“已过期”与“不存在”
const redisExpiryGrace = time.Minute

var recordCodec = jsoniter.ConfigCompatibleWithStandardLibrary

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// redisTicketStore Redis 票据存储
//
// 记录以 JSON 保存；有绝对过期时间的记录同时设置 key TTL，由 Redis 自行淘汰。
type redisTicketStore struct {
	client *redis.Client
	prefix string
	clock  clockwork.Clock
}

// NewRedisTicketStore 创建 Redis 票据存储
func NewRedisTicketStore(client *redis.Client, prefix string, clk clockwork.Clock) TicketStore {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &redisTicketStore{
		client: client,
		prefix: prefix + "ticket:",
		clock:  clk,
	}
}

func (s *redisTicketStore) key(id string) string {
	return s.prefix + id
}

// ttl 计算 key 的存活时间，0 表示不过期
func (s *redisTicketStore) ttl(rec *model.TicketRecord) time.Duration {
	if rec.ExpiresAt == nil {
		return 0
	}
	remaining := rec.ExpiresAt.Sub(s.clock.Now())
	if remaining <= 0 {
		return redisExpiryGrace
	}
	return remaining + redisExpiryGrace
}

func (s *redisTicketStore) Insert(ctx context.Context, rec *model.TicketRecord) error {
	data, err := recordCodec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化票据记录失败: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(rec.ID), data, s.ttl(rec)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrTicketExists
	}
	return nil
}

func (s *redisTicketStore) Get(ctx context.Context, id string) (*model.TicketRecord, error) {
	return s.get(ctx, s.client, s.key(id))
}

func (s *redisTicketStore) get(ctx context.Context, c stringGetter, key string) (*model.TicketRecord, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	var rec model.TicketRecord
	if err := recordCodec.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("反序列化票据记录失败: %w", err)
	}
	return &rec, nil
}

// CompareAndSwap 基于 WATCH/MULTI 的乐观锁更新
func (s *redisTicketStore) CompareAndSwap(ctx context.Context, rec *model.TicketRecord) error {
	key := s.key(rec.ID)
	next := cloneRecord(rec)
	next.Version++
	data, err := recordCodec.Marshal(next)
	if err != nil {
		return fmt.Errorf("序列化票据记录失败: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur.Version != rec.Version {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl(next))
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	rec.Version = next.Version
	return nil
}

func (s *redisTicketStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteExpired 删除已过绝对过期时间但仍处于宽限期内的记录
func (s *redisTicketStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var expired []string
	err := s.Scan(ctx, func(rec *model.TicketRecord) bool {
		if rec.ExpiredAt(now) {
			expired = append(expired, s.key(rec.ID))
		}
		return true
	})
	if err != nil || len(expired) == 0 {
		return 0, err
	}
	return s.client.Del(ctx, expired...).Result()
}

func (s *redisTicketStore) Scan(ctx context.Context, fn func(rec *model.TicketRecord) bool) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		rec, err := s.get(ctx, s.client, iter.Val())
		if errors.Is(err, ErrTicketNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !fn(rec) {
			return nil
		}
	}
	return iter.Err()
}

func (s *redisTicketStore) Count(ctx context.Context) (int64, error) {
	var n int64
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}
