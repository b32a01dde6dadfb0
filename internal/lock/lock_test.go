package lock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/boltdb/bolt"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/database"
)

// lockerFixture 锁后端及其时间推进方式
type lockerFixture struct {
	locker  Locker
	advance func(d time.Duration)
}

var lockerFactories = map[string]func(t *testing.T) lockerFixture{
	"memory": func(t *testing.T) lockerFixture {
		clk := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		return lockerFixture{locker: NewMemoryLocker(clk), advance: clk.Advance}
	},
	"gorm": func(t *testing.T) lockerFixture {
		db, err := database.Open(&config.DatabaseConfig{
			Driver:   "sqlite",
			SQLite:   config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "locks.db")},
			LogLevel: "silent",
		})
		require.NoError(t, err)
		require.NoError(t, database.Migrate(db))
		t.Cleanup(func() { database.Close(db) })

		clk := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		return lockerFixture{locker: NewGormLocker(db, clk), advance: clk.Advance}
	},
	"redis": func(t *testing.T) lockerFixture {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return lockerFixture{locker: NewRedisLocker(client, "cas:"), advance: mr.FastForward}
	},
	"bolt": func(t *testing.T) lockerFixture {
		db, err := bolt.Open(filepath.Join(t.TempDir(), "locks.bolt"), 0600, &bolt.Options{Timeout: time.Second})
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		clk := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		locker, err := NewBoltLocker(db, clk)
		require.NoError(t, err)
		return lockerFixture{locker: locker, advance: clk.Advance}
	},
}

func forEachLocker(t *testing.T, fn func(t *testing.T, f lockerFixture)) {
	for name, factory := range lockerFactories {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

// 节点 A 持锁期间节点 B 无法获得，A 的锁自然过期后 B 可以获得
func TestLocker_AcquireUntilExpiry(t *testing.T) {
	forEachLocker(t, func(t *testing.T, f lockerFixture) {
		ctx := context.Background()

		ok, err := f.locker.Acquire(ctx, "cleaner", "nodeA", 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "nodeA 应获得锁")

		ok, err = f.locker.Acquire(ctx, "cleaner", "nodeB", 5*time.Second)
		require.NoError(t, err)
		assert.False(t, ok, "nodeA 持锁期间 nodeB 不应获得锁")

		f.advance(6 * time.Second)

		ok, err = f.locker.Acquire(ctx, "cleaner", "nodeB", 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "锁过期后 nodeB 应获得锁")

		ok, err = f.locker.Acquire(ctx, "cleaner", "nodeA", 5*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// 同一持有者可重复加锁并续期
func TestLocker_Reentrant(t *testing.T) {
	forEachLocker(t, func(t *testing.T, f lockerFixture) {
		ctx := context.Background()

		ok, err := f.locker.Acquire(ctx, "cleaner", "nodeA", 5*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		f.advance(3 * time.Second)
		ok, err = f.locker.Acquire(ctx, "cleaner", "nodeA", 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		// 续期后原过期时间已过，但锁仍有效
		f.advance(3 * time.Second)
		ok, err = f.locker.Acquire(ctx, "cleaner", "nodeB", 5*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestLocker_Release(t *testing.T) {
	forEachLocker(t, func(t *testing.T, f lockerFixture) {
		ctx := context.Background()

		ok, err := f.locker.Acquire(ctx, "cleaner", "nodeA", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		// 非持有者释放为空操作
		require.NoError(t, f.locker.Release(ctx, "cleaner", "nodeB"))
		ok, err = f.locker.Acquire(ctx, "cleaner", "nodeB", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, f.locker.Release(ctx, "cleaner", "nodeA"))
		ok, err = f.locker.Acquire(ctx, "cleaner", "nodeB", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		// 重复释放与释放不存在的锁都不报错
		require.NoError(t, f.locker.Release(ctx, "cleaner", "nodeA"))
		require.NoError(t, f.locker.Release(ctx, "missing", "nodeA"))
	})
}

// 锁被其他节点回收后，原持有者的释放不影响新持有者
func TestLocker_ReleaseAfterReclaim(t *testing.T) {
	forEachLocker(t, func(t *testing.T, f lockerFixture) {
		ctx := context.Background()

		ok, err := f.locker.Acquire(ctx, "cleaner", "nodeA", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		f.advance(2 * time.Second)
		ok, err = f.locker.Acquire(ctx, "cleaner", "nodeB", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, f.locker.Release(ctx, "cleaner", "nodeA"))
		ok, err = f.locker.Acquire(ctx, "cleaner", "nodeC", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "nodeB 的锁不应被 nodeA 释放")
	})
}

// Property: 锁互斥
// *For any* 应用 ID 与两个不同的持有者，并发加锁恰好一个成功
func TestProperty_Locker_MutualExclusion(t *testing.T) {
	forEachLocker(t, func(t *testing.T, f lockerFixture) {
		ctx := context.Background()

		parameters := gopter.DefaultTestParameters()
		parameters.MinSuccessfulTests = 30
		properties := gopter.NewProperties(parameters)

		holderGen := gen.Const(nil).Map(func(_ interface{}) string {
			return "node-" + uuid.New().String()[:8]
		})

		properties.Property("并发加锁恰好一个成功", prop.ForAll(
			func(h1, h2 string) bool {
				if h1 == h2 {
					return true
				}
				appID := "app-" + uuid.New().String()

				var (
					wg       sync.WaitGroup
					acquired atomic.Int32
					failed   atomic.Int32
				)
				for _, holder := range []string{h1, h2} {
					wg.Add(1)
					go func(holder string) {
						defer wg.Done()
						ok, err := f.locker.Acquire(ctx, appID, holder, time.Minute)
						if err != nil {
							failed.Add(1)
							return
						}
						if ok {
							acquired.Add(1)
						}
					}(holder)
				}
				wg.Wait()
				return failed.Load() == 0 && acquired.Load() == 1
			},
			holderGen, holderGen,
		))

		properties.TestingRun(t)
	})
}

func TestLocker_ConcurrentAcquire(t *testing.T) {
	forEachLocker(t, func(t *testing.T, f lockerFixture) {
		ctx := context.Background()

		const nodes = 10
		var (
			wg       sync.WaitGroup
			acquired atomic.Int32
		)
		for i := 0; i < nodes; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := f.locker.Acquire(ctx, "cleaner", fmt.Sprintf("node-%d", i), time.Minute)
				if err != nil {
					t.Errorf("加锁出错: %v", err)
					return
				}
				if ok {
					acquired.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), acquired.Load())
	})
}

// failingLocker 模拟存储故障
type failingLocker struct {
	releases atomic.Int32
}

func (l *failingLocker) Acquire(ctx context.Context, appID, holder string, timeout time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (l *failingLocker) Release(ctx context.Context, appID, holder string) error {
	l.releases.Add(1)
	return errors.New("connection refused")
}

func TestLockingStrategy_FailClosed(t *testing.T) {
	locker := &failingLocker{}
	strategy := NewLockingStrategy(locker, "cleaner", "nodeA", time.Minute, nil)

	assert.False(t, strategy.Acquire(context.Background()))

	called := false
	err := strategy.WithLock(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.False(t, called)
	assert.Equal(t, int32(0), locker.releases.Load(), "未获得锁时不应释放")
}

func TestLockingStrategy_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	strategy := NewLockingStrategy(NewRedisLocker(client, "cas:"), "cleaner", "nodeA", time.Minute, nil)
	assert.False(t, strategy.Acquire(context.Background()))
}

func TestLockingStrategy_WithLock(t *testing.T) {
	locker := NewMemoryLocker(nil)
	a := NewLockingStrategy(locker, "cleaner", "nodeA", time.Minute, nil)
	b := NewLockingStrategy(locker, "cleaner", "nodeB", time.Minute, nil)
	ctx := context.Background()

	runErr := errors.New("清理失败")
	err := a.WithLock(ctx, func(ctx context.Context) error {
		// 持锁期间其他节点无法进入
		inner := b.WithLock(ctx, func(ctx context.Context) error { return nil })
		assert.ErrorIs(t, inner, ErrLockUnavailable)
		return runErr
	})
	assert.ErrorIs(t, err, runErr)

	// fn 出错后锁也已释放
	assert.NoError(t, b.WithLock(ctx, func(ctx context.Context) error { return nil }))
}

func TestLockingStrategy_ReleaseAfterCancel(t *testing.T) {
	locker := NewMemoryLocker(nil)
	a := NewLockingStrategy(locker, "cleaner", "nodeA", time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())

	err := a.WithLock(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	ok, err := locker.Acquire(context.Background(), "cleaner", "nodeB", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDefaultUniqueID(t *testing.T) {
	assert.Equal(t, "cas-node-1", DefaultUniqueID("cas-node-1"))
	assert.NotEmpty(t, DefaultUniqueID(""))
}

func TestLockingStrategy_Accessors(t *testing.T) {
	s := NewLockingStrategy(NewMemoryLocker(nil), "cleaner", "nodeA", time.Minute, nil)
	assert.Equal(t, "cleaner", s.AppID())
	assert.Equal(t, "nodeA", s.UniqueID())
}
