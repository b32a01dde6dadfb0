package lock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// memoryLocker 进程内锁，仅适用于单节点部署
type memoryLocker struct {
	mu    sync.Mutex
	locks map[string]model.LockRecord
	clock clockwork.Clock
}

// NewMemoryLocker 创建进程内锁
func NewMemoryLocker(clk clockwork.Clock) Locker {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &memoryLocker{
		locks: make(map[string]model.LockRecord),
		clock: clk,
	}
}

func (l *memoryLocker) Acquire(ctx context.Context, appID, holder string, timeout time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if cur, ok := l.locks[appID]; ok && !cur.IsExpired(now) && !cur.IsHeldBy(holder) {
		return false, nil
	}
	exp := now.Add(timeout)
	l.locks[appID] = model.LockRecord{ApplicationID: appID, UniqueID: holder, LockExpirationTime: &exp}
	return true, nil
}

func (l *memoryLocker) Release(ctx context.Context, appID, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.locks[appID]; ok && cur.IsHeldBy(holder) {
		delete(l.locks, appID)
	}
	return nil
}
