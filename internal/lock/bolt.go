package lock

import (
	"context"
	"time"

	"github.com/boltdb/bolt"
	"github.com/jonboulle/clockwork"

	"github.com/pu-ac-cn/uac-ticket/internal/codec"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

var lockBucket = []byte("locks")

// boltLocker BoltDB 锁，单个写事务内完成检查与写入
type boltLocker struct {
	db    *bolt.DB
	clock clockwork.Clock
}

// NewBoltLocker 创建 BoltDB 锁
func NewBoltLocker(db *bolt.DB, clk clockwork.Clock) (Locker, error) {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(lockBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &boltLocker{db: db, clock: clk}, nil
}

func (l *boltLocker) Acquire(ctx context.Context, appID, holder string, timeout time.Duration) (bool, error) {
	var acquired bool
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(lockBucket)
		now := l.clock.Now()
		if data := b.Get([]byte(appID)); data != nil {
			var cur model.LockRecord
			if err := codec.Unmarshal(data, &cur); err != nil {
				return err
			}
			if !cur.IsExpired(now) && !cur.IsHeldBy(holder) {
				return nil
			}
		}

		exp := now.Add(timeout)
		data, err := codec.Marshal(&model.LockRecord{ApplicationID: appID, UniqueID: holder, LockExpirationTime: &exp})
		if err != nil {
			return err
		}
		if err := b.Put([]byte(appID), data); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (l *boltLocker) Release(ctx context.Context, appID, holder string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(lockBucket)
		data := b.Get([]byte(appID))
		if data == nil {
			return nil
		}
		var cur model.LockRecord
		if err := codec.Unmarshal(data, &cur); err != nil {
			return err
		}
		if !cur.IsHeldBy(holder) {
			return nil
		}
		return b.Delete([]byte(appID))
	})
}
