package repository

import (
	"bytes"
	"context"
	"time"

	"github.com/boltdb/bolt"

	"github.com/pu-ac-cn/uac-ticket/internal/codec"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

var ticketBucket = []byte("tickets")

// boltTicketStore 嵌入式 BoltDB 票据存储，读写事务天然串行
type boltTicketStore struct {
	db *bolt.DB
}

// NewBoltTicketStore 创建 BoltDB 票据存储
func NewBoltTicketStore(db *bolt.DB) (TicketStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ticketBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &boltTicketStore{db: db}, nil
}

func decodeBoltRecord(data []byte) (*model.TicketRecord, error) {
	var rec model.TicketRecord
	if err := codec.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *boltTicketStore) put(b *bolt.Bucket, rec *model.TicketRecord) error {
	data, err := codec.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.ID), data)
}

func (s *boltTicketStore) Insert(ctx context.Context, rec *model.TicketRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ticketBucket)
		if b.Get([]byte(rec.ID)) != nil {
			return ErrTicketExists
		}
		return s.put(b, rec)
	})
}

func (s *boltTicketStore) Get(ctx context.Context, id string) (*model.TicketRecord, error) {
	var rec *model.TicketRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(ticketBucket).Get([]byte(id))
		if data == nil {
			return ErrTicketNotFound
		}
		var err error
		rec, err = decodeBoltRecord(data)
		return err
	})
	return rec, err
}

func (s *boltTicketStore) CompareAndSwap(ctx context.Context, rec *model.TicketRecord) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ticketBucket)
		data := b.Get([]byte(rec.ID))
		if data == nil {
			return ErrTicketNotFound
		}
		cur, err := decodeBoltRecord(data)
		if err != nil {
			return err
		}
		if cur.Version != rec.Version {
			return ErrVersionConflict
		}
		next := cloneRecord(rec)
		next.Version++
		return s.put(b, next)
	})
	if err != nil {
		return err
	}
	rec.Version++
	return nil
}

func (s *boltTicketStore) Delete(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ticketBucket)
		if b.Get([]byte(id)) == nil {
			return nil
		}
		deleted = true
		return b.Delete([]byte(id))
	})
	return deleted, err
}

func (s *boltTicketStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ticketBucket)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			rec, err := decodeBoltRecord(v)
			if err != nil {
				return err
			}
			if rec.ExpiredAt(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// Scan 分批读取后在事务外回调，避免回调内的写事务与读事务互相等待
func (s *boltTicketStore) Scan(ctx context.Context, fn func(rec *model.TicketRecord) bool) error {
	var after []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var batch []*model.TicketRecord
		err := s.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(ticketBucket).Cursor()
			k, v := c.First()
			if after != nil {
				k, v = c.Seek(after)
				if k != nil && bytes.Equal(k, after) {
					k, v = c.Next()
				}
			}
			for ; k != nil && len(batch) < scanBatchSize; k, v = c.Next() {
				rec, err := decodeBoltRecord(v)
				if err != nil {
					return err
				}
				batch = append(batch, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		for _, rec := range batch {
			if !fn(rec) {
				return nil
			}
		}
		after = []byte(batch[len(batch)-1].ID)
	}
}

func (s *boltTicketStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		n = int64(tx.Bucket(ticketBucket).Stats().KeyN)
		return nil
	})
	return n, err
}
