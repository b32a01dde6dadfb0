package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// memoryTicketStore 进程内票据存储，仅适用于单节点
type memoryTicketStore struct {
	mu      sync.RWMutex
	records map[string]*model.TicketRecord
}

// NewMemoryTicketStore 创建进程内票据存储
func NewMemoryTicketStore() TicketStore {
	return &memoryTicketStore{records: make(map[string]*model.TicketRecord)}
}

func (s *memoryTicketStore) Insert(ctx context.Context, rec *model.TicketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return ErrTicketExists
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *memoryTicketStore) Get(ctx context.Context, id string) (*model.TicketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrTicketNotFound
	}
	return cloneRecord(rec), nil
}

func (s *memoryTicketStore) CompareAndSwap(ctx context.Context, rec *model.TicketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[rec.ID]
	if !ok {
		return ErrTicketNotFound
	}
	if cur.Version != rec.Version {
		return ErrVersionConflict
	}

	next := cloneRecord(rec)
	next.Version++
	s.records[rec.ID] = next
	rec.Version = next.Version
	return nil
}

func (s *memoryTicketStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	delete(s.records, id)
	return true, nil
}

func (s *memoryTicketStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.records {
		if rec.ExpiredAt(now) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryTicketStore) Scan(ctx context.Context, fn func(rec *model.TicketRecord) bool) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrTicketNotFound) {
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

func (s *memoryTicketStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}
