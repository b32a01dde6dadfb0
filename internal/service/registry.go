// Package service 票据注册表与过期票据清理
package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-ticket/internal/cipher"
	"github.com/pu-ac-cn/uac-ticket/internal/codec"
	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/metrics"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/pu-ac-cn/uac-ticket/internal/repository"
)

// 注册表错误定义
var (
	ErrTicketNotFound        = repository.ErrTicketNotFound
	ErrTicketExists          = repository.ErrTicketExists
	ErrTicketExpired         = errors.New("票据已过期")
	ErrTicketAlreadyConsumed = errors.New("票据已被使用")
	ErrInvalidTicketType     = errors.New("票据类型不匹配")
	ErrServiceMismatch       = errors.New("票据与服务不匹配")
	ErrTicketConflict        = errors.New("票据已被并发修改")
	ErrStorage               = errors.New("票据存储访问失败")
)

// UnreadableRecordError 存储中的记录无法解密或解码，Key 为存储键
type UnreadableRecordError struct {
	Key          string
	CreationTime time.Time
	Err          error
}

func (e *UnreadableRecordError) Error() string {
	return fmt.Sprintf("票据记录 %s: %v", e.Key, e.Err)
}

func (e *UnreadableRecordError) Unwrap() error {
	return e.Err
}

// 乐观更新的最大重试次数
const maxUpdateRetries = 16

// TicketRegistry 票据注册表接口
type TicketRegistry interface {
	// 基础操作
	AddTicket(ctx context.Context, ticket *model.Ticket) error
	GetTicket(ctx context.Context, id string, expected model.TicketType) (*model.Ticket, error)
	UpdateTicket(ctx context.Context, ticket *model.Ticket) (*model.Ticket, error)
	DeleteTicket(ctx context.Context, id string) (bool, error)
	Tickets(ctx context.Context, predicate func(*model.Ticket) bool) iter.Seq2[*model.Ticket, error]

	// 使用与校验
	UseTicket(ctx context.Context, id string, expected model.TicketType) (*model.Ticket, error)
	ValidateServiceTicket(ctx context.Context, id, service string) (*model.Ticket, error)

	// 签发
	CreateTicketGrantingTicket(ctx context.Context, payload []byte) (*model.Ticket, error)
	GrantServiceTicket(ctx context.Context, tgtID, service string) (*model.Ticket, error)
	GrantProxyGrantingTicket(ctx context.Context, stID string) (*model.Ticket, error)
	GrantProxyTicket(ctx context.Context, pgtID, service string) (*model.Ticket, error)

	// 维护
	DeleteExpired(ctx context.Context) (int64, error)
	DeleteRecord(ctx context.Context, key string) (bool, error)
	Count(ctx context.Context) (int64, error)
}

// TicketPolicies 各类票据的过期策略
type TicketPolicies struct {
	TGT model.ExpirationPolicy
	ST  model.ExpirationPolicy
	PGT model.ExpirationPolicy
	PT  model.ExpirationPolicy
}

// PoliciesFromConfig 由配置构建过期策略
func PoliciesFromConfig(cfg config.TicketConfig) TicketPolicies {
	return TicketPolicies{
		TGT: model.TicketGrantingPolicy(cfg.TGT.MaxTimeToLive, cfg.TGT.TimeToKill),
		ST:  model.MultiUse(cfg.ST.NumberOfUses, cfg.ST.TimeToLive),
		PGT: model.TicketGrantingPolicy(cfg.PGT.MaxTimeToLive, cfg.PGT.TimeToKill),
		PT:  model.MultiUse(cfg.PT.NumberOfUses, cfg.PT.TimeToLive),
	}
}

// RegistryConfig 注册表配置
type RegistryConfig struct {
	Policies    TicketPolicies
	IDGenerator *IDGenerator
	Clock       clockwork.Clock
}

type ticketRegistry struct {
	store  repository.TicketStore
	cipher cipher.Executor
	config *RegistryConfig
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewTicketRegistry 创建票据注册表
func NewTicketRegistry(store repository.TicketStore, exec cipher.Executor, cfg *RegistryConfig, logger *zap.Logger) TicketRegistry {
	if cfg == nil {
		cfg = &RegistryConfig{}
	}
	if cfg.Policies.TGT.Kind == "" {
		cfg.Policies.TGT = model.TicketGrantingPolicy(8*time.Hour, 2*time.Hour) // 默认 8 小时 / 空闲 2 小时
	}
	if cfg.Policies.ST.Kind == "" {
		cfg.Policies.ST = model.MultiUse(1, 10*time.Second) // 默认单次使用，10 秒
	}
	if cfg.Policies.PGT.Kind == "" {
		cfg.Policies.PGT = cfg.Policies.TGT
	}
	if cfg.Policies.PT.Kind == "" {
		cfg.Policies.PT = cfg.Policies.ST
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = NewIDGenerator("")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if exec == nil {
		exec = cipher.Noop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ticketRegistry{
		store:  store,
		cipher: exec,
		config: cfg,
		clock:  cfg.Clock,
		logger: logger,
	}
}

// storageKey 启用加密时以摘要作为存储键，明文 ID 不落盘
func (r *ticketRegistry) storageKey(id string) string {
	if r.cipher.Enabled() {
		return cipher.DigestID(id)
	}
	return id
}

// storageError 将后端故障包装为 ErrStorage，业务错误原样返回
func storageError(err error) error {
	if err == nil ||
		errors.Is(err, ErrTicketNotFound) ||
		errors.Is(err, ErrTicketExists) ||
		errors.Is(err, repository.ErrVersionConflict) ||
		errors.Is(err, cipher.ErrCipherOperation) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTicketNotFound):
		return "not_found"
	case errors.Is(err, ErrTicketExists):
		return "exists"
	case errors.Is(err, ErrTicketExpired):
		return "expired"
	case errors.Is(err, ErrTicketAlreadyConsumed):
		return "consumed"
	case errors.Is(err, ErrInvalidTicketType):
		return "invalid_type"
	case errors.Is(err, ErrServiceMismatch):
		return "service_mismatch"
	case errors.Is(err, ErrTicketConflict):
		return "conflict"
	case errors.Is(err, cipher.ErrCipherOperation):
		return "cipher_error"
	default:
		return "storage_error"
	}
}

// encode 票据编码后加密，生成持久化记录
func (r *ticketRegistry) encode(t *model.Ticket) (*model.TicketRecord, error) {
	data, err := codec.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("编码票据失败: %w", err)
	}
	body, err := r.cipher.Encode(data)
	if err != nil {
		return nil, err
	}

	rec := &model.TicketRecord{
		ID:           r.storageKey(t.ID),
		Type:         string(t.Type),
		Body:         body,
		CreationTime: t.CreationTime.UTC(),
	}
	if deadline := t.HardDeadline(); !deadline.IsZero() {
		deadline = deadline.UTC()
		rec.ExpiresAt = &deadline
	}
	return rec, nil
}

// decode 解密记录并还原票据
func (r *ticketRegistry) decode(rec *model.TicketRecord) (*model.Ticket, error) {
	data, err := r.cipher.Decode(rec.Body)
	if err != nil {
		return nil, err
	}
	var t model.Ticket
	if err := codec.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: 解码票据: %v", cipher.ErrCipherOperation, err)
	}
	t.Version = rec.Version
	return &t, nil
}

// load 读取票据及其当前记录（用于后续的版本比较）
func (r *ticketRegistry) load(ctx context.Context, id string) (*model.Ticket, *model.TicketRecord, error) {
	rec, err := r.store.Get(ctx, r.storageKey(id))
	if err != nil {
		return nil, nil, storageError(err)
	}
	t, err := r.decode(rec)
	if err != nil {
		r.logger.Warn("票据解密失败", zap.String("ticket_id", id), zap.Error(err))
		return nil, nil, err
	}
	return t, rec, nil
}

// AddTicket 新增票据
func (r *ticketRegistry) AddTicket(ctx context.Context, ticket *model.Ticket) (err error) {
	defer func(start time.Time) {
		metrics.RecordRegistryOperation("add", resultLabel(err), start)
	}(time.Now())

	if !ticket.Type.Valid() {
		return ErrInvalidTicketType
	}
	rec, err := r.encode(ticket)
	if err != nil {
		return err
	}
	if err := r.store.Insert(ctx, rec); err != nil {
		return storageError(err)
	}
	ticket.Version = rec.Version

	metrics.TicketsCreatedTotal.WithLabelValues(string(ticket.Type)).Inc()
	r.logger.Debug("票据已保存", zap.String("ticket_id", ticket.ID), zap.String("type", string(ticket.Type)))
	return nil
}

// GetTicket 获取票据，expected 为空时不校验类型；过期票据会被顺带删除
func (r *ticketRegistry) GetTicket(ctx context.Context, id string, expected model.TicketType) (t *model.Ticket, err error) {
	defer func(start time.Time) {
		metrics.RecordRegistryOperation("get", resultLabel(err), start)
	}(time.Now())

	t, _, err = r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if expected != "" && t.Type != expected {
		return nil, ErrInvalidTicketType
	}
	if t.IsExpired(r.clock.Now()) {
		r.removeExpired(ctx, t)
		return nil, ErrTicketExpired
	}
	return t, nil
}

// removeExpired 删除读取时发现的过期票据，失败只记录日志，清理任务会再次处理
func (r *ticketRegistry) removeExpired(ctx context.Context, t *model.Ticket) {
	if _, err := r.DeleteTicket(ctx, t.ID); err != nil {
		r.logger.Warn("删除过期票据失败", zap.String("ticket_id", t.ID), zap.Error(err))
		return
	}
	r.logger.Debug("已删除过期票据", zap.String("ticket_id", t.ID))
}

// UpdateTicket 保存票据的最新状态。ticket 须来自注册表的读取结果：
// 读取后存储中的票据已被修改（使用、消费、签发子票据）时返回 ErrTicketConflict，
// 已消费的票据不能被写回未消费状态
func (r *ticketRegistry) UpdateTicket(ctx context.Context, ticket *model.Ticket) (t *model.Ticket, err error) {
	defer func(start time.Time) {
		metrics.RecordRegistryOperation("update", resultLabel(err), start)
	}(time.Now())

	cur, rec, err := r.load(ctx, ticket.ID)
	if err != nil {
		return nil, err
	}
	if rec.Version != ticket.Version {
		metrics.CASConflictTotal.Inc()
		r.logger.Info("拒绝覆盖已被修改的票据",
			zap.String("ticket_id", ticket.ID),
			zap.Int64("version", ticket.Version),
			zap.Int64("stored_version", rec.Version),
		)
		return nil, ErrTicketConflict
	}
	if cur.Consumed && !ticket.Consumed {
		return nil, ErrTicketAlreadyConsumed
	}

	next, err := r.encode(ticket)
	if err != nil {
		return nil, err
	}
	next.Version = ticket.Version

	err = r.store.CompareAndSwap(ctx, next)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrVersionConflict):
		metrics.CASConflictTotal.Inc()
		return nil, ErrTicketConflict
	default:
		return nil, storageError(err)
	}

	t = ticket.Clone()
	t.Version = next.Version
	return t, nil
}

// DeleteTicket 删除票据，授权票据会级联删除其签发的子票据；重复删除返回 false
func (r *ticketRegistry) DeleteTicket(ctx context.Context, id string) (deleted bool, err error) {
	defer func(start time.Time) {
		metrics.RecordRegistryOperation("delete", resultLabel(err), start)
	}(time.Now())

	t, _, err := r.load(ctx, id)
	switch {
	case err == nil:
		for _, child := range t.Descendants {
			if _, err := r.DeleteTicket(ctx, child); err != nil {
				r.logger.Warn("删除子票据失败",
					zap.String("ticket_id", child),
					zap.String("parent_id", id),
					zap.Error(err),
				)
			}
		}
	case errors.Is(err, ErrTicketNotFound):
		return false, nil
	case errors.Is(err, cipher.ErrCipherOperation):
		// 无法解密时仍删除记录本身
	default:
		return false, err
	}

	deleted, err = r.store.Delete(ctx, r.storageKey(id))
	if err != nil {
		return false, storageError(err)
	}
	return deleted, nil
}

// Tickets 惰性遍历满足条件的票据，predicate 为 nil 时返回全部；解密失败的记录以 *UnreadableRecordError 产出
func (r *ticketRegistry) Tickets(ctx context.Context, predicate func(*model.Ticket) bool) iter.Seq2[*model.Ticket, error] {
	return func(yield func(*model.Ticket, error) bool) {
		var stopped bool
		err := r.store.Scan(ctx, func(rec *model.TicketRecord) bool {
			t, err := r.decode(rec)
			if err != nil {
				if !yield(nil, &UnreadableRecordError{Key: rec.ID, CreationTime: rec.CreationTime, Err: err}) {
					stopped = true
					return false
				}
				return true
			}
			if predicate != nil && !predicate(t) {
				return true
			}
			if !yield(t, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(nil, storageError(err))
		}
	}
}

// UseTicket 记录一次使用；限次票据用尽后标记为已消费，并发调用中只有一个能消费最后一次
func (r *ticketRegistry) UseTicket(ctx context.Context, id string, expected model.TicketType) (t *model.Ticket, err error) {
	defer func(start time.Time) {
		metrics.RecordRegistryOperation("use", resultLabel(err), start)
	}(time.Now())

	return r.use(ctx, id, func(typ model.TicketType) bool {
		return expected == "" || typ == expected
	}, nil)
}

// use 读取-检查-修改-条件写入，版本冲突时重新读取
func (r *ticketRegistry) use(ctx context.Context, id string, accept func(model.TicketType) bool, mutate func(*model.Ticket)) (*model.Ticket, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		t, rec, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !accept(t.Type) {
			return nil, ErrInvalidTicketType
		}
		if t.Consumed {
			return nil, ErrTicketAlreadyConsumed
		}
		now := r.clock.Now()
		if t.IsExpired(now) {
			r.removeExpired(ctx, t)
			return nil, ErrTicketExpired
		}

		t.Use(now)
		if mutate != nil {
			mutate(t)
		}
		next, err := r.encode(t)
		if err != nil {
			return nil, err
		}
		next.Version = rec.Version

		err = r.store.CompareAndSwap(ctx, next)
		switch {
		case err == nil:
			t.Version = next.Version
			return t, nil
		case errors.Is(err, repository.ErrVersionConflict):
			metrics.CASConflictTotal.Inc()
			r.logger.Debug("票据并发更新冲突，重试", zap.String("ticket_id", id), zap.Int("attempt", attempt))
			continue
		default:
			return nil, storageError(err)
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrStorage, repository.ErrVersionConflict)
}

// ValidateServiceTicket 校验并消费 ST/PT；服务不匹配时票据同样被消费
func (r *ticketRegistry) ValidateServiceTicket(ctx context.Context, id, service string) (t *model.Ticket, err error) {
	defer func(start time.Time) {
		metrics.RecordRegistryOperation("validate", resultLabel(err), start)
	}(time.Now())

	t, err = r.use(ctx, id, func(typ model.TicketType) bool {
		return typ == model.TypeST || typ == model.TypePT
	}, nil)
	if err != nil {
		return nil, err
	}
	if t.Service != service {
		r.logger.Info("票据与服务不匹配",
			zap.String("ticket_id", id),
			zap.String("expected", t.Service),
			zap.String("service", service),
		)
		return nil, ErrServiceMismatch
	}
	return t, nil
}

// CreateTicketGrantingTicket 签发 TGT
func (r *ticketRegistry) CreateTicketGrantingTicket(ctx context.Context, payload []byte) (*model.Ticket, error) {
	id, err := r.config.IDGenerator.New(model.TypeTGT)
	if err != nil {
		return nil, err
	}
	t := model.NewTicket(id, model.TypeTGT, r.config.Policies.TGT, payload, r.clock.Now())
	if err := r.AddTicket(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// grantChild 由授权票据签发子票据：先在父票据上登记子票据 ID（同时刷新使用时间），再保存子票据
func (r *ticketRegistry) grantChild(ctx context.Context, parentID string, parentType, childType model.TicketType, policy model.ExpirationPolicy, build func(child, parent *model.Ticket)) (*model.Ticket, error) {
	childID, err := r.config.IDGenerator.New(childType)
	if err != nil {
		return nil, err
	}

	parent, err := r.use(ctx, parentID, func(typ model.TicketType) bool {
		return typ == parentType
	}, func(t *model.Ticket) {
		t.AddDescendant(childID)
	})
	if err != nil {
		return nil, err
	}

	child := model.NewTicket(childID, childType, policy, nil, r.clock.Now())
	child.ParentID = parent.ID
	build(child, parent)
	if err := r.AddTicket(ctx, child); err != nil {
		return nil, err
	}
	return child, nil
}

// GrantServiceTicket 由 TGT 签发 ST
func (r *ticketRegistry) GrantServiceTicket(ctx context.Context, tgtID, service string) (*model.Ticket, error) {
	return r.grantChild(ctx, tgtID, model.TypeTGT, model.TypeST, r.config.Policies.ST, func(child, _ *model.Ticket) {
		child.Service = service
	})
}

// GrantProxyTicket 由 PGT 签发 PT
func (r *ticketRegistry) GrantProxyTicket(ctx context.Context, pgtID, service string) (*model.Ticket, error) {
	return r.grantChild(ctx, pgtID, model.TypePGT, model.TypePT, r.config.Policies.PT, func(child, _ *model.Ticket) {
		child.Service = service
	})
}

// GrantProxyGrantingTicket 为已校验的 ST 签发 PGT，PGT 挂在 ST 的授权票据下并继承其认证上下文
func (r *ticketRegistry) GrantProxyGrantingTicket(ctx context.Context, stID string) (*model.Ticket, error) {
	st, _, err := r.load(ctx, stID)
	if err != nil {
		return nil, err
	}
	if st.Type != model.TypeST && st.Type != model.TypePT {
		return nil, ErrInvalidTicketType
	}
	if !st.Consumed {
		return nil, fmt.Errorf("%w: 票据尚未校验", ErrInvalidTicketType)
	}
	if st.IsExpired(r.clock.Now()) {
		r.removeExpired(ctx, st)
		return nil, ErrTicketExpired
	}

	parentType := model.TypeTGT
	if st.Type == model.TypePT {
		parentType = model.TypePGT
	}
	return r.grantChild(ctx, st.ParentID, parentType, model.TypePGT, r.config.Policies.PGT, func(child, parent *model.Ticket) {
		child.Payload = append([]byte(nil), parent.Payload...)
		child.Service = st.Service
	})
}

// DeleteExpired 按绝对过期时间批量删除
func (r *ticketRegistry) DeleteExpired(ctx context.Context) (int64, error) {
	n, err := r.store.DeleteExpired(ctx, r.clock.Now().UTC())
	if err != nil {
		return 0, storageError(err)
	}
	return n, nil
}

// DeleteRecord 按存储键删除记录，不解密也不级联，用于移除无法解密的记录
func (r *ticketRegistry) DeleteRecord(ctx context.Context, key string) (bool, error) {
	deleted, err := r.store.Delete(ctx, key)
	if err != nil {
		return false, storageError(err)
	}
	return deleted, nil
}

// Count 票据总数
func (r *ticketRegistry) Count(ctx context.Context) (int64, error) {
	n, err := r.store.Count(ctx)
	if err != nil {
		return 0, storageError(err)
	}
	return n, nil
}
