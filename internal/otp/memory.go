package otp

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-ticket/internal/metrics"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// usedToken 过期队列中的一条记录
type usedToken struct {
	id     string
	userID string
	token  int
	usedAt time.Time
}

// userTokens 单个用户已使用的验证码
type userTokens struct {
	userID string
	tokens map[int]*list.Element // 指向 expiry 中的元素
}

// memoryRepository 进程内缓存
//
// expiry 按使用时间排序，Clean 从队首弹出过期记录；users 按最近访问排序，
// 超出容量时从队尾淘汰整个用户。
type memoryRepository struct {
	mu      sync.Mutex
	index   map[string]*list.Element // userID -> users 中的元素
	users   *list.List               // *userTokens，队首为最近访问
	expiry  *list.List               // *usedToken，队首为最早使用
	ttl     time.Duration
	maxSize int
	clock   clockwork.Clock
	logger  *zap.Logger
}

// MemoryConfig 进程内缓存配置
type MemoryConfig struct {
	TTL         time.Duration
	MaximumSize int
	Clock       clockwork.Clock
}

// NewMemoryRepository 创建进程内一次性令牌仓库
func NewMemoryRepository(cfg *MemoryConfig, logger *zap.Logger) Repository {
	if cfg == nil {
		cfg = &MemoryConfig{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second // 默认覆盖一个验证码窗口
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &memoryRepository{
		index:   make(map[string]*list.Element),
		users:   list.New(),
		expiry:  list.New(),
		ttl:     cfg.TTL,
		maxSize: cfg.MaximumSize,
		clock:   cfg.Clock,
		logger:  logger,
	}
}

func (r *memoryRepository) expired(t *usedToken, now time.Time) bool {
	return now.After(t.usedAt.Add(r.ttl))
}

// removeToken 从过期队列与用户记录中删除，用户已无记录时一并删除用户
func (r *memoryRepository) removeToken(elem *list.Element) {
	t := r.expiry.Remove(elem).(*usedToken)
	userElem, ok := r.index[t.userID]
	if !ok {
		return
	}
	u := userElem.Value.(*userTokens)
	delete(u.tokens, t.token)
	if len(u.tokens) == 0 {
		r.users.Remove(userElem)
		delete(r.index, t.userID)
	}
}

// removeUser 淘汰用户及其全部记录
func (r *memoryRepository) removeUser(userElem *list.Element) {
	u := r.users.Remove(userElem).(*userTokens)
	for _, elem := range u.tokens {
		r.expiry.Remove(elem)
	}
	delete(r.index, u.userID)
}

// lookup 查找未过期的记录，顺带删除已过期的记录
func (r *memoryRepository) lookup(userID string, token int, now time.Time) *list.Element {
	userElem, ok := r.index[userID]
	if !ok {
		return nil
	}
	r.users.MoveToFront(userElem)

	elem, ok := userElem.Value.(*userTokens).tokens[token]
	if !ok {
		return nil
	}
	if r.expired(elem.Value.(*usedToken), now) {
		r.removeToken(elem)
		return nil
	}
	return elem
}

// record 记录验证码，已存在时刷新使用时间
func (r *memoryRepository) record(token *model.OneTimeToken, now time.Time) {
	if elem := r.lookup(token.UserID, token.Token, now); elem != nil {
		r.removeToken(elem)
	}

	userElem, ok := r.index[token.UserID]
	if !ok {
		userElem = r.users.PushFront(&userTokens{userID: token.UserID, tokens: make(map[int]*list.Element)})
		r.index[token.UserID] = userElem
	}

	id := token.ID
	if id == "" {
		id = uuid.NewString()
	}
	elem := r.expiry.PushBack(&usedToken{id: id, userID: token.UserID, token: token.Token, usedAt: now})
	userElem.Value.(*userTokens).tokens[token.Token] = elem

	for r.maxSize > 0 && r.users.Len() > r.maxSize {
		oldest := r.users.Back()
		r.logger.Debug("一次性令牌缓存已满，淘汰最久未访问的用户",
			zap.String("user_id", oldest.Value.(*userTokens).userID),
		)
		r.removeUser(oldest)
		metrics.OTPCacheEvictions.WithLabelValues("capacity").Inc()
	}
	metrics.OTPCacheSize.Set(float64(r.users.Len()))

	r.logger.Debug("已记录使用过的验证码", zap.String("user_id", token.UserID), zap.String("token_id", id))
}

func (r *memoryRepository) Store(ctx context.Context, token *model.OneTimeToken) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record(token, r.clock.Now())
	metrics.RecordOTPOperation("store", "success")
}

func (r *memoryRepository) Exists(ctx context.Context, userID string, token int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := r.lookup(userID, token, r.clock.Now()) != nil
	if found {
		metrics.RecordOTPOperation("exists", "hit")
	} else {
		metrics.RecordOTPOperation("exists", "miss")
	}
	return found
}

func (r *memoryRepository) Claim(ctx context.Context, token *model.OneTimeToken) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if r.lookup(token.UserID, token.Token, now) != nil {
		r.logger.Info("验证码重放", zap.String("user_id", token.UserID))
		metrics.RecordOTPOperation("claim", "replay")
		return false
	}
	r.record(token, now)
	metrics.RecordOTPOperation("claim", "success")
	return true
}

func (r *memoryRepository) Clean(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	removed := 0
	for elem := r.expiry.Front(); elem != nil; elem = r.expiry.Front() {
		if !r.expired(elem.Value.(*usedToken), now) {
			break
		}
		r.removeToken(elem)
		removed++
	}
	if removed > 0 {
		metrics.OTPCacheEvictions.WithLabelValues("expired").Add(float64(removed))
	}
	metrics.OTPCacheSize.Set(float64(r.users.Len()))

	r.logger.Debug("已清理过期验证码", zap.Int("removed", removed), zap.Int("remaining_users", r.users.Len()))
}

func (r *memoryRepository) Size(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users.Len()
}
