package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pu-ac-cn/uac-ticket/internal/lock"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/pu-ac-cn/uac-ticket/internal/otp"
	"github.com/pu-ac-cn/uac-ticket/internal/repository"
	"github.com/pu-ac-cn/uac-ticket/internal/service"
	"github.com/pu-ac-cn/uac-ticket/pkg/response"
)

const (
	cleanerAppID = "cas-ticket-registry-cleaner"
	adminToken   = "test-admin-token"
)

// staticHealth 固定返回的连通性检查
type staticHealth map[string]string

func (s staticHealth) Ping(context.Context) map[string]string { return s }

type opsFixture struct {
	router   *gin.Engine
	registry service.TicketRegistry
	locker   lock.Locker
	otp      otp.Repository
	clock    *clockwork.FakeClock
}

func setupOpsTestRouter(t *testing.T, health HealthChecker) *opsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	registry := service.NewTicketRegistry(repository.NewMemoryTicketStore(), nil, &service.RegistryConfig{Clock: clk}, nil)
	locker := lock.NewMemoryLocker(clk)
	strategy := lock.NewLockingStrategy(locker, cleanerAppID, "nodeA", time.Hour, nil)
	cleaner := service.NewCleaner(registry, strategy, &service.CleanerConfig{Enabled: true}, clk, nil)
	otpRepo := otp.NewMemoryRepository(&otp.MemoryConfig{Clock: clk}, nil)

	router := gin.New()
	NewOpsHandler(registry, cleaner, otpRepo, health, clk, nil).Register(router, adminToken)

	return &opsFixture{router: router, registry: registry, locker: locker, otp: otpRepo, clock: clk}
}

func (f *opsFixture) do(t *testing.T, method, path string) (int, response.Response) {
	t.Helper()
	return f.doWithAuth(t, method, path, "Bearer "+adminToken)
}

func (f *opsFixture) doWithAuth(t *testing.T, method, path, authorization string) (int, response.Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var resp response.Response
	require.NoError(t, jsoniter.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func TestOpsHandler_Health(t *testing.T) {
	f := setupOpsTestRouter(t, staticHealth{"redis": "ok"})

	code, resp := f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, map[string]interface{}{"redis": "ok"}, data["backends"])
}

// 任一后端异常时返回 503
func TestOpsHandler_HealthDegraded(t *testing.T) {
	f := setupOpsTestRouter(t, staticHealth{"redis": "error", "database": "ok"})

	code, resp := f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, response.CodeUnavailable, resp.Code)
	assert.Equal(t, "degraded", resp.Data.(map[string]interface{})["status"])
}

// 管理接口未携带或携带错误令牌时返回 401，健康检查不受影响
func TestOpsHandler_AdminRequiresToken(t *testing.T) {
	f := setupOpsTestRouter(t, nil)
	ctx := context.Background()

	tgt, err := f.registry.CreateTicketGrantingTicket(ctx, []byte("alice"))
	require.NoError(t, err)

	for _, auth := range []string{"", "Bearer wrong-token", adminToken, "Basic " + adminToken} {
		code, resp := f.doWithAuth(t, http.MethodDelete, "/admin/tickets/"+tgt.ID, auth)
		assert.Equal(t, http.StatusUnauthorized, code, "Authorization=%q", auth)
		assert.Equal(t, response.CodeUnauthorized, resp.Code)

		code, _ = f.doWithAuth(t, http.MethodPost, "/admin/cleaner/run", auth)
		assert.Equal(t, http.StatusUnauthorized, code)
	}

	// 票据未被吊销
	_, err = f.registry.GetTicket(ctx, tgt.ID, "")
	assert.NoError(t, err)

	code, _ := f.doWithAuth(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
}

// 未配置管理令牌时 /admin 全部拒绝
func TestOpsHandler_AdminTokenUnset(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := service.NewTicketRegistry(repository.NewMemoryTicketStore(), nil, nil, nil)
	router := gin.New()
	NewOpsHandler(registry, nil, nil, nil, nil, nil).Register(router, "")
	f := &opsFixture{router: router}

	code, resp := f.doWithAuth(t, http.MethodGet, "/admin/status", "Bearer ")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, response.CodeUnauthorized, resp.Code)
}

func TestOpsHandler_Status(t *testing.T) {
	f := setupOpsTestRouter(t, nil)
	ctx := context.Background()

	_, err := f.registry.CreateTicketGrantingTicket(ctx, []byte("alice"))
	require.NoError(t, err)
	f.otp.Store(ctx, &model.OneTimeToken{UserID: "alice", Token: 123456})

	code, resp := f.do(t, http.MethodGet, "/admin/status")
	assert.Equal(t, http.StatusOK, code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(1), data["tickets"])
	assert.Equal(t, float64(1), data["otp_users"])
	assert.Equal(t, map[string]interface{}{"state": "idle"}, data["cleaner"])
}

func TestOpsHandler_GetTicket(t *testing.T) {
	f := setupOpsTestRouter(t, nil)
	ctx := context.Background()

	tgt, err := f.registry.CreateTicketGrantingTicket(ctx, []byte("secret-principal"))
	require.NoError(t, err)
	st, err := f.registry.GrantServiceTicket(ctx, tgt.ID, "https://app.example.com")
	require.NoError(t, err)

	code, resp := f.do(t, http.MethodGet, "/admin/tickets/"+st.ID)
	require.Equal(t, http.StatusOK, code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, st.ID, data["id"])
	assert.Equal(t, string(model.TypeST), data["type"])
	assert.Equal(t, tgt.ID, data["parent_id"])
	assert.Equal(t, "https://app.example.com", data["service"])
	assert.NotContains(t, data, "payload", "不应返回认证上下文")
	assert.Contains(t, data, "expires_at")

	// 查看不消费票据
	_, err = f.registry.ValidateServiceTicket(ctx, st.ID, "https://app.example.com")
	assert.NoError(t, err)
}

func TestOpsHandler_GetTicketErrors(t *testing.T) {
	f := setupOpsTestRouter(t, nil)

	code, resp := f.do(t, http.MethodGet, "/admin/tickets/ST-missing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, response.CodeTicketNotFound, resp.Code)

	tgt, err := f.registry.CreateTicketGrantingTicket(context.Background(), nil)
	require.NoError(t, err)
	f.clock.Advance(9 * time.Hour)

	code, resp = f.do(t, http.MethodGet, "/admin/tickets/"+tgt.ID)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, response.CodeTicketExpired, resp.Code)
}

// 吊销 TGT 时级联删除其签发的 ST
func TestOpsHandler_DeleteTicket(t *testing.T) {
	f := setupOpsTestRouter(t, nil)
	ctx := context.Background()

	tgt, err := f.registry.CreateTicketGrantingTicket(ctx, []byte("alice"))
	require.NoError(t, err)
	st, err := f.registry.GrantServiceTicket(ctx, tgt.ID, "https://app.example.com")
	require.NoError(t, err)

	code, _ := f.do(t, http.MethodDelete, "/admin/tickets/"+tgt.ID)
	assert.Equal(t, http.StatusOK, code)

	_, err = f.registry.GetTicket(ctx, st.ID, "")
	assert.ErrorIs(t, err, service.ErrTicketNotFound)

	code, resp := f.do(t, http.MethodDelete, "/admin/tickets/"+tgt.ID)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, response.CodeTicketNotFound, resp.Code)
}

func TestOpsHandler_RunCleaner(t *testing.T) {
	f := setupOpsTestRouter(t, nil)
	ctx := context.Background()

	tgt, err := f.registry.CreateTicketGrantingTicket(ctx, nil)
	require.NoError(t, err)
	_, err = f.registry.GrantServiceTicket(ctx, tgt.ID, "https://app.example.com")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	code, resp := f.do(t, http.MethodPost, "/admin/cleaner/run")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), resp.Data.(map[string]interface{})["removed"])

	_, resp = f.do(t, http.MethodGet, "/admin/status")
	cleaner := resp.Data.(map[string]interface{})["cleaner"].(map[string]interface{})
	assert.Contains(t, cleaner, "last_run")
}

// 其他节点持锁时返回冲突
func TestOpsHandler_RunCleanerLockHeld(t *testing.T) {
	f := setupOpsTestRouter(t, nil)

	ok, err := f.locker.Acquire(context.Background(), cleanerAppID, "nodeB", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	code, resp := f.do(t, http.MethodPost, "/admin/cleaner/run")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, response.CodeLockHeld, resp.Code)
}

func TestOpsHandler_NoCleaner(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := service.NewTicketRegistry(repository.NewMemoryTicketStore(), nil, nil, nil)
	router := gin.New()
	NewOpsHandler(registry, nil, nil, nil, nil, nil).Register(router, adminToken)
	f := &opsFixture{router: router}

	code, resp := f.do(t, http.MethodPost, "/admin/cleaner/run")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, response.CodeUnavailable, resp.Code)

	code, resp = f.do(t, http.MethodGet, "/admin/status")
	assert.Equal(t, http.StatusOK, code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"state": "disabled"}, data["cleaner"])
	assert.NotContains(t, data, "otp_users")
}
