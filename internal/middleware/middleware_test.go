package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pu-ac-cn/uac-ticket/internal/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestLogger 测试日志中间件
func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	router := gin.New()
	router.Use(Logger(zap.New(core)))
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"), "期望 X-Request-ID 头存在")

	entries := logs.FilterMessage("HTTP 请求").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
		assert.Equal(t, int64(http.StatusOK), entries[0].ContextMap()["status"])
	}
}

// TestLoggerWithRequestID 测试日志中间件使用已有的请求 ID
func TestLoggerWithRequestID(t *testing.T) {
	router := gin.New()
	router.Use(Logger(nil))
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(RequestIDKey))
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-ID", "custom-request-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "custom-request-id", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "custom-request-id", w.Body.String())
}

// 探活请求只记 Debug
func TestLogger_HealthAtDebug(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	router := gin.New()
	router.Use(Logger(zap.New(core)))
	router.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	}
}

// TestRecovery 测试恢复中间件
func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	router := gin.New()
	router.Use(Logger(nil)) // Recovery 依赖 Logger 设置的 request_id
	router.Use(Recovery(zap.New(core)))
	router.GET("/panic", func(c *gin.Context) {
		panic("测试 panic")
	})

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "90001")
	assert.Equal(t, 1, logs.FilterMessage("服务器内部错误").Len())
}

func TestMetrics(t *testing.T) {
	router := gin.New()
	router.Use(Metrics())
	router.GET("/admin/tickets/:id", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	matched := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/admin/tickets/:id", "404")
	unmatched := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")
	beforeMatched := testutil.ToFloat64(matched)
	beforeUnmatched := testutil.ToFloat64(unmatched)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin/tickets/ST-1", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, beforeMatched+1, testutil.ToFloat64(matched), "按路由模板记录")
	assert.Equal(t, beforeUnmatched+1, testutil.ToFloat64(unmatched))
}

// TestAdminAuth 测试管理令牌认证
func TestAdminAuth(t *testing.T) {
	router := gin.New()
	router.Use(AdminAuth("s3cret"))
	router.GET("/admin/status", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"缺少令牌", "", http.StatusUnauthorized},
		{"格式错误", "s3cret", http.StatusUnauthorized},
		{"令牌错误", "Bearer s3cre", http.StatusUnauthorized},
		{"令牌正确", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusUnauthorized {
				assert.Contains(t, w.Body.String(), "30001")
			}
		})
	}
}

// 未配置令牌时拒绝所有请求
func TestAdminAuth_EmptyToken(t *testing.T) {
	router := gin.New()
	router.Use(AdminAuth(""))
	router.GET("/admin/status", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
