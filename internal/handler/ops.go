// Package handler HTTP 处理器
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-ticket/internal/middleware"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/pu-ac-cn/uac-ticket/internal/otp"
	"github.com/pu-ac-cn/uac-ticket/internal/service"
	"github.com/pu-ac-cn/uac-ticket/pkg/response"
)

// HealthChecker 后端连通性检查
type HealthChecker interface {
	Ping(ctx context.Context) map[string]string
}

// OpsHandler 运维处理器：健康检查、运行状态、票据查看与吊销、手动清理
type OpsHandler struct {
	registry service.TicketRegistry
	cleaner  *service.Cleaner
	otp      otp.Repository
	health   HealthChecker
	clock    clockwork.Clock
	logger   *zap.Logger
}

// NewOpsHandler 创建运维处理器
func NewOpsHandler(registry service.TicketRegistry, cleaner *service.Cleaner, otpRepo otp.Repository, health HealthChecker, clk clockwork.Clock, logger *zap.Logger) *OpsHandler {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpsHandler{
		registry: registry,
		cleaner:  cleaner,
		otp:      otpRepo,
		health:   health,
		clock:    clk,
		logger:   logger,
	}
}

// Register 注册路由，/admin 分组需携带 adminToken
func (h *OpsHandler) Register(r gin.IRouter, adminToken string) {
	r.GET("/health", h.Health)

	admin := r.Group("/admin", middleware.AdminAuth(adminToken))
	{
		admin.GET("/status", h.Status)
		admin.GET("/tickets/:id", h.GetTicket)
		admin.DELETE("/tickets/:id", h.DeleteTicket)
		admin.POST("/cleaner/run", h.RunCleaner)
	}
}

// Health 健康检查
// GET /health
func (h *OpsHandler) Health(c *gin.Context) {
	status := "ok"
	backends := map[string]string{}
	if h.health != nil {
		backends = h.health.Ping(c.Request.Context())
	}
	for _, s := range backends {
		if s != "ok" {
			status = "degraded"
		}
	}

	data := gin.H{
		"status":   status,
		"time":     h.clock.Now().Format(time.RFC3339),
		"backends": backends,
	}
	if status != "ok" {
		c.JSON(http.StatusServiceUnavailable, response.Response{Code: response.CodeUnavailable, Msg: "服务暂时不可用", Data: data})
		return
	}
	response.Success(c, data)
}

// Status 运行状态
// GET /admin/status
func (h *OpsHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.registry.Count(ctx)
	if err != nil {
		h.logger.Warn("统计票据数量失败", zap.Error(err))
		response.FromError(c, err)
		return
	}

	data := gin.H{
		"tickets": count,
		"cleaner": h.cleanerStatus(),
	}
	if h.otp != nil {
		data["otp_users"] = h.otp.Size(ctx)
	}
	response.Success(c, data)
}

func (h *OpsHandler) cleanerStatus() gin.H {
	if h.cleaner == nil {
		return gin.H{"state": "disabled"}
	}
	status := gin.H{"state": h.cleaner.State().String()}
	if last, ok := h.cleaner.LastRun(); ok {
		status["last_run"] = statsToResponse(last)
	}
	return status
}

// GetTicket 查看票据元数据，不返回认证上下文
// GET /admin/tickets/:id
func (h *OpsHandler) GetTicket(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.Error(c, response.CodeMissingParam)
		return
	}

	t, err := h.registry.GetTicket(c.Request.Context(), id, "")
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, ticketToResponse(t))
}

// DeleteTicket 吊销票据及其签发的全部子票据
// DELETE /admin/tickets/:id
func (h *OpsHandler) DeleteTicket(c *gin.Context) {
	id := c.Param("id")
	deleted, err := h.registry.DeleteTicket(c.Request.Context(), id)
	if err != nil {
		h.logger.Warn("吊销票据失败", zap.String("ticket_id", id), zap.Error(err))
		response.FromError(c, err)
		return
	}
	if !deleted {
		response.Error(c, response.CodeTicketNotFound)
		return
	}

	h.logger.Info("票据已吊销", zap.String("ticket_id", id), zap.String("request_id", c.GetString("request_id")))
	response.Success(c, gin.H{"id": id})
}

// RunCleaner 立即执行一次清理
// POST /admin/cleaner/run
func (h *OpsHandler) RunCleaner(c *gin.Context) {
	if h.cleaner == nil {
		response.ErrorWithMsg(c, response.CodeUnavailable, "清理任务未启用")
		return
	}

	stats, err := h.cleaner.Clean(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	if stats.Skipped {
		response.Error(c, response.CodeLockHeld)
		return
	}
	response.Success(c, statsToResponse(stats))
}

func ticketToResponse(t *model.Ticket) gin.H {
	resp := gin.H{
		"id":             t.ID,
		"type":           t.Type,
		"policy":         t.Policy.Kind,
		"creation_time":  t.CreationTime,
		"last_used_time": t.LastUsedTime,
		"usage_count":    t.UsageCount,
		"consumed":       t.Consumed,
		"descendants":    len(t.Descendants),
	}
	if t.ParentID != "" {
		resp["parent_id"] = t.ParentID
	}
	if t.Service != "" {
		resp["service"] = t.Service
	}
	if deadline := t.HardDeadline(); !deadline.IsZero() {
		resp["expires_at"] = deadline
	}
	return resp
}

func statsToResponse(s service.CleanerStats) gin.H {
	return gin.H{
		"removed":     s.Removed,
		"failed":      s.Failed,
		"unreadable":  s.Unreadable,
		"skipped":     s.Skipped,
		"duration_ms": s.Duration.Milliseconds(),
	}
}
