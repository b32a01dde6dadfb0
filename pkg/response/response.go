package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pu-ac-cn/uac-ticket/internal/cipher"
	"github.com/pu-ac-cn/uac-ticket/internal/lock"
	"github.com/pu-ac-cn/uac-ticket/internal/service"
)

// Response 标准响应结构
// 字段顺序：code -> msg -> data
type Response struct {
	Code int         `json:"code"` // 业务状态码，0 表示成功
	Msg  string      `json:"msg"`  // 响应消息（中文）
	Data interface{} `json:"data"` // 响应数据
}

// 业务错误码
const (
	CodeSuccess = 0 // 操作成功

	// 参数错误 10xxx
	CodeInvalidRequest = 10001 // 请求参数无效
	CodeMissingParam   = 10003 // 必填参数缺失

	// 票据状态错误 20xxx
	CodeTicketExpired     = 20001 // 票据已过期
	CodeTicketConsumed    = 20002 // 票据已被使用
	CodeInvalidTicketType = 20003 // 票据类型不匹配
	CodeServiceMismatch   = 20004 // 票据与服务不匹配

	// 认证错误 30xxx
	CodeUnauthorized = 30001 // 管理令牌无效

	// 资源不存在 40xxx
	CodeTicketNotFound = 40001 // 票据不存在

	// 冲突错误 50xxx
	CodeTicketExists = 50001 // 票据已存在
	CodeLockHeld     = 50002 // 锁已被其他节点持有
	CodeConflict     = 50003 // 票据已被并发修改

	// 服务器错误 90xxx
	CodeServerError = 90001 // 服务器内部错误
	CodeUnavailable = 90002 // 服务暂时不可用
	CodeCipherError = 90004 // 票据加解密失败
	CodeStorageDown = 90005 // 票据存储不可用
)

// 错误码对应的消息
var codeMessages = map[int]string{
	CodeSuccess:           "操作成功",
	CodeInvalidRequest:    "请求参数无效",
	CodeMissingParam:      "必填参数缺失",
	CodeTicketExpired:     "票据已过期",
	CodeTicketConsumed:    "票据已被使用",
	CodeInvalidTicketType: "票据类型不匹配",
	CodeServiceMismatch:   "票据与服务不匹配",
	CodeUnauthorized:      "管理令牌无效",
	CodeTicketNotFound:    "票据不存在",
	CodeTicketExists:      "票据已存在",
	CodeLockHeld:          "清理任务正在其他节点执行",
	CodeConflict:          "票据已被并发修改，请重新读取",
	CodeServerError:       "服务器内部错误，请稍后重试",
	CodeUnavailable:       "服务暂时不可用",
	CodeCipherError:       "票据加解密失败",
	CodeStorageDown:       "票据存储暂时不可用",
}

// CodeForError 注册表错误转业务错误码
func CodeForError(err error) int {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, service.ErrTicketNotFound):
		return CodeTicketNotFound
	case errors.Is(err, service.ErrTicketExpired):
		return CodeTicketExpired
	case errors.Is(err, service.ErrTicketAlreadyConsumed):
		return CodeTicketConsumed
	case errors.Is(err, service.ErrInvalidTicketType):
		return CodeInvalidTicketType
	case errors.Is(err, service.ErrServiceMismatch):
		return CodeServiceMismatch
	case errors.Is(err, service.ErrTicketExists):
		return CodeTicketExists
	case errors.Is(err, service.ErrTicketConflict):
		return CodeConflict
	case errors.Is(err, lock.ErrLockUnavailable):
		return CodeLockHeld
	case errors.Is(err, cipher.ErrCipherOperation):
		return CodeCipherError
	case errors.Is(err, service.ErrStorage):
		return CodeStorageDown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CodeUnavailable
	default:
		return CodeServerError
	}
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code: CodeSuccess,
		Msg:  codeMessages[CodeSuccess],
		Data: data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int) {
	msg, ok := codeMessages[code]
	if !ok {
		msg = "未知错误"
	}
	c.JSON(codeToHTTPStatus(code), Response{
		Code: code,
		Msg:  msg,
		Data: nil,
	})
}

// ErrorWithMsg 错误响应（自定义消息）
func ErrorWithMsg(c *gin.Context, code int, msg string) {
	c.JSON(codeToHTTPStatus(code), Response{
		Code: code,
		Msg:  msg,
		Data: nil,
	})
}

// FromError 按错误类型返回错误响应
func FromError(c *gin.Context, err error) {
	Error(c, CodeForError(err))
}

// codeToHTTPStatus 业务错误码转 HTTP 状态码
func codeToHTTPStatus(code int) int {
	switch {
	case code == CodeSuccess:
		return http.StatusOK
	case code >= 10000 && code < 20000:
		return http.StatusBadRequest
	case code >= 20000 && code < 30000:
		return http.StatusUnprocessableEntity
	case code >= 30000 && code < 40000:
		return http.StatusUnauthorized
	case code >= 40000 && code < 50000:
		return http.StatusNotFound
	case code >= 50000 && code < 60000:
		return http.StatusConflict
	case code == CodeUnavailable, code == CodeStorageDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
