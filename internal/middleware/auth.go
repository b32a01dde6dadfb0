package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pu-ac-cn/uac-ticket/pkg/response"
)

// AdminAuth 管理接口认证中间件，要求 Authorization: Bearer <token>
// token 为空时拒绝所有请求
func AdminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			response.ErrorWithMsg(c, response.CodeUnauthorized, "未配置管理令牌")
			c.Abort()
			return
		}

		// 从 Authorization 头获取令牌
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.ErrorWithMsg(c, response.CodeUnauthorized, "未提供管理令牌")
			c.Abort()
			return
		}

		// 检查 Bearer 前缀
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.ErrorWithMsg(c, response.CodeUnauthorized, "管理令牌格式错误")
			c.Abort()
			return
		}

		// 常量时间比较
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			response.Error(c, response.CodeUnauthorized)
			c.Abort()
			return
		}

		c.Next()
	}
}
