package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware JWT 认证中间件
// 校验通过后把 user_id 写入 Gin 上下文，后续 Handler 直接读取。
func AuthMiddleware(jwtService *JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "缺少 Authorization 头",
			})
			return
		}

		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "Authorization 头格式错误",
			})
			return
		}

		claims, err := jwtService.ValidateToken(strings.TrimSpace(tokenString))
		if err != nil {
			status := http.StatusUnauthorized
			message := "访问令牌无效"
			if errors.Is(err, ErrTokenExpired) {
				message = "访问令牌已过期"
			}
			c.AbortWithStatusJSON(status, gin.H{
				"success": false,
				"message": message,
			})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Next()
	}
}
