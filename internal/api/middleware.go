package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gigvault/internal/model"
	"gigvault/internal/util"
)

const claimsKey = "claims"

// JWTAuth 解析 Authorization header，把用户身份放进请求上下文
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := util.ExtractToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		claims, err := util.ParseToken(tokenString, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// CurrentPrincipal 从请求上下文取当前用户身份
func CurrentPrincipal(c *gin.Context) (model.Principal, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return model.Principal{}, false
	}
	claims, ok := v.(*util.Claims)
	if !ok {
		return model.Principal{}, false
	}
	return model.Principal{
		UserID:  claims.UserID,
		Address: claims.Address,
		Role:    claims.Role,
	}, true
}

// RequireRole 限定路由只允许指定角色访问
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := CurrentPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		for _, role := range roles {
			if principal.Role == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
	}
}
