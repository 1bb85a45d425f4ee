package middleware

import (
	"context"
	"errors"
	"strings"

	"taskhub/internal/api/httperr"
	"taskhub/internal/model"
	"taskhub/internal/store"

	"github.com/gin-gonic/gin"
)

const (
	// ContextUserID 是认证通过后写入 gin.Context 的用户 ID 键。
	ContextUserID = "userID"

	msgNotAuthenticated = "Authentication credentials were not provided."
	msgTokenNotValid    = "Given token not valid for any token type"
	msgUserNotFound     = "User not found"
	msgUserInactive     = "User is inactive"
)

// TokenVerifier 校验 access token 并返回用户 ID，由 auth.TokenIssuer 实现。
type TokenVerifier interface {
	VerifyAccess(token string) (uint, error)
}

// UserLoader 按 ID 加载用户，不存在时返回 store.ErrNotFound。
type UserLoader interface {
	GetUserByID(ctx context.Context, id uint) (*model.User, error)
}

// AuthMiddleware 要求请求携带有效的 access token，并将 userID 写入上下文。
// users 非 nil 时还要求 token 对应的用户仍存在且处于激活状态。
func AuthMiddleware(verifier TokenVerifier, users UserLoader) gin.HandlerFunc {
	return authenticate(verifier, users, true)
}

// OptionalAuth 缺少 Authorization 时按匿名用户放行；携带了无效 token 仍返回 401。
func OptionalAuth(verifier TokenVerifier, users UserLoader) gin.HandlerFunc {
	return authenticate(verifier, users, false)
}

func authenticate(verifier TokenVerifier, users UserLoader, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader == "" {
			if required {
				httperr.Unauthorized(c, msgNotAuthenticated)
				return
			}
			c.Next()
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			// 非 Bearer 方案视为未提供凭证
			if required {
				httperr.Unauthorized(c, msgNotAuthenticated)
				return
			}
			c.Next()
			return
		}

		uid, err := verifier.VerifyAccess(strings.TrimSpace(parts[1]))
		if err != nil {
			httperr.Unauthorized(c, msgTokenNotValid)
			return
		}

		if users != nil {
			user, err := users.GetUserByID(c.Request.Context(), uid)
			switch {
			case errors.Is(err, store.ErrNotFound):
				httperr.Unauthorized(c, msgUserNotFound)
				return
			case err != nil:
				_ = c.Error(err)
				httperr.Internal(c)
				return
			case !user.IsActive:
				httperr.Unauthorized(c, msgUserInactive)
				return
			}
		}

		c.Set(ContextUserID, uid)
		c.Next()
	}
}

// UserID 返回当前请求的用户 ID，匿名请求返回 false。
func UserID(c *gin.Context) (uint, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return 0, false
	}
	uid, ok := v.(uint)
	return uid, ok && uid != 0
}
