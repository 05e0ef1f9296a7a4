package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/consult-platform/internal/auth"
	"github.com/suPer8Hu/consult-platform/internal/common"
	"github.com/suPer8Hu/consult-platform/internal/models"
)

const (
	UserIDKey = "user_id"
	UserKey   = "user"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.User, error)
}

// AuthRequired resolves the bearer token to a user. Websocket clients that
// cannot set headers may pass ?token= instead.
func AuthRequired(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			deny(c, http.StatusUnauthorized, common.CodeUnauthorized, "missing token")
			return
		}

		u, err := authn.Authenticate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrTokenExpired) {
				deny(c, http.StatusUnauthorized, common.CodeTokenExpired, "token expired")
				return
			}
			deny(c, http.StatusUnauthorized, common.CodeUnauthorized, "invalid token")
			return
		}

		c.Set(UserIDKey, u.ID)
		c.Set(UserKey, u)
		c.Next()
	}
}

// RequireRole must run after AuthRequired.
func RequireRole(role models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := CurrentUser(c)
		if !ok {
			deny(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
			return
		}
		if u.Role != role {
			deny(c, http.StatusForbidden, common.CodeForbidden, "forbidden")
			return
		}
		c.Next()
	}
}

func CurrentUser(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(UserKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*models.User)
	return u, ok && u != nil
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("token")
}

// deny redirects browsers to the login page and answers API callers with
// the error envelope.
func deny(c *gin.Context, status, code int, msg string) {
	if wantsHTML(c) {
		c.Redirect(http.StatusFound, "/login")
		c.Abort()
		return
	}
	common.Abort(c, status, code, msg)
}

func wantsHTML(c *gin.Context) bool {
	accept := c.GetHeader("Accept")
	return c.Request.Method == http.MethodGet && strings.Contains(accept, "text/html")
}
