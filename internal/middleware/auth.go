package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/chainboard/marketcache/internal/auth"
	"github.com/chainboard/marketcache/pkg/errors"
	"github.com/chainboard/marketcache/pkg/response"
)

// CtxServiceKey names the gin context key carrying the validated caller.
const CtxServiceKey = "serviceCaller"

// ServiceAuth restricts a route group to internal service callers presenting
// a valid bearer service token. Rejections happen before any work is done.
func ServiceAuth(tokens *iauth.ServiceTokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		token := strings.TrimSpace(authz[7:])
		claims, err := tokens.Validate(token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Set(CtxServiceKey, claims.Service)
		c.Next()
	}
}
