package server

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const tenantKey = "tenant"

// DefaultTenant is used when a request carries no X-Tenant-ID header and the
// server runs without a token.
const DefaultTenant = "default"

func tenantFromContext(c *gin.Context) string {
	if v, ok := c.Get(tenantKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return DefaultTenant
}

// auth checks the bearer token (when configured) and resolves the tenant.
func auth(token string) gin.HandlerFunc {
	token = strings.TrimSpace(token)
	return func(c *gin.Context) {
		if token != "" {
			h := strings.TrimSpace(c.GetHeader("Authorization"))
			if !strings.HasPrefix(strings.ToLower(h), "bearer ") || strings.TrimSpace(h[7:]) != token {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
		}

		tenant := strings.TrimSpace(c.GetHeader("X-Tenant-ID"))
		if tenant == "" {
			if token != "" {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "x-tenant-id required"})
				return
			}
			tenant = DefaultTenant
		}
		c.Set(tenantKey, tenant)
		c.Next()
	}
}

// requestLogger logs one line per request.
func requestLogger(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Printf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}
