package middleware

import (
	"net/http"
	"strings"

	"chatassign/internal/config"

	"github.com/gin-gonic/gin"
)

// CORSMiddleware 按 security.cors 配置设置跨域响应头
func CORSMiddleware(cfg config.CORSConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	methods := strings.Join(append(append([]string(nil), cfg.AllowedMethods...), http.MethodOptions), ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	if headers == "" || headers == "*" {
		headers = "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Agent-ID, X-Admin-ID"
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case contains(cfg.AllowedOrigins, "*"):
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && contains(cfg.AllowedOrigins, origin):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", headers)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
