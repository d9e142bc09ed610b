/*
 *    Copyright 2025 blockarchitech
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *        http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package handler

import (
	"crypto/subtle"
	"net/http"
	"time"

	"blockarchitech.com/elitescore/internal/config"
	"blockarchitech.com/elitescore/internal/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "userID"
)

// IdentityMiddleware resolves the user from the identity cookie and rejects anonymous requests.
func (h *HttpHandlers) IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := h.Tracer.Start(c.Request.Context(), "IdentityMiddleware")
		defer span.End()

		userID, err := h.AuthUtils.GetUserIDFromCookie(c.Request)
		if err != nil {
			h.logger.Debug("Request without identity", zap.String("path", c.Request.URL.Path))
			span.RecordError(err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		c.Set(userIDContextKey, userID)
		c.Next()
	}
}

// InternalSecretMiddleware guards scheduler-only routes with the shared sync secret.
// An unset secret locks the routes entirely.
func (h *HttpHandlers) InternalSecretMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := h.config.InternalSyncSecret
		got := c.GetHeader(config.InternalSyncSecretHeader)
		if expected == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			h.logger.Warn("Rejected internal sync request", zap.String("path", c.Request.URL.Path), zap.String("ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func (h *HttpHandlers) LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		h.logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}

func (h *HttpHandlers) CORSMiddleware() gin.HandlerFunc {
	allowed := make(map[string]struct{})
	for _, o := range utils.SplitAndTrim(h.config.CORSAllowedOrigins, ",") {
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				c.Header("Access-Control-Allow-Credentials", "true")
				c.Header("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Content-Type")
				c.Header("Access-Control-Max-Age", "600")
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// GetUserIDFromContext returns the identity set by IdentityMiddleware.
func GetUserIDFromContext(c *gin.Context) (string, bool) {
	userID := c.GetString(userIDContextKey)
	return userID, userID != ""
}
