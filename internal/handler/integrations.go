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
	"net/http"
	"net/url"

	"blockarchitech.com/elitescore/internal/models"
	"blockarchitech.com/elitescore/internal/provider"
	"blockarchitech.com/elitescore/internal/service"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Callback failure flags appended to the integrations page URL.
const (
	callbackErrMissingCode     = "missing_code"
	callbackErrInvalidProvider = "invalid_provider"
	callbackErrUnauthenticated = "unauthenticated"
	callbackErrConnectFailed   = "connect_failed"
)

// HandleConnect returns the provider authorization URL for the current user.
func (h *HttpHandlers) HandleConnect(c *gin.Context) {
	ctx, span := h.Tracer.Start(c.Request.Context(), "HandleConnect")
	defer span.End()

	p, err := provider.ParseProvider(c.Param("provider"))
	if err != nil {
		h.respondError(c, span, err, "Unsupported provider")
		return
	}
	userID, _ := GetUserIDFromContext(c)

	authURL, err := h.integration.GetConnectionAuthURL(ctx, p, userID)
	if err != nil {
		h.respondError(c, span, err, "Failed to build authorization URL")
		return
	}
	c.JSON(http.StatusOK, gin.H{"authUrl": authURL})
}

// integrationsRedirect builds the integrations page URL with one extra query flag.
func (h *HttpHandlers) integrationsRedirect(key, value string) string {
	u, err := url.Parse(h.config.IntegrationsPageURL)
	if err != nil {
		return h.config.IntegrationsPageURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// HandleProviderCallback completes the OAuth flow. Every outcome is a redirect to the integrations page;
// error details stay in the logs.
func (h *HttpHandlers) HandleProviderCallback(c *gin.Context) {
	ctx, span := h.Tracer.Start(c.Request.Context(), "HandleProviderCallback")
	defer span.End()

	fail := func(flag string) {
		span.SetStatus(codes.Error, flag)
		c.Redirect(http.StatusFound, h.integrationsRedirect("error", flag))
	}

	p, err := provider.ParseProvider(c.Param("provider"))
	if err != nil {
		h.logger.Warn("Callback for unsupported provider", zap.String("provider", c.Param("provider")))
		fail(callbackErrInvalidProvider)
		return
	}
	span.SetAttributes(attribute.String("provider", string(p)))

	code := c.Query("code")
	if code == "" {
		h.logger.Warn("Callback without authorization code", zap.String("provider", string(p)), zap.String("providerError", c.Query("error")))
		fail(callbackErrMissingCode)
		return
	}

	userID, err := h.AuthUtils.GetUserIDFromCookie(c.Request)
	if err != nil {
		h.logger.Warn("Callback without identity", zap.String("provider", string(p)))
		fail(callbackErrUnauthenticated)
		return
	}

	if state := c.Query("state"); state != "" {
		stateUserID, _, err := service.DecodeConnectionState(state)
		if err != nil || stateUserID != userID {
			h.logger.Warn("Callback state does not match identity", zap.String("provider", string(p)), zap.String("userID", userID))
			fail(callbackErrConnectFailed)
			return
		}
	}

	if _, err := h.integration.CompleteConnectionFromCode(ctx, service.CompleteConnectionInput{
		UserID:   userID,
		Provider: p,
		Code:     code,
	}); err != nil {
		h.logger.Error("Failed to complete provider connection", zap.String("provider", string(p)), zap.String("userID", userID), zap.Error(err))
		span.RecordError(err)
		fail(callbackErrConnectFailed)
		return
	}

	c.Redirect(http.StatusFound, h.integrationsRedirect("connected", string(p)))
}

func (h *HttpHandlers) HandleListCourses(c *gin.Context) {
	ctx, span := h.Tracer.Start(c.Request.Context(), "HandleListCourses")
	defer span.End()

	if _, err := provider.ParseProvider(c.Param("provider")); err != nil {
		h.respondError(c, span, err, "Unsupported provider")
		return
	}
	connectionID := c.Query("connectionId")
	if connectionID == "" {
		h.respondError(c, span, errMissingParam("connectionId"), "Missing connectionId")
		return
	}
	userID, _ := GetUserIDFromContext(c)

	courses, err := h.integration.ListCourses(ctx, service.ListCoursesInput{
		UserID:       userID,
		ConnectionID: connectionID,
		Query:        c.Query("q"),
	})
	if err != nil {
		h.respondError(c, span, err, "Failed to list courses")
		return
	}
	if courses == nil {
		courses = []models.ProviderCourse{}
	}
	c.JSON(http.StatusOK, gin.H{"courses": courses})
}

func (h *HttpHandlers) HandleListConnections(c *gin.Context) {
	ctx, span := h.Tracer.Start(c.Request.Context(), "HandleListConnections")
	defer span.End()

	userID, _ := GetUserIDFromContext(c)
	conns, err := h.integration.ListConnections(ctx, userID)
	if err != nil {
		h.respondError(c, span, err, "Failed to list connections")
		return
	}
	if conns == nil {
		conns = []models.ProviderConnection{}
	}
	c.JSON(http.StatusOK, gin.H{"connections": conns})
}

func (h *HttpHandlers) HandleDeleteConnection(c *gin.Context) {
	ctx, span := h.Tracer.Start(c.Request.Context(), "HandleDeleteConnection")
	defer span.End()

	userID, _ := GetUserIDFromContext(c)
	if err := h.integration.DisconnectConnection(ctx, userID, c.Param("id")); err != nil {
		h.respondError(c, span, err, "Failed to delete connection")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
