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
	"errors"
	"net/http"

	"blockarchitech.com/elitescore/internal/apperr"
	"blockarchitech.com/elitescore/internal/provider"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
)

// HandleProviderSync runs the fleet-wide sync for one provider. Called by the scheduler.
func (h *HttpHandlers) HandleProviderSync(c *gin.Context) {
	ctx, span := h.Tracer.Start(c.Request.Context(), "HandleProviderSync")
	defer span.End()

	p, err := provider.ParseProvider(c.Param("provider"))
	if err != nil {
		h.respondError(c, span, err, "Unsupported provider")
		return
	}

	summary, err := h.integration.SyncProviderForAllUsers(ctx, p)
	if err != nil {
		h.respondError(c, span, err, "Provider sync failed")
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *HttpHandlers) HandleGetSyncRun(c *gin.Context) {
	ctx, span := h.Tracer.Start(c.Request.Context(), "HandleGetSyncRun")
	defer span.End()

	report, err := h.integration.GetSyncRun(ctx, c.Param("runId"))
	if errors.Is(err, apperr.ErrNotFound) {
		span.SetStatus(codes.Error, "Sync run not found")
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.respondError(c, span, err, "Failed to load sync run")
		return
	}
	c.JSON(http.StatusOK, report)
}
