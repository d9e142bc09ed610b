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
	"math"
	"net/http"
	"strconv"
	"strings"

	"blockarchitech.com/elitescore/internal/metrics"
	"blockarchitech.com/elitescore/internal/models"
	"blockarchitech.com/elitescore/internal/provider"
	"blockarchitech.com/elitescore/internal/service"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type linkCourseRequest struct {
	ConnectionID     string `json:"connectionId" binding:"required"`
	ProviderCourseID string `json:"providerCourseId" binding:"required"`
	Provider         string `json:"provider" binding:"required"`
}

func (h *HttpHandlers) HandleLinkCourse(c *gin.Context) {
	ctx, span := h.Tracer.Start(c.Request.Context(), "HandleLinkCourse")
	defer span.End()

	questID, err := parseQuestID(c)
	if err != nil {
		h.respondError(c, span, err, "Invalid quest id")
		return
	}
	var req linkCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid link payload", zap.Error(err))
		h.respondError(c, span, errInvalidPayload, "Invalid link payload")
		return
	}
	p, err := provider.ParseProvider(req.Provider)
	if err != nil {
		h.respondError(c, span, err, "Unsupported provider")
		return
	}
	userID, _ := GetUserIDFromContext(c)

	link, err := h.integration.LinkQuestCourse(ctx, service.LinkQuestInput{
		UserID:           userID,
		QuestID:          questID,
		ConnectionID:     req.ConnectionID,
		ProviderCourseID: req.ProviderCourseID,
		Provider:         p,
	})
	if err != nil {
		h.respondError(c, span, err, "Failed to link course")
		return
	}
	c.JSON(http.StatusOK, gin.H{"link": link})
}

func (h *HttpHandlers) HandleUnlinkCourse(c *gin.Context) {
	ctx, span := h.Tracer.Start(c.Request.Context(), "HandleUnlinkCourse")
	defer span.End()

	questID, err := parseQuestID(c)
	if err != nil {
		h.respondError(c, span, err, "Invalid quest id")
		return
	}
	userID, _ := GetUserIDFromContext(c)

	if err := h.integration.UnlinkQuestCourse(ctx, userID, questID); err != nil {
		h.respondError(c, span, err, "Failed to unlink course")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// HandleRefreshProgress syncs one quest on demand, at most once per cooldown window per user and quest.
func (h *HttpHandlers) HandleRefreshProgress(c *gin.Context) {
	ctx, span := h.Tracer.Start(c.Request.Context(), "HandleRefreshProgress")
	defer span.End()

	questID, err := parseQuestID(c)
	if err != nil {
		h.respondError(c, span, err, "Invalid quest id")
		return
	}
	userID, _ := GetUserIDFromContext(c)
	span.SetAttributes(attribute.Int("quest.id", questID))

	if ok, wait := h.cooldown.Allow(userID + ":" + strconv.Itoa(questID)); !ok {
		metrics.IncCooldownRejection()
		span.SetStatus(codes.Error, "Refresh cooldown")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":             errRefreshCooldown.Error(),
			"retryAfterSeconds": int(math.Ceil(wait.Seconds())),
		})
		return
	}

	progress, err := h.integration.SyncQuestProgress(ctx, userID, questID)
	if err != nil {
		h.respondError(c, span, err, "Failed to refresh progress")
		return
	}
	c.JSON(http.StatusOK, gin.H{"progress": progress})
}

// HandleSyncStates returns the bulk view for ?questIds=1,2,3. Ids that are not positive integers are skipped.
func (h *HttpHandlers) HandleSyncStates(c *gin.Context) {
	ctx, span := h.Tracer.Start(c.Request.Context(), "HandleSyncStates")
	defer span.End()

	raw := strings.TrimSpace(c.Query("questIds"))
	if raw == "" {
		h.respondError(c, span, errMissingParam("questIds"), "Missing questIds")
		return
	}
	var questIDs []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id <= 0 {
			h.logger.Debug("Skipping invalid quest id", zap.String("questId", part))
			continue
		}
		questIDs = append(questIDs, id)
	}
	userID, _ := GetUserIDFromContext(c)

	states, err := h.integration.GetQuestSyncStates(ctx, userID, questIDs)
	if err != nil {
		h.respondError(c, span, err, "Failed to load sync states")
		return
	}
	if states == nil {
		states = []models.QuestSyncState{}
	}
	c.JSON(http.StatusOK, gin.H{"states": states})
}
