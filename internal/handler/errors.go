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
	"fmt"
	"net/http"
	"strconv"

	"blockarchitech.com/elitescore/internal/apperr"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	errInvalidQuestID  = fmt.Errorf("%w: invalid quest id", apperr.ErrInvalidInput)
	errInvalidPayload  = fmt.Errorf("%w: invalid payload", apperr.ErrInvalidInput)
	errRefreshCooldown = fmt.Errorf("%w: progress was refreshed recently, try again later", apperr.ErrRateLimited)
)

func errMissingParam(name string) error {
	return fmt.Errorf("%w: missing %s", apperr.ErrInvalidInput, name)
}

// statusForError maps an error kind to its HTTP status.
func statusForError(err error) int {
	switch {
	case errors.Is(err, apperr.ErrInvalidInput), errors.Is(err, apperr.ErrRateLimited):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error": message} with the mapped status and marks the span failed.
func (h *HttpHandlers) respondError(c *gin.Context, span trace.Span, err error, msg string) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", c.Request.URL.Path), zap.Error(err))
	} else {
		h.logger.Warn(msg, zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// parseQuestID reads the :questId path parameter as a positive integer.
func parseQuestID(c *gin.Context) (int, error) {
	raw := c.Param("questId")
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, errInvalidQuestID
	}
	return id, nil
}
