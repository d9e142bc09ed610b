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
	"blockarchitech.com/elitescore/internal/config"
	"blockarchitech.com/elitescore/internal/service"
	"blockarchitech.com/elitescore/internal/utils"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// HttpHandlers holds application-wide state and dependencies.
type HttpHandlers struct {
	logger      *zap.Logger
	integration *service.IntegrationService
	config      *config.Config
	cooldown    *RefreshCooldown
	Tracer      trace.Tracer
	AuthUtils   *utils.AuthUtils
}

// NewHttpHandlers creates a new HttpHandlers instance.
func NewHttpHandlers(
	logger *zap.Logger,
	integration *service.IntegrationService,
	cfg *config.Config,
	tracer trace.Tracer,
) *HttpHandlers {
	return &HttpHandlers{
		logger:      logger.Named("http_handler"),
		integration: integration,
		config:      cfg,
		cooldown:    NewRefreshCooldown(cfg.RefreshCooldown),
		Tracer:      tracer,
		AuthUtils:   utils.NewAuthUtils(),
	}
}

// Close releases background resources held by the handlers.
func (h *HttpHandlers) Close() {
	h.cooldown.Stop()
}
