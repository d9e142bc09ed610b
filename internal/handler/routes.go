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

	"blockarchitech.com/elitescore/internal/metrics"
	"github.com/gin-gonic/gin"
)

func (h *HttpHandlers) RegisterRoutes(router *gin.Engine) {
	router.Use(h.LoggerMiddleware())
	router.Use(metrics.Middleware())
	router.Use(h.CORSMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": h.config.Version})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	{
		integrations := api.Group("/integrations")
		{
			// The callback resolves identity itself so failures become redirects.
			integrations.GET("/:provider/callback", h.HandleProviderCallback)

			authed := integrations.Group("", h.IdentityMiddleware())
			authed.POST("/:provider/connect", h.HandleConnect)
			authed.GET("/:provider/courses", h.HandleListCourses)
			authed.GET("/connections", h.HandleListConnections)
			authed.DELETE("/connections/:id", h.HandleDeleteConnection)
		}

		quests := api.Group("/quests", h.IdentityMiddleware())
		{
			quests.GET("/sync-states", h.HandleSyncStates)
			quests.POST("/:questId/link-course", h.HandleLinkCourse)
			quests.POST("/:questId/unlink-course", h.HandleUnlinkCourse)
			quests.POST("/:questId/refresh-progress", h.HandleRefreshProgress)
		}

		internal := api.Group("/internal/sync", h.InternalSecretMiddleware())
		{
			internal.POST("/providers/:provider", h.HandleProviderSync)
			internal.GET("/runs/:runId", h.HandleGetSyncRun)
		}
	}
}
