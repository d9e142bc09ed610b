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

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "elitescore_integrations_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "elitescore_integrations_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "elitescore_integrations_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "elitescore_integrations_sync_runs_total",
		Help: "Fleet sync runs by provider and final status.",
	}, []string{"provider", "status"})

	syncLinksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "elitescore_integrations_sync_links_total",
		Help: "Quest links processed by fleet sync, by outcome.",
	}, []string{"provider", "outcome"})

	syncRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "elitescore_integrations_sync_run_duration_seconds",
		Help:    "Histogram of fleet sync run durations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	questSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "elitescore_integrations_quest_syncs_total",
		Help: "Single-quest progress syncs by provider and result.",
	}, []string{"provider", "result"})

	cooldownRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elitescore_integrations_refresh_cooldown_rejections_total",
		Help: "Refresh-progress requests rejected inside the cooldown window.",
	})
)

// Middleware records request metrics labelled by the matched gin route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		statusCode := strconv.Itoa(status)

		httpRequestsTotal.WithLabelValues(c.Request.Method, route).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route, statusCode).Observe(time.Since(start).Seconds())
		if status >= http.StatusInternalServerError {
			httpErrorsTotal.WithLabelValues(c.Request.Method, route, statusCode).Inc()
		}
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSyncRun records a finished fleet sync run.
func ObserveSyncRun(provider, status string, start time.Time) {
	syncRunsTotal.WithLabelValues(provider, status).Inc()
	syncRunDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}

// ObserveSyncLink records the outcome ("updated" or "failed") of one link in a fleet sync.
func ObserveSyncLink(provider, outcome string) {
	syncLinksTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveQuestSync records one single-quest sync.
func ObserveQuestSync(provider string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	questSyncsTotal.WithLabelValues(provider, result).Inc()
}

func IncCooldownRejection() {
	cooldownRejections.Inc()
}
