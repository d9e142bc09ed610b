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

package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"blockarchitech.com/elitescore/internal/models"
	"golang.org/x/oauth2"
)

// The reference adapters stand in for real provider APIs. Their progress is a
// deterministic function of the course id so environments agree on results.

// courseIDCharSum sums the character codes of a course id.
func courseIDCharSum(courseID string) int {
	sum := 0
	for _, r := range courseID {
		sum += int(r)
	}
	return sum
}

// referenceProgress computes floor + charSum mod span, completing at threshold.
func referenceProgress(courseID string, floor, span, threshold int, now time.Time) *models.CourseProgress {
	value := floor + courseIDCharSum(courseID)%span
	if value >= threshold {
		completedAt := now
		return &models.CourseProgress{
			ProgressPercent:     100,
			CompletionState:     models.CompletionCompleted,
			ProviderCompletedAt: &completedAt,
		}
	}
	state := models.CompletionInProgress
	if value <= 0 {
		state = models.CompletionNotStarted
	}
	return &models.CourseProgress{ProgressPercent: value, CompletionState: state}
}

func filterCourses(courses []models.ProviderCourse, query string) []models.ProviderCourse {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]models.ProviderCourse, 0, len(courses))
	for _, c := range courses {
		if q == "" || strings.Contains(strings.ToLower(c.Title), q) {
			out = append(out, c)
		}
	}
	return out
}

func hasAccessToken(token *oauth2.Token) bool {
	return token != nil && token.AccessToken != ""
}

// opaqueFromCode derives a stable, non-reversible token body from an authorization code.
func opaqueFromCode(prefix, code string) string {
	sum := sha256.Sum256([]byte(prefix + ":" + code))
	return prefix + "_" + hex.EncodeToString(sum[:16])
}
