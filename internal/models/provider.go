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

package models

import "time"

// ProviderCourse is a course as listed by a provider for the learner.
type ProviderCourse struct {
	ProviderCourseID string `json:"providerCourseId"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	ThumbnailURL     string `json:"thumbnailUrl,omitempty"`
}

// CourseProgress is a provider's current view of one course.
type CourseProgress struct {
	ProgressPercent     int
	CompletionState     CompletionState
	ProviderCompletedAt *time.Time
}

// TokenGrant is what a provider hands back for an authorization code.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	Scopes       []string
	ExpiresAt    *time.Time
}
