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
	"context"
	"fmt"
	"strings"
	"time"

	"blockarchitech.com/elitescore/internal/models"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	courseraProgressFloor     = 5
	courseraProgressRange     = 96
	courseraCompleteThreshold = 98
	courseraTokenLifetime     = 30 * time.Minute
)

var courseraCourses = []models.ProviderCourse{
	{ProviderCourseID: "coursera-ml-001", Title: "Machine Learning Specialization", URL: "https://www.coursera.org/learn/coursera-ml-001"},
	{ProviderCourseID: "coursera-lhl-002", Title: "Learning How to Learn", URL: "https://www.coursera.org/learn/coursera-lhl-002"},
	{ProviderCourseID: "coursera-sow-003", Title: "The Science of Well-Being", URL: "https://www.coursera.org/learn/coursera-sow-003"},
	{ProviderCourseID: "coursera-wb-004", Title: "Writing in the Sciences", URL: "https://www.coursera.org/learn/coursera-wb-004"},
	{ProviderCourseID: "coursera-py-006", Title: "Python for Everybody", URL: "https://www.coursera.org/learn/coursera-py-006"},
}

// CourseraAdapter is the reference adapter for Coursera.
type CourseraAdapter struct {
	oauth  *oauth2.Config
	logger *zap.Logger
	now    func() time.Time
}

func NewCourseraAdapter(oauthCfg *oauth2.Config, logger *zap.Logger) *CourseraAdapter {
	return &CourseraAdapter{
		oauth:  oauthCfg,
		logger: logger.Named("coursera_adapter"),
		now:    time.Now,
	}
}

func (a *CourseraAdapter) Provider() models.Provider {
	return models.ProviderCoursera
}

// AuthorizeURL forces the consent screen so Coursera always issues a refresh token.
func (a *CourseraAdapter) AuthorizeURL(state string) string {
	return a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

func (a *CourseraAdapter) ExchangeCode(ctx context.Context, code string) (*models.TokenGrant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		a.logger.Warn("Rejected empty authorization code")
		return nil, fmt.Errorf("%w: empty code", ErrExchangeFailed)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	expiresAt := a.now().Add(courseraTokenLifetime).UTC()
	return &models.TokenGrant{
		AccessToken:  opaqueFromCode("cr_at", code),
		RefreshToken: opaqueFromCode("cr_rt", code),
		Scopes:       append([]string(nil), a.oauth.Scopes...),
		ExpiresAt:    &expiresAt,
	}, nil
}

func (a *CourseraAdapter) ListLearnerCourses(ctx context.Context, token *oauth2.Token, query string) ([]models.ProviderCourse, error) {
	if !hasAccessToken(token) {
		return nil, ErrMissingCredentials
	}
	return filterCourses(courseraCourses, query), nil
}

func (a *CourseraAdapter) GetCourseProgress(ctx context.Context, token *oauth2.Token, providerCourseID string) (*models.CourseProgress, error) {
	if !hasAccessToken(token) {
		return nil, ErrMissingCredentials
	}
	if strings.TrimSpace(providerCourseID) == "" {
		return nil, ErrInvalidCourse
	}
	return referenceProgress(providerCourseID, courseraProgressFloor, courseraProgressRange, courseraCompleteThreshold, a.now().UTC()), nil
}
