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
	udemyProgressFloor     = 10
	udemyProgressRange     = 91
	udemyCompleteThreshold = 95
	udemyTokenLifetime     = time.Hour
)

var udemyCourses = []models.ProviderCourse{
	{ProviderCourseID: "udemy-1001", Title: "Go Concurrency Patterns", URL: "https://www.udemy.com/course/udemy-1001/", ThumbnailURL: "https://img-c.udemycdn.com/course/480x270/udemy-1001.jpg"},
	{ProviderCourseID: "udemy-1002", Title: "Practical Kubernetes for Developers", URL: "https://www.udemy.com/course/udemy-1002/", ThumbnailURL: "https://img-c.udemycdn.com/course/480x270/udemy-1002.jpg"},
	{ProviderCourseID: "udemy-1003", Title: "Leadership Essentials", URL: "https://www.udemy.com/course/udemy-1003/"},
	{ProviderCourseID: "udemy-1004", Title: "SQL for Data Analysis", URL: "https://www.udemy.com/course/udemy-1004/", ThumbnailURL: "https://img-c.udemycdn.com/course/480x270/udemy-1004.jpg"},
	{ProviderCourseID: "udemy-1999", Title: "Time Management Fundamentals", URL: "https://www.udemy.com/course/udemy-1999/"},
}

// UdemyBusinessAdapter is the reference adapter for Udemy Business.
type UdemyBusinessAdapter struct {
	oauth  *oauth2.Config
	logger *zap.Logger
	now    func() time.Time
}

// NewUdemyBusinessAdapter creates a new UdemyBusinessAdapter.
func NewUdemyBusinessAdapter(oauthCfg *oauth2.Config, logger *zap.Logger) *UdemyBusinessAdapter {
	return &UdemyBusinessAdapter{
		oauth:  oauthCfg,
		logger: logger.Named("udemy_business_adapter"),
		now:    time.Now,
	}
}

func (a *UdemyBusinessAdapter) Provider() models.Provider {
	return models.ProviderUdemyBusiness
}

func (a *UdemyBusinessAdapter) AuthorizeURL(state string) string {
	return a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (a *UdemyBusinessAdapter) ExchangeCode(ctx context.Context, code string) (*models.TokenGrant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		a.logger.Warn("Rejected empty authorization code")
		return nil, fmt.Errorf("%w: empty code", ErrExchangeFailed)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	expiresAt := a.now().Add(udemyTokenLifetime).UTC()
	a.logger.Debug("Exchanged authorization code")
	return &models.TokenGrant{
		AccessToken:  opaqueFromCode("ub_at", code),
		RefreshToken: opaqueFromCode("ub_rt", code),
		Scopes:       append([]string(nil), a.oauth.Scopes...),
		ExpiresAt:    &expiresAt,
	}, nil
}

func (a *UdemyBusinessAdapter) ListLearnerCourses(ctx context.Context, token *oauth2.Token, query string) ([]models.ProviderCourse, error) {
	if !hasAccessToken(token) {
		return nil, ErrMissingCredentials
	}
	return filterCourses(udemyCourses, query), nil
}

func (a *UdemyBusinessAdapter) GetCourseProgress(ctx context.Context, token *oauth2.Token, providerCourseID string) (*models.CourseProgress, error) {
	if !hasAccessToken(token) {
		return nil, ErrMissingCredentials
	}
	if strings.TrimSpace(providerCourseID) == "" {
		return nil, ErrInvalidCourse
	}
	return referenceProgress(providerCourseID, udemyProgressFloor, udemyProgressRange, udemyCompleteThreshold, a.now().UTC()), nil
}
