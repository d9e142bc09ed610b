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
	"errors"
	"net/url"
	"testing"
	"time"

	"blockarchitech.com/elitescore/internal/apperr"
	"blockarchitech.com/elitescore/internal/config"
	"blockarchitech.com/elitescore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testOAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    "client-123",
		RedirectURL: "http://localhost:8080/api/integrations/udemy_business/callback",
		Scopes:      []string{"courses:read"},
		Endpoint:    oauth2.Endpoint{AuthURL: "https://provider.example/authorize", TokenURL: "https://provider.example/token"},
	}
}

func newTestUdemy() *UdemyBusinessAdapter {
	a := NewUdemyBusinessAdapter(testOAuthConfig(), zap.NewNop())
	a.now = func() time.Time { return fixedNow }
	return a
}

func newTestCoursera() *CourseraAdapter {
	a := NewCourseraAdapter(testOAuthConfig(), zap.NewNop())
	a.now = func() time.Time { return fixedNow }
	return a
}

var validToken = &oauth2.Token{AccessToken: "at"}

func TestIsValidProvider(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"udemy_business", true},
		{"coursera", true},
		{"UDEMY_BUSINESS", false},
		{"Coursera", false},
		{"unknown_lms", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidProvider(tt.in))
		})
	}
}

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider("coursera")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderCoursera, p)

	_, err = ParseProvider("unknown_lms")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(newTestCoursera(), newTestUdemy())
	require.NoError(t, err)

	assert.Equal(t, []models.Provider{models.ProviderCoursera, models.ProviderUdemyBusiness}, r.Providers())

	a, err := r.Adapter(models.ProviderUdemyBusiness)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderUdemyBusiness, a.Provider())

	_, err = r.Adapter("unknown_lms")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = NewRegistry(newTestUdemy(), newTestUdemy())
	assert.Error(t, err)
}

func TestNewDefaultRegistry(t *testing.T) {
	cfg := &config.Config{
		AppBaseURL: "http://localhost:8080/",
		UdemyBusiness: config.ProviderConfig{
			ClientID: "ub", AuthURL: "https://ub.example/authorize", TokenURL: "https://ub.example/token",
		},
		Coursera: config.ProviderConfig{
			ClientID: "cr", AuthURL: "https://cr.example/auth", TokenURL: "https://cr.example/token",
		},
	}
	r, err := NewDefaultRegistry(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, r.Providers(), 2)

	a, err := r.Adapter(models.ProviderUdemyBusiness)
	require.NoError(t, err)
	u, err := url.Parse(a.AuthorizeURL("s"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api/integrations/udemy_business/callback", u.Query().Get("redirect_uri"))
}

func TestAuthorizeURL(t *testing.T) {
	u, err := url.Parse(newTestUdemy().AuthorizeURL("state-abc"))
	require.NoError(t, err)
	assert.Equal(t, "provider.example", u.Host)
	assert.Equal(t, "state-abc", u.Query().Get("state"))
	assert.Equal(t, "client-123", u.Query().Get("client_id"))
	assert.Equal(t, "code", u.Query().Get("response_type"))

	c, err := url.Parse(newTestCoursera().AuthorizeURL("state-xyz"))
	require.NoError(t, err)
	assert.Equal(t, "state-xyz", c.Query().Get("state"))
	assert.Equal(t, "consent", c.Query().Get("prompt"))
}

func TestExchangeCode(t *testing.T) {
	adapters := []Adapter{newTestUdemy(), newTestCoursera()}
	for _, a := range adapters {
		t.Run(string(a.Provider()), func(t *testing.T) {
			grant, err := a.ExchangeCode(context.Background(), "auth-code-1")
			require.NoError(t, err)
			assert.NotEmpty(t, grant.AccessToken)
			assert.NotEmpty(t, grant.RefreshToken)
			assert.NotEqual(t, grant.AccessToken, grant.RefreshToken)
			assert.Equal(t, []string{"courses:read"}, grant.Scopes)
			require.NotNil(t, grant.ExpiresAt)
			assert.True(t, grant.ExpiresAt.After(fixedNow))

			again, err := a.ExchangeCode(context.Background(), "auth-code-1")
			require.NoError(t, err)
			assert.Equal(t, grant.AccessToken, again.AccessToken)

			_, err = a.ExchangeCode(context.Background(), "  ")
			assert.ErrorIs(t, err, ErrExchangeFailed)
			assert.ErrorIs(t, err, apperr.ErrUpstream)
		})
	}
}

func TestListLearnerCourses(t *testing.T) {
	a := newTestUdemy()

	all, err := a.ListLearnerCourses(context.Background(), validToken, "")
	require.NoError(t, err)
	assert.Len(t, all, len(udemyCourses))

	filtered, err := a.ListLearnerCourses(context.Background(), validToken, "go CONCURRENCY")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "udemy-1001", filtered[0].ProviderCourseID)

	none, err := newTestCoursera().ListLearnerCourses(context.Background(), validToken, "nothing matches this")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = a.ListLearnerCourses(context.Background(), nil, "")
	assert.ErrorIs(t, err, ErrMissingCredentials)
	_, err = a.ListLearnerCourses(context.Background(), &oauth2.Token{}, "")
	assert.True(t, errors.Is(err, apperr.ErrUpstream))
}

func TestGetCourseProgress(t *testing.T) {
	tests := []struct {
		name      string
		adapter   Adapter
		courseID  string
		wantPct   int
		wantState models.CompletionState
	}{
		{"udemy in progress", newTestUdemy(), "udemy-1001", 69, models.CompletionInProgress},
		{"udemy next course", newTestUdemy(), "udemy-1002", 70, models.CompletionInProgress},
		{"udemy completed", newTestUdemy(), "udemy-1999", 100, models.CompletionCompleted},
		{"coursera in progress", newTestCoursera(), "coursera-ml-001", 77, models.CompletionInProgress},
		{"coursera completed", newTestCoursera(), "coursera-py-006", 100, models.CompletionCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.adapter.GetCourseProgress(context.Background(), validToken, tt.courseID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPct, p.ProgressPercent)
			assert.Equal(t, tt.wantState, p.CompletionState)
			if tt.wantState == models.CompletionCompleted {
				require.NotNil(t, p.ProviderCompletedAt)
				assert.Equal(t, fixedNow, *p.ProviderCompletedAt)
			} else {
				assert.Nil(t, p.ProviderCompletedAt)
			}
		})
	}
}

func TestGetCourseProgressErrors(t *testing.T) {
	a := newTestCoursera()
	_, err := a.GetCourseProgress(context.Background(), nil, "coursera-ml-001")
	assert.ErrorIs(t, err, ErrMissingCredentials)

	_, err = a.GetCourseProgress(context.Background(), validToken, "")
	assert.ErrorIs(t, err, apperr.ErrUpstream)
}
