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

package service

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"blockarchitech.com/elitescore/internal/apperr"
	"blockarchitech.com/elitescore/internal/models"
	"blockarchitech.com/elitescore/internal/provider"
	"blockarchitech.com/elitescore/internal/repository"
	"blockarchitech.com/elitescore/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

var testNow = time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)

type mockAdapter struct {
	mock.Mock
	provider models.Provider
}

func (m *mockAdapter) Provider() models.Provider { return m.provider }

func (m *mockAdapter) AuthorizeURL(state string) string {
	return m.Called(state).String(0)
}

func (m *mockAdapter) ExchangeCode(ctx context.Context, code string) (*models.TokenGrant, error) {
	args := m.Called(ctx, code)
	grant, _ := args.Get(0).(*models.TokenGrant)
	return grant, args.Error(1)
}

func (m *mockAdapter) ListLearnerCourses(ctx context.Context, token *oauth2.Token, query string) ([]models.ProviderCourse, error) {
	args := m.Called(ctx, token, query)
	courses, _ := args.Get(0).([]models.ProviderCourse)
	return courses, args.Error(1)
}

func (m *mockAdapter) GetCourseProgress(ctx context.Context, token *oauth2.Token, providerCourseID string) (*models.CourseProgress, error) {
	args := m.Called(ctx, token, providerCourseID)
	progress, _ := args.Get(0).(*models.CourseProgress)
	return progress, args.Error(1)
}

type fixture struct {
	svc     *IntegrationService
	repo    *repository.InMemoryIntegrationRepository
	cipher  *utils.SecretCipher
	adapter *mockAdapter
}

func newFixture(t *testing.T, concurrency int, adapters ...provider.Adapter) *fixture {
	t.Helper()
	adapter := &mockAdapter{provider: models.ProviderUdemyBusiness}
	if len(adapters) == 0 {
		adapters = []provider.Adapter{adapter}
	}
	registry, err := provider.NewRegistry(adapters...)
	require.NoError(t, err)
	cipher, err := utils.NewSecretCipher("service-test-passphrase")
	require.NoError(t, err)
	repo := repository.NewInMemoryIntegrationRepository(zap.NewNop())

	svc := NewIntegrationService(repo, registry, cipher, concurrency, noop.NewTracerProvider().Tracer("test"), zap.NewNop())
	svc.now = func() time.Time { return testNow }
	return &fixture{svc: svc, repo: repo, cipher: cipher, adapter: adapter}
}

// seedConnection stores a connection with properly encrypted tokens.
func (f *fixture) seedConnection(t *testing.T, userID string, p models.Provider) *models.ProviderConnection {
	t.Helper()
	access, err := f.cipher.Encrypt("access-" + userID)
	require.NoError(t, err)
	conn, err := f.repo.CreateConnection(context.Background(), userID, models.NewConnection{
		Provider:    p,
		Scopes:      []string{"courses:read"},
		AccessToken: access,
	})
	require.NoError(t, err)
	return conn
}

func (f *fixture) seedLink(t *testing.T, userID string, questID int, conn *models.ProviderConnection, courseID string) {
	t.Helper()
	_, err := f.repo.UpsertQuestLink(context.Background(), userID, models.QuestCourseLink{
		QuestID: questID, ConnectionID: conn.ID, ProviderCourseID: courseID, Provider: conn.Provider,
	})
	require.NoError(t, err)
}

func inProgress(pct int) *models.CourseProgress {
	return &models.CourseProgress{ProgressPercent: pct, CompletionState: models.CompletionInProgress}
}

func TestMergeProgress(t *testing.T) {
	earlier := testNow.Add(-24 * time.Hour)
	reportedAt := testNow.Add(-time.Hour)

	tests := []struct {
		name          string
		prev          *models.QuestProgressSync
		reported      *models.CourseProgress
		wantPct       int
		wantState     models.CompletionState
		wantCompleted *time.Time
	}{
		{"first sync", nil, inProgress(40), 40, models.CompletionInProgress, nil},
		{"higher value wins", &models.QuestProgressSync{ProgressPercent: 30, CompletionState: models.CompletionInProgress}, inProgress(45), 45, models.CompletionInProgress, nil},
		{"never regresses", &models.QuestProgressSync{ProgressPercent: 70, CompletionState: models.CompletionInProgress}, inProgress(20), 70, models.CompletionInProgress, nil},
		{"forced completion", &models.QuestProgressSync{ProgressPercent: 12, CompletionState: models.CompletionInProgress},
			&models.CourseProgress{ProgressPercent: 60, CompletionState: models.CompletionCompleted, ProviderCompletedAt: &reportedAt},
			100, models.CompletionCompleted, &reportedAt},
		{"completion without timestamp", nil, &models.CourseProgress{CompletionState: models.CompletionCompleted}, 100, models.CompletionCompleted, &testNow},
		{"completed stays completed", &models.QuestProgressSync{ProgressPercent: 100, CompletionState: models.CompletionCompleted, ProviderCompletedAt: &earlier},
			inProgress(10), 100, models.CompletionCompleted, &earlier},
		{"first completion time kept", &models.QuestProgressSync{ProgressPercent: 100, CompletionState: models.CompletionCompleted, ProviderCompletedAt: &earlier},
			&models.CourseProgress{CompletionState: models.CompletionCompleted, ProviderCompletedAt: &reportedAt},
			100, models.CompletionCompleted, &earlier},
		{"not started with stored progress", &models.QuestProgressSync{ProgressPercent: 15, CompletionState: models.CompletionInProgress},
			&models.CourseProgress{CompletionState: models.CompletionNotStarted}, 15, models.CompletionInProgress, nil},
		{"clamped", nil, inProgress(140), 100, models.CompletionInProgress, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pct, state, completedAt := mergeProgress(tt.prev, tt.reported, testNow)
			assert.Equal(t, tt.wantPct, pct)
			assert.Equal(t, tt.wantState, state)
			assert.Equal(t, tt.wantCompleted, completedAt)
		})
	}
}

func TestGetConnectionAuthURL(t *testing.T) {
	f := newFixture(t, 1)
	f.adapter.On("AuthorizeURL", mock.AnythingOfType("string")).Return("https://provider.example/authorize?state=x")

	got, err := f.svc.GetConnectionAuthURL(context.Background(), models.ProviderUdemyBusiness, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "https://provider.example/authorize?state=x", got)

	state := f.adapter.Calls[0].Arguments.String(0)
	userID, issuedAt, err := DecodeConnectionState(state)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, testNow, issuedAt)

	_, err = f.svc.GetConnectionAuthURL(context.Background(), models.ProviderCoursera, "user-1")
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestDecodeConnectionStateRejectsGarbage(t *testing.T) {
	for _, state := range []string{"", "!!!", "bm90LWpzb24", "e30"} {
		_, _, err := DecodeConnectionState(state)
		assert.ErrorIs(t, err, ErrInvalidState, state)
		assert.ErrorIs(t, err, apperr.ErrInvalidInput, state)
	}
}

func TestCompleteConnectionFromCodeEncryptsTokens(t *testing.T) {
	f := newFixture(t, 1)
	expiry := testNow.Add(time.Hour)
	f.adapter.On("ExchangeCode", mock.Anything, "code-1").Return(&models.TokenGrant{
		AccessToken: "plain-access", RefreshToken: "plain-refresh", Scopes: []string{"courses:read"}, ExpiresAt: &expiry,
	}, nil)

	conn, err := f.svc.CompleteConnectionFromCode(context.Background(), CompleteConnectionInput{
		UserID: "user-1", Provider: models.ProviderUdemyBusiness, Code: "code-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionActive, conn.Status)

	stored, err := f.repo.GetConnectionToken(context.Background(), "user-1", conn.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotEqual(t, "plain-access", stored.AccessToken)
	assert.NotEqual(t, "plain-refresh", stored.RefreshToken)

	access, err := f.cipher.Decrypt(stored.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "plain-access", access)
	refresh, err := f.cipher.Decrypt(stored.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "plain-refresh", refresh)
}

func TestCompleteConnectionFromCodePropagatesAdapterError(t *testing.T) {
	f := newFixture(t, 1)
	f.adapter.On("ExchangeCode", mock.Anything, "bad").Return(nil, provider.ErrExchangeFailed)

	_, err := f.svc.CompleteConnectionFromCode(context.Background(), CompleteConnectionInput{
		UserID: "user-1", Provider: models.ProviderUdemyBusiness, Code: "bad",
	})
	assert.ErrorIs(t, err, provider.ErrExchangeFailed)

	conns, err := f.repo.GetConnections(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestListCourses(t *testing.T) {
	f := newFixture(t, 1)
	conn := f.seedConnection(t, "user-1", models.ProviderUdemyBusiness)
	courses := []models.ProviderCourse{{ProviderCourseID: "udemy-1001", Title: "Go"}}
	f.adapter.On("ListLearnerCourses", mock.Anything, mock.MatchedBy(func(tok *oauth2.Token) bool {
		return tok.AccessToken == "access-user-1"
	}), "go").Return(courses, nil)

	got, err := f.svc.ListCourses(context.Background(), ListCoursesInput{UserID: "user-1", ConnectionID: conn.ID, Query: "go"})
	require.NoError(t, err)
	assert.Equal(t, courses, got)
	f.adapter.AssertExpectations(t)
}

func TestListCoursesErrors(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.svc.ListCourses(ctx, ListCoursesInput{UserID: "user-1", ConnectionID: "nope"})
	assert.ErrorIs(t, err, ErrConnectionNotFound)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	conn, err := f.repo.CreateConnection(ctx, "user-1", models.NewConnection{
		Provider: models.ProviderUdemyBusiness, AccessToken: "not-a-cipher-token",
	})
	require.NoError(t, err)
	_, err = f.svc.ListCourses(ctx, ListCoursesInput{UserID: "user-1", ConnectionID: conn.ID})
	assert.ErrorIs(t, err, apperr.ErrMalformedToken)

	other := f.seedConnection(t, "user-2", models.ProviderUdemyBusiness)
	_, err = f.svc.ListCourses(ctx, ListCoursesInput{UserID: "user-1", ConnectionID: other.ID})
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	f.adapter.AssertNotCalled(t, "ListLearnerCourses", mock.Anything, mock.Anything, mock.Anything)
}

func TestLinkQuestCourseValidation(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	conn := f.seedConnection(t, "user-1", models.ProviderUdemyBusiness)

	_, err := f.svc.LinkQuestCourse(ctx, LinkQuestInput{UserID: "user-1", QuestID: 1, ConnectionID: conn.ID, Provider: models.ProviderUdemyBusiness})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.svc.LinkQuestCourse(ctx, LinkQuestInput{UserID: "user-1", QuestID: 1, ConnectionID: conn.ID, ProviderCourseID: "c", Provider: "unknown_lms"})
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)

	_, err = f.svc.LinkQuestCourse(ctx, LinkQuestInput{UserID: "user-1", QuestID: 1, ConnectionID: conn.ID, ProviderCourseID: "coursera-ml-001", Provider: models.ProviderCoursera})
	assert.ErrorIs(t, err, ErrProviderMismatch)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.svc.LinkQuestCourse(ctx, LinkQuestInput{UserID: "user-1", QuestID: 1, ConnectionID: "missing", ProviderCourseID: "udemy-1001", Provider: models.ProviderUdemyBusiness})
	assert.ErrorIs(t, err, ErrUnknownConnection)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	other := f.seedConnection(t, "user-2", models.ProviderUdemyBusiness)
	_, err = f.svc.LinkQuestCourse(ctx, LinkQuestInput{UserID: "user-1", QuestID: 1, ConnectionID: other.ID, ProviderCourseID: "udemy-1001", Provider: models.ProviderUdemyBusiness})
	assert.ErrorIs(t, err, ErrUnknownConnection)

	link, err := f.svc.LinkQuestCourse(ctx, LinkQuestInput{UserID: "user-1", QuestID: 1, ConnectionID: conn.ID, ProviderCourseID: "udemy-1001", Provider: models.ProviderUdemyBusiness})
	require.NoError(t, err)
	assert.Equal(t, "udemy-1001", link.ProviderCourseID)
}

func TestSyncQuestProgressNotLinked(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.svc.SyncQuestProgress(context.Background(), "user-1", 99)
	assert.ErrorIs(t, err, ErrQuestNotLinked)
}

func TestSyncQuestProgressIsMonotonic(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	conn := f.seedConnection(t, "user-1", models.ProviderUdemyBusiness)
	f.seedLink(t, "user-1", 42, conn, "udemy-1001")

	f.adapter.On("GetCourseProgress", mock.Anything, mock.Anything, "udemy-1001").Return(inProgress(70), nil).Once()
	f.adapter.On("GetCourseProgress", mock.Anything, mock.Anything, "udemy-1001").Return(inProgress(40), nil).Once()

	first, err := f.svc.SyncQuestProgress(ctx, "user-1", 42)
	require.NoError(t, err)
	assert.Equal(t, 70, first.ProgressPercent)

	second, err := f.svc.SyncQuestProgress(ctx, "user-1", 42)
	require.NoError(t, err)
	assert.Equal(t, 70, second.ProgressPercent)
	assert.Equal(t, models.CompletionInProgress, second.CompletionState)
	assert.True(t, second.Linked)
	assert.False(t, second.Stale)
	require.NotNil(t, second.LastSyncedAt)
	assert.Equal(t, testNow, *second.LastSyncedAt)
	require.NotNil(t, second.SyncSource)
	assert.Equal(t, models.ProviderUdemyBusiness, *second.SyncSource)

	stored, err := f.repo.GetProgress(ctx, "user-1", 42)
	require.NoError(t, err)
	assert.Equal(t, 70, stored.ProgressPercent)
}

func TestSyncQuestProgressForcesCompletionAndClearsStale(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	conn := f.seedConnection(t, "user-1", models.ProviderUdemyBusiness)
	f.seedLink(t, "user-1", 5, conn, "udemy-1003")
	_, err := f.repo.UpsertProgress(ctx, "user-1", models.QuestProgressSync{
		QuestID: 5, ProgressPercent: 33, CompletionState: models.CompletionInProgress, Linked: true, Stale: true,
	})
	require.NoError(t, err)

	f.adapter.On("GetCourseProgress", mock.Anything, mock.Anything, "udemy-1003").
		Return(&models.CourseProgress{ProgressPercent: 80, CompletionState: models.CompletionCompleted}, nil)

	got, err := f.svc.SyncQuestProgress(ctx, "user-1", 5)
	require.NoError(t, err)
	assert.Equal(t, 100, got.ProgressPercent)
	assert.Equal(t, models.CompletionCompleted, got.CompletionState)
	assert.False(t, got.Stale)
	require.NotNil(t, got.ProviderCompletedAt)
}

func TestSyncQuestProgressAdapterFailureLeavesProgress(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	conn := f.seedConnection(t, "user-1", models.ProviderUdemyBusiness)
	f.seedLink(t, "user-1", 8, conn, "udemy-1004")
	f.adapter.On("GetCourseProgress", mock.Anything, mock.Anything, "udemy-1004").Return(nil, provider.ErrMissingCredentials)

	_, err := f.svc.SyncQuestProgress(ctx, "user-1", 8)
	assert.ErrorIs(t, err, apperr.ErrUpstream)

	stored, err := f.repo.GetProgress(ctx, "user-1", 8)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.ProgressPercent)
	assert.Nil(t, stored.LastSyncedAt)
}

func TestUnlinkAndDisconnectMarkStale(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	conn := f.seedConnection(t, "user-1", models.ProviderUdemyBusiness)
	f.seedLink(t, "user-1", 1, conn, "udemy-1001")
	f.seedLink(t, "user-1", 2, conn, "udemy-1002")
	f.adapter.On("GetCourseProgress", mock.Anything, mock.Anything, "udemy-1001").Return(inProgress(69), nil)

	_, err := f.svc.SyncQuestProgress(ctx, "user-1", 1)
	require.NoError(t, err)

	require.NoError(t, f.svc.UnlinkQuestCourse(ctx, "user-1", 1))
	states, err := f.svc.GetQuestSyncStates(ctx, "user-1", []int{1, 2})
	require.NoError(t, err)
	assert.False(t, states[0].Linked)
	assert.True(t, states[0].Stale)
	assert.Equal(t, 69, states[0].ProgressPercent)
	assert.True(t, states[1].Linked)

	require.NoError(t, f.svc.DisconnectConnection(ctx, "user-1", conn.ID))
	states, err = f.svc.GetQuestSyncStates(ctx, "user-1", []int{2})
	require.NoError(t, err)
	assert.False(t, states[0].Linked)
	assert.True(t, states[0].Stale)

	conns, err := f.svc.ListConnections(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func seedFleet(t *testing.T, f *fixture) {
	t.Helper()
	c1 := f.seedConnection(t, "user-1", models.ProviderUdemyBusiness)
	f.seedLink(t, "user-1", 1, c1, "udemy-1001")
	f.seedLink(t, "user-1", 2, c1, "udemy-broken")
	f.seedLink(t, "user-1", 3, c1, "udemy-1003")
	c2 := f.seedConnection(t, "user-2", models.ProviderUdemyBusiness)
	f.seedLink(t, "user-2", 4, c2, "udemy-1004")

	f.adapter.On("GetCourseProgress", mock.Anything, mock.Anything, "udemy-broken").Return(nil, errors.New("provider returned 502"))
	f.adapter.On("GetCourseProgress", mock.Anything, mock.Anything, mock.Anything).Return(inProgress(50), nil)
}

func TestSyncProviderForAllUsersIsolatesFailures(t *testing.T) {
	for _, concurrency := range []int{1, 4} {
		t.Run("concurrency", func(t *testing.T) {
			f := newFixture(t, concurrency)
			ctx := context.Background()
			seedFleet(t, f)

			summary, err := f.svc.SyncProviderForAllUsers(ctx, models.ProviderUdemyBusiness)
			require.NoError(t, err)
			assert.Equal(t, 4, summary.Processed)
			assert.Equal(t, 3, summary.Updated)
			assert.Equal(t, 1, summary.Failures)

			f.adapter.AssertCalled(t, "GetCourseProgress", mock.Anything, mock.Anything, "udemy-1003")
			f.adapter.AssertCalled(t, "GetCourseProgress", mock.Anything, mock.Anything, "udemy-1004")

			report, err := f.svc.GetSyncRun(ctx, summary.RunID)
			require.NoError(t, err)
			assert.Equal(t, models.SyncRunPartial, report.Run.Status)
			assert.Equal(t, 4, report.Run.Processed)
			require.NotNil(t, report.Run.FinishedAt)
			require.Len(t, report.Failures, 1)
			assert.Equal(t, 2, report.Failures[0].QuestID)
			assert.Equal(t, "user-1", report.Failures[0].UserID)
			assert.Equal(t, "provider returned 502", report.Failures[0].Message)

			states, err := f.svc.GetQuestSyncStates(ctx, "user-2", []int{4})
			require.NoError(t, err)
			assert.Equal(t, 50, states[0].ProgressPercent)
		})
	}
}

func TestSyncProviderForAllUsersStatuses(t *testing.T) {
	t.Run("no links is ok", func(t *testing.T) {
		f := newFixture(t, 1)
		summary, err := f.svc.SyncProviderForAllUsers(context.Background(), models.ProviderUdemyBusiness)
		require.NoError(t, err)
		assert.Zero(t, summary.Processed)

		report, err := f.svc.GetSyncRun(context.Background(), summary.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncRunOK, report.Run.Status)
		assert.Empty(t, report.Failures)
	})

	t.Run("all failing is failed", func(t *testing.T) {
		f := newFixture(t, 1)
		conn := f.seedConnection(t, "user-1", models.ProviderUdemyBusiness)
		f.seedLink(t, "user-1", 1, conn, "udemy-1001")
		f.seedLink(t, "user-1", 2, conn, "udemy-1002")
		f.adapter.On("GetCourseProgress", mock.Anything, mock.Anything, mock.Anything).Return(nil, provider.ErrMissingCredentials)

		summary, err := f.svc.SyncProviderForAllUsers(context.Background(), models.ProviderUdemyBusiness)
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Processed)
		assert.Equal(t, 2, summary.Failures)

		report, err := f.svc.GetSyncRun(context.Background(), summary.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncRunFailed, report.Run.Status)
	})

	t.Run("unknown provider", func(t *testing.T) {
		f := newFixture(t, 1)
		_, err := f.svc.SyncProviderForAllUsers(context.Background(), models.ProviderCoursera)
		assert.ErrorIs(t, err, provider.ErrUnknownProvider)
	})
}

func TestSyncProviderForAllUsersIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t, 1)
	seedFleet(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.svc.SyncProviderForAllUsers(ctx, models.ProviderUdemyBusiness)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Processed)
}

// brokenLinksRepo fails link listing for one user.
type brokenLinksRepo struct {
	repository.IntegrationRepository
	brokenUser string
}

func (r *brokenLinksRepo) GetLinksForProvider(ctx context.Context, userID string, p models.Provider) ([]models.QuestCourseLink, error) {
	if userID == r.brokenUser {
		return nil, errors.New("links query timed out")
	}
	return r.IntegrationRepository.GetLinksForProvider(ctx, userID, p)
}

func TestSyncProviderForAllUsersCountsUnlistableUser(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	conn := f.seedConnection(t, "user-1", models.ProviderUdemyBusiness)
	f.seedLink(t, "user-1", 1, conn, "udemy-1001")
	f.seedConnection(t, "user-2", models.ProviderUdemyBusiness)
	f.adapter.On("GetCourseProgress", mock.Anything, mock.Anything, mock.Anything).Return(inProgress(30), nil)

	f.svc.repo = &brokenLinksRepo{IntegrationRepository: f.repo, brokenUser: "user-2"}

	summary, err := f.svc.SyncProviderForAllUsers(ctx, models.ProviderUdemyBusiness)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.Failures)
	assert.Equal(t, summary.Processed, summary.Updated+summary.Failures)

	report, err := f.svc.GetSyncRun(ctx, summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunPartial, report.Run.Status)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "user-2", report.Failures[0].UserID)
	assert.Zero(t, report.Failures[0].QuestID)
	assert.Empty(t, report.Failures[0].ConnectionID)
	assert.Equal(t, "links query timed out", report.Failures[0].Message)
}

func TestGetSyncRunNotFound(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.svc.GetSyncRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSyncRunNotFound)
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("user-1:42")
			mu.Lock()
			active++
			maxSeen = max(maxSeen, active)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, km.size())
}

func TestEndToEndWithReferenceAdapter(t *testing.T) {
	oauthCfg := &oauth2.Config{
		ClientID:    "elitescore-dev",
		RedirectURL: "http://localhost:8080/api/integrations/udemy_business/callback",
		Scopes:      []string{"courses:read", "progress:read"},
		Endpoint:    oauth2.Endpoint{AuthURL: "https://www.udemy.com/oauth2/authorize", TokenURL: "https://www.udemy.com/oauth2/token"},
	}
	f := newFixture(t, 1, provider.NewUdemyBusinessAdapter(oauthCfg, zap.NewNop()))
	ctx := context.Background()

	authURL, err := f.svc.GetConnectionAuthURL(ctx, models.ProviderUdemyBusiness, "user-u")
	require.NoError(t, err)
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	userID, _, err := DecodeConnectionState(parsed.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "user-u", userID)

	conn, err := f.svc.CompleteConnectionFromCode(ctx, CompleteConnectionInput{UserID: "user-u", Provider: models.ProviderUdemyBusiness, Code: "one-time-code"})
	require.NoError(t, err)

	courses, err := f.svc.ListCourses(ctx, ListCoursesInput{UserID: "user-u", ConnectionID: conn.ID})
	require.NoError(t, err)
	require.NotEmpty(t, courses)
	assert.Equal(t, "udemy-1001", courses[0].ProviderCourseID)
	assert.Equal(t, "Go Concurrency Patterns", courses[0].Title)

	_, err = f.svc.LinkQuestCourse(ctx, LinkQuestInput{
		UserID: "user-u", QuestID: 42, ConnectionID: conn.ID, ProviderCourseID: "udemy-1001", Provider: models.ProviderUdemyBusiness,
	})
	require.NoError(t, err)

	progress, err := f.svc.SyncQuestProgress(ctx, "user-u", 42)
	require.NoError(t, err)
	assert.Equal(t, 69, progress.ProgressPercent)
	assert.Equal(t, models.CompletionInProgress, progress.CompletionState)
	assert.True(t, progress.Linked)
	assert.False(t, progress.Stale)

	states, err := f.svc.GetQuestSyncStates(ctx, "user-u", []int{42})
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, conn.ID, states[0].ConnectionID)
	assert.Equal(t, "udemy-1001", states[0].ProviderCourseID)
}
