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
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"blockarchitech.com/elitescore/internal/apperr"
	"blockarchitech.com/elitescore/internal/metrics"
	"blockarchitech.com/elitescore/internal/models"
	"blockarchitech.com/elitescore/internal/provider"
	"blockarchitech.com/elitescore/internal/repository"
	"blockarchitech.com/elitescore/internal/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

var (
	ErrConnectionNotFound = fmt.Errorf("%w: connection not found", apperr.ErrNotFound)
	ErrTokenMissing       = fmt.Errorf("%w: connection token missing", apperr.ErrNotFound)
	ErrQuestNotLinked     = fmt.Errorf("%w: quest is not linked to a course", apperr.ErrNotFound)
	ErrSyncRunNotFound    = fmt.Errorf("%w: sync run not found", apperr.ErrNotFound)
	ErrProviderMismatch   = fmt.Errorf("%w: connection belongs to a different provider", apperr.ErrInvalidInput)
	ErrMissingField       = fmt.Errorf("%w: missing required field", apperr.ErrInvalidInput)
	ErrUnknownConnection  = fmt.Errorf("%w: connection does not belong to user", apperr.ErrInvalidInput)
)

type CompleteConnectionInput struct {
	UserID   string
	Provider models.Provider
	Code     string
}

type ListCoursesInput struct {
	UserID       string
	ConnectionID string
	Query        string
}

type LinkQuestInput struct {
	UserID           string
	QuestID          int
	ConnectionID     string
	ProviderCourseID string
	Provider         models.Provider
}

// SyncRunReport is a run together with the failures recorded against it.
type SyncRunReport struct {
	Run      *models.SyncRun      `json:"run"`
	Failures []models.SyncFailure `json:"failures"`
}

// IntegrationService orchestrates provider connections, quest links and progress sync.
type IntegrationService struct {
	repo            repository.IntegrationRepository
	registry        *provider.Registry
	cipher          *utils.SecretCipher
	tracer          trace.Tracer
	logger          *zap.Logger
	now             func() time.Time
	syncConcurrency int
	questLocks      *keyedMutex
}

// NewIntegrationService creates a new IntegrationService. A syncConcurrency of 1 keeps fleet sync sequential.
func NewIntegrationService(
	repo repository.IntegrationRepository,
	registry *provider.Registry,
	cipher *utils.SecretCipher,
	syncConcurrency int,
	tracer trace.Tracer,
	logger *zap.Logger,
) *IntegrationService {
	if syncConcurrency < 1 {
		syncConcurrency = 1
	}
	return &IntegrationService{
		repo:            repo,
		registry:        registry,
		cipher:          cipher,
		tracer:          tracer,
		logger:          logger.Named("integration_service"),
		now:             time.Now,
		syncConcurrency: syncConcurrency,
		questLocks:      newKeyedMutex(),
	}
}

func recordSpanError(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

func questLockKey(userID string, questID int) string {
	return userID + ":" + strconv.Itoa(questID)
}

// GetConnectionAuthURL returns the provider URL the user is sent to for authorization.
func (s *IntegrationService) GetConnectionAuthURL(ctx context.Context, p models.Provider, userID string) (string, error) {
	_, span := s.tracer.Start(ctx, "IntegrationService.GetConnectionAuthURL",
		trace.WithAttributes(attribute.String("provider", string(p))))
	defer span.End()

	adapter, err := s.registry.Adapter(p)
	if err != nil {
		recordSpanError(span, err, "Unknown provider")
		return "", err
	}
	state, err := encodeConnectionState(userID, s.now())
	if err != nil {
		recordSpanError(span, err, "Encode state failed")
		return "", err
	}
	return adapter.AuthorizeURL(state), nil
}

// CompleteConnectionFromCode exchanges an authorization code and stores the resulting connection.
func (s *IntegrationService) CompleteConnectionFromCode(ctx context.Context, in CompleteConnectionInput) (*models.ProviderConnection, error) {
	ctx, span := s.tracer.Start(ctx, "IntegrationService.CompleteConnectionFromCode",
		trace.WithAttributes(attribute.String("provider", string(in.Provider))))
	defer span.End()

	adapter, err := s.registry.Adapter(in.Provider)
	if err != nil {
		recordSpanError(span, err, "Unknown provider")
		return nil, err
	}

	grant, err := adapter.ExchangeCode(ctx, in.Code)
	if err != nil {
		s.logger.Warn("Authorization code exchange failed", zap.String("userID", in.UserID), zap.String("provider", string(in.Provider)), zap.Error(err))
		recordSpanError(span, err, "Code exchange failed")
		return nil, err
	}

	encAccess, err := s.cipher.Encrypt(grant.AccessToken)
	if err != nil {
		recordSpanError(span, err, "Encrypt access token failed")
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	var encRefresh string
	if grant.RefreshToken != "" {
		if encRefresh, err = s.cipher.Encrypt(grant.RefreshToken); err != nil {
			recordSpanError(span, err, "Encrypt refresh token failed")
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	conn, err := s.repo.CreateConnection(ctx, in.UserID, models.NewConnection{
		Provider:     in.Provider,
		Scopes:       grant.Scopes,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		ExpiresAt:    grant.ExpiresAt,
	})
	if err != nil {
		recordSpanError(span, err, "Store connection failed")
		return nil, err
	}

	s.logger.Info("Connected provider", zap.String("userID", in.UserID), zap.String("provider", string(in.Provider)), zap.String("connectionID", conn.ID))
	span.SetStatus(codes.Ok, "Connection stored")
	return conn, nil
}

func (s *IntegrationService) ListConnections(ctx context.Context, userID string) ([]models.ProviderConnection, error) {
	return s.repo.GetConnections(ctx, userID)
}

func (s *IntegrationService) DisconnectConnection(ctx context.Context, userID, connectionID string) error {
	if err := s.repo.DeleteConnection(ctx, userID, connectionID); err != nil {
		return err
	}
	s.logger.Info("Disconnected provider connection", zap.String("userID", userID), zap.String("connectionID", connectionID))
	return nil
}

// loadCredentials resolves a connection and its decrypted credentials.
func (s *IntegrationService) loadCredentials(ctx context.Context, userID, connectionID string) (*models.ProviderConnection, *oauth2.Token, error) {
	conn, err := s.repo.GetConnection(ctx, userID, connectionID)
	if err != nil {
		return nil, nil, err
	}
	if conn == nil {
		return nil, nil, ErrConnectionNotFound
	}

	stored, err := s.repo.GetConnectionToken(ctx, userID, connectionID)
	if err != nil {
		return nil, nil, err
	}
	if stored == nil {
		return nil, nil, ErrTokenMissing
	}

	access, err := s.cipher.Decrypt(stored.AccessToken)
	if err != nil {
		return nil, nil, err
	}
	token := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if stored.RefreshToken != "" {
		if token.RefreshToken, err = s.cipher.Decrypt(stored.RefreshToken); err != nil {
			return nil, nil, err
		}
	}
	if conn.ExpiresAt != nil {
		token.Expiry = *conn.ExpiresAt
	}
	return conn, token, nil
}

// ListCourses lists the learner's courses through the connection's provider.
func (s *IntegrationService) ListCourses(ctx context.Context, in ListCoursesInput) ([]models.ProviderCourse, error) {
	ctx, span := s.tracer.Start(ctx, "IntegrationService.ListCourses",
		trace.WithAttributes(attribute.String("connection.id", in.ConnectionID)))
	defer span.End()

	conn, token, err := s.loadCredentials(ctx, in.UserID, in.ConnectionID)
	if err != nil {
		recordSpanError(span, err, "Load credentials failed")
		return nil, err
	}
	adapter, err := s.registry.Adapter(conn.Provider)
	if err != nil {
		recordSpanError(span, err, "Unknown provider")
		return nil, err
	}
	courses, err := adapter.ListLearnerCourses(ctx, token, in.Query)
	if err != nil {
		recordSpanError(span, err, "List courses failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("courses.count", len(courses)))
	return courses, nil
}

// LinkQuestCourse binds a quest to a course reachable through one of the user's connections.
func (s *IntegrationService) LinkQuestCourse(ctx context.Context, in LinkQuestInput) (*models.QuestCourseLink, error) {
	ctx, span := s.tracer.Start(ctx, "IntegrationService.LinkQuestCourse",
		trace.WithAttributes(attribute.Int("quest.id", in.QuestID)))
	defer span.End()

	if strings.TrimSpace(in.ConnectionID) == "" || strings.TrimSpace(in.ProviderCourseID) == "" {
		recordSpanError(span, ErrMissingField, "Invalid link payload")
		return nil, fmt.Errorf("%w: connectionId and providerCourseId are required", ErrMissingField)
	}
	if _, err := provider.ParseProvider(string(in.Provider)); err != nil {
		recordSpanError(span, err, "Unknown provider")
		return nil, err
	}

	conn, err := s.repo.GetConnection(ctx, in.UserID, in.ConnectionID)
	if err != nil {
		recordSpanError(span, err, "Load connection failed")
		return nil, err
	}
	if conn == nil {
		recordSpanError(span, ErrUnknownConnection, "Unknown connection")
		return nil, ErrUnknownConnection
	}
	if conn.Provider != in.Provider {
		recordSpanError(span, ErrProviderMismatch, "Provider mismatch")
		return nil, fmt.Errorf("%w: connection is %s, link is %s", ErrProviderMismatch, conn.Provider, in.Provider)
	}

	unlock := s.questLocks.Lock(questLockKey(in.UserID, in.QuestID))
	defer unlock()

	link, err := s.repo.UpsertQuestLink(ctx, in.UserID, models.QuestCourseLink{
		QuestID:          in.QuestID,
		ConnectionID:     in.ConnectionID,
		ProviderCourseID: in.ProviderCourseID,
		Provider:         in.Provider,
	})
	if err != nil {
		recordSpanError(span, err, "Store link failed")
		return nil, err
	}
	s.logger.Info("Linked quest to course", zap.String("userID", in.UserID), zap.Int("questID", in.QuestID), zap.String("providerCourseID", in.ProviderCourseID))
	return link, nil
}

func (s *IntegrationService) UnlinkQuestCourse(ctx context.Context, userID string, questID int) error {
	unlock := s.questLocks.Lock(questLockKey(userID, questID))
	defer unlock()
	if err := s.repo.RemoveQuestLink(ctx, userID, questID); err != nil {
		return err
	}
	s.logger.Info("Unlinked quest", zap.String("userID", userID), zap.Int("questID", questID))
	return nil
}

func (s *IntegrationService) GetQuestSyncStates(ctx context.Context, userID string, questIDs []int) ([]models.QuestSyncState, error) {
	return s.repo.GetProgressBulk(ctx, userID, questIDs)
}

// mergeProgress applies reported provider progress on top of the stored record.
// Percent never decreases and a completed quest stays completed.
func mergeProgress(prev *models.QuestProgressSync, reported *models.CourseProgress, now time.Time) (int, models.CompletionState, *time.Time) {
	if reported.CompletionState == models.CompletionCompleted {
		completedAt := reported.ProviderCompletedAt
		if prev != nil && prev.CompletionState == models.CompletionCompleted && prev.ProviderCompletedAt != nil {
			completedAt = prev.ProviderCompletedAt
		}
		if completedAt == nil {
			completedAt = &now
		}
		return 100, models.CompletionCompleted, completedAt
	}
	if prev != nil && prev.CompletionState == models.CompletionCompleted {
		return 100, models.CompletionCompleted, prev.ProviderCompletedAt
	}

	percent := min(max(reported.ProgressPercent, 0), 100)
	if prev != nil && prev.ProgressPercent > percent {
		percent = prev.ProgressPercent
	}
	state := reported.CompletionState
	if percent > 0 && state == models.CompletionNotStarted {
		state = models.CompletionInProgress
	}
	return percent, state, nil
}

// SyncQuestProgress pulls provider progress for one linked quest and merges it into stored progress.
func (s *IntegrationService) SyncQuestProgress(ctx context.Context, userID string, questID int) (*models.QuestProgressSync, error) {
	ctx, span := s.tracer.Start(ctx, "IntegrationService.SyncQuestProgress",
		trace.WithAttributes(attribute.Int("quest.id", questID)))
	defer span.End()

	unlock := s.questLocks.Lock(questLockKey(userID, questID))
	defer unlock()

	link, err := s.repo.GetQuestLink(ctx, userID, questID)
	if err != nil {
		recordSpanError(span, err, "Load link failed")
		return nil, err
	}
	if link == nil {
		recordSpanError(span, ErrQuestNotLinked, "Quest not linked")
		return nil, ErrQuestNotLinked
	}
	span.SetAttributes(attribute.String("provider", string(link.Provider)))

	record, err := s.syncLinkedQuest(ctx, userID, link)
	metrics.ObserveQuestSync(string(link.Provider), err)
	if err != nil {
		recordSpanError(span, err, "Sync failed")
		return nil, err
	}
	span.SetStatus(codes.Ok, "Progress synced")
	return record, nil
}

// syncLinkedQuest does the fetch and merge for a link. Callers hold the quest lock.
func (s *IntegrationService) syncLinkedQuest(ctx context.Context, userID string, link *models.QuestCourseLink) (*models.QuestProgressSync, error) {
	_, token, err := s.loadCredentials(ctx, userID, link.ConnectionID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.registry.Adapter(link.Provider)
	if err != nil {
		return nil, err
	}
	reported, err := adapter.GetCourseProgress(ctx, token, link.ProviderCourseID)
	if err != nil {
		return nil, err
	}

	prev, err := s.repo.GetProgress(ctx, userID, link.QuestID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	percent, state, completedAt := mergeProgress(prev, reported, now)
	source := link.Provider
	record := models.QuestProgressSync{
		QuestID:             link.QuestID,
		ProgressPercent:     percent,
		CompletionState:     state,
		ProviderCompletedAt: completedAt,
		LastSyncedAt:        &now,
		SyncSource:          &source,
		Linked:              true,
		Stale:               false,
	}
	stored, err := s.repo.UpsertProgress(ctx, userID, record)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Synced quest progress",
		zap.String("userID", userID),
		zap.Int("questID", link.QuestID),
		zap.Int("progressPercent", stored.ProgressPercent),
		zap.String("completionState", string(stored.CompletionState)),
	)
	return stored, nil
}

type syncTally struct {
	mu        sync.Mutex
	processed int
	updated   int
	failures  int
}

// SyncProviderForAllUsers syncs every link of provider p across all known users.
// A failing link is recorded against the run and never stops the rest of the scan.
// The run is detached from ctx cancellation so its bookkeeping always completes.
func (s *IntegrationService) SyncProviderForAllUsers(ctx context.Context, p models.Provider) (*models.SyncSummary, error) {
	if _, err := s.registry.Adapter(p); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(context.WithoutCancel(ctx), "IntegrationService.SyncProviderForAllUsers",
		trace.WithAttributes(attribute.String("provider", string(p))))
	defer span.End()
	start := time.Now()

	run, err := s.repo.AddSyncRun(ctx, p)
	if err != nil {
		recordSpanError(span, err, "Open sync run failed")
		return nil, err
	}
	logger := s.logger.With(zap.String("runID", run.ID), zap.String("provider", string(p)))
	logger.Info("Starting provider sync run")

	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		recordSpanError(span, err, "List users failed")
		failed := models.SyncRunFailed
		if _, cerr := s.repo.CompleteSyncRun(ctx, run.ID, models.SyncRunUpdate{Status: &failed}); cerr != nil {
			logger.Error("Failed to close sync run", zap.Error(cerr))
		}
		return nil, err
	}

	tally := &syncTally{}
	if s.syncConcurrency == 1 {
		for _, userID := range users {
			s.syncUserLinks(ctx, run.ID, p, userID, tally, logger)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(s.syncConcurrency)
		for _, userID := range users {
			g.Go(func() error {
				s.syncUserLinks(ctx, run.ID, p, userID, tally, logger)
				return nil
			})
		}
		_ = g.Wait()
	}

	status := models.RunStatusFor(tally.updated, tally.failures)
	if _, err := s.repo.CompleteSyncRun(ctx, run.ID, models.SyncRunUpdate{
		Processed: &tally.processed,
		Updated:   &tally.updated,
		Failures:  &tally.failures,
		Status:    &status,
	}); err != nil {
		recordSpanError(span, err, "Close sync run failed")
		return nil, err
	}
	metrics.ObserveSyncRun(string(p), string(status), start)

	span.SetAttributes(
		attribute.Int("sync.processed", tally.processed),
		attribute.Int("sync.updated", tally.updated),
		attribute.Int("sync.failures", tally.failures),
	)
	logger.Info("Finished provider sync run",
		zap.Int("users", len(users)),
		zap.Int("processed", tally.processed),
		zap.Int("updated", tally.updated),
		zap.Int("failures", tally.failures),
		zap.String("status", string(status)),
	)
	return &models.SyncSummary{
		RunID:     run.ID,
		Processed: tally.processed,
		Updated:   tally.updated,
		Failures:  tally.failures,
	}, nil
}

// syncUserLinks syncs one user's links sequentially.
func (s *IntegrationService) syncUserLinks(ctx context.Context, runID string, p models.Provider, userID string, tally *syncTally, logger *zap.Logger) {
	links, err := s.repo.GetLinksForProvider(ctx, userID, p)
	if err != nil {
		logger.Error("Failed to list links for user", zap.String("userID", userID), zap.Error(err))
		// the user counts as one processed item so failures never exceed processed
		tally.mu.Lock()
		tally.processed++
		tally.failures++
		tally.mu.Unlock()
		s.recordFailure(ctx, runID, p, userID, "", 0, err, logger)
		return
	}

	for i := range links {
		link := &links[i]
		unlock := s.questLocks.Lock(questLockKey(userID, link.QuestID))
		_, err := s.syncLinkedQuest(ctx, userID, link)
		unlock()

		tally.mu.Lock()
		tally.processed++
		if err == nil {
			tally.updated++
		} else {
			tally.failures++
		}
		tally.mu.Unlock()

		if err != nil {
			metrics.ObserveSyncLink(string(p), "failed")
			logger.Warn("Quest sync failed during run", zap.String("userID", userID), zap.Int("questID", link.QuestID), zap.Error(err))
			s.recordFailure(ctx, runID, p, userID, link.ConnectionID, link.QuestID, err, logger)
			continue
		}
		metrics.ObserveSyncLink(string(p), "updated")
	}
}

func (s *IntegrationService) recordFailure(ctx context.Context, runID string, p models.Provider, userID, connectionID string, questID int, cause error, logger *zap.Logger) {
	_, err := s.repo.AddSyncFailure(ctx, models.SyncFailure{
		RunID:        runID,
		Provider:     p,
		UserID:       userID,
		ConnectionID: connectionID,
		QuestID:      questID,
		Message:      cause.Error(),
	})
	if err != nil {
		logger.Error("Failed to record sync failure", zap.String("userID", userID), zap.Int("questID", questID), zap.Error(err))
	}
}

// GetSyncRun returns a run and its recorded failures.
func (s *IntegrationService) GetSyncRun(ctx context.Context, runID string) (*SyncRunReport, error) {
	run, err := s.repo.GetSyncRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrSyncRunNotFound
	}
	failures, err := s.repo.ListSyncFailures(ctx, runID)
	if err != nil {
		return nil, err
	}
	if failures == nil {
		failures = []models.SyncFailure{}
	}
	return &SyncRunReport{Run: run, Failures: failures}, nil
}
