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

package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"blockarchitech.com/elitescore/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type userPartition struct {
	connections map[string]*models.ProviderConnection
	tokens      map[string]*models.EncryptedTokens
	links       map[int]*models.QuestCourseLink
	progress    map[int]*models.QuestProgressSync
}

func newUserPartition() *userPartition {
	return &userPartition{
		connections: make(map[string]*models.ProviderConnection),
		tokens:      make(map[string]*models.EncryptedTokens),
		links:       make(map[int]*models.QuestCourseLink),
		progress:    make(map[int]*models.QuestProgressSync),
	}
}

// InMemoryIntegrationRepository is an in-memory implementation of the IntegrationRepository.
type InMemoryIntegrationRepository struct {
	users    map[string]*userPartition
	runs     map[string]*models.SyncRun
	failures []models.SyncFailure
	mu       sync.RWMutex
	logger   *zap.Logger
	now      func() time.Time
}

// NewInMemoryIntegrationRepository creates a new InMemoryIntegrationRepository.
func NewInMemoryIntegrationRepository(logger *zap.Logger) *InMemoryIntegrationRepository {
	return &InMemoryIntegrationRepository{
		users:  make(map[string]*userPartition),
		runs:   make(map[string]*models.SyncRun),
		logger: logger.Named("inmemory_integration_repo"),
		now:    time.Now,
	}
}

// partition returns the user's partition, creating it on first use. Callers hold the write lock.
func (r *InMemoryIntegrationRepository) partition(userID string) *userPartition {
	p, ok := r.users[userID]
	if !ok {
		p = newUserPartition()
		r.users[userID] = p
	}
	return p
}

func (r *InMemoryIntegrationRepository) CreateConnection(ctx context.Context, userID string, in models.NewConnection) (*models.ProviderConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.partition(userID)
	now := r.now().UTC()

	var conn *models.ProviderConnection
	for _, c := range p.connections {
		if c.Provider == in.Provider {
			conn = c
			break
		}
	}
	if conn == nil {
		conn = &models.ProviderConnection{
			ID:        uuid.NewString(),
			UserID:    userID,
			Provider:  in.Provider,
			CreatedAt: now,
		}
		p.connections[conn.ID] = conn
	}
	conn.Status = models.ConnectionActive
	conn.Scopes = append([]string(nil), in.Scopes...)
	conn.ExpiresAt = copyTime(in.ExpiresAt)
	conn.UpdatedAt = now
	p.tokens[conn.ID] = &models.EncryptedTokens{
		ConnectionID: conn.ID,
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
	}

	r.logger.Info("Stored provider connection in-memory", zap.String("userID", userID), zap.String("provider", string(in.Provider)), zap.String("connectionID", conn.ID))
	out := *conn
	return &out, nil
}

func (r *InMemoryIntegrationRepository) GetConnections(ctx context.Context, userID string) ([]models.ProviderConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.partition(userID)
	out := make([]models.ProviderConnection, 0, len(p.connections))
	for _, c := range p.connections {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *InMemoryIntegrationRepository) GetConnection(ctx context.Context, userID, connectionID string) (*models.ProviderConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.partition(userID).connections[connectionID]
	if !ok {
		return nil, nil
	}
	out := *c
	return &out, nil
}

func (r *InMemoryIntegrationRepository) DeleteConnection(ctx context.Context, userID, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.partition(userID)
	delete(p.connections, connectionID)
	delete(p.tokens, connectionID)
	for questID, link := range p.links {
		if link.ConnectionID != connectionID {
			continue
		}
		if prog, ok := p.progress[questID]; ok {
			markUnlinked(prog)
		}
		delete(p.links, questID)
	}
	r.logger.Info("Deleted provider connection in-memory", zap.String("userID", userID), zap.String("connectionID", connectionID))
	return nil
}

func (r *InMemoryIntegrationRepository) GetConnectionToken(ctx context.Context, userID, connectionID string) (*models.EncryptedTokens, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.partition(userID).tokens[connectionID]
	if !ok {
		return nil, nil
	}
	out := *t
	return &out, nil
}

func (r *InMemoryIntegrationRepository) UpsertQuestLink(ctx context.Context, userID string, link models.QuestCourseLink) (*models.QuestCourseLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.partition(userID)

	if existing, ok := p.links[link.QuestID]; ok {
		link.CreatedAt = existing.CreatedAt
	} else {
		link.CreatedAt = r.now().UTC()
	}
	stored := link
	p.links[link.QuestID] = &stored

	if prog, ok := p.progress[link.QuestID]; ok {
		prog.Linked = true
	} else {
		fresh := newLinkedProgress(link.QuestID)
		p.progress[link.QuestID] = &fresh
	}
	return &link, nil
}

func (r *InMemoryIntegrationRepository) RemoveQuestLink(ctx context.Context, userID string, questID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.partition(userID)
	delete(p.links, questID)
	if prog, ok := p.progress[questID]; ok {
		markUnlinked(prog)
	}
	return nil
}

func (r *InMemoryIntegrationRepository) GetQuestLink(ctx context.Context, userID string, questID int) (*models.QuestCourseLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.partition(userID).links[questID]
	if !ok {
		return nil, nil
	}
	out := *l
	return &out, nil
}

func (r *InMemoryIntegrationRepository) GetLinksForProvider(ctx context.Context, userID string, provider models.Provider) ([]models.QuestCourseLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.QuestCourseLink
	for _, l := range r.partition(userID).links {
		if l.Provider == provider {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestID < out[j].QuestID })
	return out, nil
}

func (r *InMemoryIntegrationRepository) UpsertProgress(ctx context.Context, userID string, record models.QuestProgressSync) (*models.QuestProgressSync, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partition(userID).progress[record.QuestID] = copyProgress(&record)
	return copyProgress(&record), nil
}

func (r *InMemoryIntegrationRepository) GetProgress(ctx context.Context, userID string, questID int) (*models.QuestProgressSync, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prog, ok := r.partition(userID).progress[questID]
	if !ok {
		return nil, nil
	}
	return copyProgress(prog), nil
}

func (r *InMemoryIntegrationRepository) GetProgressBulk(ctx context.Context, userID string, questIDs []int) ([]models.QuestSyncState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.partition(userID)
	out := make([]models.QuestSyncState, 0, len(questIDs))
	for _, id := range questIDs {
		out = append(out, mergeProgressView(id, copyProgress(p.progress[id]), p.links[id]))
	}
	return out, nil
}

func (r *InMemoryIntegrationRepository) AddSyncRun(ctx context.Context, provider models.Provider) (*models.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run := &models.SyncRun{
		ID:        uuid.NewString(),
		Provider:  provider,
		StartedAt: r.now().UTC(),
		Status:    models.SyncRunOK,
	}
	r.runs[run.ID] = run
	out := *run
	return &out, nil
}

func (r *InMemoryIntegrationRepository) CompleteSyncRun(ctx context.Context, runID string, update models.SyncRunUpdate) (*models.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, fmt.Errorf("sync run %s not found", runID)
	}
	update.Apply(run, r.now().UTC())
	out := *run
	return &out, nil
}

func (r *InMemoryIntegrationRepository) GetSyncRun(ctx context.Context, runID string) (*models.SyncRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, nil
	}
	out := *run
	return &out, nil
}

func (r *InMemoryIntegrationRepository) AddSyncFailure(ctx context.Context, failure models.SyncFailure) (*models.SyncFailure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	failure.ID = uuid.NewString()
	failure.CreatedAt = r.now().UTC()
	r.failures = append(r.failures, failure)
	return &failure, nil
}

func (r *InMemoryIntegrationRepository) ListSyncFailures(ctx context.Context, runID string) ([]models.SyncFailure, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.SyncFailure
	for _, f := range r.failures {
		if f.RunID == runID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (r *InMemoryIntegrationRepository) ListUsers(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (r *InMemoryIntegrationRepository) Close() error {
	r.logger.Info("Closing in-memory integration repository (no-op).")
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// copyProgress deep-copies a progress record so callers never share its pointer fields with the store.
func copyProgress(p *models.QuestProgressSync) *models.QuestProgressSync {
	if p == nil {
		return nil
	}
	out := *p
	out.ProviderCompletedAt = copyTime(p.ProviderCompletedAt)
	out.LastSyncedAt = copyTime(p.LastSyncedAt)
	if p.SyncSource != nil {
		src := *p.SyncSource
		out.SyncSource = &src
	}
	return &out
}
