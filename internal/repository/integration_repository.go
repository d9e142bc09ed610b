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

	"blockarchitech.com/elitescore/internal/models"
)

// IntegrationRepository stores provider connections, quest links, quest progress and sync audit data.
// User-scoped calls take the owning user id. Lookups return (nil, nil) when the record is absent.
type IntegrationRepository interface {
	// Connections
	CreateConnection(ctx context.Context, userID string, conn models.NewConnection) (*models.ProviderConnection, error)
	GetConnections(ctx context.Context, userID string) ([]models.ProviderConnection, error)
	GetConnection(ctx context.Context, userID, connectionID string) (*models.ProviderConnection, error)
	DeleteConnection(ctx context.Context, userID, connectionID string) error
	GetConnectionToken(ctx context.Context, userID, connectionID string) (*models.EncryptedTokens, error)

	// Quest links
	UpsertQuestLink(ctx context.Context, userID string, link models.QuestCourseLink) (*models.QuestCourseLink, error)
	RemoveQuestLink(ctx context.Context, userID string, questID int) error
	GetQuestLink(ctx context.Context, userID string, questID int) (*models.QuestCourseLink, error)
	GetLinksForProvider(ctx context.Context, userID string, provider models.Provider) ([]models.QuestCourseLink, error)

	// Progress
	UpsertProgress(ctx context.Context, userID string, record models.QuestProgressSync) (*models.QuestProgressSync, error)
	GetProgress(ctx context.Context, userID string, questID int) (*models.QuestProgressSync, error)
	GetProgressBulk(ctx context.Context, userID string, questIDs []int) ([]models.QuestSyncState, error)

	// Sync runs, process-wide
	AddSyncRun(ctx context.Context, provider models.Provider) (*models.SyncRun, error)
	CompleteSyncRun(ctx context.Context, runID string, update models.SyncRunUpdate) (*models.SyncRun, error)
	GetSyncRun(ctx context.Context, runID string) (*models.SyncRun, error)
	AddSyncFailure(ctx context.Context, failure models.SyncFailure) (*models.SyncFailure, error)
	ListSyncFailures(ctx context.Context, runID string) ([]models.SyncFailure, error)
	ListUsers(ctx context.Context) ([]string, error)

	Close() error
}

// mergeProgressView combines a stored progress record with the quest's current link.
// Absent progress defaults to the unlinked zero record.
func mergeProgressView(questID int, progress *models.QuestProgressSync, link *models.QuestCourseLink) models.QuestSyncState {
	state := models.QuestSyncState{QuestProgressSync: models.NewUnlinkedProgress(questID)}
	if progress != nil {
		state.QuestProgressSync = *progress
	}
	if link != nil {
		state.ConnectionID = link.ConnectionID
		state.ProviderCourseID = link.ProviderCourseID
	}
	return state
}

// newLinkedProgress is the record created when a quest is linked for the first time.
func newLinkedProgress(questID int) models.QuestProgressSync {
	p := models.NewUnlinkedProgress(questID)
	p.Linked = true
	return p
}

// markUnlinked flags a progress record as detached while keeping its last known values.
func markUnlinked(p *models.QuestProgressSync) {
	p.Linked = false
	p.Stale = true
}
