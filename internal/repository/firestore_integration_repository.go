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
	"errors"
	"fmt"
	"strconv"
	"time"

	"blockarchitech.com/elitescore/internal/models"
	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	usersCollection        = "integrationUsers"
	connectionsCollection  = "connections"
	tokensCollection       = "connectionTokens"
	linksCollection        = "questLinks"
	progressCollection     = "questProgress"
	syncRunsCollection     = "syncRuns"
	syncFailuresCollection = "syncFailures"
)

// userDoc marks a user partition so ListUsers can enumerate it.
type userDoc struct {
	UserID    string    `firestore:"userId"`
	TouchedAt time.Time `firestore:"touchedAt"`
}

// FirestoreIntegrationRepository is a Firestore implementation of the IntegrationRepository.
type FirestoreIntegrationRepository struct {
	client *firestore.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewFirestoreIntegrationRepository creates a new FirestoreIntegrationRepository.
func NewFirestoreIntegrationRepository(ctx context.Context, projectID string, logger *zap.Logger) (*FirestoreIntegrationRepository, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return &FirestoreIntegrationRepository{
		client: client,
		logger: logger.Named("firestore_integration_repo"),
		now:    time.Now,
	}, nil
}

func (r *FirestoreIntegrationRepository) userRef(userID string) *firestore.DocumentRef {
	return r.client.Collection(usersCollection).Doc(userID)
}

func (r *FirestoreIntegrationRepository) sub(userID, collection string) *firestore.CollectionRef {
	return r.userRef(userID).Collection(collection)
}

func questDocID(questID int) string {
	return strconv.Itoa(questID)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (r *FirestoreIntegrationRepository) touch(tx *firestore.Transaction, userID string) error {
	return tx.Set(r.userRef(userID), userDoc{UserID: userID, TouchedAt: r.now().UTC()})
}

func (r *FirestoreIntegrationRepository) CreateConnection(ctx context.Context, userID string, in models.NewConnection) (*models.ProviderConnection, error) {
	var result models.ProviderConnection
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		now := r.now().UTC()
		docs, err := tx.Documents(r.sub(userID, connectionsCollection).Where("provider", "==", string(in.Provider)).Limit(1)).GetAll()
		if err != nil {
			return fmt.Errorf("failed to query existing connection: %w", err)
		}

		conn := models.ProviderConnection{
			ID:        uuid.NewString(),
			UserID:    userID,
			Provider:  in.Provider,
			CreatedAt: now,
		}
		if len(docs) > 0 {
			if err := docs[0].DataTo(&conn); err != nil {
				return fmt.Errorf("failed to decode connection data: %w", err)
			}
		}
		conn.Status = models.ConnectionActive
		conn.Scopes = in.Scopes
		conn.ExpiresAt = in.ExpiresAt
		conn.UpdatedAt = now

		if err := r.touch(tx, userID); err != nil {
			return err
		}
		if err := tx.Set(r.sub(userID, connectionsCollection).Doc(conn.ID), conn); err != nil {
			return err
		}
		tokens := models.EncryptedTokens{ConnectionID: conn.ID, AccessToken: in.AccessToken, RefreshToken: in.RefreshToken}
		if err := tx.Set(r.sub(userID, tokensCollection).Doc(conn.ID), tokens); err != nil {
			return err
		}
		result = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection in firestore: %w", err)
	}
	r.logger.Info("Stored provider connection in Firestore", zap.String("userID", userID), zap.String("provider", string(in.Provider)), zap.String("connectionID", result.ID))
	return &result, nil
}

func (r *FirestoreIntegrationRepository) GetConnections(ctx context.Context, userID string) ([]models.ProviderConnection, error) {
	iter := r.sub(userID, connectionsCollection).OrderBy("createdAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()
	out := []models.ProviderConnection{}
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list connections: %w", err)
		}
		var c models.ProviderConnection
		if err := doc.DataTo(&c); err != nil {
			return nil, fmt.Errorf("failed to decode connection data: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *FirestoreIntegrationRepository) GetConnection(ctx context.Context, userID, connectionID string) (*models.ProviderConnection, error) {
	doc, err := r.sub(userID, connectionsCollection).Doc(connectionID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	var c models.ProviderConnection
	if err := doc.DataTo(&c); err != nil {
		return nil, fmt.Errorf("failed to decode connection data: %w", err)
	}
	return &c, nil
}

func (r *FirestoreIntegrationRepository) DeleteConnection(ctx context.Context, userID, connectionID string) error {
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		links, err := tx.Documents(r.sub(userID, linksCollection).Where("connectionId", "==", connectionID)).GetAll()
		if err != nil {
			return fmt.Errorf("failed to query links of connection: %w", err)
		}
		progress := make(map[*firestore.DocumentRef]*models.QuestProgressSync, len(links))
		for _, l := range links {
			ref := r.sub(userID, progressCollection).Doc(l.Ref.ID)
			snap, err := tx.Get(ref)
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return fmt.Errorf("failed to get progress: %w", err)
			}
			var p models.QuestProgressSync
			if err := snap.DataTo(&p); err != nil {
				return fmt.Errorf("failed to decode progress data: %w", err)
			}
			progress[ref] = &p
		}

		for ref, p := range progress {
			markUnlinked(p)
			if err := tx.Set(ref, p); err != nil {
				return err
			}
		}
		for _, l := range links {
			if err := tx.Delete(l.Ref); err != nil {
				return err
			}
		}
		if err := tx.Delete(r.sub(userID, tokensCollection).Doc(connectionID)); err != nil {
			return err
		}
		return tx.Delete(r.sub(userID, connectionsCollection).Doc(connectionID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete connection in firestore: %w", err)
	}
	r.logger.Info("Deleted provider connection from Firestore", zap.String("userID", userID), zap.String("connectionID", connectionID))
	return nil
}

func (r *FirestoreIntegrationRepository) GetConnectionToken(ctx context.Context, userID, connectionID string) (*models.EncryptedTokens, error) {
	doc, err := r.sub(userID, tokensCollection).Doc(connectionID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get connection token: %w", err)
	}
	var t models.EncryptedTokens
	if err := doc.DataTo(&t); err != nil {
		return nil, fmt.Errorf("failed to decode token data: %w", err)
	}
	return &t, nil
}

func (r *FirestoreIntegrationRepository) UpsertQuestLink(ctx context.Context, userID string, link models.QuestCourseLink) (*models.QuestCourseLink, error) {
	linkRef := r.sub(userID, linksCollection).Doc(questDocID(link.QuestID))
	progressRef := r.sub(userID, progressCollection).Doc(questDocID(link.QuestID))

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		link.CreatedAt = r.now().UTC()
		existing, err := tx.Get(linkRef)
		switch {
		case err == nil:
			var prev models.QuestCourseLink
			if err := existing.DataTo(&prev); err != nil {
				return fmt.Errorf("failed to decode link data: %w", err)
			}
			link.CreatedAt = prev.CreatedAt
		case !isNotFound(err):
			return fmt.Errorf("failed to get link: %w", err)
		}

		progress := newLinkedProgress(link.QuestID)
		snap, err := tx.Get(progressRef)
		switch {
		case err == nil:
			if err := snap.DataTo(&progress); err != nil {
				return fmt.Errorf("failed to decode progress data: %w", err)
			}
			progress.Linked = true
		case !isNotFound(err):
			return fmt.Errorf("failed to get progress: %w", err)
		}

		if err := r.touch(tx, userID); err != nil {
			return err
		}
		if err := tx.Set(linkRef, link); err != nil {
			return err
		}
		return tx.Set(progressRef, progress)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert quest link in firestore: %w", err)
	}
	return &link, nil
}

func (r *FirestoreIntegrationRepository) RemoveQuestLink(ctx context.Context, userID string, questID int) error {
	linkRef := r.sub(userID, linksCollection).Doc(questDocID(questID))
	progressRef := r.sub(userID, progressCollection).Doc(questDocID(questID))

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(progressRef)
		var progress *models.QuestProgressSync
		switch {
		case err == nil:
			progress = &models.QuestProgressSync{}
			if err := snap.DataTo(progress); err != nil {
				return fmt.Errorf("failed to decode progress data: %w", err)
			}
		case !isNotFound(err):
			return fmt.Errorf("failed to get progress: %w", err)
		}

		if err := tx.Delete(linkRef); err != nil {
			return err
		}
		if progress != nil {
			markUnlinked(progress)
			return tx.Set(progressRef, progress)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove quest link in firestore: %w", err)
	}
	return nil
}

func (r *FirestoreIntegrationRepository) GetQuestLink(ctx context.Context, userID string, questID int) (*models.QuestCourseLink, error) {
	doc, err := r.sub(userID, linksCollection).Doc(questDocID(questID)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get quest link: %w", err)
	}
	var l models.QuestCourseLink
	if err := doc.DataTo(&l); err != nil {
		return nil, fmt.Errorf("failed to decode link data: %w", err)
	}
	return &l, nil
}

func (r *FirestoreIntegrationRepository) GetLinksForProvider(ctx context.Context, userID string, provider models.Provider) ([]models.QuestCourseLink, error) {
	iter := r.sub(userID, linksCollection).Where("provider", "==", string(provider)).Documents(ctx)
	defer iter.Stop()
	var out []models.QuestCourseLink
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list links for provider: %w", err)
		}
		var l models.QuestCourseLink
		if err := doc.DataTo(&l); err != nil {
			return nil, fmt.Errorf("failed to decode link data: %w", err)
		}
		out = append(out, l)
	}
	return out, nil
}

func (r *FirestoreIntegrationRepository) UpsertProgress(ctx context.Context, userID string, record models.QuestProgressSync) (*models.QuestProgressSync, error) {
	batch := r.client.Batch()
	batch.Set(r.userRef(userID), userDoc{UserID: userID, TouchedAt: r.now().UTC()})
	batch.Set(r.sub(userID, progressCollection).Doc(questDocID(record.QuestID)), record)
	if _, err := batch.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to upsert progress in firestore: %w", err)
	}
	return &record, nil
}

func (r *FirestoreIntegrationRepository) GetProgress(ctx context.Context, userID string, questID int) (*models.QuestProgressSync, error) {
	doc, err := r.sub(userID, progressCollection).Doc(questDocID(questID)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	var p models.QuestProgressSync
	if err := doc.DataTo(&p); err != nil {
		return nil, fmt.Errorf("failed to decode progress data: %w", err)
	}
	return &p, nil
}

func (r *FirestoreIntegrationRepository) GetProgressBulk(ctx context.Context, userID string, questIDs []int) ([]models.QuestSyncState, error) {
	if len(questIDs) == 0 {
		return []models.QuestSyncState{}, nil
	}
	refs := make([]*firestore.DocumentRef, 0, 2*len(questIDs))
	for _, id := range questIDs {
		refs = append(refs,
			r.sub(userID, progressCollection).Doc(questDocID(id)),
			r.sub(userID, linksCollection).Doc(questDocID(id)),
		)
	}
	snaps, err := r.client.GetAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("failed to get progress bulk: %w", err)
	}

	out := make([]models.QuestSyncState, 0, len(questIDs))
	for i, id := range questIDs {
		var progress *models.QuestProgressSync
		var link *models.QuestCourseLink
		if ps := snaps[2*i]; ps.Exists() {
			progress = &models.QuestProgressSync{}
			if err := ps.DataTo(progress); err != nil {
				return nil, fmt.Errorf("failed to decode progress data: %w", err)
			}
		}
		if ls := snaps[2*i+1]; ls.Exists() {
			link = &models.QuestCourseLink{}
			if err := ls.DataTo(link); err != nil {
				return nil, fmt.Errorf("failed to decode link data: %w", err)
			}
		}
		out = append(out, mergeProgressView(id, progress, link))
	}
	return out, nil
}

func (r *FirestoreIntegrationRepository) AddSyncRun(ctx context.Context, provider models.Provider) (*models.SyncRun, error) {
	run := models.SyncRun{
		ID:        uuid.NewString(),
		Provider:  provider,
		StartedAt: r.now().UTC(),
		Status:    models.SyncRunOK,
	}
	if _, err := r.client.Collection(syncRunsCollection).Doc(run.ID).Set(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create sync run in firestore: %w", err)
	}
	return &run, nil
}

func (r *FirestoreIntegrationRepository) CompleteSyncRun(ctx context.Context, runID string, update models.SyncRunUpdate) (*models.SyncRun, error) {
	ref := r.client.Collection(syncRunsCollection).Doc(runID)
	var run models.SyncRun
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if err := snap.DataTo(&run); err != nil {
			return fmt.Errorf("failed to decode sync run data: %w", err)
		}
		update.Apply(&run, r.now().UTC())
		return tx.Set(ref, run)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete sync run %s: %w", runID, err)
	}
	return &run, nil
}

func (r *FirestoreIntegrationRepository) GetSyncRun(ctx context.Context, runID string) (*models.SyncRun, error) {
	doc, err := r.client.Collection(syncRunsCollection).Doc(runID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}
	var run models.SyncRun
	if err := doc.DataTo(&run); err != nil {
		return nil, fmt.Errorf("failed to decode sync run data: %w", err)
	}
	return &run, nil
}

func (r *FirestoreIntegrationRepository) AddSyncFailure(ctx context.Context, failure models.SyncFailure) (*models.SyncFailure, error) {
	failure.ID = uuid.NewString()
	failure.CreatedAt = r.now().UTC()
	if _, err := r.client.Collection(syncFailuresCollection).Doc(failure.ID).Create(ctx, failure); err != nil {
		return nil, fmt.Errorf("failed to add sync failure in firestore: %w", err)
	}
	return &failure, nil
}

func (r *FirestoreIntegrationRepository) ListSyncFailures(ctx context.Context, runID string) ([]models.SyncFailure, error) {
	iter := r.client.Collection(syncFailuresCollection).Where("runId", "==", runID).Documents(ctx)
	defer iter.Stop()
	var out []models.SyncFailure
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list sync failures: %w", err)
		}
		var f models.SyncFailure
		if err := doc.DataTo(&f); err != nil {
			return nil, fmt.Errorf("failed to decode sync failure data: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}

func (r *FirestoreIntegrationRepository) ListUsers(ctx context.Context) ([]string, error) {
	iter := r.client.Collection(usersCollection).Documents(ctx)
	defer iter.Stop()
	var out []string
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list users: %w", err)
		}
		out = append(out, doc.Ref.ID)
	}
	return out, nil
}

func (r *FirestoreIntegrationRepository) Close() error {
	return r.client.Close()
}
