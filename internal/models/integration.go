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

// Provider identifies an external learning provider. The set is closed; see provider.IsValidProvider.
type Provider string

const (
	ProviderUdemyBusiness Provider = "udemy_business"
	ProviderCoursera      Provider = "coursera"
)

type ConnectionStatus string

const (
	ConnectionActive  ConnectionStatus = "active"
	ConnectionExpired ConnectionStatus = "expired"
	ConnectionError   ConnectionStatus = "error"
)

type CompletionState string

const (
	CompletionNotStarted CompletionState = "not_started"
	CompletionInProgress CompletionState = "in_progress"
	CompletionCompleted  CompletionState = "completed"
)

type SyncRunStatus string

const (
	SyncRunOK      SyncRunStatus = "ok"
	SyncRunPartial SyncRunStatus = "partial"
	SyncRunFailed  SyncRunStatus = "failed"
)

// ProviderConnection is one user's authorization grant to one provider.
// There is at most one per (user, provider).
type ProviderConnection struct {
	ID        string           `firestore:"id" db:"id" json:"id"`
	UserID    string           `firestore:"userId" db:"user_id" json:"userId"`
	Provider  Provider         `firestore:"provider" db:"provider" json:"provider"`
	Status    ConnectionStatus `firestore:"status" db:"status" json:"status"`
	Scopes    []string         `firestore:"scopes" db:"-" json:"scopes"`
	ExpiresAt *time.Time       `firestore:"expiresAt,omitempty" db:"expires_at" json:"expiresAtISO,omitempty"`
	CreatedAt time.Time        `firestore:"createdAt" db:"created_at" json:"createdAtISO"`
	UpdatedAt time.Time        `firestore:"updatedAt" db:"updated_at" json:"updatedAtISO"`
}

// NewConnection carries what CreateConnection needs. Tokens must already be encrypted.
type NewConnection struct {
	Provider     Provider
	Scopes       []string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// EncryptedTokens is the token record of a connection. Both fields hold cipher tokens.
type EncryptedTokens struct {
	ConnectionID string `firestore:"connectionId" db:"connection_id" json:"-"`
	AccessToken  string `firestore:"accessToken" db:"access_token" json:"-"`
	RefreshToken string `firestore:"refreshToken,omitempty" db:"refresh_token" json:"-"`
}

// QuestCourseLink binds one quest to one provider course through a connection.
type QuestCourseLink struct {
	QuestID          int       `firestore:"questId" db:"quest_id" json:"questId"`
	ConnectionID     string    `firestore:"connectionId" db:"connection_id" json:"connectionId"`
	ProviderCourseID string    `firestore:"providerCourseId" db:"provider_course_id" json:"providerCourseId"`
	Provider         Provider  `firestore:"provider" db:"provider" json:"provider"`
	CreatedAt        time.Time `firestore:"createdAt" db:"created_at" json:"createdAtISO"`
}

// QuestProgressSync is the reconciled progress of a quest.
type QuestProgressSync struct {
	QuestID             int             `firestore:"questId" db:"quest_id" json:"questId"`
	ProgressPercent     int             `firestore:"progressPercent" db:"progress_percent" json:"progressPercent"`
	CompletionState     CompletionState `firestore:"completionState" db:"completion_state" json:"completionState"`
	ProviderCompletedAt *time.Time      `firestore:"providerCompletedAt,omitempty" db:"provider_completed_at" json:"providerCompletedAtISO,omitempty"`
	LastSyncedAt        *time.Time      `firestore:"lastSyncedAt,omitempty" db:"last_synced_at" json:"lastSyncedAtISO,omitempty"`
	SyncSource          *Provider       `firestore:"syncSource,omitempty" db:"sync_source" json:"syncSource,omitempty"`
	Linked              bool            `firestore:"linked" db:"linked" json:"linked"`
	Stale               bool            `firestore:"stale" db:"stale" json:"stale"`
}

// QuestSyncState is the bulk view of a quest: stored progress plus its current link, if any.
type QuestSyncState struct {
	QuestProgressSync
	ConnectionID     string `json:"connectionId,omitempty"`
	ProviderCourseID string `json:"providerCourseId,omitempty"`
}

// NewUnlinkedProgress is the default progress for a quest with no stored record.
func NewUnlinkedProgress(questID int) QuestProgressSync {
	return QuestProgressSync{
		QuestID:         questID,
		ProgressPercent: 0,
		CompletionState: CompletionNotStarted,
	}
}

// SyncRun is one invocation of the fleet-wide sync for a provider.
type SyncRun struct {
	ID         string        `firestore:"id" db:"id" json:"id"`
	Provider   Provider      `firestore:"provider" db:"provider" json:"provider"`
	StartedAt  time.Time     `firestore:"startedAt" db:"started_at" json:"startedAtISO"`
	FinishedAt *time.Time    `firestore:"finishedAt,omitempty" db:"finished_at" json:"finishedAtISO,omitempty"`
	Processed  int           `firestore:"processed" db:"processed" json:"processed"`
	Updated    int           `firestore:"updated" db:"updated" json:"updated"`
	Failures   int           `firestore:"failures" db:"failures" json:"failures"`
	Status     SyncRunStatus `firestore:"status" db:"status" json:"status"`
}

// SyncRunUpdate is a partial update merged into a run by CompleteSyncRun. Nil fields are left as-is.
type SyncRunUpdate struct {
	Processed  *int
	Updated    *int
	Failures   *int
	Status     *SyncRunStatus
	FinishedAt *time.Time
}

// Apply merges u into run and sets FinishedAt to now when neither carries one.
func (u SyncRunUpdate) Apply(run *SyncRun, now time.Time) {
	if u.Processed != nil {
		run.Processed = *u.Processed
	}
	if u.Updated != nil {
		run.Updated = *u.Updated
	}
	if u.Failures != nil {
		run.Failures = *u.Failures
	}
	if u.Status != nil {
		run.Status = *u.Status
	}
	if u.FinishedAt != nil {
		run.FinishedAt = u.FinishedAt
	}
	if run.FinishedAt == nil {
		run.FinishedAt = &now
	}
}

// RunStatusFor derives a run's status from its counters.
func RunStatusFor(updated, failures int) SyncRunStatus {
	switch {
	case failures == 0:
		return SyncRunOK
	case updated == 0:
		return SyncRunFailed
	default:
		return SyncRunPartial
	}
}

// SyncFailure is an append-only audit entry for one link that failed during a run.
type SyncFailure struct {
	ID           string    `firestore:"id" db:"id" json:"id"`
	RunID        string    `firestore:"runId" db:"run_id" json:"runId"`
	Provider     Provider  `firestore:"provider" db:"provider" json:"provider"`
	UserID       string    `firestore:"userId" db:"user_id" json:"userId"`
	ConnectionID string    `firestore:"connectionId" db:"connection_id" json:"connectionId"`
	QuestID      int       `firestore:"questId" db:"quest_id" json:"questId"`
	Message      string    `firestore:"message" db:"message" json:"message"`
	CreatedAt    time.Time `firestore:"createdAt" db:"created_at" json:"createdAtISO"`
}

// SyncSummary is what the fleet sync reports back to its caller.
// Processed counts synced links plus users whose links could not be listed, so Updated+Failures == Processed.
type SyncSummary struct {
	RunID     string `json:"runId"`
	Processed int    `json:"processed"`
	Updated   int    `json:"updated"`
	Failures  int    `json:"failures"`
}
