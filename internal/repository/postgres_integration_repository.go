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
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"blockarchitech.com/elitescore/internal/models"
	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	connectionColumns = "id, user_id, provider, status, scopes, expires_at, created_at, updated_at"
	linkColumns       = "quest_id, connection_id, provider_course_id, provider, created_at"
	progressColumns   = "quest_id, progress_percent, completion_state, provider_completed_at, last_synced_at, sync_source, linked, stale"
	syncRunColumns    = "id, provider, started_at, finished_at, processed, updated, failures, status"
	syncFailureCols   = "id, run_id, provider, user_id, connection_id, quest_id, message, created_at"
)

// connectionRow stores scopes space-delimited, as in an OAuth scope parameter.
type connectionRow struct {
	models.ProviderConnection
	Scopes string `db:"scopes"`
}

func (row connectionRow) toModel() models.ProviderConnection {
	c := row.ProviderConnection
	c.Scopes = strings.Fields(row.Scopes)
	return c
}

// PostgresIntegrationRepository is a PostgreSQL implementation of the IntegrationRepository.
type PostgresIntegrationRepository struct {
	db     *sqlx.DB
	tx     *sqlx.Tx
	psql   squirrel.StatementBuilderType
	logger *zap.Logger
	now    func() time.Time
}

// NewPostgresIntegrationRepository connects to dsn and applies the embedded migrations.
func NewPostgresIntegrationRepository(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresIntegrationRepository, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(time.Minute * 10)

	pingCtx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresIntegrationRepository{
		db:     db,
		psql:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		logger: logger.Named("postgres_integration_repo"),
		now:    time.Now,
	}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *PostgresIntegrationRepository) migrate() error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(r.db.DB, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (r *PostgresIntegrationRepository) Close() error {
	return r.db.Close()
}

// RunInTx runs fn against a repository bound to one transaction.
func (r *PostgresIntegrationRepository) RunInTx(ctx context.Context, fn func(*PostgresIntegrationRepository) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txRepo := &PostgresIntegrationRepository{db: r.db, tx: tx, psql: r.psql, logger: r.logger, now: r.now}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(txRepo); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *PostgresIntegrationRepository) executor() sqlx.ExtContext {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

func (r *PostgresIntegrationRepository) exec(ctx context.Context, q squirrel.Sqlizer) (sql.Result, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build SQL query: %w", err)
	}
	return r.executor().ExecContext(ctx, query, args...)
}

func (r *PostgresIntegrationRepository) get(ctx context.Context, dest any, q squirrel.Sqlizer) error {
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build SQL query: %w", err)
	}
	return sqlx.GetContext(ctx, r.executor(), dest, query, args...)
}

func (r *PostgresIntegrationRepository) selectAll(ctx context.Context, dest any, q squirrel.Sqlizer) error {
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build SQL query: %w", err)
	}
	return sqlx.SelectContext(ctx, r.executor(), dest, query, args...)
}

func (r *PostgresIntegrationRepository) touch(ctx context.Context, userID string) error {
	_, err := r.exec(ctx, r.psql.Insert("integration_users").
		Columns("user_id", "touched_at").
		Values(userID, r.now().UTC()).
		Suffix("ON CONFLICT (user_id) DO UPDATE SET touched_at = EXCLUDED.touched_at"))
	if err != nil {
		return fmt.Errorf("touch user (user_id: %s): %w", userID, err)
	}
	return nil
}

func (r *PostgresIntegrationRepository) CreateConnection(ctx context.Context, userID string, in models.NewConnection) (*models.ProviderConnection, error) {
	var row connectionRow
	err := r.RunInTx(ctx, func(tx *PostgresIntegrationRepository) error {
		if err := tx.touch(ctx, userID); err != nil {
			return err
		}
		now := tx.now().UTC()
		err := tx.get(ctx, &row, tx.psql.Insert("provider_connections").
			Columns("id", "user_id", "provider", "status", "scopes", "expires_at", "created_at", "updated_at").
			Values(uuid.NewString(), userID, string(in.Provider), string(models.ConnectionActive), strings.Join(in.Scopes, " "), in.ExpiresAt, now, now).
			Suffix("ON CONFLICT (user_id, provider) DO UPDATE SET status = EXCLUDED.status, scopes = EXCLUDED.scopes, " +
				"expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at RETURNING " + connectionColumns))
		if err != nil {
			return fmt.Errorf("upsert connection (user_id: %s, provider: %s): %w", userID, in.Provider, err)
		}
		_, err = tx.exec(ctx, tx.psql.Insert("connection_tokens").
			Columns("connection_id", "access_token", "refresh_token").
			Values(row.ID, in.AccessToken, in.RefreshToken).
			Suffix("ON CONFLICT (connection_id) DO UPDATE SET access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token"))
		if err != nil {
			return fmt.Errorf("upsert connection tokens (connection_id: %s): %w", row.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	conn := row.toModel()
	r.logger.Info("Stored provider connection in Postgres", zap.String("userID", userID), zap.String("provider", string(in.Provider)), zap.String("connectionID", conn.ID))
	return &conn, nil
}

func (r *PostgresIntegrationRepository) GetConnections(ctx context.Context, userID string) ([]models.ProviderConnection, error) {
	var rows []connectionRow
	err := r.selectAll(ctx, &rows, r.psql.Select(connectionColumns).From("provider_connections").
		Where(squirrel.Eq{"user_id": userID}).OrderBy("created_at ASC"))
	if err != nil {
		return nil, fmt.Errorf("list connections (user_id: %s): %w", userID, err)
	}
	out := make([]models.ProviderConnection, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (r *PostgresIntegrationRepository) GetConnection(ctx context.Context, userID, connectionID string) (*models.ProviderConnection, error) {
	var row connectionRow
	err := r.get(ctx, &row, r.psql.Select(connectionColumns).From("provider_connections").
		Where(squirrel.Eq{"user_id": userID, "id": connectionID}))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connection (user_id: %s, id: %s): %w", userID, connectionID, err)
	}
	conn := row.toModel()
	return &conn, nil
}

func (r *PostgresIntegrationRepository) DeleteConnection(ctx context.Context, userID, connectionID string) error {
	return r.RunInTx(ctx, func(tx *PostgresIntegrationRepository) error {
		_, err := tx.exec(ctx, tx.psql.Update("quest_progress").
			Set("linked", false).
			Set("stale", true).
			Where(squirrel.Expr("(user_id, quest_id) IN (SELECT user_id, quest_id FROM quest_links WHERE user_id = ? AND connection_id = ?)", userID, connectionID)))
		if err != nil {
			return fmt.Errorf("mark progress stale (user_id: %s, connection_id: %s): %w", userID, connectionID, err)
		}
		if _, err = tx.exec(ctx, tx.psql.Delete("quest_links").Where(squirrel.Eq{"user_id": userID, "connection_id": connectionID})); err != nil {
			return fmt.Errorf("delete links (user_id: %s, connection_id: %s): %w", userID, connectionID, err)
		}
		if _, err = tx.exec(ctx, tx.psql.Delete("connection_tokens").Where(squirrel.Eq{"connection_id": connectionID})); err != nil {
			return fmt.Errorf("delete connection tokens (connection_id: %s): %w", connectionID, err)
		}
		if _, err = tx.exec(ctx, tx.psql.Delete("provider_connections").Where(squirrel.Eq{"user_id": userID, "id": connectionID})); err != nil {
			return fmt.Errorf("delete connection (user_id: %s, id: %s): %w", userID, connectionID, err)
		}
		tx.logger.Info("Deleted provider connection from Postgres", zap.String("userID", userID), zap.String("connectionID", connectionID))
		return nil
	})
}

func (r *PostgresIntegrationRepository) GetConnectionToken(ctx context.Context, userID, connectionID string) (*models.EncryptedTokens, error) {
	var t models.EncryptedTokens
	err := r.get(ctx, &t, r.psql.Select("t.connection_id", "t.access_token", "t.refresh_token").
		From("connection_tokens t").
		Join("provider_connections c ON c.id = t.connection_id").
		Where(squirrel.Eq{"c.user_id": userID, "t.connection_id": connectionID}))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connection token (connection_id: %s): %w", connectionID, err)
	}
	return &t, nil
}

func (r *PostgresIntegrationRepository) UpsertQuestLink(ctx context.Context, userID string, link models.QuestCourseLink) (*models.QuestCourseLink, error) {
	var stored models.QuestCourseLink
	err := r.RunInTx(ctx, func(tx *PostgresIntegrationRepository) error {
		if err := tx.touch(ctx, userID); err != nil {
			return err
		}
		err := tx.get(ctx, &stored, tx.psql.Insert("quest_links").
			Columns("user_id", "quest_id", "connection_id", "provider_course_id", "provider", "created_at").
			Values(userID, link.QuestID, link.ConnectionID, link.ProviderCourseID, string(link.Provider), tx.now().UTC()).
			Suffix("ON CONFLICT (user_id, quest_id) DO UPDATE SET connection_id = EXCLUDED.connection_id, " +
				"provider_course_id = EXCLUDED.provider_course_id, provider = EXCLUDED.provider RETURNING " + linkColumns))
		if err != nil {
			return fmt.Errorf("upsert quest link (user_id: %s, quest_id: %d): %w", userID, link.QuestID, err)
		}
		fresh := newLinkedProgress(link.QuestID)
		_, err = tx.exec(ctx, tx.psql.Insert("quest_progress").
			Columns("user_id", "quest_id", "progress_percent", "completion_state", "linked", "stale").
			Values(userID, fresh.QuestID, fresh.ProgressPercent, string(fresh.CompletionState), fresh.Linked, fresh.Stale).
			Suffix("ON CONFLICT (user_id, quest_id) DO UPDATE SET linked = TRUE"))
		if err != nil {
			return fmt.Errorf("init quest progress (user_id: %s, quest_id: %d): %w", userID, link.QuestID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *PostgresIntegrationRepository) RemoveQuestLink(ctx context.Context, userID string, questID int) error {
	return r.RunInTx(ctx, func(tx *PostgresIntegrationRepository) error {
		if _, err := tx.exec(ctx, tx.psql.Delete("quest_links").Where(squirrel.Eq{"user_id": userID, "quest_id": questID})); err != nil {
			return fmt.Errorf("delete quest link (user_id: %s, quest_id: %d): %w", userID, questID, err)
		}
		_, err := tx.exec(ctx, tx.psql.Update("quest_progress").
			Set("linked", false).
			Set("stale", true).
			Where(squirrel.Eq{"user_id": userID, "quest_id": questID}))
		if err != nil {
			return fmt.Errorf("mark progress stale (user_id: %s, quest_id: %d): %w", userID, questID, err)
		}
		return nil
	})
}

func (r *PostgresIntegrationRepository) GetQuestLink(ctx context.Context, userID string, questID int) (*models.QuestCourseLink, error) {
	var l models.QuestCourseLink
	err := r.get(ctx, &l, r.psql.Select(linkColumns).From("quest_links").
		Where(squirrel.Eq{"user_id": userID, "quest_id": questID}))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quest link (user_id: %s, quest_id: %d): %w", userID, questID, err)
	}
	return &l, nil
}

func (r *PostgresIntegrationRepository) GetLinksForProvider(ctx context.Context, userID string, provider models.Provider) ([]models.QuestCourseLink, error) {
	var out []models.QuestCourseLink
	err := r.selectAll(ctx, &out, r.psql.Select(linkColumns).From("quest_links").
		Where(squirrel.Eq{"user_id": userID, "provider": string(provider)}).OrderBy("quest_id ASC"))
	if err != nil {
		return nil, fmt.Errorf("list links (user_id: %s, provider: %s): %w", userID, provider, err)
	}
	return out, nil
}

func (r *PostgresIntegrationRepository) UpsertProgress(ctx context.Context, userID string, record models.QuestProgressSync) (*models.QuestProgressSync, error) {
	var syncSource *string
	if record.SyncSource != nil {
		s := string(*record.SyncSource)
		syncSource = &s
	}
	err := r.RunInTx(ctx, func(tx *PostgresIntegrationRepository) error {
		if err := tx.touch(ctx, userID); err != nil {
			return err
		}
		_, err := tx.exec(ctx, tx.psql.Insert("quest_progress").
			Columns("user_id", "quest_id", "progress_percent", "completion_state", "provider_completed_at", "last_synced_at", "sync_source", "linked", "stale").
			Values(userID, record.QuestID, record.ProgressPercent, string(record.CompletionState), record.ProviderCompletedAt, record.LastSyncedAt, syncSource, record.Linked, record.Stale).
			Suffix("ON CONFLICT (user_id, quest_id) DO UPDATE SET progress_percent = EXCLUDED.progress_percent, " +
				"completion_state = EXCLUDED.completion_state, provider_completed_at = EXCLUDED.provider_completed_at, " +
				"last_synced_at = EXCLUDED.last_synced_at, sync_source = EXCLUDED.sync_source, " +
				"linked = EXCLUDED.linked, stale = EXCLUDED.stale"))
		if err != nil {
			return fmt.Errorf("upsert progress (user_id: %s, quest_id: %d): %w", userID, record.QuestID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *PostgresIntegrationRepository) GetProgress(ctx context.Context, userID string, questID int) (*models.QuestProgressSync, error) {
	var p models.QuestProgressSync
	err := r.get(ctx, &p, r.psql.Select(progressColumns).From("quest_progress").
		Where(squirrel.Eq{"user_id": userID, "quest_id": questID}))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress (user_id: %s, quest_id: %d): %w", userID, questID, err)
	}
	return &p, nil
}

func (r *PostgresIntegrationRepository) GetProgressBulk(ctx context.Context, userID string, questIDs []int) ([]models.QuestSyncState, error) {
	if len(questIDs) == 0 {
		return []models.QuestSyncState{}, nil
	}
	var progress []models.QuestProgressSync
	err := r.selectAll(ctx, &progress, r.psql.Select(progressColumns).From("quest_progress").
		Where(squirrel.Eq{"user_id": userID, "quest_id": questIDs}))
	if err != nil {
		return nil, fmt.Errorf("get progress bulk (user_id: %s): %w", userID, err)
	}
	var links []models.QuestCourseLink
	err = r.selectAll(ctx, &links, r.psql.Select(linkColumns).From("quest_links").
		Where(squirrel.Eq{"user_id": userID, "quest_id": questIDs}))
	if err != nil {
		return nil, fmt.Errorf("get links bulk (user_id: %s): %w", userID, err)
	}

	progressByQuest := make(map[int]*models.QuestProgressSync, len(progress))
	for i := range progress {
		progressByQuest[progress[i].QuestID] = &progress[i]
	}
	linkByQuest := make(map[int]*models.QuestCourseLink, len(links))
	for i := range links {
		linkByQuest[links[i].QuestID] = &links[i]
	}

	out := make([]models.QuestSyncState, 0, len(questIDs))
	for _, id := range questIDs {
		out = append(out, mergeProgressView(id, progressByQuest[id], linkByQuest[id]))
	}
	return out, nil
}

func (r *PostgresIntegrationRepository) AddSyncRun(ctx context.Context, provider models.Provider) (*models.SyncRun, error) {
	run := models.SyncRun{
		ID:        uuid.NewString(),
		Provider:  provider,
		StartedAt: r.now().UTC(),
		Status:    models.SyncRunOK,
	}
	_, err := r.exec(ctx, r.psql.Insert("sync_runs").
		Columns("id", "provider", "started_at", "processed", "updated", "failures", "status").
		Values(run.ID, string(run.Provider), run.StartedAt, 0, 0, 0, string(run.Status)))
	if err != nil {
		return nil, fmt.Errorf("create sync run (provider: %s): %w", provider, err)
	}
	return &run, nil
}

func (r *PostgresIntegrationRepository) CompleteSyncRun(ctx context.Context, runID string, update models.SyncRunUpdate) (*models.SyncRun, error) {
	var run models.SyncRun
	err := r.RunInTx(ctx, func(tx *PostgresIntegrationRepository) error {
		if err := tx.get(ctx, &run, tx.psql.Select(syncRunColumns).From("sync_runs").
			Where(squirrel.Eq{"id": runID}).Suffix("FOR UPDATE")); err != nil {
			return fmt.Errorf("load sync run (id: %s): %w", runID, err)
		}
		update.Apply(&run, tx.now().UTC())
		_, err := tx.exec(ctx, tx.psql.Update("sync_runs").
			Set("finished_at", run.FinishedAt).
			Set("processed", run.Processed).
			Set("updated", run.Updated).
			Set("failures", run.Failures).
			Set("status", string(run.Status)).
			Where(squirrel.Eq{"id": runID}))
		if err != nil {
			return fmt.Errorf("complete sync run (id: %s): %w", runID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *PostgresIntegrationRepository) GetSyncRun(ctx context.Context, runID string) (*models.SyncRun, error) {
	var run models.SyncRun
	err := r.get(ctx, &run, r.psql.Select(syncRunColumns).From("sync_runs").Where(squirrel.Eq{"id": runID}))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync run (id: %s): %w", runID, err)
	}
	return &run, nil
}

func (r *PostgresIntegrationRepository) AddSyncFailure(ctx context.Context, failure models.SyncFailure) (*models.SyncFailure, error) {
	failure.ID = uuid.NewString()
	failure.CreatedAt = r.now().UTC()
	_, err := r.exec(ctx, r.psql.Insert("sync_failures").
		Columns("id", "run_id", "provider", "user_id", "connection_id", "quest_id", "message", "created_at").
		Values(failure.ID, failure.RunID, string(failure.Provider), failure.UserID, failure.ConnectionID, failure.QuestID, failure.Message, failure.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("add sync failure (run_id: %s, quest_id: %d): %w", failure.RunID, failure.QuestID, err)
	}
	return &failure, nil
}

func (r *PostgresIntegrationRepository) ListSyncFailures(ctx context.Context, runID string) ([]models.SyncFailure, error) {
	var out []models.SyncFailure
	err := r.selectAll(ctx, &out, r.psql.Select(syncFailureCols).From("sync_failures").
		Where(squirrel.Eq{"run_id": runID}).OrderBy("created_at ASC"))
	if err != nil {
		return nil, fmt.Errorf("list sync failures (run_id: %s): %w", runID, err)
	}
	return out, nil
}

func (r *PostgresIntegrationRepository) ListUsers(ctx context.Context) ([]string, error) {
	var out []string
	if err := r.selectAll(ctx, &out, r.psql.Select("user_id").From("integration_users").OrderBy("user_id ASC")); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return out, nil
}
