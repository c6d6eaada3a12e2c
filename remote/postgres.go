package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipforge/projectsync/logger"
	"github.com/clipforge/projectsync/models"
	"github.com/clipforge/projectsync/pubsub"
)

// PostgresStore is the durable BranchStore. Heads, branch metadata and the
// commit log live in Postgres; every head write is published on the branch's
// Redis channel so open sessions see it immediately.
type PostgresStore struct {
	pool *pgxpool.Pool
	ps   *pubsub.PubSub
	log  *logger.ComponentLogger
}

// NewPostgresStore connects to the database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string, ps *pubsub.PubSub) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, ps: ps, log: logger.Component("remote")}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS branches (
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_by TEXT NOT NULL,
			parent_branch TEXT,
			parent_commit TEXT,
			is_protected BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (user_id, project_id, branch_id)
		);
		CREATE TABLE IF NOT EXISTS branch_heads (
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			commit_id TEXT NOT NULL,
			state BYTEA NOT NULL,
			ts BIGINT NOT NULL,
			author TEXT NOT NULL,
			session_id TEXT,
			PRIMARY KEY (user_id, project_id, branch_id)
		);
		CREATE TABLE IF NOT EXISTS commits (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			author TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			parent_commit TEXT,
			message TEXT
		);
		CREATE INDEX IF NOT EXISTS commits_branch_idx
			ON commits (user_id, project_id, branch_id, id DESC);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// GetHead retrieves the branch head record.
func (s *PostgresStore) GetHead(ctx context.Context, userID, projectID, branchID string) (*models.BranchHead, error) {
	var head models.BranchHead
	err := s.pool.QueryRow(ctx, `
		SELECT commit_id, state, ts, author, COALESCE(session_id, '')
		FROM branch_heads
		WHERE user_id = $1 AND project_id = $2 AND branch_id = $3
	`, userID, projectID, branchID).Scan(&head.CommitID, &head.State, &head.Timestamp, &head.Author, &head.SessionID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("remote read: %w", err)
	}
	return &head, nil
}

// PutHead overwrites the branch head, appends the commit log entry, and
// publishes the write on the branch channel.
func (s *PostgresStore) PutHead(ctx context.Context, userID, projectID, branchID string, head *models.BranchHead) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("remote write: %w", err)
	}
	defer tx.Rollback(ctx)

	var parentCommit string
	err = tx.QueryRow(ctx, `
		SELECT commit_id FROM branch_heads
		WHERE user_id = $1 AND project_id = $2 AND branch_id = $3
	`, userID, projectID, branchID).Scan(&parentCommit)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("remote write: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO branch_heads (user_id, project_id, branch_id, commit_id, state, ts, author, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, project_id, branch_id) DO UPDATE
		SET commit_id = $4, state = $5, ts = $6, author = $7, session_id = $8
	`, userID, projectID, branchID, head.CommitID, head.State, head.Timestamp, head.Author, head.SessionID)
	if err != nil {
		return fmt.Errorf("remote write: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO commits (id, user_id, project_id, branch_id, author, ts, parent_commit)
		VALUES ($1, $2, $3, $4, $5, to_timestamp($6::double precision / 1000), NULLIF($7, ''))
		ON CONFLICT (id) DO NOTHING
	`, head.CommitID, userID, projectID, branchID, head.Author, head.Timestamp, parentCommit)
	if err != nil {
		return fmt.Errorf("remote write: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("remote write: %w", err)
	}

	s.publishHead(userID, projectID, branchID, head)
	return nil
}

// publishHead notifies subscribers of a head write. Best-effort: the durable
// write already succeeded, so a publish failure is only logged.
func (s *PostgresStore) publishHead(userID, projectID, branchID string, head *models.BranchHead) {
	if s.ps == nil {
		return
	}
	payload, err := json.Marshal(head)
	if err != nil {
		s.log.Error("marshal head for publish: %v", err)
		return
	}
	channel := pubsub.BranchChannel(userID, projectID, branchID)
	if err := s.ps.Publish(channel, &pubsub.Message{SessionID: head.SessionID, Payload: payload}); err != nil {
		s.log.Error("publish %s: %v", channel, err)
	}
}

// Subscribe attaches a handler to the branch's change feed.
func (s *PostgresStore) Subscribe(ctx context.Context, userID, projectID, branchID string, onChange func(*models.BranchHead)) (func(), error) {
	if s.ps == nil {
		return nil, fmt.Errorf("remote read: pubsub not configured")
	}
	channel := pubsub.BranchChannel(userID, projectID, branchID)
	err := s.ps.Subscribe(channel, func(_ string, payload []byte) {
		var msg pubsub.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.log.Warn("bad message on %s: %v", channel, err)
			return
		}
		var head models.BranchHead
		if err := json.Unmarshal(msg.Payload, &head); err != nil {
			s.log.Warn("bad head on %s: %v", channel, err)
			return
		}
		onChange(&head)
	})
	if err != nil {
		return nil, fmt.Errorf("remote read: %w", err)
	}
	return func() {
		if err := s.ps.Unsubscribe(channel); err != nil {
			s.log.Warn("unsubscribe %s: %v", channel, err)
		}
	}, nil
}

// GetBranch retrieves branch metadata.
func (s *PostgresStore) GetBranch(ctx context.Context, userID, projectID, branchID string) (*models.BranchMetadata, error) {
	var meta models.BranchMetadata
	err := s.pool.QueryRow(ctx, `
		SELECT branch_id, name, created_at, created_by,
		       COALESCE(parent_branch, ''), COALESCE(parent_commit, ''), is_protected
		FROM branches
		WHERE user_id = $1 AND project_id = $2 AND branch_id = $3
	`, userID, projectID, branchID).Scan(
		&meta.ID, &meta.Name, &meta.CreatedAt, &meta.CreatedBy,
		&meta.ParentBranch, &meta.ParentCommit, &meta.IsProtected,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("remote read: %w", err)
	}
	return &meta, nil
}

// PutBranch creates or overwrites branch metadata.
func (s *PostgresStore) PutBranch(ctx context.Context, userID, projectID string, meta *models.BranchMetadata) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO branches (user_id, project_id, branch_id, name, created_at, created_by, parent_branch, parent_commit, is_protected)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
		ON CONFLICT (user_id, project_id, branch_id) DO UPDATE
		SET name = $4, parent_branch = NULLIF($7, ''), parent_commit = NULLIF($8, ''), is_protected = $9
	`, userID, projectID, meta.ID, meta.Name, meta.CreatedAt, meta.CreatedBy, meta.ParentBranch, meta.ParentCommit, meta.IsProtected)
	if err != nil {
		return fmt.Errorf("remote write: %w", err)
	}
	return nil
}

// ListBranches returns all branches of a project, main first then by name.
func (s *PostgresStore) ListBranches(ctx context.Context, userID, projectID string) ([]*models.BranchMetadata, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT branch_id, name, created_at, created_by,
		       COALESCE(parent_branch, ''), COALESCE(parent_commit, ''), is_protected
		FROM branches
		WHERE user_id = $1 AND project_id = $2
		ORDER BY is_protected DESC, name
	`, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("remote read: %w", err)
	}
	defer rows.Close()

	branches := make([]*models.BranchMetadata, 0)
	for rows.Next() {
		var meta models.BranchMetadata
		err := rows.Scan(
			&meta.ID, &meta.Name, &meta.CreatedAt, &meta.CreatedBy,
			&meta.ParentBranch, &meta.ParentCommit, &meta.IsProtected,
		)
		if err != nil {
			return nil, fmt.Errorf("remote read: %w", err)
		}
		branches = append(branches, &meta)
	}
	return branches, nil
}

// DeleteBranch removes the branch's head, metadata and commit log.
func (s *PostgresStore) DeleteBranch(ctx context.Context, userID, projectID, branchID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("remote write: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, q := range []string{
		`DELETE FROM branch_heads WHERE user_id = $1 AND project_id = $2 AND branch_id = $3`,
		`DELETE FROM branches WHERE user_id = $1 AND project_id = $2 AND branch_id = $3`,
		`DELETE FROM commits WHERE user_id = $1 AND project_id = $2 AND branch_id = $3`,
	} {
		if _, err := tx.Exec(ctx, q, userID, projectID, branchID); err != nil {
			return fmt.Errorf("remote write: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("remote write: %w", err)
	}
	return nil
}

// ListCommits returns the most recent commits for a branch, newest first.
// Commit ids are ULIDs, so ordering by id orders by creation time.
func (s *PostgresStore) ListCommits(ctx context.Context, userID, projectID, branchID string, limit int) ([]*models.Commit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, branch_id, author, ts, COALESCE(parent_commit, ''), COALESCE(message, '')
		FROM commits
		WHERE user_id = $1 AND project_id = $2 AND branch_id = $3
		ORDER BY id DESC
		LIMIT $4
	`, userID, projectID, branchID, limit)
	if err != nil {
		return nil, fmt.Errorf("remote read: %w", err)
	}
	defer rows.Close()

	commits := make([]*models.Commit, 0)
	for rows.Next() {
		var c models.Commit
		err := rows.Scan(&c.ID, &c.BranchID, &c.Author, &c.Timestamp, &c.ParentCommit, &c.Message)
		if err != nil {
			return nil, fmt.Errorf("remote read: %w", err)
		}
		commits = append(commits, &c)
	}
	return commits, nil
}

// Ping probes both the database and the change feed.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return err
	}
	if s.ps != nil {
		return s.ps.Ping(ctx)
	}
	return nil
}
