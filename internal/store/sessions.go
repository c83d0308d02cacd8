package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/termdeck/termdeck/internal/protocol"
)

// ErrNotFound is returned when a session or worker does not exist.
var ErrNotFound = errors.New("store: not found")

// CreateSession inserts a session and its workers in one transaction.
// Worker positions follow slice order.
func (s *Store) CreateSession(ctx context.Context, sess protocol.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, type, location_path, repository_id, worktree_id, status, created_at, title, initial_prompt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Type), sess.LocationPath, sess.RepositoryID, sess.WorktreeID,
		string(sess.Status), sess.CreatedAt, sess.Title, sess.InitialPrompt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for i, w := range sess.Workers {
		if err := insertWorker(ctx, tx, sess.ID, i, w); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertWorker(ctx context.Context, tx *sql.Tx, sessionID string, position int, w protocol.Worker) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workers (id, session_id, type, name, created_at, activated, position, agent_id, use_sdk, base_commit, target_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, sessionID, string(w.Type), w.Name, w.CreatedAt, boolInt(w.Activated),
		position, w.AgentID, boolInt(w.UseSDK), w.BaseCommit, w.TargetRef)
	if err != nil {
		return fmt.Errorf("insert worker %s: %w", w.ID, err)
	}
	return nil
}

// UpdateSession rewrites a session's mutable fields (status, title,
// initial prompt) and its workers' mutable fields. Worker membership is
// reconciled: rows gone from the slice are deleted, new ones inserted
// at the end.
func (s *Store) UpdateSession(ctx context.Context, sess protocol.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = ?, title = ?, initial_prompt = ?, worktree_id = ?
		WHERE id = ?`,
		string(sess.Status), sess.Title, sess.InitialPrompt, sess.WorktreeID, sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	keep := make(map[string]bool, len(sess.Workers))
	for i, w := range sess.Workers {
		keep[w.ID] = true
		res, err := tx.ExecContext(ctx, `
			UPDATE workers SET name = ?, activated = ?, position = ?, agent_id = ?, use_sdk = ?, base_commit = ?, target_ref = ?
			WHERE session_id = ? AND id = ?`,
			w.Name, boolInt(w.Activated), i, w.AgentID, boolInt(w.UseSDK), w.BaseCommit, w.TargetRef,
			sess.ID, w.ID)
		if err != nil {
			return fmt.Errorf("update worker %s: %w", w.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if err := insertWorker(ctx, tx, sess.ID, i, w); err != nil {
				return err
			}
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM workers WHERE session_id = ?`, sess.ID)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan worker id: %w", err)
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate workers: %w", err)
	}
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM workers WHERE session_id = ? AND id = ?`, sess.ID, id); err != nil {
			return fmt.Errorf("delete worker %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sdk_messages WHERE session_id = ? AND worker_id = ?`, sess.ID, id); err != nil {
			return fmt.Errorf("delete worker transcript %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// DeleteSession removes a session, its workers, and their transcripts.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sdk_messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete transcripts: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ListSessions returns all sessions with their workers in position
// order, oldest session first.
func (s *Store) ListSessions(ctx context.Context) ([]protocol.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, location_path, repository_id, worktree_id, status, created_at, title, initial_prompt
		FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []protocol.Session
	for rows.Next() {
		var sess protocol.Session
		var typ, status string
		if err := rows.Scan(&sess.ID, &typ, &sess.LocationPath, &sess.RepositoryID,
			&sess.WorktreeID, &status, &sess.CreatedAt, &sess.Title, &sess.InitialPrompt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Type = protocol.SessionType(typ)
		sess.Status = protocol.SessionStatus(status)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	for i := range sessions {
		workers, err := s.listWorkers(ctx, sessions[i].ID)
		if err != nil {
			return nil, err
		}
		sessions[i].Workers = workers
	}
	return sessions, nil
}

func (s *Store) listWorkers(ctx context.Context, sessionID string) ([]protocol.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, name, created_at, activated, agent_id, use_sdk, base_commit, target_ref
		FROM workers WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	workers := []protocol.Worker{}
	for rows.Next() {
		var w protocol.Worker
		var typ string
		var activated, useSDK int
		if err := rows.Scan(&w.ID, &typ, &w.Name, &w.CreatedAt, &activated,
			&w.AgentID, &useSDK, &w.BaseCommit, &w.TargetRef); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w.Type = protocol.WorkerType(typ)
		w.Activated = activated != 0
		w.UseSDK = useSDK != 0
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return workers, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
