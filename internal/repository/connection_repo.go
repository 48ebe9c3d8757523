package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/dualterm/internal/model"
)

const recordColumns = `id, remote_id, mode, agent_id, state, reconnects, last_error, preview_line, created_at, updated_at`

// ConnectionRepository stores the history of terminal sessions.
type ConnectionRepository struct {
	db *sql.DB
}

// NewConnectionRepository creates a new ConnectionRepository.
func NewConnectionRepository(db *sql.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// Create inserts a new record.
func (r *ConnectionRepository) Create(ctx context.Context, rec *model.SessionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	query := `INSERT INTO connections (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		nullable(rec.RemoteID),
		string(rec.Mode),
		nullable(rec.AgentID),
		rec.State,
		rec.Reconnects,
		nullable(rec.LastError),
		nullable(rec.PreviewLine),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection record: %w", err)
	}

	return nil
}

// Update overwrites the mutable fields of a record and bumps updated_at.
func (r *ConnectionRepository) Update(ctx context.Context, rec *model.SessionRecord) error {
	rec.UpdatedAt = time.Now()

	query := `
		UPDATE connections
		SET remote_id = ?, agent_id = ?, state = ?, reconnects = ?, last_error = ?, preview_line = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullable(rec.RemoteID),
		nullable(rec.AgentID),
		rec.State,
		rec.Reconnects,
		nullable(rec.LastError),
		nullable(rec.PreviewLine),
		rec.UpdatedAt,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update connection record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// GetByID retrieves a record by its ID.
func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*model.SessionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM connections WHERE id = ?`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection record: %w", err)
	}

	return rec, nil
}

// List returns the newest records first. An empty agentID lists every agent;
// a limit of zero or less returns all records.
func (r *ConnectionRepository) List(ctx context.Context, agentID string, limit int) ([]*model.SessionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM connections`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connection records: %w", err)
	}
	defer rows.Close()

	var records []*model.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connection records: %w", err)
	}

	return records, nil
}

// Delete removes a record.
func (r *ConnectionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// Prune deletes all but the newest keep records and returns how many were removed.
func (r *ConnectionRepository) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	query := `
		DELETE FROM connections
		WHERE id NOT IN (
			SELECT id FROM connections ORDER BY created_at DESC LIMIT ?
		)
	`

	result, err := r.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune connection records: %w", err)
	}

	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*model.SessionRecord, error) {
	rec := &model.SessionRecord{}
	var mode string
	var remoteID, agentID, lastError, previewLine sql.NullString

	err := row.Scan(
		&rec.ID,
		&remoteID,
		&mode,
		&agentID,
		&rec.State,
		&rec.Reconnects,
		&lastError,
		&previewLine,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Mode = model.TransportKind(mode)
	rec.RemoteID = remoteID.String
	rec.AgentID = agentID.String
	rec.LastError = lastError.String
	rec.PreviewLine = previewLine.String
	return rec, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
