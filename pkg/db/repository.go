package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/fly-io/pkgupdate/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository records update flows in SQLite.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the history database at dbPath.
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(1)

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a running flow record.
func (r *Repository) Create(f *Flow) error {
	slog.Info("database_create_flow", "flow_id", f.ID, "kind", f.Kind)

	if f.State == "" {
		f.State = StateRunning
	}
	query := `
		INSERT INTO flows (id, kind, from_version, to_version, asset_url, state)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := r.db.Exec(query, f.ID, f.Kind, f.FromVersion, f.ToVersion, f.AssetURL, f.State); err != nil {
		slog.Error("database_insert_failed", "flow_id", f.ID, "error", err)
		return errors.Wrap(err, "failed to insert flow")
	}
	return nil
}

// Finish settles a flow with its final state and outcome.
func (r *Repository) Finish(f *Flow) error {
	slog.Info("database_finish_flow", "flow_id", f.ID, "state", f.State)

	query := `
		UPDATE flows
		SET to_version = ?, asset_url = ?, sha256 = ?, state = ?, error_message = ?, finished_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query, f.ToVersion, f.AssetURL, f.SHA256, f.State, f.ErrorMessage, f.ID)
	if err != nil {
		slog.Error("database_update_failed", "flow_id", f.ID, "error", err)
		return errors.Wrap(err, "failed to finish flow")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_flow_not_found_for_update", "flow_id", f.ID)
		return fmt.Errorf("flow not found: id=%s", f.ID)
	}
	return nil
}

// Get retrieves a flow by ID. It returns nil, nil when no such flow exists.
func (r *Repository) Get(id string) (*Flow, error) {
	query := `
		SELECT id, kind, from_version, to_version, asset_url, sha256, state, error_message, created_at, finished_at
		FROM flows WHERE id = ?
	`
	f, err := scanFlow(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "flow_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query flow")
	}
	return f, nil
}

// List returns the newest flows first. limit <= 0 returns all of them.
func (r *Repository) List(limit int) ([]*Flow, error) {
	slog.Debug("database_list_flows", "limit", limit)

	query := `
		SELECT id, kind, from_version, to_version, asset_url, sha256, state, error_message, created_at, finished_at
		FROM flows ORDER BY created_at DESC, rowid DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list flows")
	}
	defer rows.Close()

	var flows []*Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return flows, nil
}

// MarkAbandoned fails every flow still recorded as running. Such rows are
// left behind when a process dies mid-flow.
func (r *Repository) MarkAbandoned() (int64, error) {
	result, err := r.db.Exec(`
		UPDATE flows SET state = ?, error_message = ?, finished_at = CURRENT_TIMESTAMP
		WHERE state = ?
	`, StateFailed, "abandoned: process exited before the flow settled", StateRunning)
	if err != nil {
		return 0, errors.Wrap(err, "failed to mark abandoned flows")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	if n > 0 {
		slog.Warn("database_flows_abandoned", "count", n)
	}
	return n, nil
}

// Prune deletes settled flows beyond the newest keep rows.
func (r *Repository) Prune(keep int) (int64, error) {
	result, err := r.db.Exec(`
		DELETE FROM flows WHERE state != ? AND rowid NOT IN (
			SELECT rowid FROM flows ORDER BY created_at DESC, rowid DESC LIMIT ?
		)
	`, StateRunning, keep)
	if err != nil {
		slog.Error("database_prune_failed", "error", err)
		return 0, errors.Wrap(err, "failed to prune flows")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	slog.Info("database_flows_pruned", "count", n, "kept", keep)
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*Flow, error) {
	var f Flow
	var toVersion, assetURL, sha, errorMessage, finishedAt sql.NullString
	err := row.Scan(&f.ID, &f.Kind, &f.FromVersion, &toVersion, &assetURL, &sha,
		&f.State, &errorMessage, &f.CreatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	f.ToVersion = toVersion.String
	f.AssetURL = assetURL.String
	f.SHA256 = sha.String
	f.ErrorMessage = errorMessage.String
	f.FinishedAt = finishedAt.String
	return &f, nil
}
