package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore is the file-backed Store implementation. The database file
// outlives the process, which is what carries upload progress across restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the SQLite database at dsn and
// applies pending schema migrations. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// The driver supports one writer at a time; a single connection also keeps
	// an in-memory database from vanishing between pool connections.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply state migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, snapshot Snapshot) error {
	chunks, err := encodeChunks(snapshot.UploadedChunks)
	if err != nil {
		return err
	}

	updatedAt := snapshot.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `INSERT INTO upload_tasks
			(task_id, file_name, destination_prefix, status, chunk_count, uploaded_chunks, progress_percent, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				file_name = excluded.file_name,
				destination_prefix = excluded.destination_prefix,
				status = excluded.status,
				chunk_count = excluded.chunk_count,
				uploaded_chunks = excluded.uploaded_chunks,
				progress_percent = excluded.progress_percent,
				updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query,
		snapshot.TaskID,
		snapshot.FileName,
		snapshot.DestinationPrefix,
		snapshot.Status,
		snapshot.ChunkCount,
		chunks,
		snapshot.ProgressPercent,
		updatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, taskID string) (Snapshot, bool, error) {
	query := `SELECT task_id, file_name, destination_prefix, status, chunk_count, uploaded_chunks, progress_percent, updated_at
			FROM upload_tasks WHERE task_id = ?`
	row := s.db.QueryRowContext(ctx, query, taskID)

	snapshot, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to load task state: %w", err)
	}
	return snapshot, true, nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]Snapshot, error) {
	query := `SELECT task_id, file_name, destination_prefix, status, chunk_count, uploaded_chunks, progress_percent, updated_at
			FROM upload_tasks ORDER BY updated_at, task_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list task states: %w", err)
	}
	defer rows.Close()

	var result []Snapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task state: %w", err)
		}
		result = append(result, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list task states: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PruneStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM upload_tasks WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune task states: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned task states: %w", err)
	}
	return int(pruned), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeChunks(indices []int) (string, error) {
	sorted := make([]int, len(indices))
	copy(sorted, indices)
	sort.Ints(sorted)

	encoded, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("failed to encode uploaded chunk indices: %w", err)
	}
	return string(encoded), nil
}

func scanSnapshot(scan func(dest ...interface{}) error) (Snapshot, error) {
	var (
		snapshot  Snapshot
		chunks    string
		updatedAt int64
	)
	err := scan(
		&snapshot.TaskID,
		&snapshot.FileName,
		&snapshot.DestinationPrefix,
		&snapshot.Status,
		&snapshot.ChunkCount,
		&chunks,
		&snapshot.ProgressPercent,
		&updatedAt,
	)
	if err != nil {
		return Snapshot{}, err
	}

	if err := json.Unmarshal([]byte(chunks), &snapshot.UploadedChunks); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode uploaded chunk indices: %w", err)
	}
	snapshot.UpdatedAt = time.Unix(0, updatedAt)
	return snapshot, nil
}
