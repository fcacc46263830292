package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// Schema for the records and files tables ships as embedded goose
// migrations, versioned alongside the adapter code.
//
//go:embed migrations/*.sql
var schemaFS embed.FS

// SQLiteAdapter is the persistent reference adapter, backed by an embedded
// SQLite database in WAL mode. Records are stored as JSON rows keyed by
// (store, id); scan order is insertion order via a per-store sequence. Blobs
// live in a files table.
type SQLiteAdapter struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteAdapter opens (or creates) the database at dbPath, applies
// migrations, and returns the adapter. Use ":memory:" for tests.
func NewSQLiteAdapter(dbPath string, logger *slog.Logger) (*SQLiteAdapter, error) {
	logger.Info("opening store database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}

	// Sole-writer: a single connection avoids SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrateSchema(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteAdapter{db: db, logger: logger}, nil
}

// migrateSchema brings the database up to the current schema version. The
// goose provider wants the SQL files at the root of the filesystem it is
// handed, so the embedded tree is re-rooted below "migrations" first.
func migrateSchema(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	schema, err := fs.Sub(schemaFS, "migrations")
	if err != nil {
		return fmt.Errorf("storage: re-rooting schema files: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, schema)
	if err != nil {
		return fmt.Errorf("storage: building schema migrator: %w", err)
	}

	applied, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("storage: migrating schema: %w", err)
	}

	for _, m := range applied {
		logger.Debug("schema migration applied", "source", m.Source.Path)
	}

	return nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("storage: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// Close implements Adapter.
func (s *SQLiteAdapter) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance tooling.
func (s *SQLiteAdapter) DB() *sql.DB {
	return s.db
}

// ReadStore implements Adapter. Order is insertion order (seq ascending).
func (s *SQLiteAdapter) ReadStore(ctx context.Context, store string, limit, offset int) ([]Record, bool, error) {
	if offset < 0 {
		offset = 0
	}

	// Fetch one extra row to detect whether more records exist.
	fetch := int64(-1)
	if limit > 0 {
		fetch = int64(limit) + 1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM records WHERE store = ? ORDER BY seq LIMIT ? OFFSET ?`,
		store, fetch, offset)
	if err != nil {
		return nil, false, fmt.Errorf("storage: read store %s: %w", store, err)
	}
	defer rows.Close()

	var items []Record

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, false, fmt.Errorf("storage: scanning record: %w", err)
		}

		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, false, fmt.Errorf("storage: decoding record in %s: %w", store, err)
		}

		items = append(items, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("storage: iterating store %s: %w", store, err)
	}

	hasMore := false
	if limit > 0 && len(items) > limit {
		items = items[:limit]
		hasMore = true
	}

	return items, hasMore, nil
}

// ReadBulk implements Adapter.
func (s *SQLiteAdapter) ReadBulk(ctx context.Context, store string, ids []string) ([]Record, error) {
	items := make([]Record, 0, len(ids))

	for _, id := range ids {
		var data string

		err := s.db.QueryRowContext(ctx,
			`SELECT data FROM records WHERE store = ? AND id = ?`, store, id).Scan(&data)
		if err == sql.ErrNoRows {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("storage: read %s/%s: %w", store, id, err)
		}

		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("storage: decoding %s/%s: %w", store, id, err)
		}

		items = append(items, rec)
	}

	return items, nil
}

// PutBulk implements Adapter. The whole batch is written in one transaction;
// an upsert keeps the original sequence so scan order stays stable.
func (s *SQLiteAdapter) PutBulk(ctx context.Context, store string, items []Record) ([]Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin put: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (store, id, data, seq)
		 VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM records WHERE store = ?))
		 ON CONFLICT (store, id) DO UPDATE SET data = excluded.data`)
	if err != nil {
		return nil, fmt.Errorf("storage: prepare put: %w", err)
	}
	defer stmt.Close()

	saved := make([]Record, 0, len(items))

	for _, item := range items {
		id := item.ID()
		if id == "" {
			continue
		}

		data, jsonErr := json.Marshal(item)
		if jsonErr != nil {
			return nil, fmt.Errorf("storage: encoding %s/%s: %w", store, id, jsonErr)
		}

		if _, execErr := stmt.ExecContext(ctx, store, id, string(data), store); execErr != nil {
			return nil, fmt.Errorf("storage: put %s/%s: %w", store, id, execErr)
		}

		saved = append(saved, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit put: %w", err)
	}

	return saved, nil
}

// DeleteBulk implements Adapter.
func (s *SQLiteAdapter) DeleteBulk(ctx context.Context, store string, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin delete: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE store = ? AND id = ?`, store, id); err != nil {
			return fmt.Errorf("storage: delete %s/%s: %w", store, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit delete: %w", err)
	}

	return nil
}

// ClearStore implements Adapter.
func (s *SQLiteAdapter) ClearStore(ctx context.Context, store string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE store = ?`, store)
	if err != nil {
		return false, fmt.Errorf("storage: clear store %s: %w", store, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: clear store %s rows affected: %w", store, err)
	}

	return n > 0, nil
}

// ListStores implements Adapter.
func (s *SQLiteAdapter) ListStores(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT store FROM records ORDER BY store`)
	if err != nil {
		return nil, fmt.Errorf("storage: list stores: %w", err)
	}
	defer rows.Close()

	var names []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("storage: scanning store name: %w", err)
		}

		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterating store names: %w", err)
	}

	return names, nil
}

// ReadFiles implements Adapter.
func (s *SQLiteAdapter) ReadFiles(ctx context.Context, ids []string) (map[string]*FileData, error) {
	out := make(map[string]*FileData, len(ids))

	for _, id := range ids {
		var (
			f        FileData
			metadata sql.NullString
		)

		err := s.db.QueryRowContext(ctx,
			`SELECT id, filename, mime_type, created_at, updated_at, metadata, content
			 FROM files WHERE id = ?`, id).
			Scan(&f.ID, &f.Filename, &f.MimeType, &f.CreatedAt, &f.UpdatedAt, &metadata, &f.Content)
		if err == sql.ErrNoRows {
			out[id] = nil
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("storage: read file %s: %w", id, err)
		}

		if metadata.Valid && metadata.String != "" {
			if jsonErr := json.Unmarshal([]byte(metadata.String), &f.Metadata); jsonErr != nil {
				return nil, fmt.Errorf("storage: decoding file metadata %s: %w", id, jsonErr)
			}
		}

		out[id] = &f
	}

	return out, nil
}

// SaveFiles implements Adapter. Provided timestamps are preserved; fresh
// blobs are stamped with the current time.
func (s *SQLiteAdapter) SaveFiles(ctx context.Context, files []FileData) ([]Attachment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin save files: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	atts := make([]Attachment, 0, len(files))

	for _, f := range files {
		if f.ID == "" {
			continue
		}

		createdAt := f.CreatedAt
		if createdAt == 0 {
			var prev int64

			err := tx.QueryRowContext(ctx,
				`SELECT created_at FROM files WHERE id = ?`, f.ID).Scan(&prev)
			switch {
			case err == sql.ErrNoRows:
				createdAt = now
			case err != nil:
				return nil, fmt.Errorf("storage: reading prior file %s: %w", f.ID, err)
			default:
				createdAt = prev
			}
		}

		updatedAt := f.UpdatedAt
		if updatedAt == 0 {
			updatedAt = now
		}

		var metadata sql.NullString
		if len(f.Metadata) > 0 {
			b, jsonErr := json.Marshal(f.Metadata)
			if jsonErr != nil {
				return nil, fmt.Errorf("storage: encoding file metadata %s: %w", f.ID, jsonErr)
			}

			metadata = sql.NullString{String: string(b), Valid: true}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO files (id, filename, mime_type, size, created_at, updated_at, metadata, content)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
				filename = excluded.filename, mime_type = excluded.mime_type,
				size = excluded.size, updated_at = excluded.updated_at,
				metadata = excluded.metadata, content = excluded.content`,
			f.ID, f.Filename, f.MimeType, int64(len(f.Content)), createdAt, updatedAt, metadata, f.Content)
		if err != nil {
			return nil, fmt.Errorf("storage: save file %s: %w", f.ID, err)
		}

		atts = append(atts, Attachment{
			ID:        f.ID,
			Filename:  f.Filename,
			MimeType:  f.MimeType,
			Size:      int64(len(f.Content)),
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
			Metadata:  f.Metadata,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit save files: %w", err)
	}

	return atts, nil
}

// DeleteFiles implements Adapter. Absent ids count as deleted.
func (s *SQLiteAdapter) DeleteFiles(ctx context.Context, ids []string) (*FileResult, error) {
	result := &FileResult{}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id); err != nil {
			s.logger.Warn("file delete failed", "id", id, "error", err)
			result.Failed = append(result.Failed, id)

			continue
		}

		result.Deleted = append(result.Deleted, id)
	}

	return result, nil
}
