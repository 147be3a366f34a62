// Copyright 2025 James Ross
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jross/workitem-queue/internal/adapter"
	"github.com/jross/workitem-queue/internal/config"
	"github.com/jross/workitem-queue/internal/obs"
	"github.com/jross/workitem-queue/internal/workitem"
)

const backendName = "sqlite"

// Backend is the embedded-SQL adapter: a transactional store over
// database/sql + mattn/go-sqlite3, with file blobs on the filesystem.
// Concurrency is handled by WAL mode plus database/sql's own connection
// pool rather than a hand-rolled thread-local pool: Go has no goroutine-
// local storage, and database/sql already serializes access to a shared
// *sql.DB safely once busy_timeout is set, so that pool substitutes for
// the original's thread-local connection map.
type Backend struct {
	db       *sql.DB
	queue    string
	filesDir string
}

// Open creates (or migrates) the database at path and returns a Backend
// bound to queueName.
func Open(path, queueName, filesDir string) (*Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create files dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // WAL allows concurrent readers, but a single writer keeps RETURNING semantics simple and avoids SQLITE_BUSY storms

	b := &Backend{db: db, queue: queueName, filesDir: filesDir}
	if err := b.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func New(ctx context.Context, cfg *config.Config) (adapter.Adapter, error) {
	return Open(cfg.SQLite.DBPath, cfg.QueueName, cfg.FilesDir)
}

func init() {
	adapter.Register(config.AdapterSQLite, New)
}

func (b *Backend) Close() error { return b.db.Close() }

func isLocked(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var wrapped *adapter.Error
	if isLocked(err) {
		wrapped = adapter.New(backendName, op, adapter.ErrTransientUnavailable, err)
	} else {
		wrapped = adapter.New(backendName, op, adapter.ErrInvalidArgument, err)
	}
	obs.BackendErrors.WithLabelValues(backendName, op, wrapped.Kind.Error()).Inc()
	return wrapped
}

// ReserveInput implements UPDATE...RETURNING against the oldest PENDING row
// for the adapter's queue, exactly as spec.md 4.2 describes. created_at has
// only CURRENT_TIMESTAMP's second resolution, so rows seeded in the same
// second tie on it; the tiebreak is rowid, not id, since rowid grows with
// insertion order while id (a UUID) does not -- ordering by id would reorder
// same-second items randomly, same as original_source/sqlite_adapter.py's
// reliance on insertion order for ties.
func (b *Backend) ReserveInput(ctx context.Context) (string, error) {
	defer obs.ObserveDuration(backendName, "reserve_input")(time.Now())
	row := b.db.QueryRowContext(ctx, `
		UPDATE work_items
		SET state = 'RESERVED', reserved_at = CURRENT_TIMESTAMP
		WHERE id = (
			SELECT id FROM work_items
			WHERE queue_name = ? AND state = 'PENDING'
			ORDER BY created_at ASC, rowid ASC
			LIMIT 1
		)
		RETURNING id
	`, b.queue)

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", adapter.New(backendName, "reserve_input", adapter.ErrEmptyQueue, nil)
		}
		if isLocked(err) {
			obs.BackendErrors.WithLabelValues(backendName, "reserve_input", adapter.ErrTransientUnavailable.Error()).Inc()
			return "", adapter.New(backendName, "reserve_input", adapter.ErrTransientUnavailable, err)
		}
		obs.BackendErrors.WithLabelValues(backendName, "reserve_input", adapter.ErrInvalidArgument.Error()).Inc()
		return "", adapter.New(backendName, "reserve_input", adapter.ErrInvalidArgument, err)
	}
	obs.ItemsReserved.WithLabelValues(backendName, b.queue).Inc()
	return id, nil
}

// ReleaseInput is a no-op on unknown ids (the UPDATE matches no row, nil is
// returned, and no warning is logged) and idempotent on already-terminal
// items: the UPDATE simply overwrites released_at again.
func (b *Backend) ReleaseInput(ctx context.Context, id string, state workitem.State, exception *workitem.Exception) error {
	defer obs.ObserveDuration(backendName, "release_input")(time.Now())
	if err := adapter.ValidateRelease(state, exception); err != nil {
		return adapter.New(backendName, "release_input", adapter.ErrInvalidArgument, err)
	}
	var excType, excCode, excMessage *string
	if state == workitem.Failed {
		excType, excCode, excMessage = ptrOrNil(exception.Type), ptrOrNil(exception.Code), ptrOrNil(exception.Message)
	}

	_, err := b.db.ExecContext(ctx, `
		UPDATE work_items
		SET state = ?, released_at = CURRENT_TIMESTAMP,
		    exception_type = ?, exception_code = ?, exception_message = ?
		WHERE id = ?
	`, string(state), excType, excCode, excMessage, id)
	if err != nil {
		return wrapErr("release_input", err)
	}
	obs.ItemsReleased.WithLabelValues(backendName, b.queue, string(state)).Inc()
	return nil
}

func ptrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (b *Backend) CreateOutput(ctx context.Context, parentID string, payload interface{}) (string, error) {
	defer obs.ObserveDuration(backendName, "create_output")(time.Now())
	id, err := b.insert(ctx, workitem.OutputQueueName(b.queue), parentID, payload, "")
	if err == nil {
		obs.ItemsCreated.WithLabelValues(backendName, b.queue, "create_output").Inc()
	}
	return id, err
}

func (b *Backend) SeedInput(ctx context.Context, payload interface{}, parentID string, files map[string][]byte, callID string) (string, error) {
	// The embedded backend has no notion of concurrent seeders racing on
	// callid, so callID is accepted for interface parity but not enforced;
	// duplicate prevention is a document-store-only guarantee (spec 4.4).
	defer obs.ObserveDuration(backendName, "seed_input")(time.Now())
	id, err := b.insert(ctx, b.queue, parentID, payload, callID)
	if err != nil {
		return "", err
	}
	for name, content := range files {
		if err := b.AddFile(ctx, id, name, content); err != nil {
			return "", err
		}
	}
	obs.ItemsCreated.WithLabelValues(backendName, b.queue, "seed_input").Inc()
	return id, nil
}

func (b *Backend) insert(ctx context.Context, queue, parentID string, payload interface{}, _callID string) (string, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", adapter.New(backendName, "insert", adapter.ErrInvalidArgument, err)
	}
	id := uuid.NewString()
	var parent interface{}
	if parentID != "" {
		parent = parentID
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO work_items (id, queue_name, parent_id, payload, state, created_at)
		VALUES (?, ?, ?, ?, 'PENDING', CURRENT_TIMESTAMP)
	`, id, queue, parent, string(payloadJSON))
	if err != nil {
		return "", wrapErr("insert", err)
	}
	return id, nil
}

func (b *Backend) LoadPayload(ctx context.Context, id string) (interface{}, error) {
	defer obs.ObserveDuration(backendName, "load_payload")(time.Now())
	var payloadText sql.NullString
	err := b.db.QueryRowContext(ctx, `SELECT payload FROM work_items WHERE id = ?`, id).Scan(&payloadText)
	if err == sql.ErrNoRows {
		return nil, adapter.New(backendName, "load_payload", adapter.ErrNotFound, nil)
	}
	if err != nil {
		return nil, wrapErr("load_payload", err)
	}
	var payload interface{}
	raw := payloadText.String
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, adapter.New(backendName, "load_payload", adapter.ErrInvalidArgument, err)
	}
	return payload, nil
}

func (b *Backend) SavePayload(ctx context.Context, id string, payload interface{}) error {
	defer obs.ObserveDuration(backendName, "save_payload")(time.Now())
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return adapter.New(backendName, "save_payload", adapter.ErrInvalidArgument, err)
	}
	res, err := b.db.ExecContext(ctx, `UPDATE work_items SET payload = ? WHERE id = ?`, string(payloadJSON), id)
	if err != nil {
		return wrapErr("save_payload", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return adapter.New(backendName, "save_payload", adapter.ErrNotFound, nil)
	}
	return nil
}

func (b *Backend) ListFiles(ctx context.Context, id string) ([]string, error) {
	defer obs.ObserveDuration(backendName, "list_files")(time.Now())
	rows, err := b.db.QueryContext(ctx, `SELECT filename FROM work_item_files WHERE work_item_id = ? ORDER BY filename`, id)
	if err != nil {
		return nil, wrapErr("list_files", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapErr("list_files", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (b *Backend) GetFile(ctx context.Context, id, name string) ([]byte, error) {
	defer obs.ObserveDuration(backendName, "get_file")(time.Now())
	var path string
	err := b.db.QueryRowContext(ctx, `SELECT filepath FROM work_item_files WHERE work_item_id = ? AND filename = ?`, id, name).Scan(&path)
	if err == sql.ErrNoRows {
		return nil, adapter.New(backendName, "get_file", adapter.ErrFileNotFound, nil)
	}
	if err != nil {
		return nil, wrapErr("get_file", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, adapter.New(backendName, "get_file", adapter.ErrFileNotFound, err)
	}
	return content, nil
}

func (b *Backend) AddFile(ctx context.Context, id, name string, content []byte) error {
	defer obs.ObserveDuration(backendName, "add_file")(time.Now())
	if err := adapter.ValidateFilename(name); err != nil {
		return err
	}
	if err := adapter.ValidateFileSize(content); err != nil {
		return err
	}

	itemDir := filepath.Join(b.filesDir, id)
	if err := os.MkdirAll(itemDir, 0o755); err != nil {
		return adapter.New(backendName, "add_file", adapter.ErrTransientUnavailable, err)
	}
	path := filepath.Join(itemDir, name)

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO work_item_files (work_item_id, filename, filepath) VALUES (?, ?, ?)
	`, id, name, path)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return adapter.New(backendName, "add_file", adapter.ErrFileExists, nil)
		}
		return wrapErr("add_file", err)
	}

	if err := os.WriteFile(path, content, 0o644); err != nil {
		b.db.ExecContext(ctx, `DELETE FROM work_item_files WHERE work_item_id = ? AND filename = ?`, id, name)
		return adapter.New(backendName, "add_file", adapter.ErrTransientUnavailable, err)
	}
	return nil
}

func (b *Backend) RemoveFile(ctx context.Context, id, name string) error {
	defer obs.ObserveDuration(backendName, "remove_file")(time.Now())
	var path string
	err := b.db.QueryRowContext(ctx, `SELECT filepath FROM work_item_files WHERE work_item_id = ? AND filename = ?`, id, name).Scan(&path)
	if err == sql.ErrNoRows {
		return adapter.New(backendName, "remove_file", adapter.ErrFileNotFound, nil)
	}
	if err != nil {
		return wrapErr("remove_file", err)
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM work_item_files WHERE work_item_id = ? AND filename = ?`, id, name); err != nil {
		return wrapErr("remove_file", err)
	}
	_ = os.Remove(path)
	return nil
}

// RecoverOrphanedWorkItems uses the partial index on (state, reserved_at)
// created in migration v3 to efficiently find and reset stuck reservations.
// The cutoff is computed in whole seconds: SQLite's CURRENT_TIMESTAMP has
// only second resolution, so sub-second timeouts round down to 0.
func (b *Backend) RecoverOrphanedWorkItems(ctx context.Context, timeout time.Duration) ([]string, error) {
	defer obs.ObserveDuration(backendName, "recover_orphaned_work_items")(time.Now())
	seconds := int(timeout.Seconds())
	if seconds < 0 {
		seconds = 0
	}
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(`
		UPDATE work_items
		SET state = 'PENDING', reserved_at = NULL
		WHERE state = 'RESERVED'
		AND datetime(reserved_at, '+%d seconds') < datetime('now')
		RETURNING id
	`, seconds))
	if err != nil {
		return nil, wrapErr("recover_orphaned_work_items", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("recover_orphaned_work_items", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("recover_orphaned_work_items", err)
	}
	if len(ids) > 0 {
		obs.OrphansRecovered.WithLabelValues(backendName, b.queue).Add(float64(len(ids)))
	}
	return ids, nil
}

// PendingCount satisfies adapter.PendingCounter for the sweeper's
// workitem_queue_depth gauge.
func (b *Backend) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_items WHERE queue_name = ? AND state = 'PENDING'`, b.queue).Scan(&n)
	if err != nil {
		return 0, wrapErr("pending_count", err)
	}
	return n, nil
}
