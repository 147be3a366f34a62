// Copyright 2025 James Ross
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jross/workitem-queue/internal/adapter"
)

// schemaVersion is the highest migration this build knows how to apply.
// A database whose persisted version exceeds this is a SchemaVersionMismatch
// (spec 4.2): the build is older than the data it's pointed at.
const schemaVersion = 4

type migrationFunc func(ctx context.Context, tx *sql.Tx) error

var migrations = map[int]migrationFunc{
	1: migrateV1,
	2: migrateV2,
	3: migrateV3,
	4: migrateV4,
}

// migrate applies every migration between the persisted schema_version and
// schemaVersion, each inside its own transaction.
func (b *Backend) migrate(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := b.currentVersion(ctx)
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return adapter.New(backendName, "migrate", adapter.ErrSchemaVersionMismatch,
			fmt.Errorf("database schema version %d is newer than this build supports (%d)", current, schemaVersion))
	}

	for v := current + 1; v <= schemaVersion; v++ {
		fn, ok := migrations[v]
		if !ok {
			return fmt.Errorf("no migration registered for version %d", v)
		}
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v, err)
		}
		if err := fn(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, v); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v, err)
		}
	}
	return nil
}

func (b *Backend) currentVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := b.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// migrateV1 creates the base tables and indexes (spec 4.2).
func migrateV1(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE work_items (
			id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			parent_id TEXT,
			payload TEXT,
			state TEXT NOT NULL DEFAULT 'PENDING' CHECK(state IN ('PENDING','RESERVED','DONE','FAILED')),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (parent_id) REFERENCES work_items(id)
		)
	`)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX idx_queue_state ON work_items(queue_name, state, created_at)`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX idx_parent ON work_items(parent_id)`); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		CREATE TABLE work_item_files (
			work_item_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			filepath TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (work_item_id, filename),
			FOREIGN KEY (work_item_id) REFERENCES work_items(id) ON DELETE CASCADE
		)
	`)
	return err
}

// migrateV2 adds exception capture fields.
func migrateV2(ctx context.Context, tx *sql.Tx) error {
	for _, col := range []string{"exception_type", "exception_code", "exception_message"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE work_items ADD COLUMN %s TEXT`, col)); err != nil {
			return err
		}
	}
	return nil
}

// migrateV3 adds reservation/release timestamps and the orphan-scan index.
func migrateV3(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `ALTER TABLE work_items ADD COLUMN reserved_at TIMESTAMP`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE work_items ADD COLUMN released_at TIMESTAMP`); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		CREATE INDEX idx_orphan_check ON work_items(state, reserved_at) WHERE state='RESERVED'
	`)
	return err
}

// migrateV4 rewrites the state CHECK constraint to use COMPLETED instead of
// the legacy DONE value. SQLite cannot alter a CHECK constraint in place, so
// the table is rebuilt: shadow table, copy with DONE->COMPLETED, drop, rename,
// recreate indexes (spec 4.2, REDESIGN FLAGS).
func migrateV4(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE work_items_new (
			id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			parent_id TEXT,
			payload TEXT,
			state TEXT NOT NULL DEFAULT 'PENDING' CHECK(state IN ('PENDING','RESERVED','COMPLETED','FAILED')),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			exception_type TEXT,
			exception_code TEXT,
			exception_message TEXT,
			reserved_at TIMESTAMP,
			released_at TIMESTAMP,
			FOREIGN KEY (parent_id) REFERENCES work_items_new(id)
		)
	`)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO work_items_new
		SELECT id, queue_name, parent_id, payload,
		       CASE WHEN state = 'DONE' THEN 'COMPLETED' ELSE state END,
		       created_at, exception_type, exception_code, exception_message,
		       reserved_at, released_at
		FROM work_items
	`); err != nil {
		return err
	}
	for _, idx := range []string{"idx_queue_state", "idx_parent", "idx_orphan_check"} {
		if _, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS `+idx); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE work_items`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE work_items_new RENAME TO work_items`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX idx_queue_state ON work_items(queue_name, state, created_at)`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX idx_parent ON work_items(parent_id)`); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		CREATE INDEX idx_orphan_check ON work_items(state, reserved_at) WHERE state='RESERVED'
	`)
	return err
}
