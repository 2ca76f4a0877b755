package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	log "github.com/sirupsen/logrus"
)

// schemaLockID — ключ pg_advisory_lock, под которым выполняются миграции.
const schemaLockID = int64(0x5f0e_2c01)

const schemaTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

//go:embed sql/migrations/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "sql/migrations"

var migrationName = regexp.MustCompile(`^(\d+)_(\w+)\.(up|down)\.sql$`)

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

// schemaMigration — пара up/down скриптов одной версии схемы.
type schemaMigration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

func (m schemaMigration) script(direction migrationDirection) string {
	if direction == migrationDown {
		return m.Down
	}
	return m.Up
}

func (m schemaMigration) String() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// MigrateUp применяет ещё не применённые миграции по возрастанию версии.
// steps=0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает последние применённые миграции. steps<=0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.migrate(ctx, migrationDown, steps)
}

// MigrationStatus возвращает последнюю применённую версию и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, errStoreNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, schemaTableDDL); err != nil {
		return 0, 0, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	query, args, err := s.builder.
		Select("COALESCE(MAX(version), 0)", "COUNT(*)").
		From("schema_migrations").
		ToSql()
	if err != nil {
		return 0, 0, fmt.Errorf("build migration status query: %w", err)
	}

	var (
		version int64
		applied int
	)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&version, &applied); err != nil {
		return 0, 0, fmt.Errorf("read migration status: %w", err)
	}
	return version, applied, nil
}

func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	if direction != migrationUp && direction != migrationDown {
		return fmt.Errorf("unsupported migration direction: %s", direction)
	}

	available, err := readMigrations(embeddedMigrations)
	if err != nil {
		return err
	}

	return s.withSchemaLock(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, schemaTableDDL); err != nil {
			return fmt.Errorf("ensure schema_migrations: %w", err)
		}
		applied, err := s.appliedVersions(ctx, conn)
		if err != nil {
			return err
		}

		var plan []schemaMigration
		if direction == migrationUp {
			plan = pendingMigrations(available, applied, steps)
		} else {
			plan, err = rollbackMigrations(available, applied, steps)
			if err != nil {
				return err
			}
		}

		for _, m := range plan {
			if err := s.runMigration(ctx, conn, m, direction); err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"version":   m.Version,
				"name":      m.Name,
				"direction": direction,
			}).Info("schema migration applied")
		}
		return nil
	})
}

// withSchemaLock держит advisory lock на выделенном соединении, пока выполняется fn.
func (s *Store) withSchemaLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", schemaLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", schemaLockID)
	}()

	return fn(conn)
}

func (s *Store) appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]bool, error) {
	query, args, err := s.builder.Select("version").From("schema_migrations").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build applied versions query: %w", err)
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

// runMigration выполняет скрипт и запись в schema_migrations одной транзакцией.
func (s *Store) runMigration(ctx context.Context, conn *sql.Conn, m schemaMigration, direction migrationDirection) error {
	var bookkeeping sq.Sqlizer
	if direction == migrationUp {
		bookkeeping = s.builder.Insert("schema_migrations").Columns("version", "name").Values(m.Version, m.Name)
	} else {
		bookkeeping = s.builder.Delete("schema_migrations").Where("version = ?", m.Version)
	}
	query, args, err := bookkeeping.ToSql()
	if err != nil {
		return fmt.Errorf("build bookkeeping for %s: %w", m, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s migration %s: %w", direction, m, err)
	}
	if _, err := tx.ExecContext(ctx, m.script(direction)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("run %s migration %s: %w", direction, m, err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record %s migration %s: %w", direction, m, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %s: %w", direction, m, err)
	}
	return nil
}

// pendingMigrations выбирает неприменённые миграции по возрастанию версии.
func pendingMigrations(available []schemaMigration, applied map[int64]bool, steps int) []schemaMigration {
	var plan []schemaMigration
	for _, m := range available {
		if applied[m.Version] {
			continue
		}
		plan = append(plan, m)
		if steps > 0 && len(plan) == steps {
			break
		}
	}
	return plan
}

// rollbackMigrations выбирает steps последних применённых миграций, начиная с новейшей.
// Применённая версия без файлов делает откат невозможным.
func rollbackMigrations(available []schemaMigration, applied map[int64]bool, steps int) ([]schemaMigration, error) {
	known := make(map[int64]schemaMigration, len(available))
	for _, m := range available {
		known[m.Version] = m
	}

	versions := make([]int64, 0, len(applied))
	for version := range applied {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	if steps > 0 && len(versions) > steps {
		versions = versions[:steps]
	}

	plan := make([]schemaMigration, 0, len(versions))
	for _, version := range versions {
		m, ok := known[version]
		if !ok {
			return nil, fmt.Errorf("cannot roll back unknown migration version %d", version)
		}
		plan = append(plan, m)
	}
	return plan, nil
}

// readMigrations собирает пары NNNN_name.up.sql / NNNN_name.down.sql из fsys.
func readMigrations(fsys fs.FS) ([]schemaMigration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*schemaMigration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		file := entry.Name()
		parts := migrationName.FindStringSubmatch(file)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", file)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse version of %s: %w", file, err)
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, file))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", file)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &schemaMigration{Version: version, Name: parts[2]}
			byVersion[version] = m
		}
		if m.Name != parts[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, m.Name, parts[2])
		}

		target := &m.Up
		if migrationDirection(parts[3]) == migrationDown {
			target = &m.Down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s script for migration %d", parts[3], version)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	migrations := make([]schemaMigration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down scripts", m)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
