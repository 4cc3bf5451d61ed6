// migrator.go: 内嵌 SQL 迁移 (按文件名排序执行, schema_version 追踪已执行版本)。
package database

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/multi-agent/chat-timeline/pkg/errors"
	"github.com/multi-agent/chat-timeline/pkg/logger"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations 内置迁移脚本。
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err) // 目录由 go:embed 保证存在
	}
	return sub
}

// Migrate 执行 fsys 根目录下未应用的 .sql 迁移。
func Migrate(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS) error {
	if pool == nil {
		return apperrors.New("Migrate", "pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	if err != nil {
		logger.Error("migrate: create schema_version table failed", logger.FieldError, err)
		return apperrors.Wrap(err, "Migrate", "create schema_version table")
	}

	sqlFiles, err := listMigrations(fsys)
	if err != nil {
		return err
	}
	applied, err := loadAppliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	pending := pendingMigrations(sqlFiles, applied)
	if len(pending) > 0 {
		logger.Info("migrate: applying pending migrations", logger.FieldCount, len(pending))
	}
	for _, name := range pending {
		if err := applyOneMigration(ctx, pool, fsys, name); err != nil {
			return err
		}
		logger.Info("migration applied", logger.FieldPath, name)
	}
	return nil
}

// listMigrations 列出并排序 .sql 文件。
func listMigrations(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, apperrors.Wrap(err, "Migrate", "read migrations")
	}
	var sqlFiles []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			sqlFiles = append(sqlFiles, e.Name())
		}
	}
	sort.Strings(sqlFiles)
	return sqlFiles, nil
}

func loadAppliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	if pool == nil {
		return nil, apperrors.New("Migrate", "pool is required")
	}
	rows, err := pool.Query(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, apperrors.Wrap(err, "Migrate", "query schema_version")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, apperrors.Wrap(err, "Migrate", "scan schema_version")
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func applyOneMigration(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, name string) error {
	if pool == nil {
		return apperrors.New("Migrate", "pool is required")
	}
	sqlBytes, err := fs.ReadFile(fsys, name)
	if err != nil {
		return apperrors.Wrapf(err, "Migrate", "read migration %s", name)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return apperrors.Wrapf(err, "Migrate", "begin tx for %s", name)
	}
	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		_ = tx.Rollback(ctx)
		return apperrors.Wrapf(err, "Migrate", "exec migration %s", name)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, name); err != nil {
		_ = tx.Rollback(ctx)
		return apperrors.Wrapf(err, "Migrate", "record migration %s", name)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Wrapf(err, "Migrate", "commit migration %s", name)
	}
	return nil
}

func pendingMigrations(sqlFiles []string, applied map[string]bool) []string {
	var pending []string
	for _, name := range sqlFiles {
		if !applied[name] {
			pending = append(pending, name)
		}
	}
	return pending
}
