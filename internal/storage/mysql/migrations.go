package mysql

import (
	"context"
	"database/sql"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"IntelMarket-Chain/deploy/migrations"
	xerrors "IntelMarket-Chain/internal/errors"
)

const (
	createVersionsSQL = `CREATE TABLE IF NOT EXISTS intelmarket_schema_versions (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    file_name VARCHAR(128) NOT NULL,
    applied_at BIGINT NOT NULL
)`
	selectVersionsSQL = `SELECT version FROM intelmarket_schema_versions`
	recordVersionSQL  = `INSERT INTO intelmarket_schema_versions (version, file_name, applied_at) VALUES (?, ?, ?)`
)

var embeddedMigrations fs.FS = migrations.Files

// schemaStep 对应 deploy/migrations 下的一个 SQL 文件。
type schemaStep struct {
	version    string
	file       string
	statements []string
}

// Migrate 把 deploy/migrations 中尚未执行的文件按版本号依次应用，每个文件一个事务。
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createVersionsSQL); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建版本表失败")
	}
	steps, err := loadMigrationFiles()
	if err != nil {
		return err
	}
	done, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if done[step.version] {
			continue
		}
		if err := step.apply(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, selectVersionsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取已应用版本失败")
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析版本记录失败")
		}
		done[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取已应用版本失败")
	}
	return done, nil
}

func (s schemaStep) apply(ctx context.Context, db *sql.DB) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range s.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移失败: "+s.file)
		}
	}
	if _, err = tx.ExecContext(ctx, recordVersionSQL, s.version, s.file, time.Now().UnixMilli()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败: "+s.version)
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

func loadMigrationFiles() ([]schemaStep, error) {
	names, err := fs.Glob(embeddedMigrations, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "列出迁移文件失败")
	}
	steps := make([]schemaStep, 0, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(embeddedMigrations, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件失败: "+name)
		}
		statements := splitStatements(string(body))
		if len(statements) == 0 {
			continue
		}
		steps = append(steps, schemaStep{version: versionOf(name), file: name, statements: statements})
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// splitStatements 按分号切分，跳过空语句与整行 "--" 注释。
func splitStatements(content string) []string {
	var out []string
	for _, chunk := range strings.Split(content, ";") {
		var kept []string
		for _, line := range strings.Split(chunk, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			kept = append(kept, line)
		}
		if stmt := strings.TrimSpace(strings.Join(kept, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// versionOf 取文件名中第一个下划线前的数字前缀，例如 0002_create_allocations.sql 为 0002。
func versionOf(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if prefix, _, ok := strings.Cut(base, "_"); ok && prefix != "" {
		return prefix
	}
	return base
}
