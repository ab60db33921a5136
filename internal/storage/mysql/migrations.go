package mysql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"hyperfleet/deploy/migrations"
)

// 审计库结构迁移。文件名形如 0001_create_transaction_records.sql，
// 应用后记录内容的 sha256；已应用的文件被改动时拒绝启动。
// 多个进程共用一个库时用 GET_LOCK 串行化迁移。

const (
	migrationLock        = "hyperfleet_audit_migrations"
	migrationLockTimeout = 30
)

const createMigrationTableSQL = `CREATE TABLE IF NOT EXISTS audit_schema_migrations (
    version INT UNSIGNED NOT NULL PRIMARY KEY,
    name VARCHAR(128) NOT NULL,
    checksum CHAR(64) NOT NULL,
    applied_at BIGINT NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

var migrationName = regexp.MustCompile(`^(\d{4})_[a-z0-9_]+\.sql$`)

type migration struct {
	version    int
	name       string
	checksum   string
	statements []string
}

type appliedMigration struct {
	name     string
	checksum string
}

func (s *AuditRepository) runMigrations(ctx context.Context) error {
	pending, err := loadMigrations(migrations.Files)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("获取迁移连接失败: %w", err)
	}
	defer conn.Close()

	var locked sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, ?)`, migrationLock, migrationLockTimeout).Scan(&locked); err != nil {
		return fmt.Errorf("获取迁移锁失败: %w", err)
	}
	if locked.Int64 != 1 {
		return fmt.Errorf("等待迁移锁超过 %d 秒", migrationLockTimeout)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), `DO RELEASE_LOCK(?)`, migrationLock)

	if _, err := conn.ExecContext(ctx, createMigrationTableSQL); err != nil {
		return fmt.Errorf("创建 audit_schema_migrations 表失败: %w", err)
	}
	applied, err := loadApplied(ctx, conn)
	if err != nil {
		return err
	}

	known := make(map[int]bool, len(pending))
	for _, m := range pending {
		known[m.version] = true
	}
	for version, prev := range applied {
		if !known[version] {
			return fmt.Errorf("库中存在本程序未知的迁移 %s，拒绝在较新的结构上运行", prev.name)
		}
	}

	for _, m := range pending {
		if prev, ok := applied[m.version]; ok {
			if prev.checksum != m.checksum {
				return fmt.Errorf("迁移 %s 应用后被修改: 记录 %.12s，当前 %.12s", m.name, prev.checksum, m.checksum)
			}
			continue
		}
		if err := applyMigration(ctx, conn, m); err != nil {
			return err
		}
	}
	return nil
}

func loadApplied(ctx context.Context, conn *sql.Conn) (map[int]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, name, checksum FROM audit_schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("查询 audit_schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]appliedMigration)
	for rows.Next() {
		var (
			version int
			rec     appliedMigration
		)
		if err := rows.Scan(&version, &rec.name, &rec.checksum); err != nil {
			return nil, fmt.Errorf("解析 audit_schema_migrations 失败: %w", err)
		}
		applied[version] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 audit_schema_migrations 失败: %w", err)
	}
	return applied, nil
}

// applyMigration 逐条执行语句后登记版本。MySQL 的 DDL 会隐式提交，
// 中途失败的迁移需要人工清理后重启。
func applyMigration(ctx context.Context, conn *sql.Conn, m migration) error {
	for i, stmt := range m.statements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 第 %d 条语句失败: %w", m.name, i+1, err)
		}
	}
	if _, err := conn.ExecContext(ctx,
		`INSERT INTO audit_schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
		m.version, m.name, m.checksum, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("登记迁移 %s 失败: %w", m.name, err)
	}
	return nil
}

// loadMigrations 读取并按版本排序迁移文件，版本重复或文件名不合规时报错。
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	var out []migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		match := migrationName.FindStringSubmatch(name)
		if match == nil {
			return nil, fmt.Errorf("迁移文件名 %s 不符合 NNNN_name.sql", name)
		}
		version, _ := strconv.Atoi(match[1])
		if other, ok := seen[version]; ok {
			return nil, fmt.Errorf("迁移 %s 与 %s 版本重复", name, other)
		}
		seen[version] = name

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			return nil, fmt.Errorf("迁移 %s 不包含语句", name)
		}
		sum := sha256.Sum256(content)
		out = append(out, migration{
			version:    version,
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}
	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	return out, nil
}

// splitStatements 去掉整行的 -- 注释后按分号切分。
func splitStatements(content string) []string {
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var statements []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}
