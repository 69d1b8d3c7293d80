package migrations

import "embed"

// Files 暴露所有 MySQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
