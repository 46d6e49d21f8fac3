package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件，文件名前缀为版本号。
//
//go:embed *.sql
var Files embed.FS
