// Package migrations 提供 MySQL RAG 存储所需的建表语句。
package migrations

import (
	"embed"
	"io/fs"
	"sort"
)

// Files 暴露所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS

// Names 按执行顺序返回迁移文件名。
func Names() ([]string, error) {
	names, err := fs.Glob(Files, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
