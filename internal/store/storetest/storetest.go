// Package storetest 提供基于内存 sqlite 的测试数据库。
package storetest

import (
	"fmt"
	"strings"
	"testing"
	"unicode"

	"taskhub/internal/store"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// NewDB 为当前测试创建独立的内存数据库并完成迁移。
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)

	db, err := store.OpenDialector(sqlite.Open(dsn))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}
