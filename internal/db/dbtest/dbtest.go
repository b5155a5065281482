// Package dbtest opens migrated in-memory SQLite databases for tests.
package dbtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/suPer8Hu/chat-proxy/internal/db"
)

var seq atomic.Uint64

// Open returns a fresh, fully migrated database private to the calling test.
func Open(tb testing.TB) *gorm.DB {
	tb.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(tb.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))

	gdb, err := db.Connect("sqlite://"+dsn, nil, db.Options{LogLevel: gormlogger.Silent})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		tb.Fatalf("migrate: %v", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		tb.Fatalf("sql db: %v", err)
	}
	tb.Cleanup(func() { _ = sqlDB.Close() })
	return gdb
}
