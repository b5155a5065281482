package db

import (
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"gorm.io/gorm"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the embedded goose migrations for the handle's dialect.
func Migrate(gdb *gorm.DB) error {
	dialect := DialectOf(gdb)

	sqlDB, err := gdb.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetTableName("goose_migrations")
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("goose dialect %s: %w", dialect, err)
	}
	if err := goose.Up(sqlDB, "migrations/"+dialect); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
