// Package dbtest opens throwaway in-memory stores for package tests.
package dbtest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/Kavis1/enhanced-marzban/internal/database"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewStore returns a migrated Store backed by a shared-cache in-memory sqlite
// database named after the running test.
func NewStore(t *testing.T) *database.Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent), TranslateError: true})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	// One connection keeps the in-memory database alive and serializes writers
	// the way shared-cache sqlite requires.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}

	store, err := database.SetupDB(database.WithExistingDB(db), database.WithMigrations(database.Migrations()...))
	if err != nil {
		t.Fatalf("setup store: %v", err)
	}

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}
