// Package dbtest provides throwaway databases for package tests
package dbtest

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/zllovesuki/subledger/db"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

// New returns an in-memory SQLite database scoped to the test.
// A single connection keeps the memory database alive and serializes transactions the way row locks would.
func New(t testing.TB) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(zaptest.NewLogger(t), sqlite.Open("file::memory:"), db.PoolOptions{
		MaxIdleConns: 1,
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("cannot open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return gdb
}
