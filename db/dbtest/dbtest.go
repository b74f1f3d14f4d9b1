// Package dbtest opens throwaway databases for package tests.
package dbtest

import (
	"testing"

	"github.com/miragespace/billsync/db"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// New returns an in-memory SQLite database closed when the test ends.
// The pool is capped to one connection, otherwise every connection would see its own database.
func New(t testing.TB) *gorm.DB {
	t.Helper()

	gdb, err := db.Open(zap.NewNop(), sqlite.Open(":memory:"))
	require.NoError(t, err)

	pool, err := gdb.DB()
	require.NoError(t, err)
	pool.SetMaxOpenConns(1)

	t.Cleanup(func() {
		pool.Close()
	})
	return gdb
}
