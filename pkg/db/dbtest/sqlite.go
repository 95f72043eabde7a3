// Package dbtest opens isolated in-memory SQLite databases carrying the
// application schema for repository and service tests.
package dbtest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/streamfair-backend/pkg/db"
	"github.com/angelmondragon/streamfair-backend/pkg/db/models"
)

// Open returns a fresh database named after the test. A single connection is
// kept open so the shared in-memory database lives for the whole test and
// concurrent callers queue on the pool instead of hitting SQLITE_BUSY.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, conn.AutoMigrate(
		&models.Video{},
		&models.WatchSession{},
		&models.WatchEvent{},
		&models.PaymentLedgerEntry{},
		&models.OutboxEvent{},
		&models.OutboxDLQ{},
	))

	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}

// Client wraps Open in the application db client.
func Client(t testing.TB) *db.Client {
	t.Helper()
	return db.Wrap(Open(t))
}
