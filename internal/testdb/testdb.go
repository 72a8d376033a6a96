// Package testdb opens throwaway databases for package tests. SQLite in
// memory is the default; TEST_DB_DRIVER=postgres starts a postgres container.
package testdb

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	container "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Setup returns a migrated database and its cleanup function.
func Setup(t testing.TB, models ...any) (*gorm.DB, func()) {
	t.Helper()

	ctx := context.Background()
	var db *gorm.DB
	var cleanup func()

	switch os.Getenv("TEST_DB_DRIVER") {
	case "postgres":
		var pg testcontainers.Container
		db, pg = setupPostgres(ctx, t)
		cleanup = func() {
			if err := pg.Terminate(ctx); err != nil {
				log.Printf("Failed to terminate PostgreSQL container: %v", err)
			}
		}
	default:
		db = setupSqlite(t)
		cleanup = func() {}
	}

	require.NoError(t, db.AutoMigrate(models...))
	return db, cleanup
}

func setupSqlite(t testing.TB) *gorm.DB {
	t.Helper()

	uniqueDSN := fmt.Sprintf("file::memory:test%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(uniqueDSN), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func setupPostgres(ctx context.Context, t testing.TB) (*gorm.DB, testcontainers.Container) {
	t.Helper()

	pg, err := container.Run(ctx,
		"postgres:16-alpine",
		container.WithDatabase("postgres"),
		container.WithUsername("postgres"),
		container.WithPassword("postgres"),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_HOST_AUTH_METHOD": "trust",
		}),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForLog("database system is ready to accept connections"),
				wait.ForListeningPort("5432/tcp"),
			)))
	require.NoError(t, err)

	url, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := gorm.Open(postgres.Open(url), &gorm.Config{})
	require.NoError(t, err)
	return db, pg
}
