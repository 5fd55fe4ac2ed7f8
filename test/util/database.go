// Package util provides shared helpers for database integration tests.
package util

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/linguaclip/ingest-worker/pkg/database"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestPool creates a dedicated database for this test on the shared
// PostgreSQL instance, applies the embedded migrations, and returns a
// connection pool. Everything is torn down via t.Cleanup.
//
// CI provides an external server through CI_DATABASE_URL; local runs
// start one shared testcontainer per package and are skipped when Docker
// is unavailable.
func SetupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	baseConnStr := getOrCreateSharedDatabase(t)
	dbName := generateDBName(t)

	admin, err := stdsql.Open("pgx", baseConnStr)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", dbName))
	require.NoError(t, err)
	t.Logf("Created test database: %s", dbName)

	testConnStr := withDatabaseName(t, baseConnStr, dbName)
	require.NoError(t, database.RunMigrations(testConnStr))

	pool, err := pgxpool.New(ctx, testConnStr)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		_, err := admin.ExecContext(context.Background(),
			fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName))
		if err != nil {
			t.Logf("Warning: failed to drop database %s: %v", dbName, err)
		}
		_ = admin.Close()
	})

	return pool
}

func getOrCreateSharedDatabase(t *testing.T) string {
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer for all tests")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	if containerErr != nil {
		t.Skipf("Skipping: no database available (%v)", containerErr)
	}
	return sharedConnStr
}

// generateDBName creates a unique, PostgreSQL-safe database name.
func generateDBName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}

	randomBytes := make([]byte, 4)
	_, err := rand.Read(randomBytes)
	require.NoError(t, err)

	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(randomBytes))
}

func withDatabaseName(t *testing.T, connStr, dbName string) string {
	u, err := url.Parse(connStr)
	require.NoError(t, err)
	u.Path = "/" + dbName
	return u.String()
}
