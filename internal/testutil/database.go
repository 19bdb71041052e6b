package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/carebill-backend/internal/testutil/containers"
)

// TestDB is a migrated, containerized Postgres for repository tests
type TestDB struct {
	t    *testing.T
	pool *pgxpool.Pool
}

// NewTestDB starts a Postgres container, runs every migration, and returns
// a connected pool. Skipped under -short since it needs Docker.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	ctx := context.Background()
	container, err := containers.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	applyMigrations(t, container.ConnectionString)

	pool, err := pgxpool.New(ctx, container.ConnectionString)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx))

	return &TestDB{t: t, pool: pool}
}

// Pool returns the connection pool
func (tdb *TestDB) Pool() *pgxpool.Pool {
	return tdb.pool
}

// TruncateTables clears every billing table between test cases
func (tdb *TestDB) TruncateTables() {
	tdb.t.Helper()
	_, err := tdb.pool.Exec(context.Background(),
		`TRUNCATE insurance_claims, refunds, payments, invoices CASCADE`)
	require.NoError(tdb.t, err)
}

func applyMigrations(t *testing.T, connStr string) {
	t.Helper()

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	require.NoError(t, err)

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir(t), "postgres", driver)
	require.NoError(t, err)
	require.NoError(t, m.Up())
}

func migrationsDir(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("cannot locate migrations directory")
	}
	dir, err := filepath.Abs(filepath.Join(filepath.Dir(thisFile), "..", "..", "migrations"))
	require.NoError(t, err)
	return dir
}
