package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/paritytech/substrate-archive/config"
	"github.com/paritytech/substrate-archive/storage"
)

var testDatabase = os.Getenv("ARCHIVE_TEST_DB")

// exclusiveLockKey is an arbitrary advisory lock id shared by all tests that
// need the database to themselves.
const exclusiveLockKey = 293873287

// DatabaseAvailable reports whether a database is available for testing
func DatabaseAvailable() bool {
	return testDatabase != ""
}

// Database returns the connection string for connecting to the test database
func Database() string {
	return testDatabase
}

// WaitForExclusiveDatabase opens the test database, blocks until this process
// holds the exclusive test lock, and migrates the schema. The cleanup releases
// the lock and closes the connection.
func WaitForExclusiveDatabase(ctx context.Context, tb testing.TB) (*storage.Database, func() error, error) {
	tb.Helper()

	db, err := storage.NewDatabase(ctx, config.PgStorageConf{
		URL:             testDatabase,
		PoolSize:        8,
		ApplicationName: "archive-tests",
	})
	if err != nil {
		return nil, nil, err
	}

	if _, err := db.AsORM().ExecContext(ctx, `SELECT pg_advisory_lock(?)`, exclusiveLockKey); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	cleanup := func() error {
		_, err := db.AsORM().Exec(`SELECT pg_advisory_unlock(?)`, exclusiveLockKey)
		if cerr := db.Close(); err == nil {
			err = cerr
		}
		return err
	}

	if err := db.MigrateSchema(ctx); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return db, cleanup, nil
}

// TruncateChainTables empties every archive table between test cases.
func TruncateChainTables(tb testing.TB, db *storage.Database) {
	tb.Helper()
	for _, table := range []string{"gap_reports", "recovery_tasks", "storage", "events", "extrinsics", "blocks", "metadata"} {
		if _, err := db.AsORM().Exec(`TRUNCATE TABLE ` + table + ` CASCADE`); err != nil {
			tb.Fatalf("truncate %s: %v", table, err)
		}
	}
}
