// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"reservoir/internal/repository"
)

// NewDB opens a migrated SQLite catalog in the test's temp dir. A single
// connection keeps SQLite writers serialized.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, repository.Migrate(db))
	return db
}

// PostgresDSNEnv names a disposable Postgres database for tests that need
// real row locking. Its catalog tables are dropped and recreated.
const PostgresDSNEnv = "RESERVOIR_TEST_POSTGRES_DSN"

// NewPostgresDB opens the Postgres catalog named by PostgresDSNEnv, or skips
// the test when it is unset.
func NewPostgresDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s is not set", PostgresDSNEnv)
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	tables := append([]interface{}{"model_categories"}, repository.Tables()...)
	require.NoError(t, db.Migrator().DropTable(tables...))
	require.NoError(t, repository.Migrate(db))
	return db
}

// Reopen opens a second connection pool to the catalog behind db, for tests
// that need a reader outside a running transaction.
func Reopen(t testing.TB, db *gorm.DB) *gorm.DB {
	t.Helper()
	dialector, ok := db.Dialector.(*sqlite.Dialector)
	require.True(t, ok, "not a sqlite catalog")
	other, err := gorm.Open(sqlite.Open(dialector.DSN), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := other.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return other
}

// Zip builds an in-memory zip archive from name → content pairs.
func Zip(t testing.TB, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const cubeOBJ = `mtllib cube.mtl
o cube
v 0 0 0
v 1 0 0
v 1 1 0
v 0 1 0
usemtl stone
f 1 2 3
f 1 3 4
`

const cubeMTL = `newmtl stone
Kd 0.5 0.5 0.5
`

// ModelArchive returns a valid single-object archive. The tag ends up in a
// comment so different calls can produce different bytes.
func ModelArchive(t testing.TB, tag string) []byte {
	t.Helper()
	return Zip(t, map[string]string{
		"cube.obj": "# " + tag + "\n" + cubeOBJ,
		"cube.mtl": cubeMTL,
	})
}
