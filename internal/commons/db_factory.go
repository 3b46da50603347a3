package commons

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
)

// DbFactory creates throwaway sqlite databases backed by a temp dir.
// Used by tests that need a real file instead of ":memory:".
type DbFactory struct {
	TempDir string
}

func NewDbFactory() *DbFactory {
	tempDir, err := os.MkdirTemp("", "facilitator-test-*")
	if err != nil {
		slog.Error("Error creating temp dir", "err", err)
		panic(err)
	}
	return &DbFactory{TempDir: tempDir}
}

func (d *DbFactory) CreateDb(sqliteFileName string) *sqlx.DB {
	sqlitePath := filepath.Join(d.TempDir, sqliteFileName)
	return sqlx.MustConnect("sqlite3", sqlitePath)
}

func (d *DbFactory) Cleanup() {
	if d.TempDir != "" {
		err := os.RemoveAll(d.TempDir)
		if err != nil {
			slog.Error("Error removing temp dir", "err", err)
		}
	}
}
