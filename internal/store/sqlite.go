package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) the SQLite database at path.
func OpenSQLite(path string, logger *slog.Logger) (*SQL, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One writer at a time; transactions hold the only connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			if cerr := db.Close(); cerr != nil {
				return nil, fmt.Errorf("%s: %w (also: close: %v)", pragma, err, cerr)
			}
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return newSQL(db, false, logger)
}
