package database

import (
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// NewSQLite opens a SQLite database for local development and tests.
// A single connection serializes writers; pass _busy_timeout and
// _txlock=immediate in the DSN so concurrent callers wait instead of failing.
func NewSQLite(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect(DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	log.Info().Msg("Connected to SQLite")
	return db, nil
}
