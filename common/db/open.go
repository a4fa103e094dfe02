package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresOpts struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

func OpenPostgres(ctx context.Context, opts PostgresOpts) (*sql.DB, error) {
	connUrl := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		opts.User,
		opts.Password,
		opts.Host,
		opts.Port,
		opts.Name,
	)
	db, err := sql.Open(Dialect_Postgres.DriverName, connUrl)
	if err != nil {
		return nil, fmt.Errorf("openPostgres: error opening db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pingCancel()
	if err = db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("openPostgres: error connecting to db: %w", err)
	}
	return db, nil
}

// OpenSqlite opens (and creates, if needed) a SQLite database file. SQLite allows a single writer so the pool is
// limited to one connection.
func OpenSqlite(path string) (*sql.DB, error) {
	db, err := sql.Open(Dialect_Sqlite.DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("openSqlite: error opening db: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("openSqlite: error connecting to db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err = db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("openSqlite: error applying %q: %w", pragma, err)
		}
	}
	return db, nil
}
