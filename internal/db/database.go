package db

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Open connects to the database selected by driver ("postgres" or "sqlite").
func Open(driver, dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	driver = strings.ToLower(driver)

	var (
		conn *sqlx.DB
		err  error
	)
	switch driver {
	case "postgres":
		conn, err = sqlx.Open("postgres", dsn)
	case "sqlite":
		conn, err = sqlx.Open("sqlite", dsn)
		if err == nil {
			// a single writer avoids SQLITE_BUSY and keeps :memory: databases on one connection
			conn.SetMaxOpenConns(1)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info().Str("driver", driver).Msg("Database connection established successfully.")
	return conn, nil
}

// Migrate creates the tables and indexes when they do not exist yet.
func Migrate(conn *sqlx.DB) error {
	if conn == nil {
		return fmt.Errorf("database not initialized, call Open first")
	}
	ddl, err := Schema(conn.DriverName())
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ddl); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info().Str("driver", conn.DriverName()).Msg("Database migration completed successfully.")
	return nil
}
