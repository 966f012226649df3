package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/agentloop/agentloop/internal/common/config"
	"github.com/agentloop/agentloop/internal/db/dialect"
)

// Open creates the connection pool for the configured driver. The agent home
// is used to place the default sqlite file.
func Open(cfg *config.DatabaseConfig, home string) (*Pool, error) {
	switch cfg.Driver {
	case "sqlite":
		path := cfg.SQLitePath(home)

		writer, err := OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		reader, err := OpenSQLiteReader(path)
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		return NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3)), nil

	case "postgres":
		conn, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		// pgx pools internally; writer and reader share one handle.
		sqlxDB := sqlx.NewDb(conn, dialect.PGX)
		return NewPool(sqlxDB, sqlxDB), nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
