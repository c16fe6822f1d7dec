package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // Register sqlite driver
)

// Config holds SQLite connection configuration
type Config struct {
	Path string
	// BusyTimeout makes the connection wait bounded on a locked database
	// instead of failing fast with SQLITE_BUSY.
	BusyTimeout time.Duration
}

// Client represents a SQLite database client
type Client struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewClient opens (and creates if missing) the SQLite database at path.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	logger.Info("Opening SQLite database", slog.String("path", config.Path))

	db, err := sqlx.Connect("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// In-memory databases are per-connection; limit to one connection so
	// schema setup and queries all see the same data.
	if config.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	busyMillis := config.BusyTimeout.Milliseconds()
	if busyMillis <= 0 {
		busyMillis = 5000
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyMillis),
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}

	return &Client{db: db, logger: logger}, nil
}

// GetDB returns the underlying sqlx.DB instance
func (c *Client) GetDB() *sqlx.DB {
	return c.db
}

// Ping checks the database connection
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database connection
func (c *Client) Close() error {
	c.logger.Info("Closing SQLite database")
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
