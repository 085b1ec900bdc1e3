package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

const pingAttempts = 5

// NewDB creates a Postgres connection, verifies it, and bootstraps the
// attendance schema. The ping is retried so a database that is still
// starting up doesn't kill the service; an error here means no usable
// handle, and serving without the schema in place is never an option.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	var pingErr error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		if pingErr = db.PingContext(ctx); pingErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		log.Printf("database ping failed (attempt %d/%d): %v", attempt, pingAttempts, pingErr)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
	}
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", pingErr)
	}
	if err := EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{Client: db}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
