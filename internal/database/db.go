// Package database is the gateway to the files and errors tables. It issues
// a fixed set of parameterized statements; the schema and stored procedures
// live outside this repository.
package database

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ega-archive/lega-ingest/internal/conf"
	"github.com/ega-archive/lega-ingest/internal/errs"
	"github.com/ega-archive/lega-ingest/internal/retry"
)

// Querier is the slice of pgxpool.Pool the gateway uses. Tests substitute a
// fake recording the statements.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps the pooled connection with the worker's fixed operations.
type DB struct {
	pool     Querier
	hostname string
	log      zerolog.Logger
}

// New builds a gateway over an existing querier.
func New(q Querier, log zerolog.Logger) *DB {
	hostname, _ := os.Hostname()
	return &DB{
		pool:     q,
		hostname: hostname,
		log:      log.With().Str("component", "database").Logger(),
	}
}

// Connect resolves db.connection (possibly from a one-shot secret), opens a
// pool and verifies it with a ping, retrying per db.try / db.try_interval.
// onFailure runs when the attempts are exhausted.
func Connect(ctx context.Context, c *conf.Conf, log zerolog.Logger, onFailure func()) (*DB, *pgxpool.Pool, error) {
	dsn, err := c.GetSensitive("db", "connection")
	if err != nil {
		return nil, nil, fmt.Errorf("resolving db.connection: %w", err)
	}
	if dsn == "" {
		return nil, nil, fmt.Errorf("db.connection is not set")
	}

	attempts := c.GetInt("db", "try", retry.DefaultAttempts)
	interval := time.Duration(c.GetInt("db", "try_interval", 1)) * time.Second

	log.Info().Str("connection", conf.RedactURL(dsn)).Msg("initializing database connection")

	var pool *pgxpool.Pool
	err = retry.Do(log, "db connection", attempts, interval, nil, onFailure, func() error {
		p, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}

	return New(pool, log), pool, nil
}

// InsertFile creates the file record in state Received and returns its id.
func (db *DB) InsertFile(ctx context.Context, filepath, userID string) (int64, error) {
	var fileID int64
	row := db.pool.QueryRow(ctx, "SELECT insert_file($1,$2);", filepath, userID)
	if err := row.Scan(&fileID); err != nil {
		return 0, fmt.Errorf("insert_file: %w", err)
	}
	db.log.Debug().Int64("file_id", fileID).Str("filepath", filepath).Str("user_id", userID).
		Msg("file record created")
	return fileID, nil
}

// MarkInProgress moves the record to the In progress state.
func (db *DB) MarkInProgress(ctx context.Context, fileID int64) error {
	_, err := db.pool.Exec(ctx,
		"UPDATE files SET status = 'In progress' WHERE id = $1;", fileID)
	if err != nil {
		return fmt.Errorf("mark_in_progress: %w", err)
	}
	return nil
}

// SetInfo persists the vault location, payload size and header (as hex). The
// record status is left untouched.
func (db *DB) SetInfo(ctx context.Context, fileID int64, vaultPath string, vaultSize int64, headerHex string) error {
	_, err := db.pool.Exec(ctx,
		"UPDATE files SET vault_path = $1, vault_size = $2, header = $3 WHERE id = $4;",
		vaultPath, vaultSize, headerHex, fileID)
	if err != nil {
		return fmt.Errorf("set_info: %w", err)
	}
	return nil
}

// SetError appends an error record for fileID, tagged with the worker
// hostname and the error class, and flagged from_user when the cause is
// attributable to the submitter.
func (db *DB) SetError(ctx context.Context, fileID int64, cause error) error {
	_, fromUser := errs.AsFromUser(cause)
	msg := fmt.Sprintf("[%s][%s] %s", db.hostname, errs.Kind(cause), cause.Error())
	_, err := db.pool.Exec(ctx,
		"SELECT insert_error($1,$2,$3);", fileID, msg, fromUser)
	if err != nil {
		return fmt.Errorf("insert_error: %w", err)
	}
	db.log.Debug().Int64("file_id", fileID).Bool("from_user", fromUser).Msg("error recorded")
	return nil
}
