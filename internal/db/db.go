package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"shuttle-tracker/internal/store"
)

//go:embed schema.sql
var schemaSQL string

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Migrate applies the schema. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Store is the Postgres-backed store.Store. Change notifications come from
// the tracker_changes LISTEN channel fed by table triggers.
type Store struct {
	db  *sql.DB
	dsn string
	hub *store.Hub

	listenMu     sync.Mutex
	listenCancel context.CancelFunc
	listenDone   chan struct{}
}

var _ store.Store = (*Store)(nil)

func New(db *sql.DB, dsn string) *Store {
	return &Store{db: db, dsn: dsn, hub: store.NewHub()}
}

// Migrate applies the schema on the store's connection pool.
func (s *Store) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db)
}

func (s *Store) Ping(ctx context.Context) error {
	return mapErr("ping", Ping(ctx, s.db))
}

func (s *Store) Close() error {
	s.listenMu.Lock()
	if s.listenCancel != nil {
		s.listenCancel()
		<-s.listenDone
		s.listenCancel = nil
	}
	s.listenMu.Unlock()
	return s.db.Close()
}

// mapErr converts driver errors into the store error taxonomy.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", op, store.ErrConflict)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w", op, store.ErrNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	var connErr *pgconn.ConnectError
	if errors.As(err, &netErr) || errors.As(err, &connErr) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &store.NetworkError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
