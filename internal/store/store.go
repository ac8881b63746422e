package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleTransition means the row exists but its current status does not
	// allow the requested transition.
	ErrStaleTransition = errors.New("stale status transition")
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	DB *sqlx.DB
}

func New(db *sql.DB) *Store { return &Store{DB: sqlx.NewDb(db, "pgx")} }

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, schemaSQL)
	return err
}

func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.DB.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

type int64Slice []int64

func (a int64Slice) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "{}", nil
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, v := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(v, 10))
	}
	b.WriteByte('}')
	return b.String(), nil
}

// textSlice encodes identifiers and enum values; elements must not contain
// commas, quotes or braces.
type textSlice []string

func (a textSlice) Value() (driver.Value, error) {
	return "{" + strings.Join(a, ",") + "}", nil
}
