// Package sqlstore keeps the ledger document in a MySQL table, one row
// per ledger name.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"go.nodeking.dev/nodeking/ledger"
)

const schema = `CREATE TABLE IF NOT EXISTS ledger_state (
  name VARCHAR(64) NOT NULL PRIMARY KEY,
  doc LONGBLOB NOT NULL,
  updated_on DATETIME(6) NOT NULL
)`

// Open connects to the database named by dsn and checks the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if len(dsn) == 0 {
		return nil, fmt.Errorf("ledger.dsn (or --ledger-dsn, NODEKING_LEDGER_DSN) required for the mysql driver")
	}

	dbcfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	dbcfg.ParseTime = true

	connector, err := mysql.NewConnector(dbcfg)
	if err != nil {
		return nil, err
	}

	db := sql.OpenDB(connector)
	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}
	return db, nil
}

// Store implements ledger.Store on a *sql.DB.
type Store struct {
	db   *sql.DB
	name string
}

var _ ledger.Store = (*Store)(nil)

func New(db *sql.DB, name string) *Store {
	if name == "" {
		name = "default"
	}
	return &Store{db: db, name: name}
}

// EnsureSchema creates the table when it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Load(ctx context.Context) (*ledger.Document, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT doc FROM ledger_state WHERE name = ?", s.name,
	).Scan(&b)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ledger.Decode(b)
}

func (s *Store) Save(ctx context.Context, doc *ledger.Document) error {
	b, err := ledger.Encode(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ledger_state (name, doc, updated_on) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE doc = VALUES(doc), updated_on = VALUES(updated_on)`,
		s.name, b, doc.UpdateTime.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving ledger %q: %w", s.name, err)
	}
	return nil
}
