package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS document_states (
	document_id TEXT PRIMARY KEY,
	state BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_document_created_idx ON messages (document_id, created_at);
`

// SQLRepository stores document state and chat messages in postgres or sqlite.
// Queries use numbered placeholders, which both drivers accept.
type SQLRepository struct {
	conn *sql.DB
}

func NewPgRepository(dsn string) (*SQLRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLRepository{conn: db}, nil
}

func NewSQLiteRepository(dsn string) (*SQLRepository, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLRepository{conn: db}, nil
}

func (db *SQLRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *SQLRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *SQLRepository) GetDocumentState(ctx context.Context, documentId string) (DocumentState, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT document_id, state, updated_at FROM document_states "+
			"WHERE document_id = $1 LIMIT 1",
		documentId,
	)

	var ds DocumentState
	err := row.Scan(&ds.DocumentId, &ds.State, &ds.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentState{}, ErrNotFound
	}

	return ds, err
}

func (db *SQLRepository) SaveDocumentState(ctx context.Context, documentId string, state []byte) error {
	if state == nil {
		state = []byte{}
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO document_states (document_id, state, updated_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (document_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at",
		documentId,
		state,
		time.Now().UTC(),
	)

	return err
}
