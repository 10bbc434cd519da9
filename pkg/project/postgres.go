package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/lib/pq"
)

const queryProject = `SELECT id, slug, platform, options FROM projects WHERE id = $1`

// PostgresStore reads projects from a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a connection pool to the database at databaseURL.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened database handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get implements Getter.
func (s *PostgresStore) Get(ctx context.Context, id int64) (*Project, error) {
	var (
		p        Project
		platform sql.NullString
		options  []byte
	)
	err := s.db.QueryRowContext(ctx, queryProject, id).Scan(&p.ID, &p.Slug, &platform, &options)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("query project %d: %w", id, err)
	}
	p.Platform = platform.String

	if len(options) > 0 {
		if err := jsoniter.Unmarshal(options, &p.Options); err != nil {
			return nil, fmt.Errorf("decode options of project %d: %w", id, err)
		}
	}
	return &p, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
