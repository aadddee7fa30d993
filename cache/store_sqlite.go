package cache

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// SQLiteStore keeps records in a single SQLite table.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens (or creates) the store with the given filename as the db.
// If file name is empty, a new private in-memory db is opened.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			address TEXT PRIMARY KEY,
			record BLOB
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Get(address string) ([]byte, bool, error) {
	var record []byte
	err := s.db.QueryRow("SELECT record FROM records WHERE address = ?", address).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (s *SQLiteStore) Put(address string, record []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO records (address, record) VALUES (?, ?)", address, record)
	return err
}

func (s *SQLiteStore) Delete(address string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM records WHERE address = ?", address)
	return err
}

func (s *SQLiteStore) Scan(ctx context.Context, fn func(address string, record []byte) error) error {
	rows, err := s.db.QueryContext(ctx, "SELECT address, record FROM records ORDER BY address")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var address string
		var record []byte
		if err := rows.Scan(&address, &record); err != nil {
			return err
		}
		if err := fn(address, record); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
