package dimensions

import (
	"fmt"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const storeSchema = `CREATE TABLE IF NOT EXISTS dimensions (
	ref     TEXT PRIMARY KEY,
	width   INTEGER NOT NULL,
	height  INTEGER NOT NULL,
	created INTEGER NOT NULL
)`

// Store keeps successfully resolved dimensions in sqlite database so they
// survive between runs. Entries are never invalidated: image reference is
// treated as identity of its content.
type Store struct {
	mu   sync.Mutex
	conn *sqlite.Conn
}

// OpenStore opens (creating if necessary) database at path. Use ":memory:"
// for a store which lives only as long as the process.
func OpenStore(path string) (*Store, error) {
	flags := []sqlite.OpenFlags{sqlite.OpenReadWrite, sqlite.OpenCreate, sqlite.OpenWAL}
	if path == ":memory:" {
		flags = []sqlite.OpenFlags{sqlite.OpenReadWrite, sqlite.OpenMemory}
	}
	conn, err := sqlite.OpenConn(path, flags...)
	if err != nil {
		return nil, fmt.Errorf("unable to open dimensions store (%s): %w", path, err)
	}
	if err := sqlitex.ExecuteTransient(conn, storeSchema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("unable to prepare dimensions store (%s): %w", path, err)
	}
	return &Store{conn: conn}, nil
}

// Get returns stored size for ref.
func (s *Store) Get(ref string) (Size, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		size  Size
		found bool
	)
	err := sqlitex.Execute(s.conn, `SELECT width, height FROM dimensions WHERE ref = ?`,
		&sqlitex.ExecOptions{
			Args: []any{ref},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				size = Size{Width: stmt.ColumnInt(0), Height: stmt.ColumnInt(1)}
				found = true
				return nil
			},
		})
	if err != nil {
		return Size{}, false, fmt.Errorf("unable to query dimensions store: %w", err)
	}
	return size, found, nil
}

// Put remembers size for ref, existing entry is replaced.
func (s *Store) Put(ref string, size Size) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := sqlitex.Execute(s.conn, `INSERT OR REPLACE INTO dimensions (ref, width, height, created) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{ref, size.Width, size.Height, time.Now().Unix()}})
	if err != nil {
		return fmt.Errorf("unable to update dimensions store: %w", err)
	}
	return nil
}

// Len returns number of stored entries.
func (s *Store) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := sqlitex.Execute(s.conn, `SELECT count(*) FROM dimensions`,
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		}})
	return n, err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
