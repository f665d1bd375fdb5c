package cache

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"remote-mirror/internal/fs"
)

// Store persists listing snapshots so a restarted process can warm its cache.
type Store interface {
	Close() error
	SaveListings(conn string, listings map[string][]*fs.Node) error
	LoadListings(conn string) (map[string][]*fs.Node, error)
	DeleteConnection(conn string) error
}

type storeDB struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStoreDB opens (or creates) the sqlite snapshot database at dbPath.
func NewStoreDB(dbPath string) (Store, error) {
	db, err := initDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &storeDB{db: db}, nil
}

func (s *storeDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func initDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = NORMAL;
	PRAGMA temp_store = memory;
	PRAGMA foreign_keys = ON;
	`
	if _, err := db.Exec(pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		conn TEXT NOT NULL,
		path TEXT NOT NULL,
		saved_at INTEGER NOT NULL,
		PRIMARY KEY (conn, path)
	);

	CREATE TABLE IF NOT EXISTS entries (
		conn TEXT NOT NULL,
		dir TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		is_dir INTEGER NOT NULL,
		size INTEGER NOT NULL,
		mod_time INTEGER NOT NULL,
		PRIMARY KEY (conn, path),
		FOREIGN KEY (conn, dir) REFERENCES listings (conn, path) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_entries_dir ON entries (conn, dir);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}

// SaveListings replaces the stored snapshot of conn in a single transaction.
func (s *storeDB) SaveListings(conn string, listings map[string][]*fs.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM entries WHERE conn = ?", conn); err != nil {
		return fmt.Errorf("failed to clear entries: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM listings WHERE conn = ?", conn); err != nil {
		return fmt.Errorf("failed to clear listings: %w", err)
	}

	listingStmt, err := tx.Prepare("INSERT INTO listings (conn, path, saved_at) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer listingStmt.Close()

	entryStmt, err := tx.Prepare(`
		INSERT INTO entries (conn, dir, name, path, is_dir, size, mod_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO UPDATE SET
			dir = excluded.dir, name = excluded.name,
			is_dir = excluded.is_dir, size = excluded.size, mod_time = excluded.mod_time
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer entryStmt.Close()

	now := time.Now().Unix()
	for dir, children := range listings {
		dir = fs.CleanRemote(dir)
		if _, err := listingStmt.Exec(conn, dir, now); err != nil {
			return fmt.Errorf("failed to insert listing %s: %w", dir, err)
		}
		for _, node := range children {
			if _, err := entryStmt.Exec(conn, dir, node.Name, node.Path, node.IsDir, node.Size, node.ModTime); err != nil {
				return fmt.Errorf("failed to insert entry %s: %w", node.Path, err)
			}
		}
	}

	return tx.Commit()
}

// LoadListings returns the stored snapshot of conn. Empty listings are kept.
func (s *storeDB) LoadListings(conn string) (map[string][]*fs.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	listings := make(map[string][]*fs.Node)

	rows, err := s.db.Query("SELECT path FROM listings WHERE conn = ?", conn)
	if err != nil {
		return nil, fmt.Errorf("failed to query listings: %w", err)
	}
	for rows.Next() {
		var dir string
		if err := rows.Scan(&dir); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		listings[dir] = []*fs.Node{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`
		SELECT dir, name, path, is_dir, size, mod_time
		FROM entries WHERE conn = ?`, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dir string
		var isDir int
		node := &fs.Node{}
		if err := rows.Scan(&dir, &node.Name, &node.Path, &isDir, &node.Size, &node.ModTime); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		node.IsDir = isDir == 1
		listings[dir] = append(listings[dir], node)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, children := range listings {
		fs.SortNodes(children)
	}
	return listings, nil
}

func (s *storeDB) DeleteConnection(conn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM entries WHERE conn = ?", conn); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM listings WHERE conn = ?", conn)
	return err
}
