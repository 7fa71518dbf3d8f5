// Package storage provides a paged block store abstraction and an AVL-tree
// index built on top of it, used to keep the HSDir hash ring on disk
// instead of resident in memory on a constrained device.
package storage

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// PagedBlockStore is the narrow interface the AVL index needs from whatever
// backs it: fixed-size blocks addressed by an opaque ID, allocated and freed
// one at a time. On the target embedded device this is implemented over the
// raw SPI flash driver; SQLiteBlockStore below is the reference
// implementation used off-device and in tests.
type PagedBlockStore interface {
	ReadBlock(id uint64) ([]byte, error)
	WriteBlock(id uint64, data []byte) error
	AllocBlock() (uint64, error)
	FreeBlock(id uint64) error
}

// SQLiteBlockStore implements PagedBlockStore over a single-table sqlite
// database, one row per block.
type SQLiteBlockStore struct {
	db *sql.DB
}

// OpenSQLiteBlockStore opens (creating if necessary) a block store at path.
func OpenSQLiteBlockStore(path string) (*SQLiteBlockStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open block store: %w", err)
	}
	s := &SQLiteBlockStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init block store schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteBlockStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blocks (
		id   INTEGER PRIMARY KEY,
		data BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS block_alloc (
		next_id INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM block_alloc`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err := s.db.Exec(`INSERT INTO block_alloc (next_id) VALUES (1)`)
		return err
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteBlockStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteBlockStore) ReadBlock(id uint64) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM blocks WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("block %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read block %d: %w", id, err)
	}
	return data, nil
}

func (s *SQLiteBlockStore) WriteBlock(id uint64, data []byte) error {
	_, err := s.db.Exec(`INSERT INTO blocks (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, id, data)
	if err != nil {
		return fmt.Errorf("write block %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteBlockStore) AllocBlock() (uint64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin alloc: %w", err)
	}
	defer tx.Rollback()

	var id uint64
	if err := tx.QueryRow(`SELECT next_id FROM block_alloc`).Scan(&id); err != nil {
		return 0, fmt.Errorf("read next_id: %w", err)
	}
	if _, err := tx.Exec(`UPDATE block_alloc SET next_id = ?`, id+1); err != nil {
		return 0, fmt.Errorf("advance next_id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit alloc: %w", err)
	}
	return id, nil
}

func (s *SQLiteBlockStore) FreeBlock(id uint64) error {
	_, err := s.db.Exec(`DELETE FROM blocks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("free block %d: %w", id, err)
	}
	return nil
}

// MemoryBlockStore is a PagedBlockStore backed by a plain map. It is used
// for indexes that are rebuilt wholesale on every consensus refresh rather
// than persisted across restarts, such as the HSDir hash ring.
type MemoryBlockStore struct {
	mu     sync.Mutex
	blocks map[uint64][]byte
	next   uint64
}

// NewMemoryBlockStore returns an empty in-memory block store.
func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{blocks: make(map[uint64][]byte), next: 1}
}

func (m *MemoryBlockStore) ReadBlock(id uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blocks[id]
	if !ok {
		return nil, fmt.Errorf("block %d not found", id)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBlockStore) WriteBlock(id uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[id] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBlockStore) AllocBlock() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	return id, nil
}

func (m *MemoryBlockStore) FreeBlock(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, id)
	return nil
}
