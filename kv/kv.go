// Package kv is the persistent blob key-value contract the service uses
// for everything that must survive a restart: the RSA link identity, the
// Ed25519 master keypair, the onion hostname, and the remembered guard.
// On the target device this is backed by whatever flash filesystem is
// available; SQLiteStore is the reference implementation used off-device.
package kv

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store is a minimal persistent blob store: named keys to opaque values.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// SQLiteStore implements Store over a single-table sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) a blob store at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	s := &SQLiteStore{db: db}
	schema := `CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init kv schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Put(key string, value []byte) error {
	_, err := s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Well-known keys the service reads and writes at startup/shutdown.
const (
	KeyRSAIdentity      = "link.rsa_identity"
	KeyRSAIdentityCert  = "link.identity_cert"
	KeyRSALinkCert      = "link.link_cert"
	KeyEd25519Seed      = "service.ed25519_seed"
	KeyX25519EncKey     = "service.x25519_enc_key"
	KeyOnionHostname    = "service.onion_hostname"
	KeyGuardIdentity    = "pathselect.guard_identity"
)
