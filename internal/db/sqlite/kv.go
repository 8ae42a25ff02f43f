package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned by KVStore.Get for a missing key.
var ErrNotFound = errors.New("document not found")

// KVStore is a key to JSON document store on top of Store.
type KVStore struct {
	store *Store
}

// NewKVStore creates a new document store.
func NewKVStore(store *Store) *KVStore {
	return &KVStore{store: store}
}

// Get returns the document stored under key.
func (k *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	const query = `SELECT document FROM kv_documents WHERE key = ? LIMIT 1`

	var doc string
	err := k.store.QueryRowContext(ctx, query, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}

// Put stores doc under key, replacing any previous document.
func (k *KVStore) Put(ctx context.Context, key string, doc []byte) error {
	now := time.Now()

	// Upsert keeps the row count at one per key.
	const query = `
		INSERT INTO kv_documents (key, document, updated_at, updated_at_epoch)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			document = excluded.document,
			updated_at = excluded.updated_at,
			updated_at_epoch = excluded.updated_at_epoch
	`
	_, err := k.store.ExecContext(ctx, query, key, string(doc), now.Format(time.RFC3339), now.UnixMilli())
	return err
}

// Delete removes key. Deleting a missing key is not an error.
func (k *KVStore) Delete(ctx context.Context, key string) error {
	_, err := k.store.ExecContext(ctx, `DELETE FROM kv_documents WHERE key = ?`, key)
	return err
}

// Keys returns all stored keys in ascending order.
func (k *KVStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := k.store.QueryContext(ctx, `SELECT key FROM kv_documents ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
