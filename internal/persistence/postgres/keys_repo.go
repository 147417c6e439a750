package postgres

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// APIKey is an issued admin credential. Only the SHA-256 hash is stored;
// the plaintext is returned once at issue time.
type APIKey struct {
	ID        string     `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	Active    bool       `json:"active" db:"active"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// KeyRepo manages admin API keys.
type KeyRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewKeyRepo creates a PostgreSQL API-key store.
func NewKeyRepo(db *sqlx.DB, timeout time.Duration) *KeyRepo {
	return &KeyRepo{db: db, timeout: timeout}
}

// Issue creates a key and returns the record plus the plaintext secret.
func (r *KeyRepo) Issue(ctx context.Context, name string) (*APIKey, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("failed to generate key material: %w", err)
	}
	plaintext := hex.EncodeToString(raw)

	key := &APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, key_hash, active, created_at)
		VALUES ($1, $2, $3, true, $4)`,
		key.ID, key.Name, hashKey(plaintext), key.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to insert api key: %w", err)
	}
	return key, plaintext, nil
}

// Verify reports whether the plaintext matches an active key.
func (r *KeyRepo) Verify(ctx context.Context, plaintext string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var id string
	err := r.db.QueryRowxContext(ctx,
		`SELECT id FROM api_keys WHERE key_hash = $1 AND active = true`,
		hashKey(plaintext)).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to verify api key: %w", err)
	}
	return true, nil
}

// Revoke deactivates a key by id.
func (r *KeyRepo) Revoke(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET active = false, revoked_at = now() WHERE id = $1 AND active = true`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("api key %s not found or already revoked", id)
	}
	return nil
}

// List returns all keys, newest first.
func (r *KeyRepo) List(ctx context.Context) ([]APIKey, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, name, active, created_at, revoked_at
		FROM api_keys
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.StructScan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating api keys: %w", err)
	}
	return keys, nil
}

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
