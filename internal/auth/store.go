package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

var ErrClientNotFound = errors.New("client not found")

// Client is a stored API client credential. The plaintext secret exists only
// in the CreateClient return value; the store keeps a bcrypt hash.
type Client struct {
	ClientID   string    `json:"client_id"`
	Secret     string    `json:"client_secret,omitempty"`
	SecretHash string    `json:"-"`
	Name       string    `json:"name"`
	Scopes     []string  `json:"scopes"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store keeps client credentials in sqlite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the credential database at path and
// ensures the schema. Use ":memory:" for tests.
func OpenStore(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// sqlite behaves best with a single writer connection
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS clients (
    client_id   TEXT PRIMARY KEY,
    secret_hash TEXT NOT NULL,
    name        TEXT NOT NULL,
    scopes      TEXT NOT NULL,
    active      INTEGER NOT NULL DEFAULT 1,
    created_at  TIMESTAMP NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// CreateClient generates a credential with the given display name and scopes
// and stores its hash. The returned Client carries the plaintext secret once.
func (s *Store) CreateClient(ctx context.Context, name string, scopes []string) (*Client, error) {
	if name == "" {
		return nil, fmt.Errorf("client name is required")
	}
	clientID := "client_" + randomHex(8)
	secret := randomHex(32)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}
	c := &Client{
		ClientID:   clientID,
		Secret:     secret,
		SecretHash: string(hash),
		Name:       name,
		Scopes:     scopes,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clients (client_id, secret_hash, name, scopes, active, created_at) VALUES (?, ?, ?, ?, 1, ?)`,
		c.ClientID, c.SecretHash, c.Name, strings.Join(c.Scopes, ","), c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert client: %w", err)
	}
	return c, nil
}

// GetClient fetches a client by id.
func (s *Store) GetClient(ctx context.Context, clientID string) (*Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT client_id, secret_hash, name, scopes, active, created_at FROM clients WHERE client_id = ?`, clientID)
	var c Client
	var scopes string
	var active int
	if err := row.Scan(&c.ClientID, &c.SecretHash, &c.Name, &scopes, &active, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	c.Scopes = splitScopes(scopes)
	c.Active = active != 0
	return &c, nil
}

// ListClients returns all clients without secret material.
func (s *Store) ListClients(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_id, name, scopes, active, created_at FROM clients ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Client
	for rows.Next() {
		var c Client
		var scopes string
		var active int
		if err := rows.Scan(&c.ClientID, &c.Name, &scopes, &active, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Scopes = splitScopes(scopes)
		c.Active = active != 0
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteClient removes a client credential.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClientNotFound
	}
	return nil
}

func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
