package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"
)

// Account is a stored credential.
type Account struct {
	Identifier string `db:"identifier" yaml:"identifier"`
	Name       string `db:"display_name" yaml:"name"`
	Role       Role   `db:"role" yaml:"role"`
	BusID      *int   `db:"bus_id" yaml:"busId"`
	SecretHash string `db:"secret_hash" yaml:"secretHash"`
}

// CredentialStore looks accounts up by identifier. It returns ErrNoAccount
// when there is none.
type CredentialStore interface {
	Lookup(ctx context.Context, identifier string) (Account, error)
}

// HashSecret returns the bcrypt hash stored for a secret.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(h), nil
}

func normalizeIdentifier(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// StaticCredentials is an in-memory account list, loaded from the routes
// file when no database is configured.
type StaticCredentials struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewStaticCredentials(accounts []Account) (*StaticCredentials, error) {
	s := &StaticCredentials{accounts: make(map[string]Account, len(accounts))}
	for _, a := range accounts {
		if !a.Role.Valid() {
			return nil, fmt.Errorf("account %q: invalid role %q", a.Identifier, a.Role)
		}
		a.Identifier = normalizeIdentifier(a.Identifier)
		s.accounts[a.Identifier] = a
	}
	return s, nil
}

func (s *StaticCredentials) Lookup(_ context.Context, identifier string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[normalizeIdentifier(identifier)]
	if !ok {
		return Account{}, ErrNoAccount
	}
	return a, nil
}

const accountsSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	identifier   text PRIMARY KEY,
	display_name text NOT NULL DEFAULT '',
	role         text NOT NULL,
	bus_id       integer,
	secret_hash  text NOT NULL
)`

// PGCredentials reads accounts from the accounts table.
type PGCredentials struct {
	db *sqlx.DB
}

func NewPGCredentials(db *sqlx.DB) *PGCredentials {
	return &PGCredentials{db: db}
}

func (p *PGCredentials) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, accountsSchema); err != nil {
		return fmt.Errorf("create accounts table: %w", err)
	}
	return nil
}

func (p *PGCredentials) Lookup(ctx context.Context, identifier string) (Account, error) {
	var a Account
	err := p.db.GetContext(ctx, &a,
		`SELECT identifier, display_name, role, bus_id, secret_hash FROM accounts WHERE identifier = $1`,
		normalizeIdentifier(identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNoAccount
	}
	if err != nil {
		return Account{}, fmt.Errorf("lookup account: %w", err)
	}
	return a, nil
}

// Upsert stores an account, replacing an existing one with the same
// identifier.
func (p *PGCredentials) Upsert(ctx context.Context, a Account) error {
	if !a.Role.Valid() {
		return fmt.Errorf("account %q: invalid role %q", a.Identifier, a.Role)
	}
	a.Identifier = normalizeIdentifier(a.Identifier)
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO accounts (identifier, display_name, role, bus_id, secret_hash)
		VALUES (:identifier, :display_name, :role, :bus_id, :secret_hash)
		ON CONFLICT (identifier) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			role = EXCLUDED.role,
			bus_id = EXCLUDED.bus_id,
			secret_hash = EXCLUDED.secret_hash`, a)
	if err != nil {
		return fmt.Errorf("upsert account %q: %w", a.Identifier, err)
	}
	return nil
}
