package payments

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/reuni/disputes/internal/idgen"
)

// Accounts resolves a seller's Stripe connected account.
type Accounts interface {
	// ConnectedAccount returns the account id for a seller that has
	// completed onboarding, or ErrNoConnectedAccount.
	ConnectedAccount(ctx context.Context, userID string) (string, error)
}

// PostgresAccounts reads stripe_connected_accounts.
type PostgresAccounts struct {
	db *sql.DB
}

// NewPostgresAccounts creates an account lookup backed by db.
func NewPostgresAccounts(db *sql.DB) *PostgresAccounts {
	return &PostgresAccounts{db: db}
}

func (p *PostgresAccounts) ConnectedAccount(ctx context.Context, userID string) (string, error) {
	var accountID string
	err := p.db.QueryRowContext(ctx, `
		SELECT stripe_account_id FROM stripe_connected_accounts
		WHERE user_id = $1 AND onboarding_completed`,
		idgen.Normalize(userID),
	).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoConnectedAccount
	}
	if err != nil {
		return "", err
	}
	return accountID, nil
}

// Upsert records a seller's connected account.
func (p *PostgresAccounts) Upsert(ctx context.Context, userID, accountID string, onboarded bool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO stripe_connected_accounts (user_id, stripe_account_id, onboarding_completed)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET stripe_account_id = EXCLUDED.stripe_account_id,
		    onboarding_completed = EXCLUDED.onboarding_completed,
		    updated_at = NOW()`,
		idgen.Normalize(userID), accountID, onboarded,
	)
	return err
}

// MemoryAccounts is an in-memory Accounts for demo mode and tests.
type MemoryAccounts struct {
	mu       sync.RWMutex
	accounts map[string]string
}

// NewMemoryAccounts creates an empty account lookup.
func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{accounts: make(map[string]string)}
}

// Set registers an onboarded connected account for userID.
func (m *MemoryAccounts) Set(userID, accountID string) {
	m.mu.Lock()
	m.accounts[idgen.Normalize(userID)] = accountID
	m.mu.Unlock()
}

func (m *MemoryAccounts) ConnectedAccount(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.accounts[idgen.Normalize(userID)]
	if !ok {
		return "", ErrNoConnectedAccount
	}
	return id, nil
}

var (
	_ Accounts = (*PostgresAccounts)(nil)
	_ Accounts = (*MemoryAccounts)(nil)
)
