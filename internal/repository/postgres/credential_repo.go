package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/stravasync/internal/crypto"
	"github.com/and161185/stravasync/internal/errs"
	"github.com/and161185/stravasync/internal/model"
)

// CredentialRepo implements CredentialRepository using PostgreSQL.
// Token columns hold sealer output, bound to the account and column name.
type CredentialRepo struct {
	db     *DB
	sealer crypto.Sealer
}

// NewCredentialRepo constructs a credential repository. A nil sealer stores tokens in plain form.
func NewCredentialRepo(db *DB, sealer crypto.Sealer) *CredentialRepo {
	if sealer == nil {
		sealer = crypto.Plain{}
	}
	return &CredentialRepo{db: db, sealer: sealer}
}

func tokenAAD(account, column string) []byte { return []byte(account + "/" + column) }

// Get loads the stored credential for account.
func (r *CredentialRepo) Get(ctx context.Context, account string) (model.Credential, error) {
	const q = `
SELECT account, athlete_id, access_token, refresh_token, expires_at, scope, updated_at
FROM credentials WHERE account=$1`
	var (
		c                  model.Credential
		access, refreshTok []byte
	)
	err := r.db.Pool.QueryRow(ctx, q, account).
		Scan(&c.Account, &c.AthleteID, &access, &refreshTok, &c.ExpiresAt, &c.Scope, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Credential{}, errs.ErrNotFound
		}
		return model.Credential{}, err
	}

	at, err := r.sealer.Open(access, tokenAAD(account, "access_token"))
	if err != nil {
		return model.Credential{}, fmt.Errorf("open access token: %w", err)
	}
	rt, err := r.sealer.Open(refreshTok, tokenAAD(account, "refresh_token"))
	if err != nil {
		return model.Credential{}, fmt.Errorf("open refresh token: %w", err)
	}
	c.AccessToken, c.RefreshToken = string(at), string(rt)
	return c, nil
}

// Save replaces the credential row in one statement.
func (r *CredentialRepo) Save(ctx context.Context, c model.Credential) error {
	at, err := r.sealer.Seal([]byte(c.AccessToken), tokenAAD(c.Account, "access_token"))
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	rt, err := r.sealer.Seal([]byte(c.RefreshToken), tokenAAD(c.Account, "refresh_token"))
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}

	const q = `
INSERT INTO credentials (account, athlete_id, access_token, refresh_token, expires_at, scope, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (account) DO UPDATE SET
    athlete_id = EXCLUDED.athlete_id,
    access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    expires_at = EXCLUDED.expires_at,
    scope = EXCLUDED.scope,
    updated_at = EXCLUDED.updated_at`
	if _, err := r.db.Pool.Exec(ctx, q, c.Account, c.AthleteID, at, rt, c.ExpiresAt, c.Scope, c.UpdatedAt); err != nil {
		return fmt.Errorf("%w: credential: %w", errs.ErrStoreWriteFailed, err)
	}
	return nil
}

// Delete removes the stored credential.
func (r *CredentialRepo) Delete(ctx context.Context, account string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM credentials WHERE account=$1`, account); err != nil {
		return fmt.Errorf("%w: credential: %w", errs.ErrStoreWriteFailed, err)
	}
	return nil
}
