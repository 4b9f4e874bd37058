// Package service contains the authentication and synchronization services.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/stravasync/internal/crypto"
	"github.com/and161185/stravasync/internal/errs"
	"github.com/and161185/stravasync/internal/model"
	"github.com/and161185/stravasync/internal/repository"
)

// AuthService yields a usable access credential.
type AuthService interface {
	// Authenticate returns a credential valid beyond the expiry margin,
	// refreshing or running the interactive flow as needed.
	Authenticate(ctx context.Context) (model.Credential, error)
	// Login runs the interactive authorization-code flow unconditionally.
	Login(ctx context.Context) (model.Credential, error)
}

// TokenClient talks to the provider's OAuth endpoints.
type TokenClient interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (model.Token, error)
	Refresh(ctx context.Context, refreshToken string) (model.Token, error)
}

// CodeReceiver obtains an authorization code from the user.
type CodeReceiver interface {
	Receive(ctx context.Context, authURL, state string) (string, error)
}

// AuthConfig tunes AuthServiceImpl.
type AuthConfig struct {
	Account       string
	ExpiryMargin  time.Duration
	RetryAttempts uint64
	RetryBase     time.Duration
	RetryMax      time.Duration
}

type AuthServiceImpl struct {
	creds  repository.CredentialRepository
	tokens TokenClient
	recv   CodeReceiver
	cfg    AuthConfig
	log    *zap.Logger
	now    func() time.Time
}

// NewAuthService constructs AuthService. recv may be nil for unattended use,
// in which case a missing credential fails with errs.ErrAuthExpired.
func NewAuthService(
	creds repository.CredentialRepository, tokens TokenClient, recv CodeReceiver, cfg AuthConfig, log *zap.Logger,
) *AuthServiceImpl {
	if cfg.Account == "" {
		cfg.Account = "default"
	}
	if cfg.ExpiryMargin <= 0 {
		cfg.ExpiryMargin = 5 * time.Minute
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	return &AuthServiceImpl{creds: creds, tokens: tokens, recv: recv, cfg: cfg, log: log, now: time.Now}
}

// Authenticate returns the stored credential, refreshed when it expires within the margin.
func (s *AuthServiceImpl) Authenticate(ctx context.Context) (model.Credential, error) {
	c, err := s.creds.Get(ctx, s.cfg.Account)
	if errors.Is(err, errs.ErrNotFound) {
		if s.recv == nil {
			return model.Credential{}, fmt.Errorf("%w: no stored credential for %q", errs.ErrAuthExpired, s.cfg.Account)
		}
		s.log.Info("no stored credential, starting authorization", zap.String("account", s.cfg.Account))
		return s.Login(ctx)
	}
	if err != nil {
		return model.Credential{}, fmt.Errorf("load credential: %w", err)
	}

	now := s.now()
	if !c.ExpiresWithin(now, s.cfg.ExpiryMargin) {
		return c, nil
	}

	s.log.Info("access token expiring, refreshing",
		zap.String("account", c.Account), zap.Time("expires_at", c.ExpiresAt))
	tok, err := s.refresh(ctx, c.RefreshToken)
	if errors.Is(err, errs.ErrAuthExpired) {
		s.log.Warn("refresh rejected, dropping stored credential", zap.String("account", c.Account), zap.Error(err))
		if delErr := s.creds.Delete(ctx, c.Account); delErr != nil {
			return model.Credential{}, errors.Join(err, delErr)
		}
		return model.Credential{}, err
	}
	if err != nil {
		return model.Credential{}, err
	}

	next := c.Refreshed(tok, s.now())
	if err := s.creds.Save(ctx, next); err != nil {
		return model.Credential{}, fmt.Errorf("save refreshed credential: %w", err)
	}
	return next, nil
}

// refresh redeems the refresh token, retrying transient failures only.
func (s *AuthServiceImpl) refresh(ctx context.Context, refreshToken string) (model.Token, error) {
	b := retry.NewExponential(s.cfg.RetryBase)
	b = retry.WithCappedDuration(s.cfg.RetryMax, b)
	b = retry.WithMaxRetries(s.cfg.RetryAttempts, b)

	var tok model.Token
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		tok, err = s.tokens.Refresh(ctx, refreshToken)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errs.ErrAuthExpired), errors.Is(err, errs.ErrUnauthorized), ctx.Err() != nil:
			return err
		default:
			s.log.Debug("token refresh failed, retrying", zap.Error(err))
			return retry.RetryableError(err)
		}
	})
	if err != nil && !errors.Is(err, errs.ErrAuthExpired) && !errors.Is(err, errs.ErrFetchFailed) && ctx.Err() == nil {
		err = fmt.Errorf("%w: token refresh: %w", errs.ErrFetchFailed, err)
	}
	return tok, err
}

// Login runs the authorization-code flow and stores the resulting credential.
func (s *AuthServiceImpl) Login(ctx context.Context) (model.Credential, error) {
	if s.recv == nil {
		return model.Credential{}, errors.New("interactive authorization unavailable")
	}
	raw, err := pkgcrypto.RandBytes(16)
	if err != nil {
		return model.Credential{}, err
	}
	state := hex.EncodeToString(raw)

	code, err := s.recv.Receive(ctx, s.tokens.AuthCodeURL(state), state)
	if err != nil {
		return model.Credential{}, fmt.Errorf("authorization: %w", err)
	}
	tok, err := s.tokens.Exchange(ctx, code)
	if err != nil {
		return model.Credential{}, err
	}

	c := model.Credential{Account: s.cfg.Account}.Refreshed(tok, s.now())
	if err := s.creds.Save(ctx, c); err != nil {
		return model.Credential{}, fmt.Errorf("save credential: %w", err)
	}
	s.log.Info("authorization stored", zap.String("account", c.Account), zap.Int64("athlete_id", c.AthleteID))
	return c, nil
}
