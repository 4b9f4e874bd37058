package strava

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/and161185/stravasync/internal/errs"
	"github.com/and161185/stravasync/internal/metrics"
	"github.com/and161185/stravasync/internal/model"
)

// Provider endpoints.
const (
	DefaultAuthURL  = "https://www.strava.com/oauth/authorize"
	DefaultTokenURL = "https://www.strava.com/oauth/token"
	DefaultScope    = "activity:read_all"
)

// OAuthConfig identifies the registered API application.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scope        string // comma separated, as Strava expects
}

// OAuth runs the authorization-code and refresh-token grants.
type OAuth struct {
	cfg  oauth2.Config
	http *http.Client
	now  func() time.Time
}

// NewOAuth constructs the token client. hc may be nil.
func NewOAuth(c OAuthConfig, hc *http.Client) *OAuth {
	if c.AuthURL == "" {
		c.AuthURL = DefaultAuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.Scope == "" {
		c.Scope = DefaultScope
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuth{
		cfg: oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
			Scopes:       []string{c.Scope},
			Endpoint: oauth2.Endpoint{
				AuthURL:   c.AuthURL,
				TokenURL:  c.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		http: hc,
		now:  time.Now,
	}
}

// AuthCodeURL returns the consent page URL carrying state.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "auto"))
}

// Exchange trades an authorization code for a token.
func (o *OAuth) Exchange(ctx context.Context, code string) (model.Token, error) {
	tok, err := o.cfg.Exchange(o.ctx(ctx), code)
	if err != nil {
		return model.Token{}, classify(ctx, "code exchange", err)
	}
	return o.token(tok), nil
}

// Refresh redeems a refresh token. A rejected grant yields errs.ErrAuthExpired;
// other failures wrap errs.ErrFetchFailed and may be retried.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (model.Token, error) {
	src := o.cfg.TokenSource(o.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		err = classify(ctx, "token refresh", err)
		if errors.Is(err, errs.ErrAuthExpired) {
			metrics.RecordTokenRefresh("rejected")
		} else {
			metrics.RecordTokenRefresh("error")
		}
		return model.Token{}, err
	}
	metrics.RecordTokenRefresh("ok")
	return o.token(tok), nil
}

func (o *OAuth) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.http)
}

// classify maps token endpoint failures. Only a 400 that names the grant
// itself (invalid_grant, or Strava's RefreshToken/AuthorizationCode errors)
// means the grant was refused. Other 4xx come from our own request, such as
// a wrong client secret, and are not retried.
func classify(ctx context.Context, op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		switch {
		case code == http.StatusBadRequest && grantRefused(re):
			return fmt.Errorf("%w: %s: status %d", errs.ErrAuthExpired, op, code)
		case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
			return fmt.Errorf("%w: %s: status %d", errs.ErrFetchFailed, op, code)
		case code >= 400 && code < 500:
			return fmt.Errorf("%w: %s: status %d: %w", errs.ErrFetchFailed, op, code, errs.ErrUnauthorized)
		}
		return fmt.Errorf("%w: %s: status %d", errs.ErrFetchFailed, op, code)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %w", errs.ErrFetchFailed, op, err)
}

// faultBody is Strava's error envelope.
type faultBody struct {
	Errors []struct {
		Resource string `json:"resource"`
		Field    string `json:"field"`
		Code     string `json:"code"`
	} `json:"errors"`
}

func grantRefused(re *oauth2.RetrieveError) bool {
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	var body faultBody
	if json.Unmarshal(re.Body, &body) != nil {
		return false
	}
	for _, e := range body.Errors {
		switch {
		case e.Resource == "RefreshToken", e.Resource == "AuthorizationCode",
			e.Field == "refresh_token", e.Field == "code":
			return true
		}
	}
	return false
}

// token converts the oauth2 token, preferring Strava's absolute expires_at
// and picking up the athlete id when present.
func (o *OAuth) token(t *oauth2.Token) model.Token {
	out := model.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.Expiry,
	}
	if v, ok := number(t.Extra("expires_at")); ok && v > 0 {
		out.ExpiresAt = time.Unix(int64(v), 0).UTC()
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = o.now().Add(6 * time.Hour).UTC()
	}
	if ath, ok := t.Extra("athlete").(map[string]any); ok {
		if id, ok := number(ath["id"]); ok {
			out.AthleteID = int64(id)
		}
	}
	if s, ok := t.Extra("scope").(string); ok {
		out.Scope = s
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscan(n, &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
