// Package auth acquires, caches and revokes the bearer tokens used
// against the Entrepôt API, through an OAuth-style password grant.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"github.com/Geoplateforme/sdk-entrepot/config"
)

var logger = loggo.GetLogger("sdk.entrepot.auth")

// Transport performs the actual token endpoint request. *http.Client
// satisfies it.
type Transport interface {
	Do(*http.Request) (*http.Response, error)
}

// AuthentificationError reports that token acquisition exhausted its
// attempts or that the credentials are invalid. Fatal to the current
// action; callers may retry externally after human intervention.
type AuthentificationError struct {
	Message string
}

// Error implements error.
func (e *AuthentificationError) Error() string {
	return e.Message
}

// Token is a bearer token with its computed expiry instant (the
// server-announced lifetime minus a safety margin).
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Expired reports whether the token must be re-acquired.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Authenticator holds the current token of the process. The token
// cache is the only mutable shared state of the SDK and tolerates
// repeated revoke + re-acquire sequences.
type Authenticator struct {
	cfg       *config.Config
	transport Transport
	clock     clock.Clock

	mu    sync.Mutex
	token *Token
}

// New returns an Authenticator reading its settings from cfg.
func New(cfg *config.Config, transport Transport, clk clock.Clock) *Authenticator {
	return &Authenticator{cfg: cfg, transport: transport, clock: clk}
}

// AccessToken returns a valid bearer token string, acquiring or
// refreshing it when the cached one is absent or expired. Within the
// token lifetime successive calls cause no HTTP exchange.
func (a *Authenticator) AccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != nil && !a.token.Expired(a.clock.Now()) {
		return a.token.AccessToken, nil
	}
	token, err := a.requestToken(ctx)
	if err != nil {
		return "", errors.Trace(err)
	}
	a.token = token
	return token.AccessToken, nil
}

// HTTPHeader returns the authentication header, adding the JSON
// content type when asked to.
func (a *Authenticator) HTTPHeader(ctx context.Context, jsonContentType bool) (map[string]string, error) {
	token, err := a.AccessToken(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	header := map[string]string{"Authorization": "Bearer " + token}
	if jsonContentType {
		header["content-type"] = "application/json"
	}
	return header, nil
}

// RevokeToken drops the cached token so that the next AccessToken call
// re-acquires one.
func (a *Authenticator) RevokeToken() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = nil
}

func (a *Authenticator) requestToken(ctx context.Context) (*Token, error) {
	attempts := a.cfg.IntDefault("store_authentification", "nb_attempts", 3)
	delay := time.Duration(a.cfg.IntDefault("store_authentification", "sec_between_attempts", 1)) * time.Second
	if delay <= 0 {
		delay = time.Millisecond
	}
	var token *Token
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			token, err = a.acquireToken(ctx)
			return err
		},
		// The configured count is a number of *retries*: the initial
		// call does not count towards it.
		Attempts: attempts + 1,
		Delay:    delay,
		Clock:    a.clock,
		IsFatalError: func(err error) bool {
			var ae *AuthentificationError
			return errors.As(err, &ae)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("récupération du jeton, tentative %d : %v", attempt, err)
		},
		Stop: ctx.Done(),
	})
	if err == nil {
		return token, nil
	}
	var ae *AuthentificationError
	if errors.As(err, &ae) {
		return nil, ae
	}
	return nil, &AuthentificationError{
		Message: fmt.Sprintf("La récupération du jeton d'authentification a échoué après %d tentatives", attempts),
	}
}

// acquireToken performs one token endpoint exchange.
func (a *Authenticator) acquireToken(ctx context.Context) (*Token, error) {
	tokenURL, err := a.cfg.Str("store_authentification", "token_url")
	if err != nil {
		return nil, &AuthentificationError{Message: "Authentification mal configurée : url du fournisseur de jetons absente."}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(a.formBody()))
	if err != nil {
		return nil, &AuthentificationError{Message: fmt.Sprintf("Authentification mal configurée : url du fournisseur de jetons invalide (%v).", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.transport.Do(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		var payload struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || payload.AccessToken == "" {
			return nil, errors.Errorf("réponse du fournisseur de jetons non reconnue : %q", body)
		}
		margin := a.cfg.IntDefault("store_authentification", "token_duration_margin", 30)
		expiresAt := a.clock.Now().Add(time.Duration(payload.ExpiresIn-margin) * time.Second)
		return &Token{AccessToken: payload.AccessToken, ExpiresAt: expiresAt}, nil
	}

	var payload struct {
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &payload)
	if strings.Contains(payload.ErrorDescription, "Account is not fully set up") {
		return nil, &AuthentificationError{
			Message: fmt.Sprintf(
				"Problème lors de l'authentification, veuillez vous connecter via l'interface en ligne KeyCloak pour vérifier son compte. Votre mot de passe est sûrement expiré. (%s)",
				payload.ErrorDescription,
			),
		}
	}
	return nil, errors.Errorf("le fournisseur de jetons a répondu %d : %q", resp.StatusCode, body)
}

// formBody serialises the password grant fields preserving their
// order: grant_type, username, password, client_id, client_secret.
func (a *Authenticator) formBody() string {
	fields := [][2]string{
		{"grant_type", a.cfg.StrDefault("store_authentification", "grant_type", "password")},
		{"username", a.cfg.StrDefault("store_authentification", "login", "")},
		{"password", a.cfg.StrDefault("store_authentification", "password", "")},
		{"client_id", a.cfg.StrDefault("store_authentification", "client_id", "")},
		{"client_secret", a.cfg.StrDefault("store_authentification", "client_secret", "")},
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, url.QueryEscape(f[0])+"="+url.QueryEscape(f[1]))
	}
	return strings.Join(parts, "&")
}

var (
	instanceMu sync.Mutex
	instance   *Authenticator
)

// Instance returns the process-wide Authenticator, building it from
// the installed configuration on first use.
func Instance() (*Authenticator, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return instance, nil
	}
	cfg, err := config.Instance()
	if err != nil {
		return nil, errors.Trace(err)
	}
	instance = New(cfg, &http.Client{}, clock.WallClock)
	return instance, nil
}

// Reset drops the process-wide instance. Tests use it between cases.
func Reset() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instance = nil
}
