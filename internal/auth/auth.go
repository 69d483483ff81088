// Package auth runs the OAuth consent flow that gives the Drive backend its
// refresh token, and guards the management API with a static key.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/example/filevault/internal/apperr"
	"github.com/example/filevault/internal/secret"
	"github.com/example/filevault/internal/token"
)

const (
	// RefreshTokenRecord names the secret store record holding the sealed
	// Drive refresh token.
	RefreshTokenRecord = "gdrive_refresh_token"

	stateResource = "gdrive-oauth-state:"
	stateExpiry   = "+10 minutes"
)

// Authorizer accepts a refresh token. *storage.GoogleDriveStorage satisfies
// it.
type Authorizer interface {
	Authorize(ctx context.Context, refreshToken string) error
}

// DriveAuth issues consent URLs and completes the OAuth callback. The state
// parameter is a signed token bound to a nonce kept in a cookie, so a
// callback is only accepted from the browser that started the flow.
type DriveAuth struct {
	oauth      *oauth2.Config
	tokens     *token.Authority
	store      secret.Store
	sealer     secret.Sealer
	target     Authorizer
	httpClient *http.Client
	log        zerolog.Logger
}

// Option configures a DriveAuth.
type Option func(*DriveAuth)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *DriveAuth) { a.log = l }
}

// WithHTTPClient sets the client used for the code exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(a *DriveAuth) { a.httpClient = c }
}

// NewDriveAuth returns a DriveAuth that stores refresh tokens in store, sealed
// by sealer, and hands them to target.
func NewDriveAuth(cfg *oauth2.Config, tokens *token.Authority, store secret.Store, sealer secret.Sealer, target Authorizer, opts ...Option) (*DriveAuth, error) {
	if cfg == nil || tokens == nil || store == nil || sealer == nil || target == nil {
		return nil, apperr.Construction("auth.new", errors.New("oauth config, token authority, store, sealer and target are required"))
	}
	a := &DriveAuth{oauth: cfg, tokens: tokens, store: store, sealer: sealer, target: target, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// LoginURL returns the consent URL and the nonce the caller must keep in the
// state cookie.
func (a *DriveAuth) LoginURL(ctx context.Context) (string, string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", "", err
	}
	state, err := a.tokens.Generate(ctx, stateResource+nonce, stateExpiry)
	if err != nil {
		return "", "", err
	}
	u := a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	return u, nonce, nil
}

// HandleCallback checks state against nonce, exchanges code, persists the
// refresh token and activates it on the target.
func (a *DriveAuth) HandleCallback(ctx context.Context, state, nonce, code string) error {
	const op = "auth.callback"

	if nonce == "" {
		return apperr.WithOp(apperr.ErrInvalidToken, op)
	}
	if _, err := a.tokens.ValidateFor(ctx, state, stateResource+nonce); err != nil {
		return err
	}
	if code == "" {
		return apperr.Invalid(op, "missing authorization code")
	}

	xctx := ctx
	if a.httpClient != nil {
		xctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	}
	tok, err := a.oauth.Exchange(xctx, code)
	if err != nil {
		return &apperr.Error{Kind: apperr.KindAuthentication, Op: op, Message: "failed to exchange code for token", Err: errors.New(err.Error())}
	}
	if tok.RefreshToken == "" {
		return apperr.New(apperr.KindAuthentication, op, "provider returned no refresh token")
	}

	sealed, err := a.sealer.Seal(RefreshTokenRecord, []byte(tok.RefreshToken))
	if err != nil {
		return err
	}
	if err := a.store.Put(ctx, RefreshTokenRecord, sealed); err != nil {
		return err
	}
	if err := a.target.Authorize(ctx, tok.RefreshToken); err != nil {
		return err
	}
	a.log.Info().Msg("drive authorization completed")
	return nil
}

// StoredRefreshToken returns the persisted refresh token, or "" when the flow
// has not completed yet.
func (a *DriveAuth) StoredRefreshToken(ctx context.Context) (string, error) {
	return LoadRefreshToken(ctx, a.store, a.sealer)
}

// LoadRefreshToken reads and unseals the persisted Drive refresh token. A
// missing record yields "".
func LoadRefreshToken(ctx context.Context, store secret.Store, sealer secret.Sealer) (string, error) {
	sealed, err := store.Get(ctx, RefreshTokenRecord)
	if errors.Is(err, secret.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	plain, err := sealer.Open(RefreshTokenRecord, sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
