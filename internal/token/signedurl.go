package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"time"

	"github.com/example/filevault/internal/apperr"
)

// QueryParam is the query parameter carrying the token in a signed URL.
const QueryParam = "token"

// ResourceID binds a token to a URL path. Query strings are deliberately
// excluded so they cannot change the binding.
func ResourceID(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])
}

// URLSigner appends tokens to URLs and verifies requests made with them.
type URLSigner struct {
	authority *Authority
}

// NewURLSigner returns a URLSigner using a.
func NewURLSigner(a *Authority) *URLSigner {
	return &URLSigner{authority: a}
}

// Sign returns rawURL with a token parameter valid until expiry.
func (s *URLSigner) Sign(ctx context.Context, rawURL, expiry string) (string, error) {
	exp, err := ParseExpiry(expiry, s.authority.now())
	if err != nil {
		return "", err
	}
	return s.SignUntil(ctx, rawURL, exp)
}

// SignUntil returns rawURL with a token parameter valid until exp. Existing
// query parameters are preserved.
func (s *URLSigner) SignUntil(ctx context.Context, rawURL string, exp time.Time) (string, error) {
	const op = "token.sign_url"

	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "", apperr.WithOp(apperr.ErrInvalidURL, op)
	}
	tok, err := s.authority.GenerateUntil(ctx, ResourceID(u.Path), exp)
	if err != nil {
		return "", err
	}

	param := QueryParam + "=" + url.QueryEscape(tok)
	if u.RawQuery == "" {
		u.RawQuery = param
	} else {
		u.RawQuery += "&" + param
	}
	return u.String(), nil
}

// Verify validates the token carried by r against r's path.
func (s *URLSigner) Verify(r *http.Request) (*Payload, error) {
	tok := r.URL.Query().Get(QueryParam)
	if tok == "" {
		return nil, apperr.WithOp(apperr.ErrInvalidToken, "token.verify")
	}
	return s.authority.ValidateFor(r.Context(), tok, ResourceID(r.URL.Path))
}
