// Package token issues and validates stateless bearer tokens bound to a
// resource id and an expiry, and signs URLs with them.
//
// Wire format: base64url_nopad(payload "::" hex(hmac_sha256(secret, payload)))
// where payload is {"rid":"...","exp":<unix>} with fixed key order.
package token

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/filevault/internal/apperr"
	"github.com/example/filevault/internal/secret"
)

const (
	// DefaultRecordName is the store record holding the sealed secret.
	DefaultRecordName = "token_secret"

	secretSize = 64
	sigSep     = "::"
)

// Payload is the signed content of a token.
type Payload struct {
	ResourceID string `json:"rid"`
	Expiry     int64  `json:"exp"`
}

// ExpiresAt returns the expiry as a time.
func (p *Payload) ExpiresAt() time.Time {
	return time.Unix(p.Expiry, 0)
}

// Authority generates and validates tokens. The signing secret is loaded (or
// created) lazily on first use and then cached for the life of the process.
type Authority struct {
	store      secret.Store
	sealer     secret.Sealer
	recordName string
	override   []byte
	now        func() time.Time
	log        zerolog.Logger

	mu     sync.Mutex
	cached []byte
}

// Option configures an Authority.
type Option func(*Authority)

// WithOverride makes the Authority use a fixed, externally configured secret
// and never touch the store.
func WithOverride(secret []byte) Option {
	return func(a *Authority) {
		if len(secret) > 0 {
			a.override = append([]byte(nil), secret...)
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Authority) { a.log = l }
}

// WithRecordName changes the store record name.
func WithRecordName(name string) Option {
	return func(a *Authority) {
		if name != "" {
			a.recordName = name
		}
	}
}

// NewAuthority returns an Authority backed by store and sealer. Both may be
// nil only when WithOverride supplies the secret.
func NewAuthority(store secret.Store, sealer secret.Sealer, opts ...Option) (*Authority, error) {
	a := &Authority{
		store:      store,
		sealer:     sealer,
		recordName: DefaultRecordName,
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.override == nil && (a.store == nil || a.sealer == nil) {
		return nil, apperr.Construction("token.new_authority",
			errors.New("a secret store and sealer are required without a secret override"))
	}
	return a, nil
}

// Secret returns the signing secret, creating and persisting it on first use.
func (a *Authority) Secret(ctx context.Context) ([]byte, error) {
	if a.override != nil {
		return a.override, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cached != nil {
		return a.cached, nil
	}

	sealed, err := a.store.Get(ctx, a.recordName)
	if errors.Is(err, secret.ErrNotFound) {
		sealed, err = a.create(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("token: load secret: %w", err)
	}

	value, err := a.sealer.Open(a.recordName, sealed)
	if err != nil {
		return nil, fmt.Errorf("token: open secret: %w", err)
	}
	a.cached = value
	return value, nil
}

func (a *Authority) create(ctx context.Context) (string, error) {
	fresh := make([]byte, secretSize)
	if _, err := io.ReadFull(rand.Reader, fresh); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	sealed, err := a.sealer.Seal(a.recordName, fresh)
	if err != nil {
		return "", fmt.Errorf("seal secret: %w", err)
	}
	stored, created, err := a.store.PutIfAbsent(ctx, a.recordName, sealed)
	if err != nil {
		return "", err
	}
	if created {
		a.log.Info().Str("record", a.recordName).Msg("generated new token secret")
	} else {
		a.log.Debug().Str("record", a.recordName).Msg("token secret created concurrently, using stored value")
	}
	return stored, nil
}

// Generate issues a token for resourceID that expires at the time expiry
// resolves to (see ParseExpiry).
func (a *Authority) Generate(ctx context.Context, resourceID, expiry string) (string, error) {
	exp, err := ParseExpiry(expiry, a.now())
	if err != nil {
		return "", err
	}
	return a.GenerateUntil(ctx, resourceID, exp)
}

// GenerateUntil issues a token for resourceID that expires at exp.
func (a *Authority) GenerateUntil(ctx context.Context, resourceID string, exp time.Time) (string, error) {
	if exp.IsZero() || exp.Unix() <= 0 {
		return "", apperr.WithOp(apperr.ErrInvalidExpiry, "token.generate")
	}
	key, err := a.Secret(ctx)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(Payload{ResourceID: resourceID, Expiry: exp.Unix()})
	if err != nil {
		return "", fmt.Errorf("token: encode payload: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(payload)
	buf.WriteString(sigSep)
	buf.WriteString(sign(key, payload))
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// Validate checks signature and expiry. Every failure is reported as
// apperr.ErrInvalidToken.
func (a *Authority) Validate(ctx context.Context, tok string) (*Payload, error) {
	return a.validate(ctx, tok, nil)
}

// ValidateFor is Validate plus a check that the token was issued for
// resourceID.
func (a *Authority) ValidateFor(ctx context.Context, tok, resourceID string) (*Payload, error) {
	return a.validate(ctx, tok, &resourceID)
}

func (a *Authority) validate(ctx context.Context, tok string, expected *string) (*Payload, error) {
	key, err := a.Secret(ctx)
	if err != nil {
		return nil, err
	}

	p, reason := a.check(key, tok, expected)
	if reason != "" {
		a.log.Debug().Str("reason", reason).Msg("token rejected")
		return nil, apperr.WithOp(apperr.ErrInvalidToken, "token.validate")
	}
	return p, nil
}

// check returns the payload or a non-empty reason for internal logging only.
func (a *Authority) check(key []byte, tok string, expected *string) (*Payload, string) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(tok, "="))
	if err != nil || len(raw) == 0 {
		return nil, "encoding"
	}
	// The signature is hex and never contains the separator, so the last one
	// splits even when the resource id itself contains "::".
	i := bytes.LastIndex(raw, []byte(sigSep))
	if i < 0 {
		return nil, "structure"
	}
	payload, sig := raw[:i], raw[i+len(sigSep):]
	if !hmac.Equal([]byte(sign(key, payload)), sig) {
		return nil, "signature"
	}

	var p struct {
		ResourceID *string `json:"rid"`
		Expiry     *int64  `json:"exp"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.Expiry == nil || *p.Expiry == 0 || p.ResourceID == nil {
		return nil, "payload"
	}
	if a.now().Unix() > *p.Expiry {
		return nil, "expired"
	}
	if expected != nil && *p.ResourceID != *expected {
		return nil, "resource"
	}
	return &Payload{ResourceID: *p.ResourceID, Expiry: *p.Expiry}, ""
}

func sign(key, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
