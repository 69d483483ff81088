// Package storage provides a single upload / public URL / delete contract with
// interchangeable backends: local disk, S3-compatible object storage, Google
// Drive and Google Cloud Storage.
package storage

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Backend is the contract every storage implementation satisfies. Callers hold
// a Backend chosen by configuration and never a concrete type.
type Backend interface {
	// Upload copies the local file at localPath to destination and returns
	// the identifier of the stored object. The source must be a readable,
	// non-empty regular file.
	Upload(ctx context.Context, localPath, destination string) (string, error)

	// PublicURL returns a URL the object can be fetched from. Objects that
	// are not configured public get a time-limited signed URL.
	PublicURL(ctx context.Context, id string, opts ...URLOption) (string, error)

	// Delete removes the object. It returns false with a nil error when the
	// object does not exist.
	Delete(ctx context.Context, id string) (bool, error)

	// Name returns the provider name.
	Name() string

	// Policy reports what Upload does when the destination already holds an
	// object.
	Policy() CollisionPolicy
}

// CollisionPolicy describes a backend's behavior when Upload targets a
// destination that already exists.
type CollisionPolicy string

const (
	// RenameOnCollision stores the new file under a fresh unique name next to
	// the existing one.
	RenameOnCollision CollisionPolicy = "rename"
	// OverwriteOnCollision replaces the existing object.
	OverwriteOnCollision CollisionPolicy = "overwrite"
	// DuplicateOnCollision keeps both objects side by side under the same
	// name, each with its own identifier.
	DuplicateOnCollision CollisionPolicy = "duplicate"
)

// Provider names.
const (
	ProviderLocal = "local"
	ProviderS3    = "s3"
	ProviderDrive = "gdrive"
	ProviderGCS   = "gcs"
)

// LogFieldProvider is the log field every backend tags its entries with.
const LogFieldProvider = "provider"

// DefaultPresignExpiry is how long presigned URLs stay valid unless configured
// otherwise.
const DefaultPresignExpiry = 15 * time.Minute

// URLOptions are the per-call flags accepted by PublicURL.
type URLOptions struct {
	// ConfirmPublic must be set before a backend grants public read access on
	// an object that is private by default.
	ConfirmPublic bool
	// Expiry overrides the configured lifetime of a signed URL.
	Expiry time.Duration
}

// URLOption sets a URLOptions field.
type URLOption func(*URLOptions)

// WithPublicAccessConfirmed confirms the caller intends the object to become
// world-readable.
func WithPublicAccessConfirmed() URLOption {
	return func(o *URLOptions) { o.ConfirmPublic = true }
}

// WithExpiry sets the lifetime of a signed URL.
func WithExpiry(d time.Duration) URLOption {
	return func(o *URLOptions) { o.Expiry = d }
}

func urlOptions(opts []URLOption) URLOptions {
	var o URLOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// URLSigner signs a URL until a point in time. *token.URLSigner satisfies it.
type URLSigner interface {
	SignUntil(ctx context.Context, rawURL string, exp time.Time) (string, error)
}

// Option configures backend construction.
type Option func(*options)

type options struct {
	log        zerolog.Logger
	httpClient *http.Client
	signer     URLSigner
	now        func() time.Time
}

func newOptions(opts []Option) options {
	o := options{log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger used by the backend.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithHTTPClient sets the HTTP client used for provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithURLSigner makes local disk URLs carry a signed token.
func WithURLSigner(s URLSigner) Option {
	return func(o *options) { o.signer = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
