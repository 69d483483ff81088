package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/filevault/internal/apperr"
	"github.com/example/filevault/internal/identifier"
)

// Config selects the active backend and carries every backend's settings.
type Config struct {
	Provider string      `mapstructure:"provider"`
	Local    LocalConfig `mapstructure:"local"`
	S3       S3Config    `mapstructure:"s3"`
	Drive    DriveConfig `mapstructure:"gdrive"`
	GCS      GCSConfig   `mapstructure:"gcs"`
}

// Constructor builds a custom backend registered with RegisterProvider.
type Constructor func(ctx context.Context, cfg Config, codec *identifier.Codec, opts ...Option) (Backend, error)

// Factory builds backends from configuration and remembers providers whose
// construction failed.
type Factory struct {
	mu        sync.RWMutex
	providers map[string]Constructor
	// Track unavailable providers
	unavailableProviders map[string]string
	log                  zerolog.Logger
}

// NewStorageFactory creates a new storage factory.
func NewStorageFactory(log zerolog.Logger) *Factory {
	return &Factory{
		providers:            make(map[string]Constructor),
		unavailableProviders: make(map[string]string),
		log:                  log,
	}
}

// CanonicalProvider resolves provider aliases.
func CanonicalProvider(name string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ProviderLocal:
		return ProviderLocal, true
	case ProviderS3, "amazon", "aws":
		return ProviderS3, true
	case ProviderDrive, "drive", "google-drive":
		return ProviderDrive, true
	case ProviderGCS, "google":
		return ProviderGCS, true
	}
	return name, false
}

// RegisterProvider registers a custom backend constructor under name.
func (f *Factory) RegisterProvider(name string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[name] = c
}

// MarkProviderUnavailable marks a provider as unavailable with a reason.
func (f *Factory) MarkProviderUnavailable(provider, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailableProviders[provider] = reason
	f.log.Warn().Str(LogFieldProvider, provider).Str("reason", reason).Msg("storage provider marked as unavailable")
}

// IsProviderAvailable checks if a provider is available.
func (f *Factory) IsProviderAvailable(provider string) (bool, string) {
	if canon, ok := CanonicalProvider(provider); ok {
		provider = canon
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	reason, unavailable := f.unavailableProviders[provider]
	return !unavailable, reason
}

// Create builds the backend named by cfg.Provider. codec is only used by the
// local backend.
func (f *Factory) Create(ctx context.Context, cfg Config, codec *identifier.Codec, opts ...Option) (Backend, error) {
	const op = "storage.create"

	name, builtin := CanonicalProvider(cfg.Provider)

	f.mu.RLock()
	reason, unavailable := f.unavailableProviders[name]
	custom, registered := f.providers[name]
	f.mu.RUnlock()
	if unavailable {
		return nil, apperr.Construction(op, fmt.Errorf("%s provider is currently unavailable: %s", name, reason))
	}

	var (
		backend Backend
		err     error
	)
	switch {
	case builtin && name == ProviderLocal:
		backend, err = NewLocalStorage(cfg.Local, codec, opts...)
	case builtin && name == ProviderS3:
		backend, err = NewAmazonS3Storage(cfg.S3, opts...)
	case builtin && name == ProviderDrive:
		backend, err = NewGoogleDriveStorage(ctx, cfg.Drive, opts...)
	case builtin && name == ProviderGCS:
		backend, err = NewGoogleCloudStorage(ctx, cfg.GCS, opts...)
	case registered:
		backend, err = custom(ctx, cfg, codec, opts...)
	default:
		return nil, apperr.Construction(op, fmt.Errorf("unsupported storage provider type: %s", cfg.Provider))
	}
	if err != nil {
		f.MarkProviderUnavailable(name, err.Error())
		return nil, err
	}

	f.log.Info().Str(LogFieldProvider, backend.Name()).Str("collision_policy", string(backend.Policy())).Msg("storage backend ready")
	return backend, nil
}

// DefaultFactory is the default storage factory instance.
var DefaultFactory = NewStorageFactory(zerolog.Nop())

// NewFromConfig creates a backend using the default factory.
func NewFromConfig(ctx context.Context, cfg Config, codec *identifier.Codec, opts ...Option) (Backend, error) {
	return DefaultFactory.Create(ctx, cfg, codec, opts...)
}

// IsProviderAvailable checks provider availability on the default factory.
func IsProviderAvailable(provider string) (bool, string) {
	return DefaultFactory.IsProviderAvailable(provider)
}
