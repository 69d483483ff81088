package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/filevault/internal/apperr"
	"github.com/example/filevault/internal/identifier"
)

func TestFactoryCreatesLocalBackend(t *testing.T) {
	f := NewStorageFactory(zerolog.Nop())
	cfg := Config{
		Provider: "local",
		Local:    LocalConfig{BasePath: filepath.Join(t.TempDir(), "store"), BaseURL: testBaseURL},
	}

	b, err := f.Create(context.Background(), cfg, newTestCodec(t))
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, b.Name())
	assert.Equal(t, RenameOnCollision, b.Policy())

	// The backend is usable through the interface alone.
	id, err := b.Upload(context.Background(), writeSource(t, "a.txt", "0123456789"), "docs/a.txt")
	require.NoError(t, err)
	ok, err := b.Delete(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFactoryAliases(t *testing.T) {
	for alias, want := range map[string]string{
		"":             ProviderLocal,
		"LOCAL":        ProviderLocal,
		"aws":          ProviderS3,
		"amazon":       ProviderS3,
		"drive":        ProviderDrive,
		"google-drive": ProviderDrive,
		"google":       ProviderGCS,
		"gcs":          ProviderGCS,
	} {
		got, ok := CanonicalProvider(alias)
		assert.True(t, ok, alias)
		assert.Equal(t, want, got, alias)
	}
	_, ok := CanonicalProvider("ftp")
	assert.False(t, ok)
}

func TestFactoryMarksFailedProviderUnavailable(t *testing.T) {
	f := NewStorageFactory(zerolog.Nop())
	cfg := Config{Provider: "s3", S3: S3Config{Region: "us-east-1"}}

	_, err := f.Create(context.Background(), cfg, nil)
	assert.Equal(t, apperr.KindConstruction, apperr.KindOf(err))

	available, reason := f.IsProviderAvailable("aws")
	assert.False(t, available)
	assert.NotEmpty(t, reason)

	cfg.S3 = S3Config{Key: "k", Secret: "s", Region: "us-east-1", Bucket: "b"}
	_, err = f.Create(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "currently unavailable")

	available, _ = f.IsProviderAvailable("local")
	assert.True(t, available)
}

func TestFactoryUnknownAndCustomProviders(t *testing.T) {
	f := NewStorageFactory(zerolog.Nop())

	_, err := f.Create(context.Background(), Config{Provider: "ftp"}, nil)
	assert.Equal(t, apperr.KindConstruction, apperr.KindOf(err))

	local, _ := newTestLocal(t)
	f.RegisterProvider("memory", func(ctx context.Context, cfg Config, codec *identifier.Codec, opts ...Option) (Backend, error) {
		return local, nil
	})
	b, err := f.Create(context.Background(), Config{Provider: "memory"}, nil)
	require.NoError(t, err)
	assert.Same(t, local, b)

	f.RegisterProvider("broken", func(ctx context.Context, cfg Config, codec *identifier.Codec, opts ...Option) (Backend, error) {
		return nil, apperr.Construction("broken.new", errors.New("boom"))
	})
	_, err = f.Create(context.Background(), Config{Provider: "broken"}, nil)
	require.Error(t, err)
	available, _ := f.IsProviderAvailable("broken")
	assert.False(t, available)
}

func TestObjectKey(t *testing.T) {
	cases := map[string]string{
		"docs/a.txt":       "docs/a.txt",
		"/docs/a.txt":      "docs/a.txt",
		`docs\a.txt`:       "docs/a.txt",
		"docs//a.txt":      "docs/a.txt",
		"./docs/./a.txt":   "docs/a.txt",
		"docs%2Fmy%20file": "docs/my file",
		"docs/":            "docs/src.bin",
		"":                 "src.bin",
	}
	for in, want := range cases {
		got, err := objectKey("test", in, "/tmp/src.bin")
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"../a", "docs/../../a", "docs/..", "%2e%2e/a"} {
		_, err := objectKey("test", in, "/tmp/src.bin")
		assert.True(t, errors.Is(err, apperr.ErrPathEscape), in)
	}
}

func TestKeyPrefix(t *testing.T) {
	for in, want := range map[string]string{
		"":        "",
		"/":       "",
		"tenant":  "tenant/",
		"tenant/": "tenant/",
		"/a/b//":  "a/b/",
		`a\b`:     "a/b/",
	} {
		assert.Equal(t, want, keyPrefix(in), in)
	}
}
