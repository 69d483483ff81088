package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/filevault/internal/apperr"
	"github.com/example/filevault/internal/identifier"
	"github.com/example/filevault/internal/pathguard"
)

const maxCreateAttempts = 8

// LocalConfig configures LocalStorage.
type LocalConfig struct {
	BasePath string `mapstructure:"base_path" validate:"required"`
	BaseURL  string `mapstructure:"base_url" validate:"required,url"`
	// SignURLs appends a token to every public URL. Requires WithURLSigner.
	SignURLs  bool          `mapstructure:"sign_urls"`
	URLExpiry time.Duration `mapstructure:"url_expiry"`
}

// LocalStorage stores files under a directory on the local filesystem and
// hands out identifiers minted by an identifier.Codec.
type LocalStorage struct {
	guard   *pathguard.Guard
	baseURL string
	codec   *identifier.Codec
	signer  URLSigner
	expiry  time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// NewLocalStorage creates the base directory if needed and returns a
// LocalStorage rooted there.
func NewLocalStorage(cfg LocalConfig, codec *identifier.Codec, opts ...Option) (*LocalStorage, error) {
	const op = "local.new"

	if err := validateConfig(op, cfg); err != nil {
		return nil, err
	}
	if codec == nil {
		return nil, apperr.Construction(op, errors.New("identifier codec is required"))
	}
	o := newOptions(opts)
	if cfg.SignURLs && o.signer == nil {
		return nil, apperr.Construction(op, errors.New("sign_urls is set but no URL signer was provided"))
	}

	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, apperr.Construction(op, fmt.Errorf("failed to create storage directory: %w", err))
	}
	guard, err := pathguard.New(cfg.BasePath)
	if err != nil {
		return nil, apperr.Construction(op, err)
	}

	l := &LocalStorage{
		guard:   guard,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		codec:   codec,
		expiry:  cfg.URLExpiry,
		now:     o.now,
		log:     o.log.With().Str(LogFieldProvider, ProviderLocal).Logger(),
	}
	if cfg.SignURLs {
		l.signer = o.signer
	}
	if l.expiry <= 0 {
		l.expiry = DefaultPresignExpiry
	}
	return l, nil
}

func (l *LocalStorage) Name() string            { return ProviderLocal }
func (l *LocalStorage) Policy() CollisionPolicy { return RenameOnCollision }

// Root returns the canonical storage directory.
func (l *LocalStorage) Root() string { return l.guard.Root() }

// Upload copies localPath under the storage root at destination. When the
// destination is taken the file is stored under a fresh name in the same
// directory.
func (l *LocalStorage) Upload(ctx context.Context, localPath, destination string) (string, error) {
	const op = "local.upload"

	if err := ctx.Err(); err != nil {
		return "", err
	}
	src, info, err := openSource(op, localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	if norm, err := pathguard.Normalize(destination); err == nil && (norm == "" || strings.HasSuffix(norm, "/")) {
		destination = strings.TrimRight(destination, "/") + "/" + url.PathEscape(filepath.Base(localPath))
	}
	target, err := l.guard.Resolve(destination)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", &apperr.Error{Kind: apperr.KindProvider, Op: op, Message: "failed to create directory", Err: err}
	}
	// Directories created above may have raced with a symlink swap.
	if target, err = l.guard.Resolve(destination); err != nil {
		return "", err
	}

	dst, final, err := l.create(op, target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(final)
		return "", &apperr.Error{Kind: apperr.KindProvider, Op: op, Message: "failed to write file content", Err: err}
	}
	if err := dst.Close(); err != nil {
		os.Remove(final)
		return "", &apperr.Error{Kind: apperr.KindProvider, Op: op, Message: "failed to write file content", Err: err}
	}

	rel, err := l.guard.Rel(final)
	if err != nil {
		return "", err
	}
	l.log.Debug().Str("path", rel).Int64("size", info.Size()).Bool("renamed", final != target).Msg("stored file")
	return l.codec.Encode(rel), nil
}

// create opens target exclusively, falling back to unique sibling names.
func (l *LocalStorage) create(op, target string) (*os.File, string, error) {
	candidate := target
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", &apperr.Error{Kind: apperr.KindProvider, Op: op, Message: "failed to create file", Err: err}
		}
		candidate = filepath.Join(filepath.Dir(target), uniqueName(filepath.Base(target)))
	}
	return nil, "", apperr.New(apperr.KindProvider, op, "no free file name after repeated collisions")
}

func uniqueName(base string) string {
	return fmt.Sprintf("%d-%s-%s", time.Now().UnixNano(), uuid.NewString()[:8], base)
}

// PublicURL maps id to base_url plus the escaped relative path. With URL
// signing enabled the result carries a token.
func (l *LocalStorage) PublicURL(ctx context.Context, id string, opts ...URLOption) (string, error) {
	const op = "local.public_url"

	rel, err := l.decode(op, id)
	if err != nil {
		return "", err
	}
	if _, err := l.guard.Join(rel); err != nil {
		return "", err
	}
	u := l.baseURL + "/" + escapeSegments(rel)
	if l.signer == nil {
		return u, nil
	}

	expiry := l.expiry
	if o := urlOptions(opts); o.Expiry > 0 {
		expiry = o.Expiry
	}
	return l.signer.SignUntil(ctx, u, l.now().Add(expiry))
}

// Delete removes the file behind id. Missing files report false.
func (l *LocalStorage) Delete(ctx context.Context, id string) (bool, error) {
	const op = "local.delete"

	rel, err := l.decode(op, id)
	if err != nil {
		return false, err
	}
	target, err := l.guard.Join(rel)
	if err != nil {
		return false, err
	}

	info, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &apperr.Error{Kind: apperr.KindProvider, Op: op, Message: "failed to stat file", Err: err}
	}
	if !info.Mode().IsRegular() {
		return false, apperr.Invalid(op, "not a regular file")
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &apperr.Error{Kind: apperr.KindProvider, Op: op, Message: "failed to delete file", Err: err}
	}
	l.log.Debug().Str("path", rel).Msg("deleted file")
	return true, nil
}

// Open returns the stored file behind id.
func (l *LocalStorage) Open(ctx context.Context, id string) (*os.File, fs.FileInfo, error) {
	rel, err := l.decode("local.open", id)
	if err != nil {
		return nil, nil, err
	}
	return l.OpenPath(ctx, rel)
}

// OpenPath returns the stored file at a decoded relative path, as routed from
// a delivery URL. Anything but a regular file is reported as not found.
func (l *LocalStorage) OpenPath(ctx context.Context, rel string) (*os.File, fs.FileInfo, error) {
	const op = "local.open"

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	target, err := l.guard.Join(rel)
	if err != nil {
		return nil, nil, err
	}
	info, err := os.Lstat(target)
	if err != nil || !info.Mode().IsRegular() {
		return nil, nil, apperr.New(apperr.KindNotFound, op, "file not found")
	}
	f, err := os.Open(target)
	if err != nil {
		return nil, nil, apperr.New(apperr.KindNotFound, op, "file not found")
	}
	return f, info, nil
}

func (l *LocalStorage) decode(op, id string) (string, error) {
	if id == "" {
		return "", apperr.WithOp(apperr.ErrEmptyIdentifier, op)
	}
	rel, err := l.codec.Decode(id)
	if err != nil {
		return "", err
	}
	if rel == "" {
		return "", apperr.WithOp(apperr.ErrInvalidPath, op)
	}
	return rel, nil
}

func escapeSegments(rel string) string {
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
