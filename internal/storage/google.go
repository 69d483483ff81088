package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/example/filevault/internal/apperr"
)

const gcsPublicHost = "https://storage.googleapis.com"

// GCSConfig configures GoogleCloudStorage. SignerEmail and PrivateKeyFile
// enable V4 signed URLs without ambient credentials.
type GCSConfig struct {
	Bucket          string        `mapstructure:"bucket" validate:"required"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	Endpoint        string        `mapstructure:"endpoint" validate:"omitempty,url"`
	Prefix          string        `mapstructure:"prefix"`
	Public          bool          `mapstructure:"public"`
	SignerEmail     string        `mapstructure:"signer_email" validate:"required_with=PrivateKeyFile"`
	PrivateKeyFile  string        `mapstructure:"private_key_file" validate:"required_with=SignerEmail"`
	PresignExpiry   time.Duration `mapstructure:"presign_expiry"`
}

// GoogleCloudStorage stores objects in a Cloud Storage bucket. Identifiers
// are object names.
type GoogleCloudStorage struct {
	client      *storage.Client
	bucketName  string
	prefix      string
	public      bool
	signerEmail string
	privateKey  []byte
	expiry      time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

// NewGoogleCloudStorage creates the Cloud Storage client.
func NewGoogleCloudStorage(ctx context.Context, cfg GCSConfig, opts ...Option) (*GoogleCloudStorage, error) {
	const op = "gcs.new"

	if err := validateConfig(op, cfg); err != nil {
		return nil, err
	}
	o := newOptions(opts)

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if o.httpClient != nil {
		// A supplied client carries its own credentials.
		clientOpts = append(clientOpts, option.WithHTTPClient(o.httpClient))
		if cfg.CredentialsFile == "" {
			clientOpts = append(clientOpts, option.WithoutAuthentication())
		}
	}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.Endpoint))
	}

	g := &GoogleCloudStorage{
		bucketName:  cfg.Bucket,
		prefix:      keyPrefix(cfg.Prefix),
		public:      cfg.Public,
		signerEmail: cfg.SignerEmail,
		expiry:      cfg.PresignExpiry,
		now:         o.now,
		log:         o.log.With().Str(LogFieldProvider, ProviderGCS).Str("bucket", cfg.Bucket).Logger(),
	}
	if g.expiry <= 0 {
		g.expiry = DefaultPresignExpiry
	}
	if cfg.PrivateKeyFile != "" {
		key, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, apperr.Construction(op, fmt.Errorf("failed to read private key: %w", err))
		}
		g.privateKey = key
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, apperr.Construction(op, fmt.Errorf("failed to create Google Cloud Storage client: %w", err))
	}
	g.client = client
	return g, nil
}

func (g *GoogleCloudStorage) Name() string            { return ProviderGCS }
func (g *GoogleCloudStorage) Policy() CollisionPolicy { return OverwriteOnCollision }

// Close releases the underlying client.
func (g *GoogleCloudStorage) Close() error {
	return g.client.Close()
}

// Upload streams localPath into the bucket. Existing objects are overwritten.
func (g *GoogleCloudStorage) Upload(ctx context.Context, localPath, destination string) (string, error) {
	const op = "gcs.upload"

	name, err := objectKey(op, destination, localPath)
	if err != nil {
		return "", err
	}
	name = g.prefix + name

	src, info, err := openSource(op, localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := g.client.Bucket(g.bucketName).Object(name).NewWriter(wctx)
	w.ContentType = detectContentType(src)

	if _, err := io.Copy(w, src); err != nil {
		// Cancelling the context aborts the upload.
		cancel()
		w.Close()
		return "", gcsError(op, err)
	}
	if err := w.Close(); err != nil {
		return "", gcsError(op, err)
	}

	g.log.Debug().Str("object", name).Int64("size", info.Size()).Msg("uploaded object")
	return name, nil
}

// PublicURL returns the public object URL for public buckets and a V4 signed
// GET URL otherwise.
func (g *GoogleCloudStorage) PublicURL(ctx context.Context, id string, opts ...URLOption) (string, error) {
	const op = "gcs.public_url"

	if id == "" {
		return "", apperr.WithOp(apperr.ErrEmptyIdentifier, op)
	}
	if g.public {
		return gcsPublicHost + "/" + g.bucketName + "/" + escapeSegments(id), nil
	}

	expiry := g.expiry
	if o := urlOptions(opts); o.Expiry > 0 {
		expiry = o.Expiry
	}
	signOpts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: g.now().Add(expiry),
	}
	if g.signerEmail != "" {
		signOpts.GoogleAccessID = g.signerEmail
		signOpts.PrivateKey = g.privateKey
	}
	u, err := g.client.Bucket(g.bucketName).SignedURL(id, signOpts)
	if err != nil {
		return "", apperr.Provider(op, errors.New(err.Error()))
	}
	return u, nil
}

// Delete removes the object. A missing object reports false.
func (g *GoogleCloudStorage) Delete(ctx context.Context, id string) (bool, error) {
	const op = "gcs.delete"

	if id == "" {
		return false, apperr.WithOp(apperr.ErrEmptyIdentifier, op)
	}
	if err := g.client.Bucket(g.bucketName).Object(id).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, gcsError(op, err)
	}
	g.log.Debug().Str("object", id).Msg("deleted object")
	return true, nil
}

func gcsError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return apperr.Provider(op, fmt.Errorf("%d: %s", gerr.Code, gerr.Message))
	}
	return apperr.Provider(op, errors.New(err.Error()))
}
