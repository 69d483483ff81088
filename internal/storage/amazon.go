package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/rs/zerolog"

	"github.com/example/filevault/internal/apperr"
)

// S3Config configures AmazonS3Storage. Endpoint points the client at an
// S3-compatible service and switches to path-style addressing.
type S3Config struct {
	Key           string        `mapstructure:"key" validate:"required"`
	Secret        string        `mapstructure:"secret" validate:"required"`
	Region        string        `mapstructure:"region" validate:"required"`
	Bucket        string        `mapstructure:"bucket" validate:"required"`
	Endpoint      string        `mapstructure:"endpoint" validate:"omitempty,url"`
	Prefix        string        `mapstructure:"prefix"`
	Public        bool          `mapstructure:"public"`
	PresignExpiry time.Duration `mapstructure:"presign_expiry"`
}

// AmazonS3Storage stores objects in an S3 bucket. Identifiers are object keys.
type AmazonS3Storage struct {
	bucket   string
	prefix   string
	public   bool
	expiry   time.Duration
	s3Client s3iface.S3API
	uploader *s3manager.Uploader
	log      zerolog.Logger
}

// NewAmazonS3Storage builds the S3 client from static credentials.
func NewAmazonS3Storage(cfg S3Config, opts ...Option) (*AmazonS3Storage, error) {
	const op = "s3.new"

	if err := validateConfig(op, cfg); err != nil {
		return nil, err
	}
	o := newOptions(opts)

	awsCfg := &aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(cfg.Key, cfg.Secret, ""),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if o.httpClient != nil {
		awsCfg.HTTPClient = o.httpClient
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, apperr.Construction(op, fmt.Errorf("failed to create AWS session: %w", err))
	}

	client := s3.New(sess)
	a := &AmazonS3Storage{
		bucket:   cfg.Bucket,
		prefix:   keyPrefix(cfg.Prefix),
		public:   cfg.Public,
		expiry:   cfg.PresignExpiry,
		s3Client: client,
		uploader: s3manager.NewUploaderWithClient(client),
		log:      o.log.With().Str(LogFieldProvider, ProviderS3).Str("bucket", cfg.Bucket).Logger(),
	}
	if a.expiry <= 0 {
		a.expiry = DefaultPresignExpiry
	}
	return a, nil
}

func (a *AmazonS3Storage) Name() string            { return ProviderS3 }
func (a *AmazonS3Storage) Policy() CollisionPolicy { return OverwriteOnCollision }

// Upload streams localPath to the bucket under destination. Existing objects
// are overwritten.
func (a *AmazonS3Storage) Upload(ctx context.Context, localPath, destination string) (string, error) {
	const op = "s3.upload"

	key, err := objectKey(op, destination, localPath)
	if err != nil {
		return "", err
	}
	key = a.prefix + key

	src, info, err := openSource(op, localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	input := &s3manager.UploadInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        src,
		ContentType: aws.String(detectContentType(src)),
	}
	if a.public {
		input.ACL = aws.String(s3.ObjectCannedACLPublicRead)
	}
	if _, err := a.uploader.UploadWithContext(ctx, input); err != nil {
		return "", s3Error(op, err)
	}

	a.log.Debug().Str("key", key).Int64("size", info.Size()).Msg("uploaded object")
	return key, nil
}

// PublicURL returns the plain object URL for public buckets and a presigned
// GET URL otherwise.
func (a *AmazonS3Storage) PublicURL(ctx context.Context, id string, opts ...URLOption) (string, error) {
	const op = "s3.public_url"

	if id == "" {
		return "", apperr.WithOp(apperr.ErrEmptyIdentifier, op)
	}
	req, _ := a.s3Client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(id),
	})
	req.SetContext(ctx)

	if a.public {
		if err := req.Build(); err != nil {
			return "", s3Error(op, err)
		}
		return req.HTTPRequest.URL.String(), nil
	}

	expiry := a.expiry
	if o := urlOptions(opts); o.Expiry > 0 {
		expiry = o.Expiry
	}
	u, err := req.Presign(expiry)
	if err != nil {
		return "", s3Error(op, err)
	}
	return u, nil
}

// Delete removes the object. A missing object reports false.
func (a *AmazonS3Storage) Delete(ctx context.Context, id string) (bool, error) {
	const op = "s3.delete"

	if id == "" {
		return false, apperr.WithOp(apperr.ErrEmptyIdentifier, op)
	}
	_, err := a.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, s3Error(op, err)
	}

	if _, err := a.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(id),
	}); err != nil {
		return false, s3Error(op, err)
	}
	a.log.Debug().Str("key", id).Msg("deleted object")
	return true, nil
}

func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case "NotFound", s3.ErrCodeNoSuchKey:
			return true
		}
	}
	return false
}

// s3Error converts an SDK error into an apperr, keeping the provider's code
// and message but not its type.
func s3Error(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Provider(op, err)
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return apperr.Provider(op, fmt.Errorf("%s: %s", aerr.Code(), aerr.Message()))
	}
	return apperr.Provider(op, errors.New(err.Error()))
}
