package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/example/filevault/internal/apperr"
)

const defaultApplicationName = "filevault"

// DriveConfig configures GoogleDriveStorage. Endpoint and TokenURL override
// the Google defaults.
type DriveConfig struct {
	ClientID        string `mapstructure:"client_id" validate:"required"`
	ClientSecret    string `mapstructure:"client_secret" validate:"required"`
	RedirectURI     string `mapstructure:"redirect_uri" validate:"required,url"`
	RefreshToken    string `mapstructure:"refresh_token"`
	ApplicationName string `mapstructure:"application_name"`
	FolderID        string `mapstructure:"folder_id"`
	ChunkSize       int    `mapstructure:"chunk_size" validate:"gte=0"`
	Endpoint        string `mapstructure:"endpoint" validate:"omitempty,url"`
	TokenURL        string `mapstructure:"token_url" validate:"omitempty,url"`
}

// DriveOAuthConfig returns the OAuth2 client configuration for cfg.
func DriveOAuthConfig(cfg DriveConfig) *oauth2.Config {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       []string{drive.DriveFileScope},
		Endpoint:     endpoint,
	}
}

// GoogleDriveStorage stores files in Google Drive. Identifiers are Drive file
// IDs. Drive allows several files with one name, so every upload creates a new
// file.
type GoogleDriveStorage struct {
	mu         sync.RWMutex
	svc        *drive.Service
	oauth      *oauth2.Config
	endpoint   string
	appName    string
	folderID   string
	chunkSize  int
	httpClient *http.Client
	log        zerolog.Logger
}

// NewGoogleDriveStorage validates cfg and, when a refresh token is
// configured, exchanges it for an access token right away so bad credentials
// fail at startup.
func NewGoogleDriveStorage(ctx context.Context, cfg DriveConfig, opts ...Option) (*GoogleDriveStorage, error) {
	const op = "gdrive.new"

	if err := validateConfig(op, cfg); err != nil {
		return nil, err
	}
	o := newOptions(opts)

	d := &GoogleDriveStorage{
		oauth:      DriveOAuthConfig(cfg),
		endpoint:   cfg.Endpoint,
		appName:    cfg.ApplicationName,
		folderID:   cfg.FolderID,
		chunkSize:  cfg.ChunkSize,
		httpClient: o.httpClient,
		log:        o.log.With().Str(LogFieldProvider, ProviderDrive).Logger(),
	}
	if d.appName == "" {
		d.appName = defaultApplicationName
	}
	if d.chunkSize == 0 {
		d.chunkSize = googleapi.DefaultUploadChunkSize
	}

	if cfg.RefreshToken == "" {
		d.log.Warn().Msg("no refresh token configured; drive calls fail until authorized")
		return d, nil
	}
	if err := d.Authorize(ctx, cfg.RefreshToken); err != nil {
		return nil, apperr.Construction(op, err)
	}
	return d, nil
}

func (d *GoogleDriveStorage) Name() string            { return ProviderDrive }
func (d *GoogleDriveStorage) Policy() CollisionPolicy { return DuplicateOnCollision }

// Authorize swaps in credentials built from refreshToken. The token is
// refreshed once before the swap.
func (d *GoogleDriveStorage) Authorize(ctx context.Context, refreshToken string) error {
	const op = "gdrive.authorize"

	// Token refreshes outlive any single request, so they run on a
	// background context carrying only the HTTP client.
	octx := context.Background()
	if d.httpClient != nil {
		octx = context.WithValue(octx, oauth2.HTTPClient, d.httpClient)
	}
	ts := d.oauth.TokenSource(octx, &oauth2.Token{RefreshToken: refreshToken})
	if _, err := ts.Token(); err != nil {
		return &apperr.Error{Kind: apperr.KindAuthentication, Op: op, Message: "token refresh failed", Err: errors.New(err.Error())}
	}

	svcOpts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(octx, ts))}
	if d.endpoint != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(d.endpoint))
	}
	svc, err := drive.NewService(ctx, svcOpts...)
	if err != nil {
		return apperr.Construction(op, fmt.Errorf("failed to create Drive client: %w", err))
	}
	svc.UserAgent = d.appName

	d.mu.Lock()
	d.svc = svc
	d.mu.Unlock()
	d.log.Info().Msg("drive credentials refreshed")
	return nil
}

// Authorized reports whether Drive credentials are in place.
func (d *GoogleDriveStorage) Authorized() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.svc != nil
}

func (d *GoogleDriveStorage) service(op string) (*drive.Service, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.svc == nil {
		return nil, apperr.New(apperr.KindAuthentication, op, "drive is not authorized")
	}
	return d.svc, nil
}

// Upload streams localPath into Drive. Large files go up in resumable
// chunks.
func (d *GoogleDriveStorage) Upload(ctx context.Context, localPath, destination string) (string, error) {
	const op = "gdrive.upload"

	svc, err := d.service(op)
	if err != nil {
		return "", err
	}
	src, info, err := openSource(op, localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	meta := &drive.File{Name: objectName(destination, localPath)}
	if d.folderID != "" {
		meta.Parents = []string{d.folderID}
	}
	f, err := svc.Files.Create(meta).
		Media(src, googleapi.ChunkSize(d.chunkSize), googleapi.ContentType(detectContentType(src))).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return "", driveError(op, err)
	}

	d.log.Debug().Str("file_id", f.Id).Str("name", meta.Name).Int64("size", info.Size()).Msg("uploaded file")
	return f.Id, nil
}

// PublicURL grants anyone-with-the-link read access and returns the file's
// web view link. The grant must be confirmed with WithPublicAccessConfirmed.
func (d *GoogleDriveStorage) PublicURL(ctx context.Context, id string, opts ...URLOption) (string, error) {
	const op = "gdrive.public_url"

	if id == "" {
		return "", apperr.WithOp(apperr.ErrEmptyIdentifier, op)
	}
	if !urlOptions(opts).ConfirmPublic {
		return "", apperr.WithOp(apperr.ErrPublicAccessNotConfirmed, op)
	}
	svc, err := d.service(op)
	if err != nil {
		return "", err
	}

	perm := &drive.Permission{Type: "anyone", Role: "reader"}
	if _, err := svc.Permissions.Create(id, perm).Context(ctx).Do(); err != nil {
		return "", driveError(op, err)
	}
	f, err := svc.Files.Get(id).Fields("webViewLink").Context(ctx).Do()
	if err != nil {
		return "", driveError(op, err)
	}
	if f.WebViewLink == "" {
		return "", apperr.Provider(op, errors.New("file has no web view link"))
	}
	d.log.Info().Str("file_id", id).Msg("granted public read access")
	return f.WebViewLink, nil
}

// Delete removes the file. A missing file reports false.
func (d *GoogleDriveStorage) Delete(ctx context.Context, id string) (bool, error) {
	const op = "gdrive.delete"

	if id == "" {
		return false, apperr.WithOp(apperr.ErrEmptyIdentifier, op)
	}
	svc, err := d.service(op)
	if err != nil {
		return false, err
	}
	if err := svc.Files.Delete(id).Context(ctx).Do(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return false, nil
		}
		return false, driveError(op, err)
	}
	d.log.Debug().Str("file_id", id).Msg("deleted file")
	return true, nil
}

// driveError converts Drive and OAuth failures into apperr kinds.
func driveError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		cause := fmt.Errorf("%d: %s", gerr.Code, gerr.Message)
		switch gerr.Code {
		case http.StatusNotFound:
			return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Message: "file not found", Err: cause}
		case http.StatusUnauthorized:
			return &apperr.Error{Kind: apperr.KindAuthentication, Op: op, Message: "drive rejected credentials", Err: cause}
		case http.StatusForbidden:
			return &apperr.Error{Kind: apperr.KindPermissionDenied, Op: op, Message: "drive denied access", Err: cause}
		}
		return apperr.Provider(op, cause)
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return &apperr.Error{Kind: apperr.KindAuthentication, Op: op, Message: "token refresh failed", Err: errors.New(rerr.Error())}
	}
	return apperr.Provider(op, errors.New(err.Error()))
}
