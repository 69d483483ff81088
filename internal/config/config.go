// Package config loads the filevault server configuration from a config file,
// an optional .env file and FV_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/example/filevault/internal/storage"
	"github.com/example/filevault/internal/token"
)

// EnvPrefix prefixes every environment override, e.g. FV_SERVER_PORT or
// FV_STORAGE_S3_BUCKET.
const EnvPrefix = "FV"

// Settings holds the application configuration
type Settings struct {
	Server  ServerConfig   `mapstructure:"server"`
	Storage storage.Config `mapstructure:"storage"`
	Token   TokenConfig    `mapstructure:"token"`
	Logging LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	UploadsDir      string `mapstructure:"uploads_dir"`
	CertFile        string `mapstructure:"cert_file"`
	KeyFile         string `mapstructure:"key_file"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	AllowedOrigins  string `mapstructure:"allowed_origins"`
	// APIKey protects the management routes. Empty disables the check.
	APIKey        string `mapstructure:"api_key"`
	MaxUploadSize int64  `mapstructure:"max_upload_size"`
}

// TokenConfig controls where the signing secret lives and how it is sealed.
type TokenConfig struct {
	SecretOverride string `mapstructure:"secret_override"`
	StorePath      string `mapstructure:"store_path"`
	MasterKey      string `mapstructure:"master_key"`
	KeyringService string `mapstructure:"keyring_service"`
	KeyringUser    string `mapstructure:"keyring_user"`
	RecordName     string `mapstructure:"record_name"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]any{
	"server.port":             8080,
	"server.host":             "0.0.0.0",
	"server.uploads_dir":      "./uploads/incoming",
	"server.cert_file":        "",
	"server.key_file":         "",
	"server.shutdown_timeout": 30,
	"server.allowed_origins":  "",
	"server.api_key":          "",
	"server.max_upload_size":  int64(512 << 20),

	"storage.provider":         storage.ProviderLocal,
	"storage.local.base_path":  "./uploads/files",
	"storage.local.base_url":   "http://localhost:8080/files",
	"storage.local.sign_urls":  false,
	"storage.local.url_expiry": "0s",

	"storage.s3.key":            "",
	"storage.s3.secret":         "",
	"storage.s3.region":         "",
	"storage.s3.bucket":         "",
	"storage.s3.endpoint":       "",
	"storage.s3.prefix":         "",
	"storage.s3.public":         false,
	"storage.s3.presign_expiry": "0s",

	"storage.gdrive.client_id":        "",
	"storage.gdrive.client_secret":    "",
	"storage.gdrive.redirect_uri":     "http://localhost:8080/api/drive/callback",
	"storage.gdrive.refresh_token":    "",
	"storage.gdrive.application_name": "filevault",
	"storage.gdrive.folder_id":        "",
	"storage.gdrive.chunk_size":       0,
	"storage.gdrive.endpoint":         "",
	"storage.gdrive.token_url":        "",

	"storage.gcs.bucket":           "",
	"storage.gcs.credentials_file": "",
	"storage.gcs.endpoint":         "",
	"storage.gcs.prefix":           "",
	"storage.gcs.public":           false,
	"storage.gcs.signer_email":     "",
	"storage.gcs.private_key_file": "",
	"storage.gcs.presign_expiry":   "0s",

	"token.secret_override": "",
	"token.store_path":      "./data/filevault.db",
	"token.master_key":      "",
	"token.keyring_service": "filevault",
	"token.keyring_user":    "master-key",
	"token.record_name":     token.DefaultRecordName,

	"logging.level":  "info",
	"logging.format": "console",
}

// LoaderOption customises Load.
type LoaderOption func(*loader)

type loader struct {
	envFile string
}

// WithEnvFile loads variables from path before reading the environment.
// Variables already set in the process environment win.
func WithEnvFile(path string) LoaderOption {
	return func(l *loader) { l.envFile = path }
}

// Load reads configFile (any format viper understands, picked by extension)
// and applies environment overrides. A missing configFile is not an error.
func Load(configFile string, opts ...LoaderOption) (*Settings, error) {
	l := loader{envFile: ".env"}
	for _, opt := range opts {
		opt(&l)
	}

	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error loading env file %s: %w", l.envFile, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the settings that are not owned by a storage backend.
// Backend settings are validated when the backend is built.
func (s *Settings) Validate() error {
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got: %d)", s.Server.Port)
	}
	if (s.Server.CertFile == "") != (s.Server.KeyFile == "") {
		return errors.New("server.cert_file and server.key_file must be set together")
	}
	if _, ok := storage.CanonicalProvider(s.Storage.Provider); !ok {
		return fmt.Errorf("storage.provider %q is not supported", s.Storage.Provider)
	}
	switch strings.ToLower(s.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json (got: %s)", s.Logging.Format)
	}
	return nil
}

// EnsureDirectories creates the directories the server writes to.
func (s *Settings) EnsureDirectories() error {
	dirs := []string{s.Server.UploadsDir}
	if s.Token.StorePath != "" {
		dirs = append(dirs, filepath.Dir(s.Token.StorePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Clean(dir), 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// UsesTLS reports whether both a certificate and a key are configured.
func (s *Settings) UsesTLS() bool {
	return s.Server.CertFile != "" && s.Server.KeyFile != ""
}

// Origins splits the comma-separated allowed origins list.
func (s *Settings) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.Server.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// GetAddressString returns the address string for the server to listen on
func (s *Settings) GetAddressString() string {
	return fmt.Sprintf("%s:%d", s.Server.Host, s.Server.Port)
}
