// Package main is the entry point for the filevault server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/example/filevault/internal/auth"
	"github.com/example/filevault/internal/config"
	"github.com/example/filevault/internal/handlers"
	"github.com/example/filevault/internal/identifier"
	"github.com/example/filevault/internal/logging"
	"github.com/example/filevault/internal/middleware"
	"github.com/example/filevault/internal/secret"
	"github.com/example/filevault/internal/storage"
	"github.com/example/filevault/internal/token"
)

var (
	configFile = flag.String("config", "filevault.yaml", "Configuration file path")
	envFile    = flag.String("env", ".env", "Environment file path")
	testConfig = flag.Bool("test-config", false, "Test configuration and exit")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile, config.WithEnvFile(*envFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *testConfig {
		fmt.Println("Configuration test successful")
		return
	}

	log := logging.Init(cfg.Logging)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Settings, log zerolog.Logger) error {
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	log.Info().Str("version", version).Str(logging.FieldProvider, cfg.Storage.Provider).Msg("starting filevault")

	store, err := secret.NewSQLiteStore(cfg.Token.StorePath)
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}
	defer store.Close()

	sealer, err := newSealer(cfg.Token)
	if err != nil {
		return err
	}

	authorityOpts := []token.Option{
		token.WithLogger(logging.Component(log, "token")),
		token.WithRecordName(cfg.Token.RecordName),
	}
	if cfg.Token.SecretOverride != "" {
		authorityOpts = append(authorityOpts, token.WithOverride([]byte(cfg.Token.SecretOverride)))
	}
	authority, err := token.NewAuthority(store, sealer, authorityOpts...)
	if err != nil {
		return err
	}
	signer := token.NewURLSigner(authority)

	ctx := context.Background()
	processSecret, err := authority.Secret(ctx)
	if err != nil {
		return fmt.Errorf("load token secret: %w", err)
	}
	codec, err := identifier.FromSecret(processSecret)
	if err != nil {
		return err
	}

	provider, _ := storage.CanonicalProvider(cfg.Storage.Provider)
	if provider == storage.ProviderDrive && cfg.Storage.Drive.RefreshToken == "" {
		rt, err := auth.LoadRefreshToken(ctx, store, sealer)
		if err != nil {
			return fmt.Errorf("load drive refresh token: %w", err)
		}
		cfg.Storage.Drive.RefreshToken = rt
	}

	storageLog := logging.Component(log, "storage")
	factory := storage.NewStorageFactory(storageLog)
	backend, err := factory.Create(ctx, cfg.Storage, codec,
		storage.WithLogger(storageLog),
		storage.WithURLSigner(signer),
	)
	if err != nil {
		return err
	}
	if closer, ok := backend.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	fileHandler, err := handlers.NewFileHandler(backend, signer,
		handlers.WithLogger(logging.Component(log, "api")),
		handlers.WithUploadsDir(cfg.Server.UploadsDir),
		handlers.WithMaxUploadSize(cfg.Server.MaxUploadSize),
		handlers.WithFactory(factory),
	)
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	protected := router.NewRoute().Subrouter()
	protected.Use(auth.RequireAPIKey(cfg.Server.APIKey))
	if cfg.Server.APIKey == "" {
		log.Warn().Msg("server.api_key is empty; the management API is unauthenticated")
	}

	if drive, ok := backend.(*storage.GoogleDriveStorage); ok {
		driveAuth, err := auth.NewDriveAuth(storage.DriveOAuthConfig(cfg.Storage.Drive), authority, store, sealer, drive,
			auth.WithLogger(logging.Component(log, "drive-auth")))
		if err != nil {
			return err
		}
		auth.NewHandler(driveAuth).RegisterRoutes(router, protected)
		if !drive.Authorized() {
			log.Warn().Msg("Google Drive is not authorized yet; open /api/drive/authorize to grant access")
		}
	}

	if local, ok := backend.(*storage.LocalStorage); ok {
		u, err := url.Parse(cfg.Storage.Local.BaseURL)
		if err != nil {
			return fmt.Errorf("parse storage.local.base_url: %w", err)
		}
		var guard middleware.Middleware
		if cfg.Storage.Local.SignURLs {
			guard = middleware.RequireSignedURL(signer, logging.Component(log, "delivery"))
		}
		handlers.NewDeliveryHandler(local, u.Path, log).RegisterRoutes(router, guard)
	}

	fileHandler.RegisterRoutes(router, protected)

	handler := middleware.Chain(
		router,
		middleware.CORS(cfg.Origins()),
		middleware.Recover(log),
		middleware.Logger(logging.Component(log, "http")),
	)

	server := &http.Server{
		Addr:              cfg.GetAddressString(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Bool("tls", cfg.UsesTLS()).Msg("listening")
		var err error
		if cfg.UsesTLS() {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-stop:
	}
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server shutdown complete")
	return nil
}

// newSealer prefers a configured master key and falls back to one kept in the
// OS keyring.
func newSealer(cfg config.TokenConfig) (secret.Sealer, error) {
	if cfg.MasterKey != "" {
		return secret.NewStaticSealer(cfg.MasterKey)
	}
	s, err := secret.NewKeyringSealer(cfg.KeyringService, cfg.KeyringUser)
	if err != nil {
		return nil, fmt.Errorf("no token.master_key configured and the OS keyring is unavailable: %w", err)
	}
	return s, nil
}
