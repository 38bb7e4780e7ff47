package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/auth"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/bangumi"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/config"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/database"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/kv"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/logging"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/ratings"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/repository"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/server"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/users"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ratings-api",
		Short: "Bangumi episode ratings service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("store-backend", defaults.GetString("store.backend"), "Store backend (sqlite, memory)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("max-commit-attempts", defaults.GetInt("store.max_commit_attempts"), "Attempts per optimistic commit before giving up")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("bangumi-api-url", defaults.GetString("bangumi.api_url"), "Bangumi API base URL")
	cmd.PersistentFlags().String("bangumi-oauth-url", defaults.GetString("bangumi.oauth_url"), "Bangumi OAuth base URL")
	cmd.PersistentFlags().String("bangumi-client-id", "", "Bangumi OAuth client ID")
	cmd.PersistentFlags().String("bangumi-redirect-url", "", "Bangumi OAuth redirect URL")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("cors.allowed_origins"), "Comma separated CORS origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "store.backend", "store-backend")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "store.max_commit_attempts", "max-commit-attempts")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "bangumi.api_url", "bangumi-api-url")
	bindFlag(cmd, "bangumi.oauth_url", "bangumi-oauth-url")
	bindFlag(cmd, "bangumi.client_id", "bangumi-client-id")
	bindFlag(cmd, "bangumi.redirect_url", "bangumi-redirect-url")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func openStore(appConfig config.AppConfig, logger *zap.Logger) (kv.Store, error) {
	switch appConfig.StoreBackend {
	case config.StoreBackendMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		return kv.NewMemoryStore(), nil
	case config.StoreBackendSQLite:
		db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return nil, err
		}
		store, err := kv.NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", appConfig.StoreBackend)
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	retryPolicy := kv.DefaultRetryPolicy()
	retryPolicy.MaxAttempts = appConfig.MaxCommitAttempts
	repo, err := repository.New(repository.Config{
		Store:       store,
		RetryPolicy: retryPolicy,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	bangumiClient := bangumi.NewClient(bangumi.Config{
		APIURL:            appConfig.BangumiAPIURL,
		OAuthURL:          appConfig.BangumiOAuthURL,
		ClientID:          appConfig.BangumiClientID,
		ClientSecret:      appConfig.BangumiClientSecret,
		RedirectURL:       appConfig.BangumiRedirectURL,
		RequestsPerSecond: appConfig.BangumiRateLimit,
		Logger:            logger,
	})

	votes := server.NewVotesDispatcher()
	ratingsService, err := ratings.NewService(ratings.ServiceConfig{
		Repository: repo,
		Episodes:   bangumiClient,
		Publisher:  votes,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Repository: repo,
		IDProvider: users.NewUUIDProvider(),
		CouponTTL:  appConfig.CouponTTL,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	stateIssuer, err := auth.NewStateIssuer(auth.StateIssuerConfig{
		SigningSecret: []byte(appConfig.StateSecret),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Ratings:        ratingsService,
		Users:          usersService,
		OAuth:          bangumiClient,
		States:         stateIssuer,
		Votes:          votes,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer.RegisterOnShutdown(votes.Close)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_backend", appConfig.StoreBackend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
