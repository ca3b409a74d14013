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

	"github.com/MarcoPoloResearchLab/watchparty/internal/auth"
	"github.com/MarcoPoloResearchLab/watchparty/internal/config"
	"github.com/MarcoPoloResearchLab/watchparty/internal/database"
	"github.com/MarcoPoloResearchLab/watchparty/internal/logging"
	"github.com/MarcoPoloResearchLab/watchparty/internal/server"
	"github.com/MarcoPoloResearchLab/watchparty/internal/show"
	"github.com/MarcoPoloResearchLab/watchparty/internal/store"
	"github.com/MarcoPoloResearchLab/watchparty/internal/tickets"
	"github.com/MarcoPoloResearchLab/watchparty/internal/viewer"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuer   = "watchparty-api"
	tokenAudience = "watchparty-admin"
)

var (
	cfgFile string
)

func main() {
	config.LoadDotEnv()

	rootCmd := &cobra.Command{
		Use:   "watchparty-api",
		Short: "Watch party backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for admin.password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	})

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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("store-backend", defaults.GetString("store.backend"), "Shared store backend (memory, redis)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("show-timezone", defaults.GetString("show.timezone"), "Timezone for show dates without an offset")
	cmd.PersistentFlags().String("presence-scope", defaults.GetString("presence.scope"), "Viewer count scope (ticket, global)")
	cmd.PersistentFlags().String("signing-secret", "", "Admin token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "store.backend", "store-backend")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "show.timezone", "show-timezone")
	bindFlag(cmd, "presence.scope", "presence-scope")
	bindFlag(cmd, "admin.signing_secret", "signing-secret")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sharedStore, closeStore, err := openStore(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := tickets.NewRegistry(logger.Named("tickets"))
	if err := registry.Sync(signalCtx, sharedStore); err != nil {
		return err
	}

	showService, err := show.NewService(show.ServiceConfig{
		Store:        sharedStore,
		Clock:        time.Now,
		IDProvider:   show.NewUUIDProvider(),
		Location:     appConfig.ShowLocation,
		SaveTimeout:  appConfig.AdminSaveTimeout,
		HistoryLimit: appConfig.ChatHistoryLimit,
		Logger:       logger.Named("show"),
	})
	if err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AdminSigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      appConfig.AdminTokenTTL,
	})
	if err != nil {
		return err
	}
	passwords, err := auth.NewPasswordChecker(appConfig.AdminPasswordHash)
	if err != nil {
		return err
	}
	scope, err := viewer.ParsePresenceScope(appConfig.PresenceScope)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:        sharedStore,
		Registry:     registry,
		ShowService:  showService,
		TokenManager: tokenManager,
		Passwords:    passwords,
		AdminSubject: auth.AdminSubject,
		ViewerPolicy: viewer.Policy{
			LeaseWindow:       appConfig.LeaseWindow,
			HeartbeatInterval: appConfig.HeartbeatInterval,
			LivenessWindow:    appConfig.LivenessWindow,
		},
		PresenceScope: scope,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

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

// openStore builds the shared store for the configured backend and returns
// a func releasing its resources.
func openStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch appConfig.StoreBackend {
	case config.StoreBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		redisStore, err := store.NewRedis(store.RedisConfig{
			Client:    client,
			KeyPrefix: appConfig.RedisKeyPrefix,
			Logger:    logger.Named("store"),
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := redisStore.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis unreachable: %w", err)
		}
		return redisStore, func() {
			_ = redisStore.Close()
			_ = client.Close()
		}, nil
	default:
		db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		repository, err := database.NewNodeRepository(database.NodeRepositoryConfig{
			Database: db,
			Logger:   logger.Named("database"),
		})
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		memory, err := store.NewMemory(ctx, store.MemoryConfig{
			Persistence: repository,
			Logger:      logger.Named("store"),
		})
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return memory, func() { _ = sqlDB.Close() }, nil
	}
}
