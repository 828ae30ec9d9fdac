package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/config"
	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/maintenance"
	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/server"
	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/settings"
	"github.com/MarcoPoloResearchLab/tabulaxy/backend/internal/words"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tabulaxy-api",
		Short: "Tabulaxy word supply service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "seed [words.json]",
		Short: "Import words from a JSON file into the snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runSeed(cmd.Context(), path)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print word counts as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "Durable SQLite snapshot path")
	cmd.PersistentFlags().String("database-seed-path", defaults.GetString("database.seed_path"), "Bundled seed snapshot path")
	cmd.PersistentFlags().String("words-path", defaults.GetString("content.words_path"), "External words JSON file")
	cmd.PersistentFlags().String("locale", defaults.GetString("content.locale"), "Category label locale (tr, en)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.seed_path", "database-seed-path")
	bindFlag(cmd, "content.words_path", "words-path")
	bindFlag(cmd, "content.locale", "locale")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

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

// application holds the collaborators shared by every subcommand.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	store    *database.Store
	words    *words.Service
	settings *settings.Service
	events   *server.RefillDispatcher
}

func newApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	store, err := database.Open(database.StoreConfig{
		SnapshotPath: appConfig.DatabasePath,
		SeedPath:     appConfig.DatabaseSeedPath,
		WorkDir:      appConfig.DatabaseWorkDir,
		Clock:        time.Now,
		Logger:       logger,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	logger.Info("store opened",
		zap.String("source", string(store.Source())),
		zap.String("snapshot", appConfig.DatabasePath))

	events := server.NewRefillDispatcher()
	wordService, err := words.NewService(words.ServiceConfig{
		Open: func(context.Context) (words.Store, error) {
			return store, nil
		},
		Clock:      time.Now,
		IDProvider: words.NewUUIDProvider(),
		Logger:     logger,
		Cache: words.CacheConfig{
			MaxSize:         appConfig.CacheMaxSize,
			RefillThreshold: appConfig.CacheRefillThreshold,
		},
		MinWords:       appConfig.MinWords,
		FetchBatchSize: appConfig.FetchBatchSize,
		PreloadLimit:   appConfig.PreloadLimit,
		SeedWordsPath:  appConfig.WordsPath,
		Locale:         appConfig.Locale,
		Events:         events,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := wordService.Initialize(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	settingsService, err := settings.NewService(settings.ServiceConfig{
		Database:  store.DB(),
		Persister: store,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		wordService.Close()
		_ = store.Close()
		return nil, err
	}

	return &application{
		config:   appConfig,
		logger:   logger,
		store:    store,
		words:    wordService,
		settings: settingsService,
		events:   events,
	}, nil
}

func (r *application) close() {
	r.words.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Error("store close failed", zap.Error(err))
	}
	_ = r.logger.Sync()
}

func runServer(ctx context.Context) error {
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	scheduler, err := maintenance.NewScheduler(maintenance.SchedulerConfig{
		Pruner:    app.words,
		Persister: app.store,
		Schedule:  app.config.MaintenanceSchedule,
		Retention: app.config.SessionRetention,
		Logger:    app.logger,
	})
	if err != nil {
		return err
	}
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		WordService:     app.words,
		SettingsService: app.settings,
		Dispatcher:      app.events,
		AllowedOrigins:  app.config.AllowedOrigins,
		Logger:          app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
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

func runSeed(ctx context.Context, path string) error {
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	if path == "" {
		path = app.config.WordsPath
	}
	inserted, err := app.words.ImportWords(ctx, path)
	if err != nil {
		return err
	}
	app.logger.Info("words imported", zap.String("path", path), zap.Int("inserted", inserted))
	return app.store.Persist(ctx)
}

func runStats(ctx context.Context) error {
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	stats, err := app.words.Stats(ctx)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(stats)
}
