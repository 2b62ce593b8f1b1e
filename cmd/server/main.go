// Copyright (c) 2025, the Keyline authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keyline-app/keyline/internal/activation"
	"github.com/keyline-app/keyline/internal/api"
	"github.com/keyline-app/keyline/internal/config"
	"github.com/keyline-app/keyline/internal/database"
	"github.com/keyline-app/keyline/internal/keygen"
	"github.com/keyline-app/keyline/internal/lifecycle"
	"github.com/keyline-app/keyline/internal/metrics"
	"github.com/keyline-app/keyline/internal/models"
	"github.com/keyline-app/keyline/internal/notifications"
	"github.com/keyline-app/keyline/internal/ratelimit"
	"github.com/keyline-app/keyline/internal/secrets"
	"github.com/keyline-app/keyline/internal/trial"
)

var Version = "dev"

func main() {
	var rootCmd = &cobra.Command{
		Use:   "keyline",
		Short: "License and entitlement service",
		Long: `keyline - licensing backend for desktop applications: trial issuance,
device activation with concurrency limits, and billing-driven license lifecycle.`,
	}

	// Initialize logger
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd.Version = Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/keyline/). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to the config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stderr)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(Version, configDir, dataDir, logPath)
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of keyline",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/keyline/config.toml
- Windows: %APPDATA%\keyline\config.toml

You can specify either a directory path or a direct file path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

type Application struct {
	version   string
	configDir string
	dataDir   string
	logPath   string
}

func NewApplication(version, configDir, dataDir, logPath string) *Application {
	return &Application{
		version:   version,
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
	}
}

func (app *Application) runServer() {
	log.Info().Str("version", app.version).Msg("Starting keyline")

	// Initialize configuration
	cfg, err := config.New(app.configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("KEYLINE__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("KEYLINE__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	// Initialize database
	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// Initialize stores
	licenseStore := models.NewLicenseStore(db.Conn())
	customerStore := models.NewCustomerStore(db.Conn())
	activationStore := models.NewActivationStore(db.Conn())
	trialStore := models.NewTrialStore(db.Conn())
	notificationStore := models.NewNotificationStore(db.Conn())

	secretsResolver := secrets.NewResolver(cfg.Config)

	// Upstream license service client
	keygenClient := keygen.NewHTTPClient(
		cfg.Config.Keygen.APIURL,
		cfg.Config.Keygen.AccountID,
		cfg.Config.Keygen.APIToken,
	)

	// Initialize services
	trialService := trial.NewService(trialStore, secretsResolver)

	activationService, err := activation.NewService(licenseStore, activationStore, keygenClient, activation.Config{
		Window:          time.Duration(cfg.Config.Activation.WindowHours) * time.Hour,
		IndividualLimit: cfg.Config.Activation.IndividualDeviceLimit,
		SeatLimit:       cfg.Config.Activation.SeatDeviceLimit,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize activation service")
	}

	notifier := notifications.NewRecorder(notificationStore)

	lifecycleService := lifecycle.NewService(
		licenseStore,
		customerStore,
		activationStore,
		keygenClient,
		notifier,
		lifecycle.PolicyConfig{
			IndividualPolicyID: cfg.Config.Keygen.IndividualPolicyID,
			BusinessPolicyID:   cfg.Config.Keygen.BusinessPolicyID,
		},
	)
	lifecycleService.SetCacheInvalidator(activationService.InvalidateLicense)

	metricsManager := metrics.NewManager()
	limiter := ratelimit.NewLimiter()

	// Create router dependencies
	deps := &api.Dependencies{
		Config:            cfg,
		DB:                db.Conn(),
		LicenseStore:      licenseStore,
		ActivationStore:   activationStore,
		TrialService:      trialService,
		ActivationService: activationService,
		LifecycleService:  lifecycleService,
		Secrets:           secretsResolver,
		Limiter:           limiter,
		Metrics:           metricsManager,
	}

	router := api.NewRouter(deps)

	readTimeout := time.Duration(cfg.Config.HTTPTimeouts.ReadTimeout) * time.Second
	writeTimeout := time.Duration(cfg.Config.HTTPTimeouts.WriteTimeout) * time.Second
	idleTimeout := time.Duration(cfg.Config.HTTPTimeouts.IdleTimeout) * time.Second

	if readTimeout == 0 {
		readTimeout = 60 * time.Second
	}
	if writeTimeout == 0 {
		writeTimeout = 120 * time.Second
	}
	if idleTimeout == 0 {
		idleTimeout = 180 * time.Second
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Config.Host, cfg.Config.Port),
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go func() {
		log.Info().
			Str("address", srv.Addr).
			Dur("readTimeout", readTimeout).
			Dur("writeTimeout", writeTimeout).
			Dur("idleTimeout", idleTimeout).
			Msg("Starting HTTP server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
