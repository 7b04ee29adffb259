package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/frontdesklabs/regmirror/internal/badges"
	"github.com/frontdesklabs/regmirror/internal/config"
	"github.com/frontdesklabs/regmirror/internal/database"
	"github.com/frontdesklabs/regmirror/internal/logging"
	"github.com/frontdesklabs/regmirror/internal/regfox"
	"github.com/frontdesklabs/regmirror/internal/server"
	"github.com/frontdesklabs/regmirror/internal/worker"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "regmirror",
		Short: "Local mirror of a RegFox event registration form",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newSyncCommand(),
		newSearchCommand(),
		newGetCommand(),
		newUpdateCommand(),
		newCheckinCommand(),
		newCheckoutCommand(),
		newFormsCommand(),
	)

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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("api-key", "", "RegFox API key (overrides env)")
	cmd.PersistentFlags().String("api-url", defaults.GetString("regfox.api_url"), "RegFox API base URL")
	cmd.PersistentFlags().String("form-id", defaults.GetString("regfox.form_id"), "RegFox form (event) id")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Background sync interval")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "regfox.api_key", "api-key")
	bindFlag(cmd, "regfox.api_url", "api-url")
	bindFlag(cmd, "regfox.form_id", "form-id")
	bindFlag(cmd, "sync.interval", "sync-interval")
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

// app bundles the wired components shared by the server and the one-shot
// subcommands.
type app struct {
	cfg    config.AppConfig
	logger *zap.Logger
	client *regfox.Client
	cache  *badges.Service
	db     *gorm.DB
}

func buildApp() (*app, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	client, err := regfox.NewClient(regfox.ClientConfig{
		APIKey:  appConfig.APIKey,
		BaseURL: appConfig.APIURL,
		Logger:  logger,
	})
	if err != nil {
		return nil, nil, err
	}

	db, err := database.Open(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}

	cache, err := badges.NewService(badges.ServiceConfig{
		Database:   db,
		Client:     client,
		FormID:     appConfig.FormID,
		EventStart: appConfig.EventStart,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		logger.Sync() //nolint:errcheck
	}

	return &app{
		cfg:    appConfig,
		logger: logger,
		client: client,
		cache:  cache,
		db:     db,
	}, cleanup, nil
}

func runServer(ctx context.Context) error {
	application, cleanup, err := buildApp()
	if err != nil {
		return err
	}
	defer cleanup()

	syncWorker, err := worker.NewSyncWorker(worker.SyncWorkerConfig{
		Syncer:   application.cache,
		Interval: application.cfg.SyncInterval,
		Timeout:  5 * time.Minute,
		Logger:   application.logger,
	})
	if err != nil {
		return err
	}
	if err := syncWorker.Start(); err != nil {
		return err
	}
	defer syncWorker.Stop() //nolint:errcheck

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Cache:     application.cache,
		EventName: application.cfg.EventName,
		Logger:    application.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    application.cfg.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		application.logger.Info("server starting", zap.String("address", application.cfg.HTTPAddress))
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

func newSyncCommand() *cobra.Command {
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one incremental sync pass (or a full rebuild)",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, cleanup, err := buildApp()
			if err != nil {
				return err
			}
			defer cleanup()

			inserted, err := application.cache.Sync(cmd.Context(), rebuild)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d rows\n", inserted)
			return nil
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Discard local rows and re-fetch everything")
	return cmd
}

func newSearchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "search <criteria>",
		Short: "Sync, then search cached registrants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, cleanup, err := buildApp()
			if err != nil {
				return err
			}
			defer cleanup()

			if _, err := application.cache.Sync(cmd.Context(), false); err != nil {
				return err
			}
			registrants, err := application.cache.SearchRegistrants(cmd.Context(), args[0], 0, 0)
			if err != nil {
				return err
			}
			return printJSON(cmd, registrants)
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <registrant-id>",
		Short: "Sync, then look up one cached registrant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("registrant id must be numeric: %w", err)
			}
			application, cleanup, err := buildApp()
			if err != nil {
				return err
			}
			defer cleanup()

			if _, err := application.cache.Sync(cmd.Context(), false); err != nil {
				return err
			}
			registrant, err := application.cache.GetRegistrant(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, registrant)
		},
	}
}

func newUpdateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "update <registrant-id>",
		Short: "Refresh one registrant from the remote API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("registrant id must be numeric: %w", err)
			}
			application, cleanup, err := buildApp()
			if err != nil {
				return err
			}
			defer cleanup()

			if _, err := application.cache.Sync(cmd.Context(), false); err != nil {
				return err
			}
			registrant, err := application.cache.UpdateRegistrant(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, registrant)
		},
	}
}

func newCheckinCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checkin <registrant-id-or-display-id>",
		Short: "Check a registrant in (remote first, then local mirror)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, cleanup, err := buildApp()
			if err != nil {
				return err
			}
			defer cleanup()

			if _, err := application.cache.Sync(cmd.Context(), false); err != nil {
				return err
			}
			registrant, err := application.cache.CheckinRegistrant(cmd.Context(), parseRef(args[0]), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, registrant)
		},
	}
}

func newCheckoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checkout <registrant-id-or-display-id>",
		Short: "Check a registrant out (not supported by the remote service)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, cleanup, err := buildApp()
			if err != nil {
				return err
			}
			defer cleanup()

			_, err = application.cache.CheckoutRegistrant(cmd.Context(), parseRef(args[0]))
			return err
		},
	}
}

func newFormsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "forms",
		Short: "List the forms (events) accessible with the configured API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Deliberately skips config.Load: listing forms is how the
			// form id gets discovered in the first place.
			logger, err := logging.NewLogger(viper.GetString("log.level"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			client, err := regfox.NewClient(regfox.ClientConfig{
				APIKey:  viper.GetString("regfox.api_key"),
				BaseURL: viper.GetString("regfox.api_url"),
				Logger:  logger,
			})
			if err != nil {
				return err
			}

			forms, err := client.Forms(cmd.Context())
			if err != nil {
				return err
			}
			for _, form := range forms {
				fmt.Fprintf(cmd.OutOrStdout(), "%7d   %s\n", form.ID, form.Name)
			}
			return nil
		},
	}
}

func parseRef(raw string) badges.BadgeRef {
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
		return badges.ByID(id)
	}
	return badges.ByDisplayID(raw)
}

func printJSON(cmd *cobra.Command, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}
