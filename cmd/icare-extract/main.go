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

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/icaredata/icare-extract/internal/app"
	"github.com/icaredata/icare-extract/internal/config"
	"github.com/icaredata/icare-extract/internal/platform/archive"
	"github.com/icaredata/icare-extract/internal/platform/logging"
	"github.com/icaredata/icare-extract/internal/platform/messaging/sandbox"
	"github.com/icaredata/icare-extract/internal/platform/runlog"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "icare-extract",
		Short:         "Extract mCODE data from CSV files and submit it to ICAREdata",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := app.Options{}
			opts.FromDate, _ = cmd.Flags().GetString("from-date")
			opts.ToDate, _ = cmd.Flags().GetString("to-date")
			opts.AllEntries, _ = cmd.Flags().GetBool("all-entries")
			opts.ConfigPath, _ = cmd.Flags().GetString("path-to-config")
			if cmd.Flags().Changed("path-to-run-logs") {
				opts.RunLogPath, _ = cmd.Flags().GetString("path-to-run-logs")
			}
			opts.Debug, _ = cmd.Flags().GetBool("debug")
			opts.TestExtraction, _ = cmd.Flags().GetBool("test-extraction")
			opts.TestAWSAuth, _ = cmd.Flags().GetBool("test-aws-auth")
			if filter, _ := cmd.Flags().GetBool("entries-filter"); filter {
				opts.AllEntries = false
			}

			logger := logging.New(cmd.OutOrStdout(), opts.Debug)
			if err := app.Execute(cmd.Context(), opts, logger); err != nil {
				if app.IsConfigError(err) {
					logger.Error().Err(err).Msg("invalid configuration, nothing was extracted")
				} else {
					logger.Error().Err(err).Msg("extraction run failed")
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringP("from-date", "f", "", "The earliest date and time to search")
	cmd.Flags().StringP("to-date", "t", "", "The latest date and time to search")
	cmd.Flags().BoolP("all-entries", "a", true, "Extract all entries from the CSV files, ignoring the date window")
	cmd.Flags().Bool("entries-filter", false, "Filter entries by the date window and record the run in the run log")
	cmd.Flags().Bool("test-extraction", false, "Extract without submitting messages, sending notifications or recording the run")
	cmd.Flags().Bool("test-aws-auth", false, "Check authentication with the messaging endpoint, then exit unless --test-extraction is set")
	cmd.PersistentFlags().StringP("path-to-config", "p", config.DefaultPath, "Path to the configuration file")
	cmd.PersistentFlags().StringP("path-to-run-logs", "l", runlog.DefaultPath, "Path to the run log file (overrides runLog.path in the config)")
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")

	cmd.AddCommand(sandboxCmd())
	cmd.AddCommand(runlogCmd())
	cmd.AddCommand(archiveCmd())
	return cmd
}

func sandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Start a local ICAREdata-compatible messaging endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			clientID, _ := cmd.Flags().GetString("client-id")
			keyPath, _ := cmd.Flags().GetString("public-key")
			debug, _ := cmd.Flags().GetBool("debug")
			logger := logging.New(cmd.OutOrStdout(), debug)

			if clientID == "" || keyPath == "" {
				return fmt.Errorf("--client-id and --public-key are required")
			}
			data, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("read public key: %w", err)
			}
			pub, err := jwt.ParseRSAPublicKeyFromPEM(data)
			if err != nil {
				return fmt.Errorf("parse public key: %w", err)
			}

			srv, err := sandbox.New(sandbox.Config{ClientID: clientID, PublicKey: pub}, logger)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case <-quit:
			}

			logger.Info().Msg("shutting down sandbox")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	cmd.Flags().String("addr", ":3000", "Listen address")
	cmd.Flags().String("client-id", "", "Client id accepted by the token endpoint")
	cmd.Flags().String("public-key", "", "PEM file with the client's RSA public key")
	return cmd
}

func runlogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runlog",
		Short: "Manage the run log",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create an empty run log",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("path-to-config")
			runLogPath, _ := cmd.Flags().GetString("path-to-run-logs")
			debug, _ := cmd.Flags().GetBool("debug")
			logger := logging.New(cmd.OutOrStdout(), debug)
			ctx := cmd.Context()

			// The config file is optional here; without it the file store
			// named by -l is initialized.
			if cfg, err := config.Load(configPath); err == nil && cfg.UsesDatabaseRunLog() {
				pool, err := runlog.NewPool(ctx, cfg.RunLog.DatabaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := runlog.NewPostgresStore(pool).Init(ctx); err != nil {
					return err
				}
				logger.Info().Msg("run log table ready")
				return nil
			}

			store := runlog.NewFileStore(runLogPath)
			if err := store.Init(ctx); err != nil {
				return err
			}
			logger.Info().Str("path", store.Path()).Msg("run log ready")
			return nil
		},
	})
	return cmd
}

var openArchiveStore = func(ctx context.Context, cfg config.ArchiveConfig) (archive.BlobStore, error) {
	return archive.NewMinioStore(ctx, cfg)
}

func runArchiver(cmd *cobra.Command) (*archive.Archiver, error) {
	configPath, _ := cmd.Flags().GetString("path-to-config")
	runID, _ := cmd.Flags().GetString("run")
	if runID == "" {
		return nil, fmt.Errorf("--run is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Archive == nil {
		return nil, fmt.Errorf("%w: archive is not configured", config.ErrInvalidConfig)
	}
	store, err := openArchiveStore(cmd.Context(), *cfg.Archive)
	if err != nil {
		return nil, err
	}
	return archive.NewArchiver(store, runID), nil
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect archived message bundles",
	}
	cmd.PersistentFlags().String("run", "", "Run id (the archive key prefix, e.g. 20210301T120000Z)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the bundles archived for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := runArchiver(cmd)
			if err != nil {
				return err
			}
			objects, err := a.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, o := range objects {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", o.Key, o.Size, o.LastModified.UTC().Format(time.RFC3339))
			}
			return nil
		},
	})

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the bundle archived for a roster row",
		RunE: func(cmd *cobra.Command, args []string) error {
			row, _ := cmd.Flags().GetInt("row")
			if row < 1 {
				return fmt.Errorf("--row must be 1 or greater")
			}
			a, err := runArchiver(cmd)
			if err != nil {
				return err
			}
			bundle, err := a.Load(cmd.Context(), row-1)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(bundle)
		},
	}
	show.Flags().Int("row", 0, "1-based roster row")
	cmd.AddCommand(show)
	return cmd
}
