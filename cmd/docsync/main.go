package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/docsync/internal/cmd/client"
	serverrun "github.com/rzbill/docsync/internal/cmd/server"
	cfgpkg "github.com/rzbill/docsync/internal/config"
	pebblestore "github.com/rzbill/docsync/internal/storage/pebble"
	logpkg "github.com/rzbill/docsync/pkg/log"
)

func main() {
	// Respect DOCSYNC_LOG_LEVEL for CLI output
	level := os.Getenv("DOCSYNC_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:          "docsync",
		Short:        "Offline-first gateway for the records UI",
		Long:         "docsync fronts the records backend: it caches the app shell, captures form submissions while offline and replays them when the backend is reachable again.",
		SilenceUsage: true,
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start docsync (proxy, admin API and gRPC health)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			envFile, _ := cmd.Flags().GetString("env-file")
			cfg, err := serverrun.LoadConfig(configPath, envFile)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("origin") {
				cfg.Origin, _ = flags.GetString("origin")
			}
			if flags.Changed("data-dir") {
				cfg.DataDir, _ = flags.GetString("data-dir")
			}
			if flags.Changed("http") {
				cfg.HTTPAddr, _ = flags.GetString("http")
			}
			if flags.Changed("grpc") {
				cfg.GRPCAddr, _ = flags.GetString("grpc")
			}
			if flags.Changed("fsync") {
				mode, _ := flags.GetString("fsync")
				if _, err := pebblestore.ParseFsyncMode(mode); err != nil {
					return fmt.Errorf("invalid --fsync; use always|interval|never")
				}
				cfg.Fsync = mode
			}
			if flags.Changed("generation") {
				cfg.Cache.Generation, _ = flags.GetString("generation")
			}
			if flags.Changed("offline-page") {
				cfg.Cache.OfflinePage, _ = flags.GetString("offline-page")
			}
			if flags.Changed("probe-interval") {
				d, _ := flags.GetDuration("probe-interval")
				cfg.Offline.ProbeInterval = cfgpkg.Duration(d)
			}
			if flags.Changed("log-level") {
				cfg.Log.Level, _ = flags.GetString("log-level")
			}
			if flags.Changed("log-format") {
				cfg.Log.Format, _ = flags.GetString("log-format")
			}
			skipInstall, _ := flags.GetBool("skip-install")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg, SkipInstall: skipInstall}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("config", "", "Config file (.json or .yaml); defaults to $DOCSYNC_CONFIG")
	serverStartCmd.Flags().String("env-file", ".env", "dotenv file loaded before DOCSYNC_* variables are read")
	serverStartCmd.Flags().String("origin", "", "Records backend base URL")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("http", ":8080", "HTTP listen address (proxy + admin API)")
	serverStartCmd.Flags().String("grpc", ":9090", "gRPC health listen address (empty disables)")
	serverStartCmd.Flags().String("fsync", "always", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().String("generation", "", "Cache generation name (e.g. docsdash-cache-v2)")
	serverStartCmd.Flags().String("offline-page", "", "Offline fallback page path")
	serverStartCmd.Flags().Duration("probe-interval", 10*time.Second, "Origin probe interval (0 disables probing)")
	serverStartCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "Log format: text|json (default text)")
	serverStartCmd.Flags().Bool("skip-install", false, "Do not install the app-shell cache at startup")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	clientcmd.AddCommands(rootCmd, apiURL)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("DOCSYNC_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
