package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import pprof for profiling endpoints
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/bucket"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - Eventually-persistent bucketed document store engine",
	Long: `Burrow is the in-memory core of an eventually-persistent key-value
store. It holds the working set of a bucket in memory, partitions it
across vbuckets, persists mutations asynchronously and restores state at
startup via warmup.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Burrow engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		adminAddr, _ := cmd.Flags().GetString("admin-addr")

		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}

		b, err := bucket.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		defer b.Close()

		// Admin endpoint: prometheus metrics next to pprof.
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/debug/pprof/", http.DefaultServeMux)
			log.Info(fmt.Sprintf("Admin endpoint listening on %s", adminAddr))
			if err := http.ListenAndServe(adminAddr, mux); err != nil {
				log.Errorf("admin endpoint failed", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info(fmt.Sprintf("Received signal %s, shutting down", sig))
		return nil
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to yaml configuration file")
	serverCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serverCmd.Flags().String("admin-addr", "127.0.0.1:9102", "Admin HTTP address (metrics, pprof)")
}
