package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sovereign/kernel/pkg/config"
	"github.com/sovereign/kernel/pkg/kernel"
	"github.com/sovereign/kernel/pkg/log"
	"github.com/sovereign/kernel/pkg/metrics"
	"github.com/sovereign/kernel/pkg/supervisor"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	os.Exit(run())
}

// run builds the CLI surface of spec §6: a single executable accepting
// --config/--node-id/--listen/--peers/--log-level, with the exit codes
// §6 specifies (0 normal, 2 configuration error, 3 storage corruption, 1
// other fatal) mapped from what New/Run actually returned.
func run() int {
	var (
		configPath  string
		nodeID      string
		listen      string
		peers       []string
		logLevel    string
		logJSON     bool
		metricsAddr string
	)

	rootCmd := &cobra.Command{
		Use:     "kernel",
		Short:   "Sovereign kernel substrate node",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return exitError{code: 2, err: err}
			}
			if nodeID != "" {
				cfg.NodeID = nodeID
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if len(peers) > 0 {
				cfg.Peers = peers
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if logJSON {
				cfg.LogJSON = true
			}

			if err := cfg.Validate(); err != nil {
				return exitError{code: 2, err: err}
			}

			log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
			logger := log.WithNodeID(cfg.NodeID)

			// Every failure kernel.New can return is a startup/configuration
			// problem (bad peer list, unopenable data directory, address
			// already in use); a corrupt ledger discovered once running is
			// reported separately, through Run's ErrFatal below.
			k, err := kernel.New(cfg)
			if err != nil {
				return exitError{code: 2, err: err}
			}

			logger.Info().Str("listen", cfg.Listen).Str("raft_bind_addr", cfg.RaftBindAddr).Msg("kernel starting")

			metrics.SetVersion(Version)
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metrics.Handler())
			metricsMux.HandleFunc("/health", metrics.HealthHandler())
			metricsMux.HandleFunc("/ready", metrics.ReadyHandler())
			metricsMux.HandleFunc("/live", metrics.LivenessHandler())
			metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Warn().Err(err).Msg("metrics server stopped")
				}
			}()
			defer metricsSrv.Close()

			ctx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Info().Msg("shutdown signal received")
				cancel()
			}()

			if err := k.Run(ctx); err != nil {
				if errors.Is(err, supervisor.ErrFatal) {
					return exitError{code: 3, err: err}
				}
				return exitError{code: 1, err: err}
			}
			return nil
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.Flags().StringVar(&nodeID, "node-id", "", "Unique node ID (overrides config)")
	rootCmd.Flags().StringVar(&listen, "listen", "", "Client-facing listen endpoint (overrides config)")
	rootCmd.Flags().StringSliceVar(&peers, "peers", nil, "Comma-separated node_id=raft_bind_addr peer list (overrides config)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.Flags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "Listen address for /metrics, /health, /ready, /live")

	if err := rootCmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
			return ee.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// exitError carries the distinguished exit code spec §6 assigns to a
// given failure class through cobra's single error-returning RunE.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }
