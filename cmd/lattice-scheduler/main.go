package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/latticesched/lattice/pkg/config"
	"github.com/latticesched/lattice/pkg/log"
	"github.com/latticesched/lattice/pkg/metrics"
	"github.com/latticesched/lattice/pkg/scheduler"
	"github.com/latticesched/lattice/pkg/security"
	"github.com/latticesched/lattice/pkg/transport"
)

// Version is set via ldflags at build time, matching the teacher's own
// cmd/warren version-injection convention.
var (
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
	Use:     "lattice-scheduler",
	Short:   "lattice - a distributed task-graph scheduler",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"lattice-scheduler version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(schedulerCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the lattice scheduler",
	Long: `Start the scheduler event loop: accept worker registrations and
client graph submissions, place tasks, and serve the gRPC health
endpoint workers and clients poll for liveness (§6).`,
	RunE: runScheduler,
}

func init() {
	schedulerCmd.Flags().String("host", "0.0.0.0", "Address the health/control listener binds to")
	schedulerCmd.Flags().Int("port", 8786, "Port the health/control listener binds to")
	schedulerCmd.Flags().String("scheduler-file", "", "Path to write the scheduler identity file on start (deleted on clean shutdown)")
	schedulerCmd.Flags().Int("allowed-failures", 0, "Override config's allowed-failures (0 keeps the config/default value)")
	schedulerCmd.Flags().String("config", "", "Path to a YAML config file merged over the built-in defaults")
	schedulerCmd.Flags().String("tls-cert", "", "Path to a PEM server certificate enabling TLS on the health listener")
	schedulerCmd.Flags().String("tls-key", "", "Path to the PEM private key matching --tls-cert")
	schedulerCmd.Flags().String("tls-ca", "", "Path to a PEM CA bundle; when set, requires and verifies client certificates")
	schedulerCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address the /metrics, /health, /ready, /live HTTP endpoints bind to")
}

func runScheduler(cmd *cobra.Command, args []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	schedulerFile, _ := cmd.Flags().GetString("scheduler-file")
	allowedFailures, _ := cmd.Flags().GetInt("allowed-failures")
	configPath, _ := cmd.Flags().GetString("config")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")
	tlsCA, _ := cmd.Flags().GetString("tls-ca")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if allowedFailures > 0 {
		cfg.AllowedFailures = allowedFailures
	}

	schedLog := log.WithComponent("cmd")

	registry := transport.NewRegistry()
	sched := scheduler.NewScheduler(cfg, log.Logger, registry, nil, schedulerFile)
	sched.Start()
	metrics.RegisterComponent("store", true, "running")

	healthOpts, err := healthServerOptions(tlsCert, tlsKey, tlsCA)
	if err != nil {
		sched.Stop()
		return fmt.Errorf("tls: %w", err)
	}
	healthSrv := transport.NewHealthServer(log.Logger, healthOpts...)
	healthSrv.SetServing("", true)

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	errCh := make(chan error, 1)
	go func() {
		if err := healthSrv.Serve(addr); err != nil {
			errCh <- fmt.Errorf("health listener: %w", err)
		}
	}()
	metrics.RegisterComponent("transport", true, "listening on "+addr)

	collector := metrics.NewCollector(sched.Store())
	collector.Start()

	metricsSrv := &http.Server{Addr: metricsAddr}
	http.Handle("/metrics", metrics.Handler())
	http.Handle("/health", metrics.HealthHandler())
	http.Handle("/ready", metrics.ReadyHandler())
	http.Handle("/live", metrics.LivenessHandler())
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			schedLog.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	schedLog.Info().
		Str("addr", addr).
		Str("metrics_addr", metricsAddr).
		Int("allowed_failures", cfg.AllowedFailures).
		Bool("work_stealing", cfg.WorkStealing).
		Msg("lattice scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		schedLog.Info().Msg("shutting down")
	case err := <-errCh:
		schedLog.Error().Err(err).Msg("fatal listener error")
		sched.Stop()
		return err
	}

	collector.Stop()
	healthSrv.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	sched.Stop()

	schedLog.Info().Msg("shutdown complete")
	return nil
}

func healthServerOptions(certFile, keyFile, caFile string) ([]grpc.ServerOption, error) {
	cfg := security.ServerTLSConfig{CertFile: certFile, KeyFile: keyFile, CAFile: caFile}
	if !cfg.Enabled() {
		return nil, nil
	}
	opt, err := security.ServerOption(cfg)
	if err != nil {
		return nil, err
	}
	return []grpc.ServerOption{opt}, nil
}
