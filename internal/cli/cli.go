// ============================================================================
// Work Manager CLI
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree and YAML configuration
//
// Command Structure:
//   workmanager                 # Root command
//   ├── run                     # Start the work manager service
//   │   └── --config, -c        # Config file (default configs/default.yaml)
//   ├── status                  # Query a running instance
//   │   └── --addr              # Admin server address
//   ├── --version               # Build information
//   └── --help
//
// Configuration (YAML):
//   queues:            queue descriptors (see pkg/types.QueueDescriptor)
//   server.addr:       admin/metrics listen address
//   shutdown_timeout:  graceful shutdown deadline
//   cleanup_interval:  period of the completed-work retention sweep
//
// run starts the registry, the manager, and the admin server, then waits
// for SIGINT/SIGTERM and shuts down gracefully within the configured
// deadline.
//
// ============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/crestforge/workmanager/internal/manager"
	"github.com/crestforge/workmanager/internal/metrics"
	"github.com/crestforge/workmanager/internal/registry"
	"github.com/crestforge/workmanager/internal/server"
	"github.com/crestforge/workmanager/pkg/types"
)

var log = slog.Default()

// Config is the complete service configuration.
type Config struct {
	Queues []types.QueueDescriptor `yaml:"queues"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

var configFile string

// BuildCLI assembles the cobra command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "workmanager",
		Short: "workmanager: a transactional multi-queue background job executor",
		Long: `workmanager runs named work queues over fixed-size pools with:
- transaction-gated (after-commit) submission
- bounded queues with producer backpressure
- per-queue Prometheus metrics
- graceful suspend-on-shutdown`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the work manager service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService()
		},
	}
}

func runService() error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	reg := registry.New()
	for _, d := range cfg.Queues {
		if err := reg.RegisterContribution(d); err != nil {
			return fmt.Errorf("failed to register queue %q: %w", d.ID, err)
		}
	}
	// A default queue must exist for unbound categories.
	if _, err := reg.Descriptor(types.DefaultQueueID); err != nil {
		if rerr := reg.RegisterContribution(types.QueueDescriptor{ID: types.DefaultQueueID}); rerr != nil {
			return rerr
		}
	}

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	mgr := manager.New(reg, manager.WithCollector(collector))
	mgr.Init()
	mgr.Activate()

	srv := server.New(mgr, prometheus.DefaultGatherer)
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Handler()}
	go func() {
		log.Info("admin server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin server failed", "error", err)
		}
	}()

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()
	cleanupDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-cleanupTicker.C:
				mgr.Cleanup()
			case <-cleanupDone:
				return
			}
		}
	}()

	log.Info("work manager started", "queues", len(reg.IDs()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutdown signal received")
	close(cleanupDone)
	_ = httpServer.Close()

	terminated, err := mgr.Shutdown(cfg.ShutdownTimeout)
	if err != nil {
		return err
	}
	if !terminated {
		log.Warn("shutdown deadline elapsed with work still pending")
	}
	return nil
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue statistics of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8686", "admin server base URL")

	return cmd
}

func showStatus(addr string) error {
	resp, err := http.Get(addr + "/queues")
	if err != nil {
		return fmt.Errorf("failed to reach admin server: %w", err)
	}
	defer resp.Body.Close()

	var queues []struct {
		ID         string `json:"id"`
		MaxThreads int    `json:"max_threads"`
		Scheduled  int    `json:"scheduled"`
		Running    int    `json:"running"`
		Completed  int    `json:"completed"`
		Suspended  int    `json:"suspended"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queues); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}

	fmt.Printf("%-16s %8s %10s %8s %10s %10s\n",
		"QUEUE", "THREADS", "SCHEDULED", "RUNNING", "COMPLETED", "SUSPENDED")
	for _, q := range queues {
		fmt.Printf("%-16s %8d %10d %8d %10d %10d\n",
			q.ID, q.MaxThreads, q.Scheduled, q.Running, q.Completed, q.Suspended)
	}
	return nil
}

// LoadConfig reads the YAML configuration at path and fills in defaults
// for an empty server address and a non-positive shutdown timeout or
// cleanup interval.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8686"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &cfg, nil
}
