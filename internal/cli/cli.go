// ============================================================================
// fbworker CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra commands for running and inspecting a remote build worker
//
// Command Structure:
//   fbworker                       # Root command
//   ├── run                        # Start the worker
//   ├── status                     # Show configuration and health
//   ├── cache                      # List cached toolchain files
//   ├── --config, -c               # Config file (all commands)
//   ├── --version
//   └── --help
//
// Configuration:
//   YAML file (default: configs/default.yaml) with sections
//   server, worker, cache, metrics, health and log. Zero values take the
//   defaults from applyDefaults.
//
// run Command:
//   1. Load config, open the toolchain cache
//   2. Start worker pool, scheduler and TCP listener
//   3. Start metrics (HTTP) and health (gRPC) endpoints if enabled
//   4. SIGHUP toggles whether the worker accepts jobs
//   5. SIGINT / SIGTERM stop everything; running jobs finish first
//
//   Examples:
//     ./fbworker run
//     ./fbworker run -c /etc/fbworker.yaml
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/distbuild/internal/admin"
	"github.com/ChuLiYu/distbuild/internal/jobqueue"
	"github.com/ChuLiYu/distbuild/internal/manifest"
	"github.com/ChuLiYu/distbuild/internal/metrics"
	"github.com/ChuLiYu/distbuild/internal/protocol"
	"github.com/ChuLiYu/distbuild/internal/server"
	"github.com/ChuLiYu/distbuild/internal/toolcache"
	"github.com/ChuLiYu/distbuild/internal/transport"
	"github.com/ChuLiYu/distbuild/internal/worker"
)

// Config represents the complete worker configuration.
type Config struct {
	Server struct {
		Listen            string        `yaml:"listen"`
		TickInterval      time.Duration `yaml:"tick_interval"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		OutboxSize        int           `yaml:"outbox_size"`
		FileWindow        int           `yaml:"file_request_window"`
	} `yaml:"server"`

	Worker struct {
		WorkerCount int           `yaml:"worker_count"`
		JobTimeout  time.Duration `yaml:"job_timeout"`
		Command     []string      `yaml:"command"`
		Disabled    bool          `yaml:"disabled"`
	} `yaml:"worker"`

	Cache struct {
		Dir string `yaml:"dir"`
	} `yaml:"cache"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"health"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

const (
	defaultConfigFile    = "configs/default.yaml"
	defaultCacheDir      = "fbworker-cache"
	defaultMetricsListen = ":9090"
	defaultHealthListen  = ":31265"
)

var version = "dev"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fbworker",
		Short: "fbworker: a remote worker for distributed builds",
		Long: `fbworker accepts compile jobs from build clients, mirrors their
toolchains into a local cache and executes the jobs on a pool of workers.`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCacheCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the build worker",
		Long:  "Listen for build clients and execute their jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg)
		},
	}
}

func runWorker(ctx context.Context, cfg *Config) error {
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	log.Printf("Starting fbworker %s with config: %s\n", version, configFile)
	log.Printf("Workers: %d, Job timeout: %s, Cache: %s\n", cfg.Worker.WorkerCount, cfg.Worker.JobTimeout, cfg.Cache.Dir)

	cache, err := toolcache.Open(cfg.Cache.Dir)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}

	collector := metrics.NewCollector(nil)
	queue := jobqueue.New()
	exec := &worker.CommandExecutor{
		Command:      cfg.Worker.Command,
		ToolchainDir: cache.ToolchainDir,
	}
	pool := worker.NewPool(queue, exec, worker.PoolConfig{
		Workers:    cfg.Worker.WorkerCount,
		JobTimeout: cfg.Worker.JobTimeout,
		Observer:   collector,
		Logger:     logger,
	})
	health := admin.NewHealth()
	availability := admin.NewAvailability(pool, health)
	availability.Set(!cfg.Worker.Disabled)

	srv, err := server.New(server.Config{
		TickInterval:      cfg.Server.TickInterval,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		Logger:            logger,
	}, server.Deps{
		Queue:     queue,
		Manifests: manifest.NewRegistry(manifest.WithRequestWindow(cfg.Server.FileWindow)),
		Store:     cache,
		Workers:   pool,
		Metrics:   collector,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ln, err := transport.Listen(cfg.Server.Listen)
	if err != nil {
		return err
	}
	listeners := []net.Listener{ln}
	closeAll := func() {
		for _, l := range listeners {
			l.Close()
		}
	}

	var metricsLn, healthLn net.Listener
	if cfg.Metrics.Enabled {
		if metricsLn, err = net.Listen("tcp", cfg.Metrics.Listen); err != nil {
			closeAll()
			return fmt.Errorf("failed to listen for metrics on %s: %w", cfg.Metrics.Listen, err)
		}
		listeners = append(listeners, metricsLn)
	}
	if cfg.Health.Enabled {
		if healthLn, err = net.Listen("tcp", cfg.Health.Listen); err != nil {
			closeAll()
			return fmt.Errorf("failed to listen for health on %s: %w", cfg.Health.Listen, err)
		}
		listeners = append(listeners, healthLn)
	}

	g, gCtx := errgroup.WithContext(ctx)

	if err := pool.Start(gCtx); err != nil {
		closeAll()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Stopping workers, waiting for running jobs...")
		pool.Stop()
		return nil
	})

	g.Go(func() error {
		return srv.Run(gCtx)
	})

	ts := transport.NewServer(srv, transport.Config{
		OutboxSize: cfg.Server.OutboxSize,
		Logger:     logger,
	})
	g.Go(func() error {
		return ts.Serve(gCtx, ln)
	})
	log.Printf("Accepting build clients on %s\n", ln.Addr())

	if metricsLn != nil {
		g.Go(func() error {
			return metrics.StartServer(gCtx, metricsLn, nil)
		})
		log.Printf("Metrics on http://%s/metrics\n", metricsLn.Addr())
	}
	if healthLn != nil {
		g.Go(func() error {
			return health.Serve(gCtx, healthLn)
		})
		log.Printf("gRPC health service on %s\n", healthLn.Addr())
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-hup:
				if availability.Toggle() {
					log.Println("Worker enabled")
				} else {
					log.Println("Worker disabled, running jobs will finish")
				}
			}
		}
	})

	log.Println("Worker started successfully")
	err = g.Wait()
	log.Println("Worker stopped. Goodbye!")
	return err
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker status",
		Long:  "Display the configuration, the toolchain cache and the health of a running worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.Context(), cmd, cfg)
		},
	}
}

func showStatus(ctx context.Context, cmd *cobra.Command, cfg *Config) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "fbworker status")
	fmt.Fprintln(out, strings.Repeat("=", 40))

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:   %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Listen:        %s\n", cfg.Server.Listen)
	fmt.Fprintf(out, "  ├─ Workers:       %d\n", cfg.Worker.WorkerCount)
	fmt.Fprintf(out, "  ├─ Job Timeout:   %s\n", cfg.Worker.JobTimeout)
	fmt.Fprintf(out, "  └─ Command:       %s\n", strings.Join(cfg.Worker.Command, " "))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Toolchain Cache:")
	fmt.Fprintf(out, "  ├─ Directory:     %s\n", cfg.Cache.Dir)
	if cache, err := toolcache.Open(cfg.Cache.Dir); err != nil {
		fmt.Fprintf(out, "  └─ Error:         %v\n", err)
	} else {
		var total uint64
		entries := cache.Entries()
		for _, e := range entries {
			total += e.Size
		}
		fmt.Fprintf(out, "  └─ Files:         %d (%.1f MB)\n", len(entries), float64(total)/(1024*1024))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Health:")
	if !cfg.Health.Enabled {
		fmt.Fprintln(out, "  └─ Status:        disabled")
	} else {
		addr := dialAddr(cfg.Health.Listen)
		status, err := admin.Check(ctx, addr, admin.Service)
		if err != nil {
			fmt.Fprintf(out, "  └─ Status:        unreachable (%v)\n", err)
		} else {
			fmt.Fprintf(out, "  └─ Status:        %s (%s)\n", status, addr)
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status:        enabled on http://%s/metrics\n", dialAddr(cfg.Metrics.Listen))
	} else {
		fmt.Fprintln(out, "  └─ Status:        disabled")
	}
	return nil
}

// dialAddr turns a listen address like ":9090" into one a client can dial.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil || host != "" {
		return listen
	}
	return net.JoinHostPort("127.0.0.1", port)
}

// ============================================================================
// cache
// ============================================================================

func buildCacheCommand() *cobra.Command {
	var verify bool

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "List cached toolchain files",
		Long:  "List cached toolchain files. With --verify, damaged files are checksummed out of the cache first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cache, err := toolcache.Open(cfg.Cache.Dir)
			if err != nil {
				return fmt.Errorf("failed to open cache: %w", err)
			}
			if verify {
				bad, err := cache.Verify()
				if err != nil {
					return err
				}
				for _, e := range bad {
					fmt.Fprintf(cmd.OutOrStdout(), "removed damaged file %s (%016x)\n", e.Name, e.Hash)
				}
				if err := cache.Flush(); err != nil {
					return err
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tHASH\tSIZE\tSTORED")
			for _, e := range cache.Entries() {
				fmt.Fprintf(w, "%s\t%016x\t%d\t%s\n", e.Name, e.Hash, e.Size, e.StoredAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "check every cached file against its checksum")
	return cmd
}

// ============================================================================
// Config
// ============================================================================

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = fmt.Sprintf(":%d", protocol.DefaultPort)
	}
	if cfg.Server.TickInterval <= 0 {
		cfg.Server.TickInterval = server.DefaultTickInterval
	}
	if cfg.Server.HeartbeatInterval <= 0 {
		cfg.Server.HeartbeatInterval = protocol.HeartbeatInterval
	}
	if cfg.Server.OutboxSize <= 0 {
		cfg.Server.OutboxSize = transport.DefaultOutboxSize
	}
	if cfg.Server.FileWindow <= 0 {
		cfg.Server.FileWindow = manifest.DefaultRequestWindow
	}
	if cfg.Worker.WorkerCount <= 0 {
		cfg.Worker.WorkerCount = runtime.NumCPU()
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = defaultCacheDir
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = defaultMetricsListen
	}
	if cfg.Health.Listen == "" {
		cfg.Health.Listen = defaultHealthListen
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

var errNoCommand = errors.New("worker.command must name the compiler wrapper to run")

func validate(cfg *Config) error {
	if len(cfg.Worker.Command) == 0 {
		return errNoCommand
	}
	if cfg.Server.HeartbeatInterval >= protocol.HeartbeatTimeout {
		return fmt.Errorf("server.heartbeat_interval %s must be below the client timeout %s",
			cfg.Server.HeartbeatInterval, protocol.HeartbeatTimeout)
	}
	// file requests share the outbox with job requests, results and heartbeats
	if cfg.Server.FileWindow > cfg.Server.OutboxSize/2 {
		return fmt.Errorf("server.file_request_window %d must be at most half of server.outbox_size %d",
			cfg.Server.FileWindow, cfg.Server.OutboxSize)
	}
	return nil
}
