// ============================================================================
// Pipeline Scheduler CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting pipeline runs
//
// Command Structure:
//   pipesched                      # Root command
//   ├── run                        # Execute one pipeline run
//   │   ├── --rank                # Rank of this process (grpc mode)
//   │   └── --microbatches        # Override pipeline.microbatches
//   ├── validate                   # Check a config file
//   ├── status                     # Print run reports
//   ├── --config, -c              # Config file (default: configs/default.yaml)
//   ├── --version
//   └── --help
//
// Configuration Management:
//   YAML config file with sections:
//   - pipeline:  partitions, micro-batches, training mode, affine weights
//   - worker:    worker count, backward priority, job timeout
//   - transport: local (in-process hub) or grpc (one process per rank)
//   - metrics:   Prometheus endpoint
//   - report:    directory for per-rank run reports
//
// run Command:
//   local mode starts one controller per partition in this process, all
//   connected through a transport.Hub.
//   grpc mode starts the controller for --rank only, serves the
//   StageTransport service on peers[rank] and dials the other ranks.
//
//   Examples:
//     ./pipesched run
//     ./pipesched run -c configs/grpc.yaml --rank 1
//
// status Command:
//   Reads rank-<n>.json files from report.dir and prints them.
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/pipeline-scheduler/internal/compute"
	"github.com/ChuLiYu/pipeline-scheduler/internal/controller"
	"github.com/ChuLiYu/pipeline-scheduler/internal/metrics"
	"github.com/ChuLiYu/pipeline-scheduler/internal/pipeline"
	"github.com/ChuLiYu/pipeline-scheduler/internal/report"
	"github.com/ChuLiYu/pipeline-scheduler/internal/transport"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"
)

const (
	ModeLocal = "local"
	ModeGRPC  = "grpc"
)

// Config mirrors the YAML config file
type Config struct {
	Pipeline struct {
		Partitions   int     `yaml:"partitions"`
		Microbatches int     `yaml:"microbatches"`
		Training     bool    `yaml:"training"`
		Weight       float64 `yaml:"weight"`
		Bias         float64 `yaml:"bias"`
	} `yaml:"pipeline"`

	Worker struct {
		WorkerCount        int           `yaml:"worker_count"`
		PrioritizeBackward bool          `yaml:"prioritize_backward"`
		JobTimeout         time.Duration `yaml:"job_timeout"`
	} `yaml:"worker"`

	Transport struct {
		Mode     string   `yaml:"mode"`
		Rank     int      `yaml:"rank"`
		Peers    []string `yaml:"peers"` // address of rank i at index i
		Capacity int      `yaml:"capacity"`
	} `yaml:"transport"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Report struct {
		Dir string `yaml:"dir"`
	} `yaml:"report"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pipesched",
		Short: "Pipesched: a pipeline-parallel job scheduler",
		Long: `Pipesched runs micro-batches through a partitioned model with:
- forward and backward jobs on a priority queue
- activation caching between the two passes
- in-process or gRPC transport between stages
- Prometheus metrics and JSON run reports`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildValidateCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var rank int
	var microbatches int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a pipeline run",
		Long:  "Run every micro-batch through the pipeline, locally or as one gRPC rank",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("rank") {
				cfg.Transport.Rank = rank
			}
			if cmd.Flags().Changed("microbatches") {
				cfg.Pipeline.Microbatches = microbatches
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			return runSystem(cfg)
		},
	}

	cmd.Flags().IntVar(&rank, "rank", 0, "Rank of this process (grpc mode)")
	cmd.Flags().IntVar(&microbatches, "microbatches", 0, "Override pipeline.microbatches")

	return cmd
}

func runSystem(cfg *Config) error {
	log.Printf("Starting pipesched in %s mode\n", cfg.Transport.Mode)
	log.Printf("Partitions: %d, Micro-batches: %d, Training: %v, Workers: %d\n",
		cfg.Pipeline.Partitions, cfg.Pipeline.Microbatches, cfg.Pipeline.Training, cfg.Worker.WorkerCount)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(nil)
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port, collector.Handler()); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			log.Println("\nReceived shutdown signal, stopping run...")
			cancel()
		case <-ctx.Done():
		}
	}()

	var ctrls []*controller.Controller
	var err error
	if cfg.Transport.Mode == ModeGRPC {
		ctrls, err = runGRPC(ctx, cfg, collector)
	} else {
		ctrls, err = runLocal(ctx, cfg, collector)
	}

	for _, ctrl := range ctrls {
		printRunStatus(ctrl.GetStatus())
	}
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	log.Println("Run completed")
	return nil
}

// runLocal runs every rank in this process. Controllers are started from the
// last partition to the first so every consumer is listening before its
// producer sends.
func runLocal(ctx context.Context, cfg *Config, collector *metrics.Collector) ([]*controller.Controller, error) {
	n := cfg.Pipeline.Partitions
	hub := transport.NewHub(cfg.Transport.Capacity)
	defer hub.Close()

	stage := compute.NewAffine(n, cfg.Pipeline.Weight, cfg.Pipeline.Bias)
	ctrls := make([]*controller.Controller, n)
	for rank := 0; rank < n; rank++ {
		ctrl, err := newController(cfg, rank, hub.Endpoint(rank), stage, collector)
		if err != nil {
			return nil, err
		}
		ctrls[rank] = ctrl
	}

	for rank := n - 1; rank >= 0; rank-- {
		if err := ctrls[rank].Start(); err != nil {
			stopAll(ctrls)
			return ctrls, fmt.Errorf("failed to start rank %d: %w", rank, err)
		}
	}
	return ctrls, waitAll(ctx, ctrls)
}

// runGRPC runs the rank named by transport.rank and exchanges packages with
// the other ranks over gRPC
func runGRPC(ctx context.Context, cfg *Config, collector *metrics.Collector) ([]*controller.Controller, error) {
	rank := cfg.Transport.Rank
	peers := make(map[int]string, len(cfg.Transport.Peers))
	for r, addr := range cfg.Transport.Peers {
		peers[r] = addr
	}

	tr := transport.NewGRPC(rank, peers, cfg.Transport.Capacity,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.WaitForReady(true)))
	defer tr.Close()

	lis, err := net.Listen("tcp", peers[rank])
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", peers[rank], err)
	}
	grpcServer := grpc.NewServer()
	tr.Register(grpcServer)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Printf("gRPC server error: %v\n", err)
		}
	}()
	defer grpcServer.GracefulStop()
	log.Printf("gRPC transport for rank %d listening on %s\n", rank, peers[rank])

	stage := compute.NewAffine(cfg.Pipeline.Partitions, cfg.Pipeline.Weight, cfg.Pipeline.Bias)
	ctrl, err := newController(cfg, rank, tr, stage, collector)
	if err != nil {
		return nil, err
	}
	ctrls := []*controller.Controller{ctrl}
	if err := ctrl.Start(); err != nil {
		return ctrls, fmt.Errorf("failed to start rank %d: %w", rank, err)
	}
	return ctrls, waitAll(ctx, ctrls)
}

func newController(cfg *Config, rank int, tr transport.Transport, stage compute.Stage, collector *metrics.Collector) (*controller.Controller, error) {
	ctrlConfig := controller.Config{
		Microbatches:       cfg.Pipeline.Microbatches,
		Training:           cfg.Pipeline.Training,
		WorkerCount:        cfg.Worker.WorkerCount,
		PrioritizeBackward: cfg.Worker.PrioritizeBackward,
		JobTimeout:         cfg.Worker.JobTimeout,
	}
	if cfg.Report.Dir != "" {
		ctrlConfig.ReportPath = reportPath(cfg.Report.Dir, rank)
	}

	ctrl, err := controller.NewController(ctrlConfig, controller.Deps{
		Topology:  pipeline.NewLinearTopology(rank, cfg.Pipeline.Partitions),
		Transport: tr,
		Stage:     stage,
		Metrics:   collector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create controller for rank %d: %w", rank, err)
	}
	return ctrl, nil
}

// waitAll waits for every controller. Cancelling ctx or an aborted run on
// any rank stops all of them.
func waitAll(ctx context.Context, ctrls []*controller.Controller) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make([]error, len(ctrls))
	var wg sync.WaitGroup
	for i, ctrl := range ctrls {
		wg.Add(1)
		go func(i int, ctrl *controller.Controller) {
			defer wg.Done()
			err := ctrl.Wait(ctx)
			if errors.Is(err, context.Canceled) {
				ctrl.Stop()
				err = ctrl.Wait(context.Background())
			}
			if err != nil {
				cancel()
			}
			errs[i] = err
		}(i, ctrl)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func stopAll(ctrls []*controller.Controller) {
	for _, ctrl := range ctrls {
		if ctrl != nil {
			ctrl.Stop()
		}
	}
}

func reportPath(dir string, rank int) string {
	return filepath.Join(dir, fmt.Sprintf("rank-%d.json", rank))
}

func printRunStatus(status map[string]interface{}) {
	fmt.Println()
	fmt.Printf("Rank %v  %v\n", status["rank"], status["state"])
	fmt.Printf("  ├─ Run ID:      %v\n", status["run_id"])
	fmt.Printf("  ├─ Partitions:  %v\n", status["partitions"])
	fmt.Printf("  ├─ Forward:     %v done, %v failed\n", status["done_forward"], status["failed_forward"])
	fmt.Printf("  ├─ Backward:    %v done, %v failed\n", status["done_backward"], status["failed_backward"])
	if d, ok := status["duration"]; ok {
		fmt.Printf("  ├─ Duration:    %v\n", d)
	}
	if e, ok := status["error"]; ok {
		fmt.Printf("  ├─ Error:       %v\n", e)
	}
	fmt.Printf("  └─ Activations: %v output, %v input\n", status["activations_output"], status["activations_input"])
}

// ============================================================================
// validate
// ============================================================================

func buildValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d partitions, %d micro-batches, %s transport)\n",
				configFile, cfg.Pipeline.Partitions, cfg.Pipeline.Microbatches, cfg.Transport.Mode)
			return nil
		},
	}
	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of the last run",
		Long:  "Display the per-rank run reports written to report.dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║           Pipesched Run Status                            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Println("📋 Configuration:")
	fmt.Printf("  ├─ Config File:     %s\n", configFile)
	fmt.Printf("  ├─ Partitions:      %d\n", cfg.Pipeline.Partitions)
	fmt.Printf("  ├─ Micro-batches:   %d\n", cfg.Pipeline.Microbatches)
	fmt.Printf("  ├─ Training:        %v\n", cfg.Pipeline.Training)
	fmt.Printf("  ├─ Worker Count:    %d\n", cfg.Worker.WorkerCount)
	fmt.Printf("  └─ Transport:       %s\n", cfg.Transport.Mode)
	fmt.Println()

	fmt.Println("📊 Runs:")
	summaries, err := loadReports(cfg.Report.Dir, cfg.Pipeline.Partitions)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("  └─ No run reports found (run 'pipesched run' first)")
	}
	for _, s := range summaries {
		state := "✅ completed"
		if !s.Completed {
			state = "❌ aborted"
		}
		fmt.Printf("  ├─ Rank %d: %s in %dms (run %s)\n", s.Rank, state, s.DurationMS, s.RunID)
		fmt.Printf("  │  └─ Jobs: %d forward, %d backward done\n", s.Jobs["done_forward"], s.Jobs["done_backward"])
		if s.Failure != nil {
			fmt.Printf("  │  └─ Fault: %s on %s: %s\n", s.Failure.Kind, s.Failure.Job, s.Failure.Message)
		}
	}
	fmt.Println()

	fmt.Println("📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Printf("  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  └─ Status: ⚠️  Disabled")
	}
	fmt.Println()

	fmt.Println("═══════════════════════════════════════════════════════════")
	return nil
}

// loadReports reads the report of every rank that has one
func loadReports(dir string, partitions int) ([]report.Summary, error) {
	if dir == "" {
		return nil, nil
	}
	var summaries []report.Summary
	for rank := 0; rank < partitions; rank++ {
		s, err := report.NewWriter(reportPath(dir, rank)).Load()
		if errors.Is(err, report.ErrReportNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("rank %d: %w", rank, err)
		}
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Rank < summaries[j].Rank })
	return summaries, nil
}

// ============================================================================
// Config
// ============================================================================

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// keys absent from the file keep their defaults, explicit zeros stay zero
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Pipeline.Weight = 1
	cfg.Worker.WorkerCount = 1
	cfg.Transport.Mode = ModeLocal
	cfg.Transport.Capacity = 64
	cfg.Metrics.Port = 9090
	return cfg
}

func (c *Config) validate() error {
	switch {
	case c.Pipeline.Partitions < 1:
		return fmt.Errorf("pipeline.partitions must be at least 1, got %d", c.Pipeline.Partitions)
	case c.Pipeline.Microbatches < 1:
		return fmt.Errorf("pipeline.microbatches must be at least 1, got %d", c.Pipeline.Microbatches)
	case c.Worker.WorkerCount < 1:
		return fmt.Errorf("worker.worker_count must be at least 1, got %d", c.Worker.WorkerCount)
	case c.Worker.JobTimeout < 0:
		return fmt.Errorf("worker.job_timeout must not be negative")
	case c.Transport.Capacity < 1:
		return fmt.Errorf("transport.capacity must be at least 1, got %d", c.Transport.Capacity)
	}

	switch c.Transport.Mode {
	case ModeLocal:
	case ModeGRPC:
		if len(c.Transport.Peers) != c.Pipeline.Partitions {
			return fmt.Errorf("transport.peers needs one address per partition: got %d, want %d",
				len(c.Transport.Peers), c.Pipeline.Partitions)
		}
		if c.Transport.Rank < 0 || c.Transport.Rank >= c.Pipeline.Partitions {
			return fmt.Errorf("transport.rank %d out of range [0, %d)", c.Transport.Rank, c.Pipeline.Partitions)
		}
	default:
		return fmt.Errorf("unknown transport.mode %q", c.Transport.Mode)
	}
	return nil
}
