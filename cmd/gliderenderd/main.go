package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/oyerindedaniel/glide-sub000/internal/api"
	"github.com/oyerindedaniel/glide-sub000/internal/batch"
	"github.com/oyerindedaniel/glide-sub000/internal/config"
	"github.com/oyerindedaniel/glide-sub000/internal/coordinator"
	"github.com/oyerindedaniel/glide-sub000/internal/fileproc"
	"github.com/oyerindedaniel/glide-sub000/internal/ledger"
	"github.com/oyerindedaniel/glide-sub000/internal/log"
	"github.com/oyerindedaniel/glide-sub000/internal/message"
	"github.com/oyerindedaniel/glide-sub000/internal/pool"
	"github.com/oyerindedaniel/glide-sub000/internal/recovery"
	"github.com/oyerindedaniel/glide-sub000/internal/render"
	"github.com/oyerindedaniel/glide-sub000/internal/worker"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "render":
		os.Exit(runRender(args))
	case "version":
		fmt.Printf("gliderenderd version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`gliderenderd - Asynchronous page rendering dispatch service

Usage:
  gliderenderd <command> [flags]

Commands:
  start              Run the render service in foreground
  render <files...>  Render a batch of documents and exit
  version            Show version information
  help               Show this help message

Flags:
  --config PATH      Path to configuration file (defaults apply when omitted)
`)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

// stack holds the wired dispatch subsystem.
type stack struct {
	bus         *recovery.Bus
	coordinator *coordinator.Coordinator
	units       []*worker.Unit
	pool        *pool.Pool
	ledger      *ledger.Ledger
}

func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	bus := recovery.NewBus()
	coord := coordinator.New(bus, coordinator.Options{
		DelayedSweep: cfg.Coordinator.SweepMode == "delayed",
		SweepGrace:   cfg.Coordinator.SweepGrace,
	})

	units := make([]*worker.Unit, 0, cfg.Pool.Size)
	slots := make([]pool.Slot, 0, cfg.Pool.Size)
	for i := 0; i < cfg.Pool.Size; i++ {
		id := fmt.Sprintf("unit-%d", i)
		svc := render.New(render.Options{ScaleCacheCapacity: cfg.Render.ScaleCacheCapacity})
		u := worker.New(id, svc, coord.Responses(), cfg.Pool.InboxSize)
		coord.AttachUnit(id, u.Inbox())
		units = append(units, u)
		slots = append(slots, pool.Slot{UnitID: id, Alive: u.Alive})
	}

	p := pool.New(slots, bus, pool.Options{OrphanTTL: cfg.Pool.OrphanTTL})
	coord.RegisterWorker("pool", p.Strays())

	led, err := ledger.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open batch ledger: %w", err)
	}

	s := &stack{bus: bus, coordinator: coord, units: units, pool: p, ledger: led}
	for _, u := range s.units {
		u.Start()
	}
	s.coordinator.Start()
	s.pool.Start()
	return s, nil
}

// shutdown stops producers before consumers so nothing blocks on a
// closed channel.
func (s *stack) shutdown() {
	for _, u := range s.units {
		u.Stop()
	}
	s.coordinator.Stop()
	s.pool.Close()
	_ = s.ledger.Close()
}

func (s *stack) batchProcessor(cfg *config.Config) *batch.Processor {
	fpOpts := fileproc.Options{
		PageSlots:        cfg.Processing.PageSlots,
		CacheTTL:         cfg.Processing.CacheTTL,
		InitAttempts:     cfg.Processing.InitAttempts,
		InitBackoffBase:  cfg.Processing.InitBackoffBase,
		RoundTripTimeout: cfg.Processing.RoundTripTimeout,
		Render: message.RenderConfig{
			Scale:           1.0,
			DPR:             1.0,
			MaxDimension:    cfg.Render.MaxDimension,
			MinQualityScale: cfg.Render.MinQualityScale,
		},
	}
	factory := func() batch.FileProcessor {
		return fileproc.New(s.pool, s.coordinator, s.bus, fpOpts)
	}
	return batch.New(factory, s.coordinator, s.ledger, batch.Options{
		MaxPageRetries:  cfg.Batch.MaxPageRetries,
		PageBackoffBase: cfg.Batch.PageBackoffBase,
		PageParallelism: cfg.Batch.PageParallelism,
		Heartbeat: batch.HeartbeatOptions{
			Interval:     cfg.Batch.Heartbeat.Interval,
			WarnAfter:    cfg.Batch.Heartbeat.WarnAfter,
			TimeoutAfter: cfg.Batch.Heartbeat.TimeoutAfter,
			Ceiling:      cfg.Batch.Heartbeat.Ceiling,
		},
	})
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("gliderenderd starting", "version", version, "workers", cfg.Pool.Size)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := buildStack(ctx, cfg)
	if err != nil {
		logger.Error("failed to build dispatch stack", "error", err)
		return 1
	}
	defer s.shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		apiServer := api.New(api.Config{Listen: cfg.API.Listen},
			s.coordinator, s.pool, s.ledger, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("gliderenderd running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("gliderenderd stopped")
	return 0
}

func runRender(args []string) int {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: gliderenderd render [--config PATH] <files...>\n")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	files := make([]batch.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", p, err)
			return 1
		}
		files = append(files, batch.File{Name: filepath.Base(p), Data: data})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := buildStack(ctx, cfg)
	if err != nil {
		logger.Error("failed to build dispatch stack", "error", err)
		return 1
	}
	defer s.shutdown()

	var failed atomic.Int64
	cb := batch.Callbacks{
		OnFileStatus: func(name string, status batch.FileStatus, failedPages int, err error) {
			switch status {
			case batch.StatusCompleted:
				if failedPages > 0 {
					fmt.Printf("%s: completed (%d pages failed)\n", name, failedPages)
				} else {
					fmt.Printf("%s: completed\n", name)
				}
			case batch.StatusFailed:
				failed.Add(1)
				if err != nil {
					fmt.Printf("%s: failed: %v\n", name, err)
				} else {
					fmt.Printf("%s: failed\n", name)
				}
			}
		},
	}

	bp := s.batchProcessor(cfg)
	if err := bp.ProcessBatch(ctx, files, cb); err != nil {
		logger.Error("batch interrupted", "error", err)
		return 1
	}
	if failed.Load() > 0 {
		return 1
	}
	return 0
}
