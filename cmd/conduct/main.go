package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/conduct"
	"github.com/mattjoyce/conduct/internal/api"
	"github.com/mattjoyce/conduct/internal/config"
	"github.com/mattjoyce/conduct/internal/events"
	"github.com/mattjoyce/conduct/internal/hookexec"
	"github.com/mattjoyce/conduct/internal/journal"
	"github.com/mattjoyce/conduct/internal/log"
	"github.com/mattjoyce/conduct/internal/registry"
	"github.com/mattjoyce/conduct/internal/tui/watch"
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
	case "run":
		os.Exit(runRun(args))
	case "check":
		os.Exit(runCheck(args))
	case "lock":
		os.Exit(runLock(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("conduct version %s\n", version)
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
	fmt.Print(`conduct - action pipeline runtime

Usage:
  conduct <command> [flags]

Commands:
  run       Run a configured pipeline over a seed list
  check     Validate configuration syntax and integrity hashes
  lock      Authorize current configuration (update integrity hashes)
  watch     Live TUI over a running instance's event stream
  version   Show version information
  help      Show this help message

Run flags:
  --config <path>     Configuration file or directory (default config.yaml)
  --pipeline <name>   Pipeline to run (required)
  --seeds <path>      JSON array of seed contexts ("-" for stdin)
  --serve             Serve the status API for the duration of the run

Watch flags:
  --api <url>         Status API base URL (default http://127.0.0.1:8787)
  --key <token>       Bearer token for the API
`)
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "configuration file or directory")
	pipelineName := fs.String("pipeline", "", "pipeline to run")
	seedsPath := fs.String("seeds", "", "JSON array of seed contexts, - for stdin")
	serve := fs.Bool("serve", false, "serve the status API during the run")
	_ = fs.Parse(args)

	if *pipelineName == "" {
		fmt.Fprintln(os.Stderr, "run: --pipeline is required")
		return 1
	}

	cfg, err := loadVerifiedConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)
	logger := log.WithPipeline(*pipelineName)

	pc, ok := cfg.Pipelines[*pipelineName]
	if !ok {
		fmt.Fprintf(os.Stderr, "run: pipeline %q is not configured\n", *pipelineName)
		return 1
	}

	seeds, err := loadSeeds(*seedsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub(256)

	var store *journal.Store
	if cfg.Journal.Enabled {
		store, err = journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "run: open journal: %v\n", err)
			return 1
		}
		defer store.Close()
	}

	if *serve && cfg.API.Enabled {
		var runSource api.RunSource
		if store != nil {
			runSource = store
		}
		srv := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey}, runSource, hub)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	reg := registry.New()
	registerBuiltins(reg)

	builder, err := reg.Compile(pc, registry.CompileOptions{
		Loader:      &hookexec.Loader{Timeout: cfg.Service.HookTimeout},
		ExecTimeout: hookexec.DefaultTimeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: compile pipeline %q: %v\n", *pipelineName, err)
		return 1
	}
	pipeline, err := builder.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: build pipeline %q: %v\n", *pipelineName, err)
		return 1
	}

	runner := conduct.NewRunner(
		conduct.WithPoolSize(cfg.Service.PoolSize),
		conduct.WithHookTimeout(cfg.Service.HookTimeout),
		conduct.WithEventSink(hub),
	)
	piper := conduct.NewPiper(runner)

	logger.Info("piping seeds", "pipeline", *pipelineName, "seeds", len(seeds))
	settled, pipeErr := piper.Pipe(ctx, pipeline, seeds, pc.MaxConcurrent)

	if store != nil && settled != nil {
		outcomes := make([]journal.Outcome, len(settled))
		for i, s := range settled {
			outcomes[i].Fulfilled = s.Fulfilled()
			if s.Err != nil {
				outcomes[i].Detail = s.Err.Error()
			}
		}
		if _, err := journal.Record(ctx, store, *pipelineName, pipeline.Fingerprint(), outcomes); err != nil {
			logger.Error("journal record failed", "error", err)
		}
	}

	if pipeErr != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", pipeErr)
		return 1
	}

	return printSettlements(settled)
}

// registerBuiltins installs the callables config may reference without an
// embedding host: trivial preds and a pass-through op. Real deployments
// embed the library and register their own.
func registerBuiltins(reg *registry.Registry) {
	reg.RegisterOp("noop", func(ctx context.Context, action, value any) (any, error) {
		return nil, nil
	})
	reg.RegisterPred("always", func(ctx context.Context, action, value any) (bool, error) {
		return true, nil
	})
	reg.RegisterPred("never", func(ctx context.Context, action, value any) (bool, error) {
		return false, nil
	})
}

func printSettlements(settled []conduct.Settlement) int {
	type record struct {
		Index  int    `json:"index"`
		Status string `json:"status"`
		Value  any    `json:"value,omitempty"`
		Reason string `json:"reason,omitempty"`
	}

	failures := 0
	out := make([]record, len(settled))
	for i, s := range settled {
		out[i] = record{Index: i, Status: "fulfilled", Value: s.Value}
		if s.Rejected() {
			failures++
			out[i] = record{Index: i, Status: "rejected", Reason: s.Err.Error()}
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "run: encode results: %v\n", err)
		return 1
	}
	if failures > 0 {
		return 2
	}
	return 0
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "configuration file or directory")
	_ = fs.Parse(args)

	if _, err := loadVerifiedConfig(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "check: %v\n", err)
		return 1
	}
	fmt.Println("configuration OK")
	return 0
}

func runLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "configuration file or directory")
	_ = fs.Parse(args)

	abs, err := filepath.Abs(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lock: %v\n", err)
		return 1
	}
	dir, file := filepath.Dir(abs), filepath.Base(abs)
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		dir, file = abs, "config.yaml"
	}

	if err := config.Lock(dir, []string{file}); err != nil {
		fmt.Fprintf(os.Stderr, "lock: %v\n", err)
		return 1
	}
	fmt.Printf("wrote %s\n", filepath.Join(dir, config.ChecksumFile))
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8787", "status API base URL")
	apiKey := fs.String("key", "", "bearer token for the API")
	_ = fs.Parse(args)

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

// loadVerifiedConfig loads the config and enforces the checksum manifest
// next to it, when present.
func loadVerifiedConfig(path string) (*config.Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		dir = abs
	}
	if err := config.Verify(dir); err != nil {
		return nil, fmt.Errorf("integrity check failed: %w", err)
	}
	return config.Load(path)
}

func loadSeeds(path string) ([]any, error) {
	if path == "" {
		return []any{nil}, nil
	}

	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read seeds: %w", err)
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse seeds: %w", err)
	}
	return conduct.Seeds(parsed), nil
}
