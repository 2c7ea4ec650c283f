package main

import (
	"context"
	"fmt"
	"os"

	"github.com/strongdm/conduit/internal/conduit"
	"github.com/strongdm/conduit/internal/config"
	"github.com/strongdm/conduit/internal/grounding"
	"github.com/strongdm/conduit/internal/server"
	"github.com/strongdm/conduit/internal/signals"
	"github.com/strongdm/conduit/internal/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "serve":
		serveCmd(os.Args[2:])
	case "replay":
		replayCmd(os.Args[2:])
	case "search":
		searchCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  conduit run --url <target> [--config <run.yaml>] [--mode heuristic|ai|hybrid] [--debug]")
	fmt.Fprintln(os.Stderr, "  conduit serve [--addr <host:port>] [--config <run.yaml>]")
	fmt.Fprintln(os.Stderr, "  conduit replay --ledger <signals.jsonl>")
	fmt.Fprintln(os.Stderr, "  conduit search --query <text> [--data-dir <dir>]")
}

// loadConfig builds the run configuration from an optional YAML file plus
// CLI overrides.
func loadConfig(configPath, targetURL, mode string, debug bool) (*config.Config, error) {
	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		if targetURL != "" {
			cfg.TargetURL = targetURL
		}
	} else {
		cfg = config.Default(targetURL)
	}
	if mode != "" {
		cfg.ExtractionMode = config.ExtractionMode(mode)
	}
	if debug {
		cfg.Pipeline.DebugMode = true
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCmd(args []string) {
	var targetURL string
	var configPath string
	var mode string
	var debug bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--url":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--url requires a value")
				os.Exit(1)
			}
			targetURL = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--mode":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--mode requires a value")
				os.Exit(1)
			}
			mode = args[i]
		case "--debug":
			debug = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if targetURL == "" && configPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := loadConfig(configPath, targetURL, mode, debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if verdict := config.ValidateTargetURL(cfg.TargetURL, cfg.URLPolicy); !verdict.Allowed {
		fmt.Fprintf(os.Stderr, "target URL rejected: %s\n", verdict.Reason)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	eng, err := conduit.New(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// No deadline beyond the run's own global timeout.
	res, err := eng.Run(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("run_id=%s\n", res.RunID)
	fmt.Printf("status=%s\n", res.Status)
	fmt.Printf("phase=%s\n", res.Phase)
	fmt.Printf("records=%d\n", res.RecordsCount)
	fmt.Printf("signals=%d\n", res.SignalsCount)
	fmt.Printf("ai_calls=%d\n", res.AICalls)
	fmt.Printf("duration_s=%.2f\n", res.DurationS)
	fmt.Printf("run_dir=%s\n", eng.Pipeline().RunDir())

	if res.Status == "complete" {
		os.Exit(0)
	}
	os.Exit(1)
}

func serveCmd(args []string) {
	addr := "127.0.0.1:8080"
	var configPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			addr = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	var base *config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		base = loaded
	}

	logLevel := "info"
	if base != nil {
		logLevel = base.LogLevel
	}
	logger, err := telemetry.NewLogger(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	srv := server.New(server.Config{
		Addr:   addr,
		Base:   base,
		Logger: logger,
	})
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// replayCmd prints a persisted signal ledger, verifying it is gapless.
func replayCmd(args []string) {
	var ledgerPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--ledger":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--ledger requires a value")
				os.Exit(1)
			}
			ledgerPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if ledgerPath == "" {
		usage()
		os.Exit(1)
	}

	sigs, err := signals.LoadLedger(ledgerPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, sig := range sigs {
		fmt.Printf("%4d  %-22s  %s", sig.Sequence(), sig.Type(), sig.Timestamp().Format("2006-01-02T15:04:05.000Z07:00"))
		switch sig.Type() {
		case signals.PhaseTransition:
			from, _ := sig.PayloadField("from_phase")
			to, _ := sig.PayloadField("to_phase")
			fmt.Printf("  %v -> %v", from, to)
		case signals.RunFailed:
			reason, _ := sig.PayloadField("failure_reason")
			fmt.Printf("  %v", reason)
		case signals.RetryAttempt:
			reason, _ := sig.PayloadField("reason")
			fmt.Printf("  %v", reason)
		}
		fmt.Println()
	}
	fmt.Printf("total=%d\n", len(sigs))
}

func searchCmd(args []string) {
	var query string
	dataDir := config.Default("").Pipeline.DataDir

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--query":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--query requires a value")
				os.Exit(1)
			}
			query = args[i]
		case "--data-dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--data-dir requires a value")
				os.Exit(1)
			}
			dataDir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if query == "" {
		usage()
		os.Exit(1)
	}

	for _, res := range grounding.Search(query, dataDir) {
		fmt.Printf("%s\n  %s\n", res.URI, res.Snippet)
	}
}
