package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/NodePath81/netgrade/internal/app"
	"github.com/NodePath81/netgrade/internal/config"
	"github.com/NodePath81/netgrade/internal/runner"
	"github.com/NodePath81/netgrade/internal/util"
	"github.com/NodePath81/netgrade/internal/version"
)

const defaultConfigPath = "config.yaml"

func main() {
	if err := loadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runCmd := flag.NewFlagSet("run", flag.ExitOnError)
			configPath := runCmd.String("config", "", "Path to config file")
			_ = runCmd.Parse(os.Args[2:])
			runDaemon(resolveConfigPath(*configPath, runCmd.Args()))
			return
		case "test":
			testCmd := flag.NewFlagSet("test", flag.ExitOnError)
			configPath := testCmd.String("config", "", "Path to config file")
			mode := testCmd.String("mode", "", "Override test mode (quick or full)")
			quiet := testCmd.Bool("quiet", false, "Do not print progress")
			_ = testCmd.Parse(os.Args[2:])
			os.Exit(runTest(resolveConfigPath(*configPath, testCmd.Args()), *mode, *quiet))
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", "", "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			checkConfig(resolveConfigPath(*configPath, checkCmd.Args()))
			return
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}

	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()
	runDaemon(resolveConfigPath(*configPath, flag.Args()))
}

// resolveConfigPath prefers the flag, then a positional argument, then
// NETGRADE_CONFIG, then config.yaml.
func resolveConfigPath(flagValue string, args []string) string {
	if flagValue != "" {
		return flagValue
	}
	if len(args) > 0 {
		return args[0]
	}
	if env := strings.TrimSpace(os.Getenv(config.EnvConfigPath)); env != "" {
		return env
	}
	return defaultConfigPath
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func runDaemon(configPath string) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		util.NewLogger().Error("startup failed", "error", err)
		os.Exit(1)
	}
	logger := util.NewLoggerWith(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	supervisor := app.NewSupervisor(configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("reload requested")
			if err := supervisor.Restart(); err != nil && !supervisor.Active() {
				logger.Error("reload failed", "error", err)
				os.Exit(1)
			}
			continue
		}
		break
	}
	logger.Info("shutdown requested")
	supervisor.Stop()
}

// runTest performs a single run and prints the report as JSON on stdout.
// Progress and logs go to stderr.
func runTest(configPath, mode string, quiet bool) int {
	cfg, err := loadTestConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return 2
	}
	if mode != "" {
		mode = strings.ToLower(mode)
		if mode != config.ModeQuick && mode != config.ModeFull {
			fmt.Fprintf(os.Stderr, "invalid mode %q\n", mode)
			return 2
		}
		cfg.Mode = mode
	}

	logger := util.NewLoggerWith(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if quiet {
		logger = util.NewLoggerWith(os.Stderr, "error", cfg.Log.Format)
	}
	var observer runner.Observer
	if !quiet {
		observer = progressPrinter(os.Stderr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	report, err := app.RunOnce(ctx, cfg, runner.NewDeps(cfg, logger), observer, logger)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(report); encErr != nil {
		fmt.Fprintf(os.Stderr, "encode report: %v\n", encErr)
		return 1
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, runner.ErrCancelled):
		return 130
	default:
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
}

// loadTestConfig falls back to built-in defaults when the default config
// file is absent, so `netgrade test` works without any setup.
func loadTestConfig(path string) (config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	return config.LoadConfig(path)
}

func progressPrinter(w io.Writer) runner.Observer {
	return runner.ObserverFuncs{
		Progress: func(stage runner.Stage, message string, percent float64) {
			fmt.Fprintf(w, "[%3.0f%%] %-11s %s\n", percent, stage, message)
		},
		Error: func(reason string, _ runner.CompositeReport) {
			fmt.Fprintf(w, "error: %s\n", reason)
		},
	}
}

func checkConfig(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	providers := len(cfg.Providers.DNS) + len(cfg.Providers.HTTP) + len(cfg.Providers.HTTPS) + len(cfg.Providers.CDN)
	fmt.Printf("config valid: mode %s, %d throughput sources, %d latency endpoints, %d providers\n",
		cfg.Mode, len(cfg.Throughput.Sources), len(cfg.Latency.Endpoints), providers)
	os.Exit(0)
}

func printHelp() {
	fmt.Print(`netgrade - network quality measurement and grading

Usage:
  netgrade run --config <path>     Start the daemon (control plane and scheduled runs)
  netgrade test [--config <path>] [--mode quick|full] [--quiet]
                                   Run one test and print the report as JSON
  netgrade check --config <path>   Validate config file
  netgrade help                    Show this help
  netgrade version                 Print version

The config path may also be given as a positional argument or via
NETGRADE_CONFIG. A .env file in the working directory is loaded first.
`)
}
