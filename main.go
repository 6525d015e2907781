// PrintFarm - control plane for a multi-tenant 3D print farm.
// Supervises printer sessions, plans job batches, dispatches prints and
// accounts for filament.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"printfarm/adapter"
	"printfarm/bus"
	"printfarm/logger"
	"printfarm/scheduler"
	"printfarm/storage"
)

// Version information (set at build time via -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var appLogger *logger.Logger

func main() {
	configPath := flag.String("config", defaultConfigPath(), "Path to config.toml")
	dbURL := flag.String("db", "", "Database URL or path (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (error, warn, info, debug, trace)")
	apiType := flag.String("api-type", "msgbus", "Printer protocol for 'printer test' (msgbus, httppoll, filesession)")
	flag.Parse()

	cfg, tracker, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *dbURL != "" {
		cfg.Database.URL = *dbURL
		cfg.applyDerivedDefaults()
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	appLogger = logger.New(logger.ParseLevel(cfg.Logging.Level), cfg.Logging.Dir, 1000)
	defer appLogger.Close()

	args := flag.Args()
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "", "serve":
		appLogger.Info("PrintFarm starting", "version", Version,
			"go", runtime.Version(), "os", runtime.GOOS, "arch", runtime.GOARCH)
		for key := range tracker.EnvKeys {
			appLogger.Debug("config key locked by environment", "key", key)
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := runServe(ctx, cfg, appLogger); err != nil {
			appLogger.Error("server exited", "error", err)
			os.Exit(1)
		}

	case "run":
		// Launched by the OS service manager.
		runService(cfg)

	case "install", "uninstall", "start", "stop", "restart":
		controlService(cmd)

	case "scheduler":
		requireSub(args, "run")
		os.Exit(cmdSchedulerRun(cfg))

	case "printer":
		if len(args) < 4 || args[1] != "test" {
			fmt.Fprintln(os.Stderr, "usage: printfarm printer test <host> <credentials>")
			os.Exit(2)
		}
		os.Exit(cmdPrinterTest(storage.PrinterAPIType(*apiType), args[2], args[3]))

	case "backup":
		if len(args) < 3 || args[1] != "create" {
			fmt.Fprintln(os.Stderr, "usage: printfarm backup create <path>")
			os.Exit(2)
		}
		os.Exit(cmdBackupCreate(cfg, args[2]))

	case "config":
		requireSub(args, "init")
		if err := WriteDefaultConfig(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("Wrote default configuration to %s\n", *configPath)

	case "version":
		fmt.Printf("printfarm %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
}

func requireSub(args []string, want string) {
	if len(args) < 2 || args[1] != want {
		fmt.Fprintf(os.Stderr, "usage: printfarm %s %s\n", args[0], want)
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `commands:
  serve                              run the control plane (default)
  scheduler run                      one-shot planning batch
  printer test <host> <credentials>  probe a printer (see -api-type)
  backup create <path>               snapshot the store to a file
  config init                        write a default config file
  install|uninstall|start|stop       manage the OS service
  version                            print build information`)
}

// cmdSchedulerRun executes one planning batch and reports the outcome.
func cmdSchedulerRun(cfg *Config) int {
	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	events := bus.New(appLogger)
	defer events.Shutdown(context.Background())

	sched := scheduler.New(store, events, appLogger, scheduler.Config{
		BlackoutStart: cfg.Scheduler.BlackoutStart,
		BlackoutEnd:   cfg.Scheduler.BlackoutEnd,
		HorizonDays:   cfg.Scheduler.HorizonDays,
		SetupMinutes:  cfg.Scheduler.SetupMinutes,
	})
	run, err := sched.Run(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("scheduled %d of %d candidates (%d skipped, %d setup blocks)\n",
		run.ScheduledCount, run.CandidateCount, run.SkippedCount, run.SetupBlocks)
	return 0
}

// cmdPrinterTest probes one printer and exits 0 when it answers.
func cmdPrinterTest(apiType storage.PrinterAPIType, host, credentials string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := adapter.TestConnection(ctx, apiType, host, credentials, appLogger); err != nil {
		fmt.Fprintf(os.Stderr, "connection failed: %v\n", err)
		return 1
	}
	fmt.Printf("printer at %s is reachable\n", host)
	return 0
}

// cmdBackupCreate snapshots the store into a single file.
func cmdBackupCreate(cfg *Config, path string) int {
	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := store.BackupTo(ctx, path); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if info, err := os.Stat(path); err == nil {
		fmt.Printf("backup written to %s (%d bytes)\n", path, info.Size())
	} else {
		fmt.Printf("backup written to %s\n", path)
	}
	return 0
}

// defaultConfigPath returns the platform-specific config location.
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "PrintFarm", "config.toml")
	case "darwin":
		return "/Library/Application Support/PrintFarm/config.toml"
	default:
		return "/etc/printfarm/config.toml"
	}
}

// controlService sends one verb to the OS service manager.
func controlService(verb string) {
	svc, err := newService(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if verb == "install" {
		if err := setupServiceDirectories(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if err := service.Control(svc, verb); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("service %s: ok\n", verb)
}

// runService hands control to the service manager's lifecycle.
func runService(cfg *Config) {
	svc, err := newService(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		appLogger.Error("service run failed", "error", err)
		os.Exit(1)
	}
}
