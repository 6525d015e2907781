package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface around runServe.
type program struct {
	cfg       *Config
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	svcLogger service.Logger
}

func newService(cfg *Config) (service.Service, error) {
	return service.New(&program{cfg: cfg}, serviceConfig())
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("PrintFarm service starting")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})
	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)
	if err := runServe(p.ctx, p.cfg, appLogger); err != nil && p.svcLogger != nil {
		p.svcLogger.Error(fmt.Sprintf("PrintFarm service failed: %v", err))
	}
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("PrintFarm service stopped")
		}
	case <-time.After(30 * time.Second):
		if p.svcLogger != nil {
			p.svcLogger.Warning("PrintFarm service stop timed out")
		}
	}
	return nil
}

// serviceConfig returns the platform service definition.
func serviceConfig() *service.Config {
	var workingDir string
	switch runtime.GOOS {
	case "windows":
		workingDir = filepath.Join(os.Getenv("ProgramData"), "PrintFarm")
	case "darwin":
		workingDir = "/Library/Application Support/PrintFarm"
	default:
		workingDir = "/var/lib/printfarm"
	}

	return &service.Config{
		Name:             "PrintFarm",
		DisplayName:      "PrintFarm Control Plane",
		Description:      "Supervises 3D printers, plans and dispatches print jobs, and tracks filament inventory.",
		WorkingDirectory: workingDir,
		Arguments:        []string{"run"},
		Option: service.KeyValue{
			// Windows service options
			"StartType":              "automatic",
			"DelayedAutoStart":       true,
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   30,

			// Linux systemd options
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",
			"SendSIGKILL":       true,

			// macOS launchd options
			"RunAtLoad":     true,
			"KeepAlive":     true,
			"SessionCreate": false,
		},
	}
}

// setupServiceDirectories creates the data, log and config directories
// the service expects, and seeds a default config file.
func setupServiceDirectories() error {
	var dirs []string
	var configPath string

	switch runtime.GOOS {
	case "windows":
		baseDir := filepath.Join(os.Getenv("ProgramData"), "PrintFarm")
		dirs = []string{baseDir, filepath.Join(baseDir, "logs"), filepath.Join(baseDir, "intake")}
		configPath = filepath.Join(baseDir, "config.toml")
	case "darwin":
		baseDir := "/Library/Application Support/PrintFarm"
		dirs = []string{baseDir, filepath.Join(baseDir, "logs"), filepath.Join(baseDir, "intake")}
		configPath = filepath.Join(baseDir, "config.toml")
	default:
		dirs = []string{
			"/var/lib/printfarm",
			"/var/lib/printfarm/intake",
			"/var/log/printfarm",
			"/etc/printfarm",
		}
		configPath = "/etc/printfarm/config.toml"
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to write default config at %s: %w", configPath, err)
		}
		fmt.Printf("Generated default configuration at: %s\n", configPath)
	}
	return nil
}
