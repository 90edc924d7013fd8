package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	svc "github.com/kardianos/service"
)

// Manager handles service management operations.
type Manager struct {
	service svc.Service
}

// NewManager registers prg with the platform service manager. configPath is
// passed to the installed service so it loads the same settings.
func NewManager(prg *Program, configPath string) (*Manager, error) {
	exePath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}
	s, err := svc.New(prg, NewServiceConfig(exePath, buildServiceArgs(configPath)))
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return &Manager{service: s}, nil
}

// buildServiceArgs builds the command line the service manager runs.
func buildServiceArgs(configPath string) []string {
	args := []string{"service", "run"}
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			configPath = abs
		}
		args = append(args, "--config", configPath)
	}
	return args
}

// Run blocks under the service manager, or in the foreground when
// interactive, until stopped.
func (m *Manager) Run() error {
	return m.service.Run()
}

// Control executes install, uninstall, start, stop, restart or status and
// reports the outcome to out.
func (m *Manager) Control(cmd string, out io.Writer) error {
	switch cmd {
	case "install":
		if err := m.service.Install(); err != nil {
			return fmt.Errorf("failed to install service: %w", err)
		}
		fmt.Fprintf(out, "Service %s installed\n", ServiceName)
		fmt.Fprintln(out, "To start the service, run: scrapeflow service start")
	case "uninstall":
		_ = m.service.Stop()
		if err := m.service.Uninstall(); err != nil {
			return fmt.Errorf("failed to uninstall service: %w", err)
		}
		fmt.Fprintf(out, "Service %s uninstalled\n", ServiceName)
	case "start":
		if err := m.service.Start(); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}
		fmt.Fprintf(out, "Service %s started\n", ServiceName)
	case "stop":
		if err := m.service.Stop(); err != nil {
			return fmt.Errorf("failed to stop service: %w", err)
		}
		fmt.Fprintf(out, "Service %s stopped\n", ServiceName)
	case "restart":
		if err := m.service.Restart(); err != nil {
			return fmt.Errorf("failed to restart service: %w", err)
		}
		fmt.Fprintf(out, "Service %s restarted\n", ServiceName)
	case "status":
		status, err := m.service.Status()
		if err != nil {
			return fmt.Errorf("failed to get service status: %w", err)
		}
		fmt.Fprintf(out, "Service status: %s\n", statusText(status))
	default:
		return fmt.Errorf("unknown service command %q (valid: install, uninstall, start, stop, restart, status)", cmd)
	}
	return nil
}

func statusText(status svc.Status) string {
	switch status {
	case svc.StatusRunning:
		return "Running"
	case svc.StatusStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}
