package updater

import (
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// restartCommands returns the commands that restart an installed service.
func restartCommands(goos, name string) ([][]string, error) {
	switch goos {
	case "windows":
		return [][]string{{"sc", "stop", name}, {"sc", "start", name}}, nil
	case "linux":
		return [][]string{{"systemctl", "restart", name}}, nil
	case "darwin":
		return [][]string{{"launchctl", "kickstart", "-k", "system/" + name}}, nil
	default:
		return nil, fmt.Errorf("service restart not supported on %s", goos)
	}
}

// RestartService schedules a restart of the named service after a short
// grace period so in-flight replies can complete.
func RestartService(name string, logger *zap.Logger) error {
	cmds, err := restartCommands(runtime.GOOS, name)
	if err != nil {
		return err
	}
	logger.Info("Scheduling service restart", zap.String("service", name))

	go func() {
		time.Sleep(2 * time.Second)
		for i, args := range cmds {
			if err := exec.Command(args[0], args[1:]...).Run(); err != nil {
				logger.Warn("Restart step failed", zap.Strings("command", args), zap.Error(err))
			}
			if i < len(cmds)-1 {
				time.Sleep(3 * time.Second)
			}
		}
	}()
	return nil
}
