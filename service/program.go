// Package service runs the daemon in the foreground or under the OS service
// manager.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kardianos/service"
	"go.uber.org/zap"

	"github.com/scrape-flow/logging"
)

// Program implements service.Interface around a Daemon.
type Program struct {
	Daemon *Daemon
	// LogFile, when set, receives a JSON copy of the daemon log. Relative
	// paths are resolved next to the executable.
	LogFile string

	cancel   context.CancelFunc
	done     chan error
	closeLog func() error
}

// Start is called by the service manager and must not block.
func (p *Program) Start(s service.Service) error {
	if p.LogFile != "" {
		path := p.LogFile
		if !filepath.IsAbs(path) {
			if exe, err := os.Executable(); err == nil {
				path = filepath.Join(filepath.Dir(exe), path)
			}
		}
		logger, closeFn, err := logging.Tee(p.Daemon.logger, path)
		if err != nil {
			if svcLogger, lerr := s.Logger(nil); lerr == nil {
				_ = svcLogger.Error("Failed to setup file logger: " + err.Error())
			}
		} else {
			p.Daemon.logger = logger
			p.closeLog = closeFn
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go p.run(ctx)
	return nil
}

func (p *Program) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.Daemon.logger.Error("Daemon panic recovered", zap.Any("panic", r))
			p.done <- fmt.Errorf("daemon panic: %v", r)
		}
	}()
	p.done <- p.Daemon.Run(ctx)
}

// Stop is called by the service manager.
func (p *Program) Stop(s service.Service) error {
	log := p.Daemon.logger
	log.Info("Service stopping")
	if p.cancel != nil {
		p.cancel()
	}

	var err error
	select {
	case err = <-p.done:
	case <-time.After(30 * time.Second):
		err = fmt.Errorf("daemon did not stop within 30s")
	}
	if err != nil {
		log.Error("Service stopped with error", zap.Error(err))
	} else {
		log.Info("Service stopped")
	}
	if p.closeLog != nil {
		_ = p.closeLog()
	}
	return err
}
