// Package updater replaces the running binary with the latest GitHub release.
package updater

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/creativeprojects/go-selfupdate"
	"go.uber.org/zap"
)

// releaseSource is the part of *selfupdate.Updater used here.
type releaseSource interface {
	DetectLatest(ctx context.Context, repo selfupdate.Repository) (*selfupdate.Release, bool, error)
	UpdateTo(ctx context.Context, rel *selfupdate.Release, cmdPath string) error
}

// Updater checks for and applies updates.
type Updater struct {
	cfg          Config
	source       releaseSource
	startupDelay time.Duration
	logger       *zap.Logger
}

// New creates an Updater backed by GitHub releases.
func New(cfg Config, logger *zap.Logger) (*Updater, error) {
	source, err := selfupdate.NewGitHubSource(selfupdate.GitHubConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub source: %w", err)
	}
	up, err := selfupdate.NewUpdater(selfupdate.Config{Source: source})
	if err != nil {
		return nil, fmt.Errorf("failed to create updater: %w", err)
	}
	return newUpdater(cfg, up, logger), nil
}

func newUpdater(cfg Config, source releaseSource, logger *zap.Logger) *Updater {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Updater{
		cfg:          cfg,
		source:       source,
		startupDelay: StartupDelay,
		logger:       logger.Named("updater"),
	}
}

// CheckForUpdate reports the latest release and whether it is newer than the
// running version.
func (u *Updater) CheckForUpdate(ctx context.Context) (*selfupdate.Release, bool, error) {
	u.logger.Debug("Checking for updates", zap.String("current", u.cfg.CurrentVersion), zap.String("repo", u.cfg.slug()))

	latest, found, err := u.source.DetectLatest(ctx, selfupdate.ParseSlug(u.cfg.slug()))
	if err != nil {
		return nil, false, fmt.Errorf("failed to detect latest version: %w", err)
	}
	if !found {
		u.logger.Info("No release found", zap.String("os", runtime.GOOS), zap.String("arch", runtime.GOARCH))
		return nil, false, nil
	}
	if latest.LessOrEqual(normalizeVersion(u.cfg.CurrentVersion)) {
		u.logger.Debug("Up to date", zap.String("current", u.cfg.CurrentVersion))
		return latest, false, nil
	}
	u.logger.Info("New version available", zap.String("latest", latest.Version()), zap.String("current", u.cfg.CurrentVersion))
	return latest, true, nil
}

// Update installs release over the configured executable.
func (u *Updater) Update(ctx context.Context, release *selfupdate.Release) error {
	exe := u.cfg.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
	}
	u.logger.Info("Downloading update", zap.String("version", release.Version()), zap.String("path", exe))
	if err := u.source.UpdateTo(ctx, release, exe); err != nil {
		return fmt.Errorf("failed to update: %w", err)
	}
	u.logger.Info("Update applied", zap.String("version", release.Version()))
	return nil
}

// CheckAndUpdate applies a newer release if one exists and returns its version.
func (u *Updater) CheckAndUpdate(ctx context.Context) (string, bool, error) {
	release, newer, err := u.CheckForUpdate(ctx)
	if err != nil || !newer {
		return "", false, err
	}
	if err := u.Update(ctx, release); err != nil {
		return "", false, err
	}
	return release.Version(), true, nil
}

// StartPeriodicCheck applies updates every CheckInterval until ctx is done and
// calls onUpdated after each successful update.
func (u *Updater) StartPeriodicCheck(ctx context.Context, onUpdated func(version string)) {
	go func() {
		select {
		case <-time.After(u.startupDelay):
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(u.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			version, updated, err := u.CheckAndUpdate(ctx)
			switch {
			case err != nil:
				u.logger.Warn("Update check failed", zap.Error(err))
			case updated && onUpdated != nil:
				onUpdated(version)
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				u.logger.Debug("Periodic update check stopped")
				return
			}
		}
	}()
}
