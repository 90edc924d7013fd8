package updater

import "time"

const (
	RepoOwner = "scrape-flow"
	RepoName  = "scrapeflow"

	DefaultCheckInterval = time.Hour

	// StartupDelay lets the daemon settle before the first periodic check.
	StartupDelay = 30 * time.Second
)

// Config holds the updater configuration.
type Config struct {
	Owner          string
	Repo           string
	CheckInterval  time.Duration
	CurrentVersion string
	// Executable is the binary to replace; empty means the running one.
	Executable string
}

// DefaultConfig returns the release source of this project.
func DefaultConfig(version string) Config {
	return Config{
		Owner:          RepoOwner,
		Repo:           RepoName,
		CheckInterval:  DefaultCheckInterval,
		CurrentVersion: version,
	}
}

func (c Config) slug() string {
	return c.Owner + "/" + c.Repo
}

// normalizeVersion prefixes a bare semantic version with "v" for comparison.
func normalizeVersion(v string) string {
	if v != "" && v[0] != 'v' {
		return "v" + v
	}
	return v
}
