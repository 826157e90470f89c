// Package config defines the explicit, process-wide-singleton-free
// configuration struct threaded into every core component constructor
// (spec §9 Design Note; SPEC_FULL §10.2). It mirrors the teacher's pattern
// of passing an explicit appRoot into NewBoxer/NewDefaultWorkspaceProvisioner
// rather than reading a package-level global.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is constructed once by an adapter (e.g. cmd/imageforge) and passed
// explicitly to every component; nothing in this module reads it from a
// global.
type Config struct {
	// CacheRoot is the toolchain cache root: <CacheRoot>/<release>/<target>/<subtarget>/ (§6).
	CacheRoot string `json:"cache_root" yaml:"cache_root"`
	// ArtifactsRoot is the build artifacts root (§6).
	ArtifactsRoot string `json:"artifacts_root" yaml:"artifacts_root"`
	// StateDBPath is the sqlite file backing the State Store (C6).
	StateDBPath string `json:"state_db_path" yaml:"state_db_path"`
	// LogDir holds rotated build/flash log files.
	LogDir string `json:"log_dir" yaml:"log_dir"`

	// BuildParallelism bounds concurrent builds across all profiles (§5).
	BuildParallelism int64 `json:"build_parallelism" yaml:"build_parallelism"`

	// DownloadTimeout, BuildTimeout, and FlashTimeout are independently
	// configurable per §5 ("Download timeouts, build timeouts, and flash
	// timeouts are each independently configurable").
	DownloadTimeout time.Duration `json:"download_timeout" yaml:"download_timeout"`
	BuildTimeout    time.Duration `json:"build_timeout" yaml:"build_timeout"`
	FlashTimeout    time.Duration `json:"flash_timeout" yaml:"flash_timeout"`
	// GracePeriod is the SIGTERM-to-SIGKILL escalation window for owned
	// subprocesses (§5).
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period"`

	// Offline, when true, forbids the toolchain cache from attempting any
	// network fetch; only already-`ready` instances may be used (§4.3).
	Offline bool `json:"offline" yaml:"offline"`

	// ToolchainBaseURL is the upstream SDK publishing convention base used
	// by the default HTTPResolver (§4.3 Open Question: index format).
	ToolchainBaseURL string `json:"toolchain_base_url" yaml:"toolchain_base_url"`
}

// Default returns a Config with conservative defaults rooted under dir
// (typically an XDG-style application support directory, following the
// teacher's appHomeDir convention).
func Default(dir string) Config {
	return Config{
		CacheRoot:        filepath.Join(dir, "toolchains"),
		ArtifactsRoot:    filepath.Join(dir, "artifacts"),
		StateDBPath:      filepath.Join(dir, "imageforge.db"),
		LogDir:           filepath.Join(dir, "logs"),
		BuildParallelism: 2,
		DownloadTimeout:  10 * time.Minute,
		BuildTimeout:     45 * time.Minute,
		FlashTimeout:     20 * time.Minute,
		GracePeriod:      10 * time.Second,
	}
}

// EnsureDirs creates every directory the Config references, mirroring
// appHomeDir's MkdirAll-on-startup pattern.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.CacheRoot, c.ArtifactsRoot, c.LogDir, filepath.Dir(c.StateDBPath)} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// Validate reports whether the Config is minimally sane before use.
func (c Config) Validate() error {
	if c.CacheRoot == "" {
		return fmt.Errorf("cache_root must not be empty")
	}
	if c.ArtifactsRoot == "" {
		return fmt.Errorf("artifacts_root must not be empty")
	}
	if c.StateDBPath == "" {
		return fmt.Errorf("state_db_path must not be empty")
	}
	if c.BuildParallelism <= 0 {
		return fmt.Errorf("build_parallelism must be positive, got %d", c.BuildParallelism)
	}
	return nil
}

// AppHomeDir returns the default application-support directory for
// imageforge, following the teacher's appHomeDir layout convention
// (~/Library/Application Support/<App> on macOS; here kept platform-neutral
// under the user's home directory since this core targets Linux build
// hosts, not the teacher's macOS-only sandbox tool).
func AppHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".imageforge"), nil
}
