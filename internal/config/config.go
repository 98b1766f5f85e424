package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// HardcodedBlockedPaths are security-critical paths that CANNOT be overridden by user config.
// These paths contain credentials and secrets that should never be mounted into sessions.
var HardcodedBlockedPaths = []string{
	"~/.ssh",
	"~/.aws",
	"~/.gnupg",
	"~/.password-store",
	"~/.netrc",
	"~/.kube",
	"~/.config/gh",
	"~/.config/hub",
	"~/.docker/config.json",
}

// MinCredentialTimeout is the floor for a non-zero credential timeout.
const MinCredentialTimeout = 5 * time.Minute

// Config represents the paude CLI configuration
type Config struct {
	// Backend selects the default substrate: "podman" or "kube".
	Backend string `mapstructure:"backend"`

	// Networks is the default egress allowlist (presets, literal domains,
	// wildcards, or the sentinels "all"/"none").
	Networks []string `mapstructure:"networks"`

	// CredentialTimeout in minutes of inactivity before live credentials
	// are evicted from a running session. 0 disables the watchdog.
	CredentialTimeout int `mapstructure:"credential_timeout"`

	// BlockedPaths may never be mounted into a session.
	BlockedPaths []string `mapstructure:"blocked_paths"`

	// Mounts are extra host paths mounted into local sessions
	// ("~/.npmrc", "~/.cache/pip:rw").
	Mounts []string `mapstructure:"mounts"`

	Relay  Relay  `mapstructure:"relay"`
	Podman Podman `mapstructure:"podman"`
	Kube   Kube   `mapstructure:"kube"`
}

// Relay configures the egress relay workload.
type Relay struct {
	Image string `mapstructure:"image"`
}

// Podman contains local-backend configuration
type Podman struct {
	Image string `mapstructure:"image"`
}

// Kube contains cluster-backend configuration
type Kube struct {
	Kubeconfig   string `mapstructure:"kubeconfig"`
	Context      string `mapstructure:"context"`
	Namespace    string `mapstructure:"namespace"`
	Image        string `mapstructure:"image"`
	PVCSize      string `mapstructure:"pvc_size"`
	StorageClass string `mapstructure:"storage_class"`
}

// CredentialTimeoutDuration applies the floor: a non-zero timeout below
// the minimum is raised, zero stays zero (disabled).
func (c *Config) CredentialTimeoutDuration() time.Duration {
	if c.CredentialTimeout <= 0 {
		return 0
	}
	d := time.Duration(c.CredentialTimeout) * time.Minute
	if d < MinCredentialTimeout {
		return MinCredentialTimeout
	}
	return d
}

// Load loads the configuration from ~/.paude/config.yaml or returns defaults
func Load() (*Config, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, err
	}

	configDir := filepath.Join(home, ".paude")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)

	setDefaults()

	// The watchdog contract: PAUDE_CREDENTIAL_TIMEOUT overrides the file.
	_ = viper.BindEnv("credential_timeout", "PAUDE_CREDENTIAL_TIMEOUT")

	// Try to read config file, but don't fail if it doesn't exist
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error occurred
			return nil, err
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Expand ~ in paths
	cfg.BlockedPaths = expandPaths(cfg.BlockedPaths)
	cfg.Mounts = expandPaths(cfg.Mounts)

	// Merge hardcoded blocked paths (security-critical, cannot be overridden)
	cfg.BlockedPaths = mergeBlockedPaths(cfg.BlockedPaths, expandPaths(HardcodedBlockedPaths))

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("backend", "podman")
	viper.SetDefault("networks", []string{"anthropic", "vertex"})
	viper.SetDefault("credential_timeout", 60)
	viper.SetDefault("mounts", []string{})

	viper.SetDefault("relay.image", "ghcr.io/bbrowning/paude-relay:latest")

	viper.SetDefault("podman.image", "ghcr.io/bbrowning/paude:latest")

	viper.SetDefault("kube.namespace", "")
	viper.SetDefault("kube.image", "ghcr.io/bbrowning/paude:latest")
	viper.SetDefault("kube.pvc_size", "10Gi")

	// Blocked paths (SECURITY CRITICAL)
	blockedPaths := []string{
		"~/.ssh",
		"~/.aws",
		"~/.gnupg",
		"~/.password-store",
		"~/.mozilla",
		"~/.config/google-chrome",
		"~/.docker",
		// Additional credential stores
		"~/.netrc",
		"~/.npmrc",
		"~/.pypirc",
		"~/.m2/settings.xml",
		"~/.gradle/gradle.properties",
		"~/.kube",
		"~/.config/gh",
		"~/.config/hub",
		"~/.azure",
	}

	// Add platform-specific blocked paths
	switch runtime.GOOS {
	case "darwin":
		blockedPaths = append(blockedPaths, "~/Library/Keychains")
	case "linux":
		blockedPaths = append(blockedPaths, "~/.local/share/keyrings")
	}

	viper.SetDefault("blocked_paths", blockedPaths)
}

// expandPaths expands ~ in paths to home directory
func expandPaths(paths []string) []string {
	expanded := make([]string, len(paths))
	for i, path := range paths {
		// Handle mount syntax (path:ro or path:rw)
		mountOpts := ""
		if colonIdx := len(path) - 3; colonIdx > 0 &&
			(path[colonIdx:] == ":ro" || path[colonIdx:] == ":rw") {
			mountOpts = path[colonIdx:]
			path = path[:colonIdx]
		}

		expandedPath, err := homedir.Expand(path)
		if err != nil {
			// If expansion fails, use original path
			expanded[i] = paths[i]
			continue
		}

		// Re-attach mount options if present
		if mountOpts != "" {
			expandedPath += mountOpts
		}

		expanded[i] = expandedPath
	}
	return expanded
}

// ConfigDir returns the paude configuration directory path
func ConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".paude"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	configDir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(configDir, 0755)
}

// mergeBlockedPaths merges two lists of blocked paths, removing duplicates.
// The hardcoded paths are always included regardless of user config.
func mergeBlockedPaths(userPaths, hardcodedPaths []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(userPaths)+len(hardcodedPaths))

	// Add hardcoded paths first (they take priority)
	for _, path := range hardcodedPaths {
		if !seen[path] {
			seen[path] = true
			result = append(result, path)
		}
	}

	// Add user paths that aren't duplicates
	for _, path := range userPaths {
		if !seen[path] {
			seen[path] = true
			result = append(result, path)
		}
	}

	return result
}
