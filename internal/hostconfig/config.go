// Package hostconfig loads and saves boxctld's user-global configuration:
// one YAML file under the user's config directory, with environment
// overrides for a handful of deployment knobs.
package hostconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// FileName is the config file's name under the host config directory.
const FileName = "config.yml"

// Paths overrides the install root used to locate runtime artifacts.
type Paths struct {
	InstallRoot string `yaml:"install_root,omitempty"`
}

// WebServer controls the optional dashboard HTTP listener.
type WebServer struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host,omitempty"`
	Hosts    []string `yaml:"hosts,omitempty"`
	Port     int      `yaml:"port,omitempty"`
	LogLevel string   `yaml:"log_level,omitempty"`
}

// Network controls which local addresses remote-forward listeners bind.
type Network struct {
	BindAddresses []string `yaml:"bind_addresses,omitempty"`
}

// Notifications controls notification dispatch behavior.
type Notifications struct {
	Telegram            Telegram      `yaml:"telegram,omitempty"`
	AutoDismiss         bool          `yaml:"auto_dismiss"`
	Timeout             time.Duration `yaml:"timeout,omitempty"`
	TimeoutEnhanced     time.Duration `yaml:"timeout_enhanced,omitempty"`
	DeduplicationWindow time.Duration `yaml:"deduplication_window,omitempty"`
}

// Telegram holds bot-API credentials for notification dispatch.
type Telegram struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token,omitempty"`
	ChatID   string `yaml:"chat_id,omitempty"`
}

// Timeouts groups the daemon's various request deadlines.
type Timeouts struct {
	HostToContainer time.Duration `yaml:"host_to_container,omitempty"`
	ReadyWait       time.Duration `yaml:"ready_wait,omitempty"`
	NotifyHook      time.Duration `yaml:"notify_hook,omitempty"`
}

// TailscaleMonitor controls the background IP-change watcher.
type TailscaleMonitor struct {
	Enabled              bool `yaml:"enabled"`
	CheckIntervalSeconds int  `yaml:"check_interval_seconds,omitempty"`
}

// Config is boxctld's typed host configuration, as loaded from config.yml.
type Config struct {
	Paths            Paths            `yaml:"paths,omitempty"`
	WebServer        WebServer        `yaml:"web_server,omitempty"`
	Network          Network          `yaml:"network,omitempty"`
	Notifications    Notifications    `yaml:"notifications,omitempty"`
	Timeouts         Timeouts         `yaml:"timeouts,omitempty"`
	TailscaleMonitor TailscaleMonitor `yaml:"tailscale_monitor,omitempty"`
	NotifyHook       string           `yaml:"notify_hook,omitempty"`
}

// Default returns a Config with the documented defaults applied.
func Default() *Config {
	return &Config{
		Network: Network{BindAddresses: []string{"127.0.0.1"}},
		Notifications: Notifications{
			AutoDismiss:         true,
			Timeout:             10 * time.Second,
			TimeoutEnhanced:     30 * time.Second,
			DeduplicationWindow: 5 * time.Second,
		},
		Timeouts: Timeouts{
			HostToContainer: 10 * time.Second,
			ReadyWait:       90 * time.Second,
			NotifyHook:      5 * time.Second,
		},
		TailscaleMonitor: TailscaleMonitor{Enabled: true, CheckIntervalSeconds: 30},
	}
}

// Dir returns the host config directory, honoring BOXCTL_DIR and falling
// back to the platform config directory plus "boxctl".
func Dir() (string, error) {
	if dir := os.Getenv("BOXCTL_DIR"); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("hostconfig: resolve user config dir: %w", err)
	}
	return filepath.Join(base, "boxctl"), nil
}

// Path returns the full path to config.yml.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads config.yml, applying Default() for every field the file
// doesn't set. A missing file yields Default() with no error. A
// malformed file falls back to defaults rather than aborting startup;
// the caller is expected to log the parse error.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("hostconfig: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Parse errors fall back to defaults rather than aborting daemon
		// startup; the caller is expected to log this.
		return Default(), fmt.Errorf("hostconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save atomically persists cfg to config.yml: write to a sibling temp
// file, fsync, then rename over the target, guarded by a flock so two
// boxctld/boxctl processes never interleave writes.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("hostconfig: create config dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, ".config.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("hostconfig: acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("hostconfig: config is locked by another process")
	}
	defer lock.Unlock()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("hostconfig: marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yml.tmp")
	if err != nil {
		return fmt.Errorf("hostconfig: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("hostconfig: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("hostconfig: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("hostconfig: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("hostconfig: rename temp file: %w", err)
	}
	return nil
}

// RuntimeDir returns the per-user runtime directory boxctld places its
// Unix sockets under, honoring XDG_RUNTIME_DIR and falling back to a
// uid-scoped directory under os.TempDir() on systems without it.
func RuntimeDir() (string, error) {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "boxctl"), nil
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("boxctl-%d", os.Getuid())), nil
}

// SSHSocketPath returns the path to the SSH tunnel server's Unix socket,
// honoring the BOXCTL_SSH_SOCKET override (propagated into containers so
// they know where to dial back).
func SSHSocketPath() (string, error) {
	if p := os.Getenv("BOXCTL_SSH_SOCKET"); p != "" {
		return p, nil
	}
	dir, err := RuntimeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ssh.sock"), nil
}

// CLISocketPath returns the path to the CLI RPC Unix socket.
func CLISocketPath() (string, error) {
	dir, err := RuntimeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "boxctld.sock"), nil
}

// TailscaleMonitorEnabled reports whether tailscale_monitor.enabled is set
// and the literal "tailscale" appears in either bind_addresses or
// web_server.hosts.
func (c *Config) TailscaleMonitorEnabled() bool {
	if !c.TailscaleMonitor.Enabled {
		return false
	}
	for _, addr := range c.Network.BindAddresses {
		if addr == "tailscale" {
			return true
		}
	}
	for _, host := range c.WebServer.Hosts {
		if host == "tailscale" {
			return true
		}
	}
	return false
}
