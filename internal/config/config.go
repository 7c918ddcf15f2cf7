// Package config holds fleetd runtime configuration, sourced from the
// environment (optionally seeded from a .env file).
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds fleetd runtime configuration.
type Config struct {
	// DataDir is the base directory for persisted state and backups.
	DataDir string

	// ListenAddr is the address for the HTTP API.
	ListenAddr string

	// ToolPath is the resolved path to the external instance-management
	// tool. Empty means ToolName could not be found; fleetd refuses to
	// start in that case.
	ToolPath string

	// ToolName is the invocation token commands use for the tool.
	ToolName string

	// TemplateImage is the image new instances are initialized from.
	TemplateImage string

	// StoragePool is the default storage pool for new instances.
	StoragePool string

	// CPUThreshold is the CPU usage percentage above which the guardians act.
	CPUThreshold float64

	// RAMThreshold is the per-instance RAM usage percentage ceiling.
	RAMThreshold float64

	// HostCheckInterval is the host guardian sampling period.
	HostCheckInterval time.Duration

	// CheckInterval is the per-instance guardian sampling period.
	CheckInterval time.Duration

	// CommandTimeout bounds every external tool invocation.
	CommandTimeout time.Duration

	// MainAdmin is the immutable main administrator id.
	MainAdmin string

	// InstancePrefix prefixes generated instance ids.
	InstancePrefix string

	// PortRangeMin and PortRangeMax bound host-port allocation (inclusive).
	PortRangeMin int
	PortRangeMax int

	// NATSURL is the notification broker address. Empty disables
	// notifications (a no-op notifier is used instead).
	NATSURL string

	// UsageDBPath is the sqlite database for usage sample history.
	UsageDBPath string

	// ConfirmWindow bounds pending destructive-action confirmations.
	ConfirmWindow time.Duration
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:           envStr("DATA_DIR", "./data"),
		ListenAddr:        envStr("LISTEN_ADDR", "127.0.0.1:8070"),
		ToolName:          envStr("FLEET_TOOL", "rtc"),
		TemplateImage:     envStr("TEMPLATE_IMAGE", "ubuntu:22.04"),
		StoragePool:       envStr("DEFAULT_STORAGE_POOL", "default"),
		CPUThreshold:      float64(envInt("CPU_THRESHOLD", 90)),
		RAMThreshold:      float64(envInt("RAM_THRESHOLD", 90)),
		HostCheckInterval: time.Duration(envInt("HOST_CHECK_INTERVAL", 60)) * time.Second,
		CheckInterval:     time.Duration(envInt("CHECK_INTERVAL", 600)) * time.Second,
		CommandTimeout:    time.Duration(envInt("COMMAND_TIMEOUT", 120)) * time.Second,
		MainAdmin:         envStr("MAIN_ADMIN", ""),
		InstancePrefix:    envStr("INSTANCE_PREFIX", "vps"),
		PortRangeMin:      envInt("PORT_RANGE_MIN", 10000),
		PortRangeMax:      envInt("PORT_RANGE_MAX", 19999),
		NATSURL:           envStr("NATS_URL", ""),
		ConfirmWindow:     time.Duration(envInt("CONFIRM_WINDOW", 60)) * time.Second,
	}
	cfg.UsageDBPath = envStr("USAGE_DB", filepath.Join(cfg.DataDir, "usage.db"))

	if cfg.MainAdmin == "" {
		return nil, fmt.Errorf("MAIN_ADMIN must be set")
	}
	if cfg.PortRangeMin <= 0 || cfg.PortRangeMax < cfg.PortRangeMin {
		return nil, fmt.Errorf("invalid port range %d-%d", cfg.PortRangeMin, cfg.PortRangeMax)
	}

	cfg.ToolPath = resolveTool(cfg.ToolName)

	return cfg, nil
}

// EnsureDirs creates the directories fleetd writes to.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.DataDir, filepath.Join(c.DataDir, "backups")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// resolveTool finds the external tool binary: an explicit path wins,
// then PATH lookup, then the fleetd binary's own directory.
func resolveTool(name string) string {
	if filepath.IsAbs(name) {
		if st, err := os.Stat(name); err == nil && !st.IsDir() {
			return name
		}
		return ""
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	if exe, err := os.Executable(); err == nil {
		local := filepath.Join(filepath.Dir(exe), name)
		if st, err := os.Stat(local); err == nil && !st.IsDir() && st.Mode()&0111 != 0 {
			return local
		}
	}
	return ""
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
