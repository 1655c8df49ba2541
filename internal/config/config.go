// Package config loads host settings and catlet definitions from YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

const (
	EnvPowerShellPath = "CATLET_POWERSHELL_PATH"
	EnvCommandTimeout = "CATLET_COMMAND_TIMEOUT"
	EnvVMPath         = "CATLET_VM_PATH"
)

// DefaultsConfig mirrors models.HostDefaults in the host file.
type DefaultsConfig struct {
	CPUCount           int    `yaml:"cpu_count"`
	MemoryMiB          int64  `yaml:"memory_mib"`
	SwitchName         string `yaml:"switch_name"`
	SecureBootTemplate string `yaml:"secure_boot_template"`
}

// HostConfig is the content of the host settings file.
type HostConfig struct {
	PowerShellPath string `yaml:"powershell_path"`
	// CommandTimeout is the per command timeout in seconds.
	CommandTimeout int               `yaml:"command_timeout"`
	VMPath         string            `yaml:"vm_path"`
	Defaults       DefaultsConfig    `yaml:"defaults"`
	Switches       map[string]string `yaml:"switches"`
}

// DefaultHostConfig returns the settings used when no host file is given.
func DefaultHostConfig() *HostConfig {
	return &HostConfig{
		CommandTimeout: 300,
		VMPath:         `C:\ProgramData\catlets`,
	}
}

// LoadHostConfig reads a host settings file. Values missing from the file
// keep their defaults.
func LoadHostConfig(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host config: %w", err)
	}

	cfg := DefaultHostConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal host config: %w", err)
	}
	if cfg.CommandTimeout < 0 {
		return nil, fmt.Errorf("command_timeout must not be negative, got %d", cfg.CommandTimeout)
	}
	return cfg, nil
}

// ApplyEnvOverrides updates cfg in place with values from environment variables.
// Recognized variables:
//   - CATLET_POWERSHELL_PATH overrides cfg.PowerShellPath
//   - CATLET_COMMAND_TIMEOUT overrides cfg.CommandTimeout (seconds)
//   - CATLET_VM_PATH overrides cfg.VMPath
func ApplyEnvOverrides(cfg *HostConfig) error {
	if path := os.Getenv(EnvPowerShellPath); path != "" {
		cfg.PowerShellPath = path
	}
	if raw := os.Getenv(EnvCommandTimeout); raw != "" {
		timeout, err := strconv.Atoi(raw)
		if err != nil || timeout < 0 {
			return fmt.Errorf("%s must be a non-negative number of seconds, got %q", EnvCommandTimeout, raw)
		}
		cfg.CommandTimeout = timeout
	}
	if path := os.Getenv(EnvVMPath); path != "" {
		cfg.VMPath = path
	}
	return nil
}

// HostDefaults returns the defaults with built-in fallbacks applied.
func (c *HostConfig) HostDefaults() models.HostDefaults {
	return models.HostDefaults{
		CPUCount:           c.Defaults.CPUCount,
		MemoryMiB:          c.Defaults.MemoryMiB,
		SwitchName:         c.Defaults.SwitchName,
		SecureBootTemplate: c.Defaults.SecureBootTemplate,
	}.WithFallbacks()
}

// Storage resolves the directory layout of one catlet below VMPath.
func (c *HostConfig) Storage(catletName string) models.StorageSettings {
	return ResolveStorage(c.VMPath, catletName)
}

// ResolveStorage returns the layout <root>\<name> with disks and provisioning
// media in sub directories.
func ResolveStorage(root, catletName string) models.StorageSettings {
	vmPath := joinHostPath(root, catletName)
	return models.StorageSettings{
		VMPath:           vmPath,
		DiskPath:         joinHostPath(vmPath, "disks"),
		ProvisioningPath: joinHostPath(vmPath, "provisioning"),
	}
}

// Network resolves adapter switches from the host switch mapping. Keys of the
// mapping are adapter names.
func (c *HostConfig) Network(cfg models.CatletConfig) models.NetworkSettings {
	switches := map[string]string{}
	for _, adapter := range cfg.NetworkAdapters {
		for name, sw := range c.Switches {
			if strings.EqualFold(name, adapter.Name) && sw != "" {
				switches[adapter.Name] = sw
			}
		}
	}
	return models.NetworkSettings{Switches: switches}
}

// LoadCatletConfig reads a catlet definition.
func LoadCatletConfig(path string) (models.CatletConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.CatletConfig{}, fmt.Errorf("failed to read catlet config: %w", err)
	}
	return ParseCatletConfig(data)
}

// ParseCatletConfig decodes and validates a catlet definition. Unknown keys
// are rejected.
func ParseCatletConfig(data []byte) (models.CatletConfig, error) {
	var cfg models.CatletConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return models.CatletConfig{}, fmt.Errorf("failed to unmarshal catlet config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return models.CatletConfig{}, err
	}
	return cfg, nil
}

// Validate checks a catlet definition for values the host would reject.
func Validate(cfg models.CatletConfig) error {
	var errs []error
	if strings.TrimSpace(cfg.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if cfg.CPU.Count < 0 {
		errs = append(errs, fmt.Errorf("cpu.count must not be negative, got %d", cfg.CPU.Count))
	}
	if cfg.Memory.Startup < 0 || cfg.Memory.Minimum < 0 || cfg.Memory.Maximum < 0 {
		errs = append(errs, errors.New("memory sizes must not be negative"))
	}
	if cfg.Memory.Maximum > 0 && cfg.Memory.Minimum > cfg.Memory.Maximum {
		errs = append(errs, fmt.Errorf("memory.minimum %d exceeds memory.maximum %d", cfg.Memory.Minimum, cfg.Memory.Maximum))
	}

	seen := map[string]bool{}
	for i, a := range cfg.NetworkAdapters {
		key := strings.ToLower(strings.TrimSpace(a.Name))
		switch {
		case key == "":
			errs = append(errs, fmt.Errorf("network_adapters[%d]: name is required", i))
		case seen[key]:
			errs = append(errs, fmt.Errorf("network_adapters[%d]: duplicate adapter %q", i, a.Name))
		case !isASCII(a.Name):
			// Static MAC addresses are derived from the ASCII adapter name.
			errs = append(errs, fmt.Errorf("network_adapters[%d]: adapter name %q must be ASCII", i, a.Name))
		}
		seen[key] = true
	}

	seen = map[string]bool{}
	for i, d := range cfg.Drives {
		key := strings.ToLower(strings.TrimSpace(d.Name))
		switch {
		case key == "":
			errs = append(errs, fmt.Errorf("drives[%d]: name is required", i))
		case seen[key]:
			errs = append(errs, fmt.Errorf("drives[%d]: duplicate drive %q", i, d.Name))
		}
		seen[key] = true
		switch d.Type {
		case "", models.DriveTypeVHD, models.DriveTypeDVD:
		default:
			errs = append(errs, fmt.Errorf("drives[%d]: unsupported type %q", i, d.Type))
		}
	}
	return errors.Join(errs...)
}

func joinHostPath(dir, name string) string {
	return strings.ReplaceAll(strings.TrimRight(dir, `\/`), "/", `\`) + `\` + name
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
