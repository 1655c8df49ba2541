package models

import "strings"

// CatletConfig is the desired state of a catlet.
type CatletConfig struct {
	Name            string                 `yaml:"name"`
	Hostname        string                 `yaml:"hostname,omitempty"`
	CPU             CPUConfig              `yaml:"cpu,omitempty"`
	Memory          MemoryConfig           `yaml:"memory,omitempty"`
	NetworkAdapters []NetworkAdapterConfig `yaml:"network_adapters,omitempty"`
	Drives          []DriveConfig          `yaml:"drives,omitempty"`
	Capabilities    []Capability           `yaml:"capabilities,omitempty"`
	Fodder          []Fodder               `yaml:"fodder,omitempty"`
}

// CPUConfig holds the processor count; zero means unset.
type CPUConfig struct {
	Count int `yaml:"count,omitempty"`
}

// MemoryConfig holds memory sizes in MiB; zero means unset.
type MemoryConfig struct {
	Startup int64 `yaml:"startup,omitempty"`
	Minimum int64 `yaml:"minimum,omitempty"`
	Maximum int64 `yaml:"maximum,omitempty"`
}

// NetworkAdapterConfig describes one network adapter.
type NetworkAdapterConfig struct {
	Name       string `yaml:"name"`
	SwitchName string `yaml:"switch_name,omitempty"`
	MacAddress string `yaml:"mac_address,omitempty"`
}

// DriveConfig describes one drive. Size is in GiB and only applies to VHDs.
// Source is the parent disk of a differencing VHD or the image of a DVD.
type DriveConfig struct {
	Name   string    `yaml:"name"`
	Type   DriveType `yaml:"type,omitempty"`
	Size   int64     `yaml:"size,omitempty"`
	Source string    `yaml:"source,omitempty"`
}

// Capability toggles an optional VM feature.
type Capability struct {
	Name    string   `yaml:"name"`
	Details []string `yaml:"details,omitempty"`
}

// Fodder is one part of the cloud-init payload.
type Fodder struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type,omitempty"`
	FileName string `yaml:"filename,omitempty"`
	Content  string `yaml:"content"`
}

const (
	CapabilitySecureBoot    = "secure_boot"
	CapabilityDynamicMemory = "dynamic_memory"

	capabilityDetailOff    = "off"
	capabilityTemplateSpec = "template:"
)

// Capability returns the named capability, if configured.
func (c CatletConfig) Capability(name string) (Capability, bool) {
	for _, entry := range c.Capabilities {
		if strings.EqualFold(entry.Name, name) {
			return entry, true
		}
	}
	return Capability{}, false
}

// Disabled reports whether the capability carries the "off" detail.
func (c Capability) Disabled() bool {
	for _, d := range c.Details {
		if strings.EqualFold(strings.TrimSpace(d), capabilityDetailOff) {
			return true
		}
	}
	return false
}

// SecureBoot returns the desired secure boot flag and the template named in
// the capability details. The template is empty when none is configured.
func (c CatletConfig) SecureBoot() (bool, string) {
	entry, ok := c.Capability(CapabilitySecureBoot)
	if !ok {
		return false, ""
	}
	var template string
	for _, d := range entry.Details {
		d = strings.TrimSpace(d)
		if len(d) > len(capabilityTemplateSpec) && strings.EqualFold(d[:len(capabilityTemplateSpec)], capabilityTemplateSpec) {
			template = strings.TrimSpace(d[len(capabilityTemplateSpec):])
		}
	}
	return !entry.Disabled(), template
}

// DynamicMemory reports whether dynamic memory is requested, either through
// the capability or by configuring a minimum or maximum.
func (c CatletConfig) DynamicMemory() bool {
	if entry, ok := c.Capability(CapabilityDynamicMemory); ok {
		return !entry.Disabled()
	}
	return c.Memory.Minimum > 0 || c.Memory.Maximum > 0
}
