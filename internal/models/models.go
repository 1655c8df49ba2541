package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PowerState is the Hyper-V VM state as reported by Get-VM.
type PowerState string

const (
	PowerStateOff             PowerState = "Off"
	PowerStateRunning         PowerState = "Running"
	PowerStatePaused          PowerState = "Paused"
	PowerStateSaved           PowerState = "Saved"
	PowerStateStarting        PowerState = "Starting"
	PowerStateStopping        PowerState = "Stopping"
	PowerStateOffCritical     PowerState = "OffCritical"
	PowerStateRunningCritical PowerState = "RunningCritical"
	PowerStateOther           PowerState = "Other"
)

// IsOff reports whether settings that require a stopped VM may be changed.
func (s PowerState) IsOff() bool {
	return s == PowerStateOff || s == PowerStateOffCritical
}

// VM is a point-in-time snapshot of a Hyper-V virtual machine. Values are
// never updated in place: every mutation against the host is followed by a
// fresh query that produces a new VM.
type VM struct {
	ID              uuid.UUID
	Name            string
	Generation      int
	State           PowerState
	ProcessorCount  int
	Memory          MemorySettings
	NetworkAdapters []NetworkAdapter
	Drives          []Drive
	Firmware        *FirmwareInfo
	LastUpdated     time.Time
}

// MemorySettings captures Get-VMMemory in MiB.
type MemorySettings struct {
	Startup        int64
	Minimum        int64
	Maximum        int64
	DynamicEnabled bool
}

// NetworkAdapter is a synthetic network adapter attached to a VM.
type NetworkAdapter struct {
	ID         string
	Name       string
	Connected  bool
	SwitchName string
	MacAddress string
}

// ControllerType identifies the bus a drive is attached to.
type ControllerType string

const (
	ControllerSCSI ControllerType = "SCSI"
	ControllerIDE  ControllerType = "IDE"
)

// DriveType distinguishes hard disks from optical drives.
type DriveType string

const (
	DriveTypeVHD DriveType = "vhd"
	DriveTypeDVD DriveType = "dvd"
)

// Drive is a hard disk or DVD drive attached to a VM controller.
type Drive struct {
	ControllerType     ControllerType
	ControllerNumber   int
	ControllerLocation int
	Type               DriveType
	Path               string
	SizeBytes          uint64
}

// FirmwareInfo holds the UEFI settings of a generation 2 VM.
type FirmwareInfo struct {
	SecureBoot         bool
	SecureBootTemplate string
}

// FindAdapter returns the adapter whose name matches case-insensitively.
func (v VM) FindAdapter(name string) (NetworkAdapter, bool) {
	for _, a := range v.NetworkAdapters {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return NetworkAdapter{}, false
}

// FindDrive returns the first drive whose attached path matches, ignoring case
// and separator style as the Windows file system does.
func (v VM) FindDrive(path string) (Drive, bool) {
	for _, d := range v.Drives {
		if d.Path != "" && SamePath(d.Path, path) {
			return d, true
		}
	}
	return Drive{}, false
}

// NormalizePath lower-cases a host path and converts forward slashes to the
// Windows separator.
func NormalizePath(path string) string {
	return strings.ToLower(strings.ReplaceAll(path, "/", `\`))
}

// SamePath reports whether two host paths name the same file.
func SamePath(a, b string) bool {
	return NormalizePath(a) == NormalizePath(b)
}

// Switch is a Hyper-V virtual switch.
type Switch struct {
	ID         string
	Name       string
	SwitchType string
}

// HostDefaults are applied when a catlet configuration leaves a value unset.
type HostDefaults struct {
	CPUCount           int
	MemoryMiB          int64
	SwitchName         string
	SecureBootTemplate string
}

const (
	DefaultCPUCount           = 1
	DefaultMemoryMiB          = 1024
	DefaultSwitchName         = "Default Switch"
	DefaultSecureBootTemplate = "MicrosoftWindows"
)

// WithFallbacks fills unset fields with the built-in defaults.
func (d HostDefaults) WithFallbacks() HostDefaults {
	if d.CPUCount <= 0 {
		d.CPUCount = DefaultCPUCount
	}
	if d.MemoryMiB <= 0 {
		d.MemoryMiB = DefaultMemoryMiB
	}
	if d.SwitchName == "" {
		d.SwitchName = DefaultSwitchName
	}
	if d.SecureBootTemplate == "" {
		d.SecureBootTemplate = DefaultSecureBootTemplate
	}
	return d
}

// StorageSettings is the directory layout resolved for one catlet.
type StorageSettings struct {
	VMPath           string
	DiskPath         string
	ProvisioningPath string
}

// NetworkSettings carries switch assignments resolved for one catlet, keyed by
// adapter name.
type NetworkSettings struct {
	Switches map[string]string
}

// SwitchFor returns the resolved switch for an adapter, if any.
func (n NetworkSettings) SwitchFor(adapter string) (string, bool) {
	for name, sw := range n.Switches {
		if strings.EqualFold(name, adapter) && sw != "" {
			return sw, true
		}
	}
	return "", false
}

// CreateOptions are the parameters of a new VM.
type CreateOptions struct {
	Name       string
	Generation int
	Path       string
	MemoryMiB  int64
}
