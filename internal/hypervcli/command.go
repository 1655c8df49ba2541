package hypervcli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Command names understood by the host. Fakes in tests dispatch on these.
const (
	CmdSetProcessor         = "Set-VMProcessor"
	CmdSetMemory            = "Set-VMMemory"
	CmdSetFirmware          = "Set-VMFirmware"
	CmdAddNetworkAdapter    = "Add-VMNetworkAdapter"
	CmdConnectAdapter       = "Connect-VMNetworkAdapter"
	CmdNewVHD               = "New-VHD"
	CmdResizeVHD            = "Resize-VHD"
	CmdAddHardDiskDrive     = "Add-VMHardDiskDrive"
	CmdAddDvdDrive          = "Add-VMDvdDrive"
	CmdSetDvdDrive          = "Set-VMDvdDrive"
	CmdRemoveDvdDrive       = "Remove-VMDvdDrive"
	CmdNewProvisioningMedia = "New-ProvisioningMedia"
)

const bytesPerMiB = 1024 * 1024

// Switch marks a parameter rendered without a value, e.g. -Dynamic.
type Switch struct{}

// Param is a named cmdlet parameter.
type Param struct {
	Name  string
	Value any
}

// Selector narrows the VM pipeline to a device before the command runs, e.g.
// Get-VMNetworkAdapter -Name eth0.
type Selector struct {
	Cmdlet string
	Params []Param
}

// Command is a single mutating host command. Commands with a VMID run against
// that VM (piped from Get-VM); commands without one run against the host.
type Command struct {
	Name     string
	VMID     uuid.UUID
	Selector *Selector
	Params   []Param

	// IfMissing skips a host command when the path already exists.
	IfMissing string
}

// Param returns the value of the named parameter, searching the selector too.
func (c Command) Param(name string) (any, bool) {
	if v, ok := findParam(c.Params, name); ok {
		return v, true
	}
	if c.Selector != nil {
		return findParam(c.Selector.Params, name)
	}
	return nil, false
}

// String returns a compact human readable form used in logs and errors.
func (c Command) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	for _, p := range c.allParams() {
		b.WriteString(" -")
		b.WriteString(p.Name)
		if _, ok := p.Value.(Switch); ok {
			continue
		}
		fmt.Fprintf(&b, " %v", p.Value)
	}
	return b.String()
}

func (c Command) allParams() []Param {
	if c.Selector == nil {
		return c.Params
	}
	out := make([]Param, 0, len(c.Params)+len(c.Selector.Params))
	out = append(out, c.Selector.Params...)
	return append(out, c.Params...)
}

// Script renders the command as a PowerShell script block body.
func (c Command) Script() (string, error) {
	if c.Name == "" {
		return "", fmt.Errorf("command name is required")
	}
	args, err := renderParams(c.Params)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", c.Name, err)
	}

	var b strings.Builder
	if def, ok := hostFunctions[c.Name]; ok {
		b.WriteString(def)
		b.WriteString("\n")
	}
	if c.VMID == uuid.Nil {
		line := fmt.Sprintf("%s%s -ErrorAction Stop | Out-Null", c.Name, args)
		if c.IfMissing != "" {
			line = fmt.Sprintf("if (-not (Test-Path -LiteralPath %s)) { %s }", quote(c.IfMissing), line)
		}
		b.WriteString(line)
		return b.String(), nil
	}

	fmt.Fprintf(&b, "$vm = Get-VM -Id %s -ErrorAction Stop\n", quote(c.VMID.String()))
	b.WriteString("$vm")
	if c.Selector != nil {
		selArgs, err := renderParams(c.Selector.Params)
		if err != nil {
			return "", fmt.Errorf("render %s selector: %w", c.Name, err)
		}
		fmt.Fprintf(&b, " | %s%s -ErrorAction Stop", c.Selector.Cmdlet, selArgs)
	}
	fmt.Fprintf(&b, " | %s%s -ErrorAction Stop | Out-Null", c.Name, args)
	return b.String(), nil
}

func findParam(params []Param, name string) (any, bool) {
	for _, p := range params {
		if strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}
	return nil, false
}

func renderParams(params []Param) (string, error) {
	var b strings.Builder
	for _, p := range params {
		if p.Name == "" {
			return "", fmt.Errorf("parameter without name")
		}
		b.WriteString(" -")
		b.WriteString(p.Name)
		if _, ok := p.Value.(Switch); ok {
			continue
		}
		v, err := renderValue(p.Value)
		if err != nil {
			return "", fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		b.WriteString(" ")
		b.WriteString(v)
	}
	return b.String(), nil
}

func renderValue(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return quote(val), nil
	case bool:
		if val {
			return "$true", nil
		}
		return "$false", nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	case map[string]string:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, quote(k)+" = "+quote(val[k]))
		}
		return "@{" + strings.Join(parts, "; ") + "}", nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// quote renders s as a single-quoted PowerShell literal. Single quotes,
// including the typographic variants PowerShell also treats as delimiters,
// are doubled.
func quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'', '‘', '’', '‚', '‛':
			b.WriteRune(r)
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// SetProcessorCount sets the number of virtual processors.
func SetProcessorCount(vmID uuid.UUID, count int) Command {
	return Command{
		Name:   CmdSetProcessor,
		VMID:   vmID,
		Params: []Param{{Name: "Count", Value: count}},
	}
}

// SetMemory configures startup memory and, when dynamic, the min/max bounds.
// Sizes are in MiB.
func SetMemory(vmID uuid.UUID, startup, minimum, maximum int64, dynamic bool) Command {
	params := []Param{
		{Name: "DynamicMemoryEnabled", Value: dynamic},
		{Name: "StartupBytes", Value: startup * bytesPerMiB},
	}
	if dynamic {
		params = append(params,
			Param{Name: "MinimumBytes", Value: minimum * bytesPerMiB},
			Param{Name: "MaximumBytes", Value: maximum * bytesPerMiB},
		)
	}
	return Command{Name: CmdSetMemory, VMID: vmID, Params: params}
}

// SetSecureBoot sets the secure boot flag and template together. Hyper-V
// accepts a template while secure boot is off.
func SetSecureBoot(vmID uuid.UUID, enabled bool, template string) Command {
	state := "Off"
	if enabled {
		state = "On"
	}
	return Command{
		Name: CmdSetFirmware,
		VMID: vmID,
		Params: []Param{
			{Name: "EnableSecureBoot", Value: state},
			{Name: "SecureBootTemplate", Value: template},
		},
	}
}

// AddNetworkAdapter adds a synthetic adapter with a static MAC address.
func AddNetworkAdapter(vmID uuid.UUID, name, mac string) Command {
	return Command{
		Name: CmdAddNetworkAdapter,
		VMID: vmID,
		Params: []Param{
			{Name: "Name", Value: name},
			{Name: "StaticMacAddress", Value: mac},
		},
	}
}

// ConnectNetworkAdapter connects the named adapter to a virtual switch.
func ConnectNetworkAdapter(vmID uuid.UUID, name, switchName string) Command {
	return Command{
		Name: CmdConnectAdapter,
		VMID: vmID,
		Selector: &Selector{
			Cmdlet: "Get-VMNetworkAdapter",
			Params: []Param{{Name: "Name", Value: name}},
		},
		Params: []Param{{Name: "SwitchName", Value: switchName}},
	}
}

// NewVHD creates a differencing disk when parent is set, a dynamic disk of
// sizeBytes otherwise. An existing file at path is kept.
func NewVHD(path string, sizeBytes uint64, parent string) Command {
	params := []Param{{Name: "Path", Value: path}}
	if parent != "" {
		params = append(params,
			Param{Name: "Differencing", Value: Switch{}},
			Param{Name: "ParentPath", Value: parent},
		)
	} else {
		params = append(params,
			Param{Name: "Dynamic", Value: Switch{}},
			Param{Name: "SizeBytes", Value: sizeBytes},
		)
	}
	return Command{Name: CmdNewVHD, Params: params, IfMissing: path}
}

// ResizeVHD grows a virtual disk.
func ResizeVHD(path string, sizeBytes uint64) Command {
	return Command{
		Name: CmdResizeVHD,
		Params: []Param{
			{Name: "Path", Value: path},
			{Name: "SizeBytes", Value: sizeBytes},
		},
	}
}

// AddHardDiskDrive attaches a VHD to the first free SCSI location.
func AddHardDiskDrive(vmID uuid.UUID, path string) Command {
	return Command{
		Name:   CmdAddHardDiskDrive,
		VMID:   vmID,
		Params: []Param{{Name: "Path", Value: path}},
	}
}

// AddDvdDrive adds a DVD drive with the given image.
func AddDvdDrive(vmID uuid.UUID, path string) Command {
	return Command{
		Name:   CmdAddDvdDrive,
		VMID:   vmID,
		Params: []Param{{Name: "Path", Value: path}},
	}
}

// SetDvdDrive replaces the image of the DVD drive at the given location.
func SetDvdDrive(vmID uuid.UUID, controllerNumber, controllerLocation int, path string) Command {
	return Command{
		Name: CmdSetDvdDrive,
		VMID: vmID,
		Selector: &Selector{
			Cmdlet: "Get-VMDvdDrive",
			Params: []Param{
				{Name: "ControllerNumber", Value: controllerNumber},
				{Name: "ControllerLocation", Value: controllerLocation},
			},
		},
		Params: []Param{{Name: "Path", Value: path}},
	}
}

// RemoveDvdDrive removes the DVD drive at the given location.
func RemoveDvdDrive(vmID uuid.UUID, controllerNumber, controllerLocation int) Command {
	return Command{
		Name: CmdRemoveDvdDrive,
		VMID: vmID,
		Selector: &Selector{
			Cmdlet: "Get-VMDvdDrive",
			Params: []Param{
				{Name: "ControllerNumber", Value: controllerNumber},
				{Name: "ControllerLocation", Value: controllerLocation},
			},
		},
	}
}

// NewProvisioningMedia writes a NoCloud ISO (volume label cidata) holding
// files. The ISO name is expected to be content addressed, so an existing file
// is kept.
func NewProvisioningMedia(path string, files map[string]string) Command {
	return Command{
		Name: CmdNewProvisioningMedia,
		Params: []Param{
			{Name: "Path", Value: path},
			{Name: "Files", Value: files},
		},
		IfMissing: path,
	}
}
