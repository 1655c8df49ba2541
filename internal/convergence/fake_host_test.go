package convergence

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

var testVMID = uuid.MustParse("2FE70974-C81A-4F3A-BF4E-7BE405B88C97")

const mib = 1024 * 1024

// fakeHost simulates a Hyper-V host: commands are applied to an in-memory VM
// and every command is recorded.
type fakeHost struct {
	vm    models.VM
	files map[string]uint64

	firmware    models.FirmwareInfo
	firmwareErr error

	runErrs        map[string]error
	outOfProcErrs  map[string]error
	commands       []hypervcli.Command
	outOfProcess   []hypervcli.Command
	queries        int
	firmwareLookup int
}

func newFakeHost(vm models.VM) *fakeHost {
	return &fakeHost{
		vm:            vm,
		files:         map[string]uint64{},
		runErrs:       map[string]error{},
		outOfProcErrs: map[string]error{},
	}
}

func (h *fakeHost) QueryVM(_ context.Context, id uuid.UUID) (models.VM, error) {
	h.queries++
	if id != h.vm.ID {
		return models.VM{}, hypervcli.ErrNotFound
	}
	return cloneVM(h.vm), nil
}

func (h *fakeHost) Run(_ context.Context, cmd hypervcli.Command) error {
	h.commands = append(h.commands, cmd)
	if err := h.runErrs[cmd.Name]; err != nil {
		return err
	}
	h.apply(cmd)
	return nil
}

func (h *fakeHost) RunOutOfProcess(_ context.Context, cmd hypervcli.Command) error {
	h.outOfProcess = append(h.outOfProcess, cmd)
	if err := h.outOfProcErrs[cmd.Name]; err != nil {
		return err
	}
	h.apply(cmd)
	return nil
}

func (h *fakeHost) GetFirmwareInfo(_ context.Context, _ uuid.UUID) (models.FirmwareInfo, error) {
	h.firmwareLookup++
	if h.firmwareErr != nil {
		return models.FirmwareInfo{}, h.firmwareErr
	}
	return h.firmware, nil
}

// names returns the names of all in-process commands.
func (h *fakeHost) names() []string {
	out := make([]string, 0, len(h.commands))
	for _, c := range h.commands {
		out = append(out, c.Name)
	}
	return out
}

func (h *fakeHost) apply(cmd hypervcli.Command) {
	str := func(name string) string {
		v, _ := cmd.Param(name)
		s, _ := v.(string)
		return s
	}
	num := func(name string) int {
		v, _ := cmd.Param(name)
		n, _ := v.(int)
		return n
	}

	switch cmd.Name {
	case hypervcli.CmdSetProcessor:
		h.vm.ProcessorCount = num("Count")
	case hypervcli.CmdSetMemory:
		v, _ := cmd.Param("StartupBytes")
		h.vm.Memory.Startup = v.(int64) / mib
		d, _ := cmd.Param("DynamicMemoryEnabled")
		h.vm.Memory.DynamicEnabled = d.(bool)
		if v, ok := cmd.Param("MinimumBytes"); ok {
			h.vm.Memory.Minimum = v.(int64) / mib
		}
		if v, ok := cmd.Param("MaximumBytes"); ok {
			h.vm.Memory.Maximum = v.(int64) / mib
		}
	case hypervcli.CmdSetFirmware:
		h.vm.Firmware = &models.FirmwareInfo{
			SecureBoot:         str("EnableSecureBoot") == "On",
			SecureBootTemplate: str("SecureBootTemplate"),
		}
	case hypervcli.CmdAddNetworkAdapter:
		h.vm.NetworkAdapters = append(h.vm.NetworkAdapters, models.NetworkAdapter{
			ID:         "adapter-" + str("Name"),
			Name:       str("Name"),
			MacAddress: str("StaticMacAddress"),
		})
	case hypervcli.CmdConnectAdapter:
		for i := range h.vm.NetworkAdapters {
			if strings.EqualFold(h.vm.NetworkAdapters[i].Name, str("Name")) {
				h.vm.NetworkAdapters[i].SwitchName = str("SwitchName")
			}
		}
	case hypervcli.CmdNewVHD:
		path := str("Path")
		if _, exists := h.files[path]; exists {
			return
		}
		if parent := str("ParentPath"); parent != "" {
			h.files[path] = h.files[parent]
			return
		}
		v, _ := cmd.Param("SizeBytes")
		h.files[path] = v.(uint64)
	case hypervcli.CmdResizeVHD:
		v, _ := cmd.Param("SizeBytes")
		h.files[str("Path")] = v.(uint64)
		for i := range h.vm.Drives {
			if strings.EqualFold(h.vm.Drives[i].Path, str("Path")) {
				h.vm.Drives[i].SizeBytes = v.(uint64)
			}
		}
	case hypervcli.CmdAddHardDiskDrive:
		h.attach(models.DriveTypeVHD, str("Path"))
	case hypervcli.CmdAddDvdDrive:
		h.attach(models.DriveTypeDVD, str("Path"))
	case hypervcli.CmdSetDvdDrive:
		for i := range h.vm.Drives {
			d := &h.vm.Drives[i]
			if d.Type == models.DriveTypeDVD && d.ControllerNumber == num("ControllerNumber") && d.ControllerLocation == num("ControllerLocation") {
				d.Path = str("Path")
			}
		}
	case hypervcli.CmdRemoveDvdDrive:
		kept := h.vm.Drives[:0]
		for _, d := range h.vm.Drives {
			if d.Type == models.DriveTypeDVD && d.ControllerNumber == num("ControllerNumber") && d.ControllerLocation == num("ControllerLocation") {
				continue
			}
			kept = append(kept, d)
		}
		h.vm.Drives = kept
	case hypervcli.CmdNewProvisioningMedia:
		h.files[str("Path")] = 1
	}
}

func (h *fakeHost) attach(t models.DriveType, path string) {
	h.vm.Drives = append(h.vm.Drives, models.Drive{
		ControllerType:     models.ControllerSCSI,
		ControllerLocation: len(h.vm.Drives),
		Type:               t,
		Path:               path,
		SizeBytes:          h.files[path],
	})
}

func cloneVM(vm models.VM) models.VM {
	out := vm
	out.NetworkAdapters = append([]models.NetworkAdapter(nil), vm.NetworkAdapters...)
	out.Drives = append([]models.Drive(nil), vm.Drives...)
	if vm.Firmware != nil {
		fw := *vm.Firmware
		out.Firmware = &fw
	}
	return out
}

// offVM returns a stopped generation 2 VM with a single processor.
func offVM() models.VM {
	return models.VM{
		ID:             testVMID,
		Name:           "catlet-1",
		Generation:     2,
		State:          models.PowerStateOff,
		ProcessorCount: 1,
		Memory:         models.MemorySettings{Startup: 1024, Minimum: 512, Maximum: 1048576},
		Firmware:       &models.FirmwareInfo{SecureBoot: false, SecureBootTemplate: "MicrosoftWindows"},
	}
}

type reports struct {
	messages []string
	err      error
}

func (r *reports) reporter() Reporter {
	return func(_ context.Context, message string) error {
		r.messages = append(r.messages, message)
		return r.err
	}
}

func newTestContext(t *testing.T, host Host, cfg models.CatletConfig, r *reports) *Context {
	t.Helper()
	p := Params{
		CatletID: "catlet-1",
		VMID:     testVMID,
		Config:   cfg,
		Storage: models.StorageSettings{
			VMPath:           `C:\catlets\catlet-1`,
			DiskPath:         `C:\catlets\catlet-1\disks`,
			ProvisioningPath: `C:\catlets\catlet-1\provisioning`,
		},
		Host: host,
	}
	if r != nil {
		p.Reporter = r.reporter()
	}
	c, err := NewContext(p)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return c
}

var errHost = errors.New("host failure")
