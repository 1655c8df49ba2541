package hypervcli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

// response is the JSON envelope every script prints.
type response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func decodeResponse(out []byte) (response, error) {
	var resp response
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return resp, fmt.Errorf("empty powershell output")
	}
	// Warnings written to the success stream end up before the envelope;
	// the envelope is always the last line.
	if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
		trimmed = bytes.TrimSpace(trimmed[i+1:])
	}
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return resp, fmt.Errorf("unable to parse powershell output: %w", err)
	}
	return resp, nil
}

// jsonList decodes either a JSON array or a single object. ConvertTo-Json
// unrolls one-element collections depending on how they were produced.
type jsonList[T any] []T

func (l *jsonList[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if data[0] == '[' {
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	var item T
	if err := json.Unmarshal(data, &item); err != nil {
		return err
	}
	*l = jsonList[T]{item}
	return nil
}

type vmEntry struct {
	ID              string                 `json:"Id"`
	Name            string                 `json:"Name"`
	Generation      int                    `json:"Generation"`
	State           string                 `json:"State"`
	ProcessorCount  int                    `json:"ProcessorCount"`
	Memory          memoryEntry            `json:"Memory"`
	NetworkAdapters jsonList[adapterEntry] `json:"NetworkAdapters"`
	HardDrives      jsonList[driveEntry]   `json:"HardDrives"`
	DvdDrives       jsonList[driveEntry]   `json:"DvdDrives"`
	Firmware        *firmwareEntry         `json:"Firmware"`
}

type memoryEntry struct {
	Startup              int64 `json:"Startup"`
	Minimum              int64 `json:"Minimum"`
	Maximum              int64 `json:"Maximum"`
	DynamicMemoryEnabled bool  `json:"DynamicMemoryEnabled"`
}

type adapterEntry struct {
	ID         string `json:"Id"`
	Name       string `json:"Name"`
	Connected  bool   `json:"Connected"`
	SwitchName string `json:"SwitchName"`
	MacAddress string `json:"MacAddress"`
}

type driveEntry struct {
	ControllerType     string `json:"ControllerType"`
	ControllerNumber   int    `json:"ControllerNumber"`
	ControllerLocation int    `json:"ControllerLocation"`
	Path               string `json:"Path"`
	Size               uint64 `json:"Size"`
}

type firmwareEntry struct {
	SecureBoot         bool   `json:"SecureBoot"`
	SecureBootTemplate string `json:"SecureBootTemplate"`
}

type switchEntry struct {
	ID         string `json:"Id"`
	Name       string `json:"Name"`
	SwitchType string `json:"SwitchType"`
}

func (e vmEntry) toModel() (models.VM, error) {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return models.VM{}, fmt.Errorf("vm %q has invalid id %q: %w", e.Name, e.ID, err)
	}

	vm := models.VM{
		ID:             id,
		Name:           e.Name,
		Generation:     e.Generation,
		State:          parsePowerState(e.State),
		ProcessorCount: e.ProcessorCount,
		Memory: models.MemorySettings{
			Startup:        e.Memory.Startup / bytesPerMiB,
			Minimum:        e.Memory.Minimum / bytesPerMiB,
			Maximum:        e.Memory.Maximum / bytesPerMiB,
			DynamicEnabled: e.Memory.DynamicMemoryEnabled,
		},
		LastUpdated: time.Now(),
	}

	vm.NetworkAdapters = make([]models.NetworkAdapter, 0, len(e.NetworkAdapters))
	for _, a := range e.NetworkAdapters {
		vm.NetworkAdapters = append(vm.NetworkAdapters, models.NetworkAdapter{
			ID:         a.ID,
			Name:       a.Name,
			Connected:  a.Connected,
			SwitchName: a.SwitchName,
			MacAddress: sanitizeMAC(a.MacAddress),
		})
	}

	vm.Drives = make([]models.Drive, 0, len(e.HardDrives)+len(e.DvdDrives))
	for _, d := range e.HardDrives {
		vm.Drives = append(vm.Drives, d.toModel(models.DriveTypeVHD))
	}
	for _, d := range e.DvdDrives {
		vm.Drives = append(vm.Drives, d.toModel(models.DriveTypeDVD))
	}
	sort.SliceStable(vm.Drives, func(i, j int) bool {
		a, b := vm.Drives[i], vm.Drives[j]
		if a.ControllerType != b.ControllerType {
			return a.ControllerType < b.ControllerType
		}
		if a.ControllerNumber != b.ControllerNumber {
			return a.ControllerNumber < b.ControllerNumber
		}
		return a.ControllerLocation < b.ControllerLocation
	})

	if e.Firmware != nil {
		vm.Firmware = &models.FirmwareInfo{
			SecureBoot:         e.Firmware.SecureBoot,
			SecureBootTemplate: e.Firmware.SecureBootTemplate,
		}
	}
	return vm, nil
}

func (d driveEntry) toModel(t models.DriveType) models.Drive {
	return models.Drive{
		ControllerType:     models.ControllerType(strings.ToUpper(d.ControllerType)),
		ControllerNumber:   d.ControllerNumber,
		ControllerLocation: d.ControllerLocation,
		Type:               t,
		Path:               d.Path,
		SizeBytes:          d.Size,
	}
}

func parsePowerState(s string) models.PowerState {
	switch models.PowerState(s) {
	case models.PowerStateOff, models.PowerStateRunning, models.PowerStatePaused,
		models.PowerStateSaved, models.PowerStateStarting, models.PowerStateStopping,
		models.PowerStateOffCritical, models.PowerStateRunningCritical:
		return models.PowerState(s)
	default:
		return models.PowerStateOther
	}
}

// sanitizeMAC lower-cases a MAC and strips separators. Hyper-V reports
// 000000000000 for dynamic adapters that never started; that is treated as unset.
func sanitizeMAC(mac string) string {
	mac = strings.ToLower(strings.NewReplacer("-", "", ":", "", ".", "").Replace(strings.TrimSpace(mac)))
	if strings.Trim(mac, "0") == "" {
		return ""
	}
	return mac
}

func toSwitches(entries []switchEntry) []models.Switch {
	out := make([]models.Switch, 0, len(entries))
	for _, e := range entries {
		out = append(out, models.Switch{
			ID:         e.ID,
			Name:       e.Name,
			SwitchType: e.SwitchType,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}
