package main

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

type snapshot struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Generation      int               `yaml:"generation"`
	State           string            `yaml:"state"`
	ProcessorCount  int               `yaml:"processor_count"`
	Memory          memorySnapshot    `yaml:"memory"`
	SecureBoot      *firmwareSnapshot `yaml:"secure_boot,omitempty"`
	NetworkAdapters []adapterSnapshot `yaml:"network_adapters,omitempty"`
	Drives          []driveSnapshot   `yaml:"drives,omitempty"`
	LastUpdated     string            `yaml:"last_updated,omitempty"`
}

type memorySnapshot struct {
	Startup int64 `yaml:"startup"`
	Minimum int64 `yaml:"minimum,omitempty"`
	Maximum int64 `yaml:"maximum,omitempty"`
	Dynamic bool  `yaml:"dynamic"`
}

type firmwareSnapshot struct {
	Enabled  bool   `yaml:"enabled"`
	Template string `yaml:"template,omitempty"`
}

type adapterSnapshot struct {
	Name       string `yaml:"name"`
	SwitchName string `yaml:"switch_name,omitempty"`
	MacAddress string `yaml:"mac_address"`
}

type driveSnapshot struct {
	Type       string `yaml:"type"`
	Controller string `yaml:"controller"`
	Path       string `yaml:"path,omitempty"`
	SizeBytes  uint64 `yaml:"size_bytes,omitempty"`
}

func toSnapshot(vm models.VM) snapshot {
	s := snapshot{
		ID:             vm.ID.String(),
		Name:           vm.Name,
		Generation:     vm.Generation,
		State:          string(vm.State),
		ProcessorCount: vm.ProcessorCount,
		Memory: memorySnapshot{
			Startup: vm.Memory.Startup,
			Minimum: vm.Memory.Minimum,
			Maximum: vm.Memory.Maximum,
			Dynamic: vm.Memory.DynamicEnabled,
		},
	}
	if vm.Firmware != nil {
		s.SecureBoot = &firmwareSnapshot{Enabled: vm.Firmware.SecureBoot, Template: vm.Firmware.SecureBootTemplate}
	}
	for _, a := range vm.NetworkAdapters {
		s.NetworkAdapters = append(s.NetworkAdapters, adapterSnapshot{Name: a.Name, SwitchName: a.SwitchName, MacAddress: a.MacAddress})
	}
	for _, d := range vm.Drives {
		s.Drives = append(s.Drives, driveSnapshot{
			Type:       string(d.Type),
			Controller: fmt.Sprintf("%s %d:%d", d.ControllerType, d.ControllerNumber, d.ControllerLocation),
			Path:       d.Path,
			SizeBytes:  d.SizeBytes,
		})
	}
	if !vm.LastUpdated.IsZero() {
		s.LastUpdated = vm.LastUpdated.UTC().Format(time.RFC3339)
	}
	return s
}

func writeSnapshot(w io.Writer, vm models.VM) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(toSnapshot(vm)); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return enc.Close()
}
