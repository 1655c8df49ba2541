package convergence

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

const bytesPerGiB = 1024 * 1024 * 1024

// Drives creates and attaches configured VHDs, attaches DVD images and grows
// VHDs smaller than configured. Disks are never shrunk and drives missing
// from the configuration are left attached.
type Drives struct{}

func (Drives) Name() string { return "drives" }

func (s Drives) Converge(ctx context.Context, c *Context, vm models.VM) (models.VM, error) {
	var err error
	for _, cfg := range c.Config().Drives {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			return vm, preconditionError(s.Name(), "", "drive name is required")
		}
		switch cfg.Type {
		case models.DriveTypeVHD, "":
			vm, err = s.convergeVHD(ctx, c, vm, name, cfg)
		case models.DriveTypeDVD:
			vm, err = s.convergeDVD(ctx, c, vm, name, cfg)
		default:
			return vm, preconditionError(s.Name(), name, fmt.Sprintf("unsupported drive type %q", cfg.Type))
		}
		if err != nil {
			return vm, err
		}
	}
	return vm, nil
}

func (s Drives) convergeVHD(ctx context.Context, c *Context, vm models.VM, name string, cfg models.DriveConfig) (models.VM, error) {
	log := logr.FromContextOrDiscard(ctx)
	if cfg.Size < 0 {
		return vm, preconditionError(s.Name(), name, "drive size must not be negative")
	}
	dir := c.Storage().DiskPath
	if dir == "" {
		return vm, preconditionError(s.Name(), name, "disk path is not configured")
	}
	path := joinPath(dir, name+".vhdx")
	wantBytes := uint64(cfg.Size) * bytesPerGiB

	drive, attached := vm.FindDrive(path)
	if !attached {
		if cfg.Source == "" && cfg.Size == 0 {
			return vm, preconditionError(s.Name(), name, "either size or source is required for a new disk")
		}
		if err := c.Report(ctx, fmt.Sprintf("Create VHD: %s", name)); err != nil {
			return vm, reportError(s.Name(), name, err)
		}
		if err := c.run(ctx, s.Name(), name, hypervcli.NewVHD(path, wantBytes, cfg.Source)); err != nil {
			return vm, err
		}

		next, err := c.apply(ctx, s.Name(), name,
			fmt.Sprintf("Add Hard Drive: %s", name),
			hypervcli.AddHardDiskDrive(c.VMID(), path))
		if err != nil {
			return vm, err
		}
		vm = next
		if drive, attached = vm.FindDrive(path); !attached {
			return vm, hostError(s.Name(), name, "disk missing after it was attached", nil)
		}
	}

	if cfg.Size == 0 || drive.SizeBytes >= wantBytes {
		log.V(1).Info("disk matches", "drive", name, "sizeBytes", drive.SizeBytes)
		return vm, nil
	}
	return c.apply(ctx, s.Name(), name,
		fmt.Sprintf("Resize VHD: %s to %d GB", name, cfg.Size),
		hypervcli.ResizeVHD(path, wantBytes))
}

func (s Drives) convergeDVD(ctx context.Context, c *Context, vm models.VM, name string, cfg models.DriveConfig) (models.VM, error) {
	if cfg.Source == "" {
		return vm, preconditionError(s.Name(), name, "dvd drive requires a source image")
	}
	if _, attached := vm.FindDrive(cfg.Source); attached {
		logr.FromContextOrDiscard(ctx).V(1).Info("dvd attached", "drive", name)
		return vm, nil
	}
	return c.apply(ctx, s.Name(), name,
		fmt.Sprintf("Add DVD Drive: %s", name),
		hypervcli.AddDvdDrive(c.VMID(), cfg.Source))
}

// joinPath joins a host directory and a file name with the Windows separator.
func joinPath(dir, name string) string {
	return strings.ReplaceAll(strings.TrimRight(dir, `\/`), "/", `\`) + `\` + name
}
