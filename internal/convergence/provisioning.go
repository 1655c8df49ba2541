package convergence

import (
	"context"
	"strings"

	"github.com/go-logr/logr"

	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

const (
	mediaPrefix = "cloud-init-"
	mediaSuffix = ".iso"
)

// Provisioning attaches a NoCloud ISO built from the catlet fodder. The ISO
// name carries a hash of its content, so changed fodder produces new media
// that replaces the old one in the same DVD drive.
type Provisioning struct{}

func (Provisioning) Name() string { return "provisioning" }

func (s Provisioning) Converge(ctx context.Context, c *Context, vm models.VM) (models.VM, error) {
	log := logr.FromContextOrDiscard(ctx)
	cfg := c.Config()
	dir := c.Storage().ProvisioningPath
	stale := provisioningDrives(vm, dir)

	if len(cfg.Fodder) == 0 {
		if len(stale) == 0 {
			return vm, nil
		}
		if err := c.Report(ctx, "Remove provisioning media"); err != nil {
			return vm, reportError(s.Name(), "", err)
		}
		if err := s.remove(ctx, c, stale); err != nil {
			return vm, err
		}
		return c.refresh(ctx, s.Name(), "")
	}

	if dir == "" {
		return vm, preconditionError(s.Name(), "", "provisioning path is not configured")
	}
	hostname := cfg.Hostname
	if hostname == "" {
		hostname = cfg.Name
	}
	files, err := renderNoCloud(c.CatletID(), hostname, cfg.Fodder)
	if err != nil {
		return vm, preconditionError(s.Name(), "", err.Error())
	}
	isoPath := joinPath(dir, mediaPrefix+mediaHash(files)+mediaSuffix)

	attached := false
	var extra []models.Drive
	for _, d := range stale {
		if !attached && models.SamePath(d.Path, isoPath) {
			attached = true
			continue
		}
		extra = append(extra, d)
	}
	if attached {
		if len(extra) == 0 {
			log.V(1).Info("provisioning media attached", "path", isoPath)
			return vm, nil
		}
		if err := c.Report(ctx, "Remove provisioning media"); err != nil {
			return vm, reportError(s.Name(), "", err)
		}
		if err := s.remove(ctx, c, extra); err != nil {
			return vm, err
		}
		return c.refresh(ctx, s.Name(), "")
	}

	if err := c.Report(ctx, "Attach provisioning media"); err != nil {
		return vm, reportError(s.Name(), "", err)
	}
	if err := c.run(ctx, s.Name(), isoPath, hypervcli.NewProvisioningMedia(isoPath, files)); err != nil {
		return vm, err
	}
	attach := hypervcli.AddDvdDrive(c.VMID(), isoPath)
	if len(extra) > 0 {
		attach = hypervcli.SetDvdDrive(c.VMID(), extra[0].ControllerNumber, extra[0].ControllerLocation, isoPath)
		extra = extra[1:]
	}
	if err := c.run(ctx, s.Name(), isoPath, attach); err != nil {
		return vm, err
	}
	if err := s.remove(ctx, c, extra); err != nil {
		return vm, err
	}
	return c.refresh(ctx, s.Name(), "")
}

// remove detaches the DVD drives holding outdated provisioning media.
func (s Provisioning) remove(ctx context.Context, c *Context, drives []models.Drive) error {
	for _, d := range drives {
		if err := c.run(ctx, s.Name(), d.Path, hypervcli.RemoveDvdDrive(c.VMID(), d.ControllerNumber, d.ControllerLocation)); err != nil {
			return err
		}
	}
	return nil
}

// provisioningDrives returns DVD drives holding media this step created.
func provisioningDrives(vm models.VM, dir string) []models.Drive {
	if dir == "" {
		return nil
	}
	prefix := models.NormalizePath(joinPath(dir, mediaPrefix))
	var out []models.Drive
	for _, d := range vm.Drives {
		if d.Type != models.DriveTypeDVD {
			continue
		}
		p := models.NormalizePath(d.Path)
		if strings.HasPrefix(p, prefix) && strings.HasSuffix(p, mediaSuffix) && !strings.Contains(p[len(prefix):], `\`) {
			out = append(out, d)
		}
	}
	return out
}
