package convergence

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

// SecureBoot converges the secure boot flag and template of generation 2 VMs.
//
// Setting the template in-process intermittently fails on some hosts, so a
// failed in-process attempt is repeated once in a dedicated PowerShell
// process. No other step retries.
type SecureBoot struct{}

func (SecureBoot) Name() string { return "secure_boot" }

func (s SecureBoot) Converge(ctx context.Context, c *Context, vm models.VM) (models.VM, error) {
	log := logr.FromContextOrDiscard(ctx)
	enabled, template := c.Config().SecureBoot()
	if template == "" {
		template = c.Defaults().SecureBootTemplate
	}

	if vm.Generation == 1 {
		if !enabled {
			return vm, nil
		}
		return vm, preconditionError(s.Name(), "", "secure boot requires a generation 2 VM")
	}

	firmware := vm.Firmware
	if firmware == nil {
		info, err := c.host.GetFirmwareInfo(ctx, c.VMID())
		if err != nil {
			return vm, &Error{Kind: KindFirmwareLookupFailed, Step: s.Name(), Message: "read firmware settings", Err: err}
		}
		firmware = &info
	}

	if firmware.SecureBoot == enabled && strings.EqualFold(firmware.SecureBootTemplate, template) {
		log.V(1).Info("secure boot matches", "enabled", enabled, "template", firmware.SecureBootTemplate)
		return vm, nil
	}

	if !vm.State.IsOff() {
		return vm, preconditionError(s.Name(), "",
			fmt.Sprintf("secure boot settings can only be changed while the VM is off (state %s); stop the VM first", vm.State))
	}

	// Hyper-V accepts the template while secure boot is off, so both are
	// always set together.
	message := fmt.Sprintf("Configuring secure boot settings (Template: %s)", template)
	if !enabled {
		message = "Configuring secure boot settings (Secure Boot: Off)"
	}
	if err := c.Report(ctx, message); err != nil {
		return vm, reportError(s.Name(), "", err)
	}

	cmd := hypervcli.SetSecureBoot(c.VMID(), enabled, template)
	if err := c.host.Run(ctx, cmd); err != nil {
		if ctx.Err() != nil {
			return vm, hostError(s.Name(), "", "run "+cmd.Name, err)
		}
		log.Info("in-process firmware update failed, retrying out of process", "error", err.Error())
		if err := c.host.RunOutOfProcess(ctx, cmd); err != nil {
			return vm, hostError(s.Name(), "", "run "+cmd.Name+" out of process", err)
		}
	}
	return c.refresh(ctx, s.Name(), "")
}
