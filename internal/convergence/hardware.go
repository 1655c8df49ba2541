package convergence

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

// CPU converges the virtual processor count.
type CPU struct{}

func (CPU) Name() string { return "cpu" }

func (s CPU) Converge(ctx context.Context, c *Context, vm models.VM) (models.VM, error) {
	want := c.Config().CPU.Count
	if want <= 0 {
		want = c.Defaults().CPUCount
	}
	if vm.ProcessorCount == want {
		logr.FromContextOrDiscard(ctx).V(1).Info("processor count matches", "count", want)
		return vm, nil
	}

	return c.apply(ctx, s.Name(), "",
		fmt.Sprintf("Configure VM Processor: Count: %d", want),
		hypervcli.SetProcessorCount(c.VMID(), want))
}

// Memory converges startup memory and the dynamic memory range.
type Memory struct{}

func (Memory) Name() string { return "memory" }

func (s Memory) Converge(ctx context.Context, c *Context, vm models.VM) (models.VM, error) {
	cfg := c.Config()
	dynamic := cfg.DynamicMemory()

	startup := cfg.Memory.Startup
	if startup <= 0 {
		startup = c.Defaults().MemoryMiB
	}
	minimum, maximum := vm.Memory.Minimum, vm.Memory.Maximum
	if cfg.Memory.Minimum > 0 {
		minimum = cfg.Memory.Minimum
	}
	if cfg.Memory.Maximum > 0 {
		maximum = cfg.Memory.Maximum
	}

	if dynamic && minimum > startup {
		return vm, preconditionError(s.Name(), "", fmt.Sprintf("minimum memory %d MB exceeds startup memory %d MB", minimum, startup))
	}
	if dynamic && maximum < startup {
		maximum = startup
	}

	matches := vm.Memory.Startup == startup && vm.Memory.DynamicEnabled == dynamic
	if dynamic {
		matches = matches && vm.Memory.Minimum == minimum && vm.Memory.Maximum == maximum
	}
	if matches {
		logr.FromContextOrDiscard(ctx).V(1).Info("memory matches", "startup", startup, "dynamic", dynamic)
		return vm, nil
	}

	if vm.Memory.DynamicEnabled != dynamic && !vm.State.IsOff() {
		return vm, preconditionError(s.Name(), "",
			fmt.Sprintf("dynamic memory can only be changed while the VM is off (state %s); stop the VM first", vm.State))
	}

	message := fmt.Sprintf("Configure VM Memory: Startup: %d MB", startup)
	if dynamic {
		message = fmt.Sprintf("Configure VM Memory: Startup: %d MB, Minimum: %d MB, Maximum: %d MB", startup, minimum, maximum)
	}
	return c.apply(ctx, s.Name(), "", message,
		hypervcli.SetMemory(c.VMID(), startup, minimum, maximum, dynamic))
}
