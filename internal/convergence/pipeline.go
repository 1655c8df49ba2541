package convergence

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

// Step converges one aspect of a VM. A step returns the VM unchanged when it
// already matches the configuration; otherwise it reports progress, issues the
// mutation and returns a freshly queried VM.
type Step interface {
	Name() string
	Converge(ctx context.Context, c *Context, vm models.VM) (models.VM, error)
}

// DefaultSteps returns the canonical step order.
func DefaultSteps() []Step {
	return []Step{
		CPU{},
		Memory{},
		SecureBoot{},
		Drives{},
		NetworkAdapters{},
		Provisioning{},
	}
}

// Observer is notified after every step.
type Observer interface {
	StepFinished(step string, duration time.Duration, err error)
}

// Pipeline runs steps in order and stops at the first error.
type Pipeline struct {
	Steps    []Step
	Observer Observer
}

// Converge runs the default steps.
func Converge(ctx context.Context, c *Context, initial models.VM) (models.VM, error) {
	return Pipeline{Steps: DefaultSteps()}.Run(ctx, c, initial)
}

// Run runs steps over initial.
func Run(ctx context.Context, c *Context, initial models.VM, steps ...Step) (models.VM, error) {
	return Pipeline{Steps: steps}.Run(ctx, c, initial)
}

// Run folds the steps over initial. On failure it returns the VM produced by
// the last successful step together with the step's error.
func (p Pipeline) Run(ctx context.Context, c *Context, initial models.VM) (models.VM, error) {
	if c == nil {
		return initial, errors.New("convergence context is required")
	}
	if initial.ID != c.VMID() {
		return initial, preconditionError("pipeline", "", "vm snapshot does not belong to vm "+c.VMID().String())
	}

	log := logr.FromContextOrDiscard(ctx).WithValues("catlet", c.CatletID(), "vm", c.VMID().String())
	vm := initial
	for _, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			return vm, &Error{Kind: KindCanceled, Step: step.Name(), Message: "run canceled", Err: err}
		}

		stepLog := log.WithName(step.Name())
		start := time.Now()
		next, err := step.Converge(logr.NewContext(ctx, stepLog), c, vm)
		if p.Observer != nil {
			p.Observer.StepFinished(step.Name(), time.Since(start), err)
		}
		if err != nil {
			stepLog.Error(err, "step failed")
			return vm, err
		}
		vm = next
	}
	return vm, nil
}
