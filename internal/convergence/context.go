package convergence

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

// Host is the part of the Hyper-V client the steps depend on.
type Host interface {
	QueryVM(ctx context.Context, id uuid.UUID) (models.VM, error)
	Run(ctx context.Context, cmd hypervcli.Command) error
	RunOutOfProcess(ctx context.Context, cmd hypervcli.Command) error
	GetFirmwareInfo(ctx context.Context, id uuid.UUID) (models.FirmwareInfo, error)
}

// Reporter receives human readable progress messages before each mutation.
// A non-nil error aborts the run.
type Reporter func(ctx context.Context, message string) error

// Params are the inputs of one convergence run.
type Params struct {
	CatletID string
	VMID     uuid.UUID
	Config   models.CatletConfig
	Defaults models.HostDefaults
	Storage  models.StorageSettings
	Network  models.NetworkSettings
	Host     Host
	Reporter Reporter
}

// Context is the read-only input bundle shared by all steps of a run.
type Context struct {
	catletID string
	vmID     uuid.UUID
	config   models.CatletConfig
	defaults models.HostDefaults
	storage  models.StorageSettings
	network  models.NetworkSettings
	host     Host
	reporter Reporter
}

// NewContext validates p and builds the Context for a single run. Unset host
// defaults are filled with the built-in values.
func NewContext(p Params) (*Context, error) {
	if p.Host == nil {
		return nil, errors.New("host is required")
	}
	if p.VMID == uuid.Nil {
		return nil, errors.New("vm id is required")
	}
	catletID := p.CatletID
	if catletID == "" {
		catletID = p.VMID.String()
	}

	switches := make(map[string]string, len(p.Network.Switches))
	for k, v := range p.Network.Switches {
		switches[k] = v
	}

	return &Context{
		catletID: catletID,
		vmID:     p.VMID,
		config:   p.Config,
		defaults: p.Defaults.WithFallbacks(),
		storage:  p.Storage,
		network:  models.NetworkSettings{Switches: switches},
		host:     p.Host,
		reporter: p.Reporter,
	}, nil
}

func (c *Context) CatletID() string                { return c.catletID }
func (c *Context) VMID() uuid.UUID                 { return c.vmID }
func (c *Context) Config() models.CatletConfig     { return c.config }
func (c *Context) Defaults() models.HostDefaults   { return c.defaults }
func (c *Context) Storage() models.StorageSettings { return c.storage }
func (c *Context) Network() models.NetworkSettings { return c.network }

// Report logs message and forwards it to the reporter.
func (c *Context) Report(ctx context.Context, message string) error {
	logr.FromContextOrDiscard(ctx).Info(message)
	if c.reporter == nil {
		return nil
	}
	return c.reporter(ctx, message)
}

// refresh re-queries the VM after a mutation.
func (c *Context) refresh(ctx context.Context, step, resource string) (models.VM, error) {
	vm, err := c.host.QueryVM(ctx, c.vmID)
	if err != nil {
		return models.VM{}, hostError(step, resource, "query vm", err)
	}
	return vm, nil
}

// apply reports message, runs cmd in-process and returns the refreshed VM.
func (c *Context) apply(ctx context.Context, step, resource, message string, cmd hypervcli.Command) (models.VM, error) {
	if err := c.Report(ctx, message); err != nil {
		return models.VM{}, reportError(step, resource, err)
	}
	if err := c.host.Run(ctx, cmd); err != nil {
		return models.VM{}, hostError(step, resource, fmt.Sprintf("run %s", cmd.Name), err)
	}
	return c.refresh(ctx, step, resource)
}

// run executes a command without reporting or re-querying. Steps issuing
// several commands for one divergence use it for all but the last.
func (c *Context) run(ctx context.Context, step, resource string, cmd hypervcli.Command) error {
	if err := c.host.Run(ctx, cmd); err != nil {
		return hostError(step, resource, fmt.Sprintf("run %s", cmd.Name), err)
	}
	return nil
}
