package hypervcli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

// Client exposes typed helpers for controlling Hyper-V through PowerShell.
type Client interface {
	Version(ctx context.Context) (string, error)
	QueryVM(ctx context.Context, id uuid.UUID) (models.VM, error)
	FindVM(ctx context.Context, name string) (models.VM, error)
	GetFirmwareInfo(ctx context.Context, id uuid.UUID) (models.FirmwareInfo, error)
	Run(ctx context.Context, cmd Command) error
	RunOutOfProcess(ctx context.Context, cmd Command) error
	CreateVM(ctx context.Context, opts models.CreateOptions) (models.VM, error)
	RemoveVM(ctx context.Context, id uuid.UUID) error
	ListSwitches(ctx context.Context, refresh bool) ([]models.Switch, error)
	Close() error
}

// Observer is notified after every mutating command.
type Observer interface {
	CommandFinished(command string, mode Mode, err error)
}

// Config controls the PowerShell client instantiation.
type Config struct {
	BinaryPath string
	Timeout    int // Seconds
	Observer   Observer
}

type client struct {
	inProcess    shell
	outOfProcess shell
	timeout      time.Duration
	observer     Observer

	mu          sync.Mutex
	switchCache *cacheEntry[[]models.Switch]
}

const (
	defaultBinary  = "powershell.exe"
	defaultTimeout = 5 * time.Minute
	cacheTTL       = 10 * time.Second
)

// NewClient validates the supplied configuration and returns an initialized Client.
// The PowerShell process backing the in-process mode is started lazily.
func NewClient(_ context.Context, cfg Config) (Client, error) {
	binary := cfg.BinaryPath
	if binary == "" {
		binary = defaultBinary
	}

	if !strings.Contains(binary, "/") && !strings.Contains(binary, "\\") {
		// Look up in PATH to produce early errors.
		if _, err := exec.LookPath(binary); err != nil {
			return nil, fmt.Errorf("unable to find powershell binary %q in PATH: %w", binary, err)
		}
	}

	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return newClient(newSession(binary), oneShot{binary: binary}, timeout, cfg.Observer), nil
}

func newClient(in, out shell, timeout time.Duration, observer Observer) *client {
	return &client{
		inProcess:    in,
		outOfProcess: out,
		timeout:      timeout,
		observer:     observer,
	}
}

func (c *client) Version(ctx context.Context) (string, error) {
	var v string
	if err := c.query(ctx, "version", versionScript, &v); err != nil {
		return "", err
	}
	return strings.TrimSpace(v), nil
}

func (c *client) QueryVM(ctx context.Context, id uuid.UUID) (models.VM, error) {
	var entry vmEntry
	if err := c.query(ctx, "query vm", queryVMScript(id), &entry); err != nil {
		return models.VM{}, fmt.Errorf("query vm %s: %w", id, err)
	}
	return entry.toModel()
}

func (c *client) FindVM(ctx context.Context, name string) (models.VM, error) {
	if name == "" {
		return models.VM{}, fmt.Errorf("vm name is required")
	}
	var entry vmEntry
	if err := c.query(ctx, "find vm", findVMScript(name), &entry); err != nil {
		return models.VM{}, fmt.Errorf("find vm %q: %w", name, err)
	}
	return entry.toModel()
}

func (c *client) GetFirmwareInfo(ctx context.Context, id uuid.UUID) (models.FirmwareInfo, error) {
	var entry firmwareEntry
	if err := c.query(ctx, "get firmware", firmwareScript(id), &entry); err != nil {
		return models.FirmwareInfo{}, fmt.Errorf("get firmware of vm %s: %w", id, err)
	}
	return models.FirmwareInfo{
		SecureBoot:         entry.SecureBoot,
		SecureBootTemplate: entry.SecureBootTemplate,
	}, nil
}

func (c *client) Run(ctx context.Context, cmd Command) error {
	return c.runCommand(ctx, c.inProcess, ModeInProcess, cmd)
}

func (c *client) RunOutOfProcess(ctx context.Context, cmd Command) error {
	return c.runCommand(ctx, c.outOfProcess, ModeOutOfProcess, cmd)
}

func (c *client) CreateVM(ctx context.Context, opts models.CreateOptions) (models.VM, error) {
	if opts.Name == "" {
		return models.VM{}, fmt.Errorf("vm name is required")
	}
	generation := opts.Generation
	if generation == 0 {
		generation = 2
	}
	memory := opts.MemoryMiB
	if memory <= 0 {
		memory = models.DefaultMemoryMiB
	}

	var rawID string
	script := createVMScript(opts.Name, opts.Path, generation, memory*bytesPerMiB)
	if err := c.exec(ctx, c.inProcess, ModeInProcess, "New-VM", script, &rawID); err != nil {
		return models.VM{}, fmt.Errorf("create vm %q: %w", opts.Name, err)
	}
	id, err := uuid.Parse(strings.TrimSpace(rawID))
	if err != nil {
		return models.VM{}, fmt.Errorf("create vm %q: host returned invalid id %q: %w", opts.Name, rawID, err)
	}
	return c.QueryVM(ctx, id)
}

func (c *client) RemoveVM(ctx context.Context, id uuid.UUID) error {
	if err := c.exec(ctx, c.inProcess, ModeInProcess, "Remove-VM", removeVMScript(id), nil); err != nil {
		return fmt.Errorf("remove vm %s: %w", id, err)
	}
	return nil
}

func (c *client) ListSwitches(ctx context.Context, refresh bool) ([]models.Switch, error) {
	c.mu.Lock()
	if cached, ok := c.switchCache.get(time.Now()); ok && !refresh {
		defer c.mu.Unlock()
		return cloneSwitches(cached), nil
	}
	c.mu.Unlock()

	var entries jsonList[switchEntry]
	if err := c.query(ctx, "list switches", switchesScript, &entries); err != nil {
		return nil, fmt.Errorf("list switches: %w", err)
	}
	switches := toSwitches(entries)

	c.mu.Lock()
	c.switchCache = newCacheEntry(switches, cacheTTL)
	c.mu.Unlock()

	return cloneSwitches(switches), nil
}

func (c *client) Close() error {
	return errors.Join(c.inProcess.close(), c.outOfProcess.close())
}

func (c *client) runCommand(ctx context.Context, sh shell, mode Mode, cmd Command) error {
	script, err := cmd.Script()
	if err != nil {
		return err
	}
	err = c.exec(ctx, sh, mode, cmd.String(), script, nil)
	if c.observer != nil {
		c.observer.CommandFinished(cmd.Name, mode, err)
	}
	return err
}

func (c *client) query(ctx context.Context, what, script string, dest any) error {
	return c.exec(ctx, c.inProcess, ModeInProcess, what, script, dest)
}

func (c *client) exec(ctx context.Context, sh shell, mode Mode, what, script string, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	log := logr.FromContextOrDiscard(ctx).WithValues("command", what, "mode", mode)
	start := time.Now()

	out, err := sh.exec(ctx, script)
	if err != nil {
		var cmdErr *CommandError
		switch {
		case errors.As(err, &cmdErr):
			cmdErr.Command = what
			return cmdErr
		case errors.Is(err, context.DeadlineExceeded):
			return &CommandError{Command: what, Mode: mode, Message: fmt.Sprintf("timed out after %s", c.timeout), Err: err}
		default:
			return &CommandError{Command: what, Mode: mode, Err: err}
		}
	}

	resp, err := decodeResponse(out)
	if err != nil {
		return &CommandError{Command: what, Mode: mode, Err: err}
	}
	log.V(1).Info("host command finished", "ok", resp.OK, "duration", time.Since(start))

	if !resp.OK {
		if isNotFoundMessage(resp.Error) {
			return fmt.Errorf("%w: %s", ErrNotFound, resp.Error)
		}
		return &CommandError{Command: what, Mode: mode, Message: resp.Error}
	}

	if dest == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, dest); err != nil {
		return fmt.Errorf("unable to parse output of %s: %w", what, err)
	}
	return nil
}

func isNotFoundMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "unable to find a virtual machine") ||
		strings.Contains(msg, "was unable to find")
}

func cloneSwitches(in []models.Switch) []models.Switch {
	out := make([]models.Switch, len(in))
	copy(out, in)
	return out
}
