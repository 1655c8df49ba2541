package convergence

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

// NetworkAdapters adds missing adapters and connects every configured adapter
// to its switch. Adapters are processed in configuration order and adapters
// not in the configuration are left alone.
type NetworkAdapters struct{}

func (NetworkAdapters) Name() string { return "network_adapters" }

func (s NetworkAdapters) Converge(ctx context.Context, c *Context, vm models.VM) (models.VM, error) {
	log := logr.FromContextOrDiscard(ctx)

	for _, spec := range c.Config().NetworkAdapters {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return vm, preconditionError(s.Name(), "", "network adapter name is required")
		}

		adapter, found := vm.FindAdapter(name)
		if !found {
			mac, err := s.macFor(c, spec)
			if err != nil {
				return vm, preconditionError(s.Name(), name, err.Error())
			}
			next, err := c.apply(ctx, s.Name(), name,
				fmt.Sprintf("Add Network Adapter: %s", name),
				hypervcli.AddNetworkAdapter(c.VMID(), name, mac))
			if err != nil {
				return vm, err
			}
			vm = next
			if adapter, found = vm.FindAdapter(name); !found {
				return vm, hostError(s.Name(), name, "adapter missing after it was added", nil)
			}
		}

		switchName := resolveSwitch(c, spec)
		if strings.EqualFold(adapter.SwitchName, switchName) {
			log.V(1).Info("adapter already connected", "adapter", name, "switch", switchName)
			continue
		}

		next, err := c.apply(ctx, s.Name(), name,
			fmt.Sprintf("Connecting Network Adapter %s to switch %s", name, switchName),
			hypervcli.ConnectNetworkAdapter(c.VMID(), name, switchName))
		if err != nil {
			return vm, err
		}
		vm = next
	}
	return vm, nil
}

func (NetworkAdapters) macFor(c *Context, spec models.NetworkAdapterConfig) (string, error) {
	if strings.TrimSpace(spec.MacAddress) == "" {
		return GenerateMAC(c.VMID(), strings.TrimSpace(spec.Name)), nil
	}
	return normalizeMAC(spec.MacAddress)
}

// resolveSwitch picks the switch from the resolved network settings, the
// adapter configuration and the host default, in that order.
func resolveSwitch(c *Context, spec models.NetworkAdapterConfig) string {
	if sw, ok := c.Network().SwitchFor(spec.Name); ok {
		return sw
	}
	if sw := strings.TrimSpace(spec.SwitchName); sw != "" {
		return sw
	}
	return c.Defaults().SwitchName
}
