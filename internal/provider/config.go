package provider

import (
	"github.com/hashicorp/terraform-plugin-framework/types"

	"github.com/todoroff/terraform-provider-catlet/internal/config"
	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
)

type providerConfigModel struct {
	PowerShellPath            types.String `tfsdk:"powershell_path"`
	CommandTimeout            types.Int64  `tfsdk:"command_timeout"`
	VMPath                    types.String `tfsdk:"vm_path"`
	DefaultSwitch             types.String `tfsdk:"default_switch"`
	DefaultSecureBootTemplate types.String `tfsdk:"default_secure_boot_template"`
	HostDefaultsFile          types.String `tfsdk:"host_defaults_file"`
}

type providerData struct {
	client hypervcli.Client
	host   *config.HostConfig
}

// apply overrides host settings with values set in the provider block.
func (m providerConfigModel) apply(cfg *config.HostConfig) {
	if hasStringValue(m.PowerShellPath) {
		cfg.PowerShellPath = m.PowerShellPath.ValueString()
	}
	if !m.CommandTimeout.IsNull() && !m.CommandTimeout.IsUnknown() {
		cfg.CommandTimeout = int(m.CommandTimeout.ValueInt64())
	}
	if hasStringValue(m.VMPath) {
		cfg.VMPath = m.VMPath.ValueString()
	}
	if hasStringValue(m.DefaultSwitch) {
		cfg.Defaults.SwitchName = m.DefaultSwitch.ValueString()
	}
	if hasStringValue(m.DefaultSecureBootTemplate) {
		cfg.Defaults.SecureBootTemplate = m.DefaultSecureBootTemplate.ValueString()
	}
}
