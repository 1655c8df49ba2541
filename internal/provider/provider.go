package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-version"
	"github.com/hashicorp/terraform-plugin-framework-validators/int64validator"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/provider"
	"github.com/hashicorp/terraform-plugin-framework/provider/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/todoroff/terraform-provider-catlet/internal/config"
	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
)

// minPowerShellVersion is the first release shipping the Hyper-V module
// cmdlets and ConvertTo-Json -Compress used by the client.
const minPowerShellVersion = "5.1.0"

// New returns a function that instantiates a catlet provider configured with
// the supplied version string (injected from the main package).
func New(version string) func() provider.Provider {
	return func() provider.Provider {
		return &CatletProvider{
			version: version,
		}
	}
}

var _ provider.Provider = (*CatletProvider)(nil)

// CatletProvider implements the Terraform Plugin Framework provider.Provider interface.
type CatletProvider struct {
	version string

	mu     sync.RWMutex
	client hypervcli.Client
}

// Metadata sets the provider type name and version exposed to Terraform.
func (p *CatletProvider) Metadata(_ context.Context, _ provider.MetadataRequest, resp *provider.MetadataResponse) {
	resp.TypeName = "catlet"
	resp.Version = p.version
}

// Schema defines the provider-level configuration attributes.
func (p *CatletProvider) Schema(_ context.Context, _ provider.SchemaRequest, resp *provider.SchemaResponse) {
	nonEmpty := []validator.String{stringvalidator.LengthAtLeast(1)}

	resp.Schema = schema.Schema{
		Description: "Provider for converging Hyper-V virtual machines to catlet definitions via PowerShell.",
		Attributes: map[string]schema.Attribute{
			"powershell_path": schema.StringAttribute{
				Optional:            true,
				Description:         "Path to the PowerShell binary. Defaults to powershell.exe found in PATH.",
				MarkdownDescription: "Path to the PowerShell binary. Defaults to `powershell.exe`, which requires it to be available on the `PATH`.",
				Validators:          nonEmpty,
			},
			"command_timeout": schema.Int64Attribute{
				Optional: true,
				Description: fmt.Sprintf(
					"Timeout for a single host command in seconds (default: %d).",
					config.DefaultHostConfig().CommandTimeout,
				),
				Validators: []validator.Int64{int64validator.AtLeast(1)},
			},
			"vm_path": schema.StringAttribute{
				Optional:            true,
				Description:         "Directory below which every catlet gets its own folder for configuration, disks and provisioning media.",
				MarkdownDescription: "Directory below which every catlet gets its own folder. Disks are stored in `<vm_path>\\<name>\\disks`.",
				Validators:          nonEmpty,
			},
			"default_switch": schema.StringAttribute{
				Optional:    true,
				Description: "Virtual switch used by network adapters without an explicit switch.",
				Validators:  nonEmpty,
			},
			"default_secure_boot_template": schema.StringAttribute{
				Optional:    true,
				Description: "Secure boot template used when the secure_boot capability names none.",
				Validators:  nonEmpty,
			},
			"host_defaults_file": schema.StringAttribute{
				Optional:            true,
				Description:         "YAML file with host settings. Provider attributes take precedence over the file.",
				MarkdownDescription: "YAML file with host settings (`powershell_path`, `command_timeout`, `vm_path`, `defaults`, `switches`). Provider attributes take precedence over the file.",
				Validators:          nonEmpty,
			},
		},
	}
}

// Configure builds the PowerShell client shared across resources and data sources.
func (p *CatletProvider) Configure(ctx context.Context, req provider.ConfigureRequest, resp *provider.ConfigureResponse) {
	var model providerConfigModel

	resp.Diagnostics.Append(req.Config.Get(ctx, &model)...)
	if resp.Diagnostics.HasError() {
		return
	}

	host := config.DefaultHostConfig()
	if hasStringValue(model.HostDefaultsFile) {
		loaded, err := config.LoadHostConfig(model.HostDefaultsFile.ValueString())
		if err != nil {
			resp.Diagnostics.AddAttributeError(
				path.Root("host_defaults_file"),
				"Invalid host defaults file",
				err.Error(),
			)
			return
		}
		host = loaded
	}
	if err := config.ApplyEnvOverrides(host); err != nil {
		resp.Diagnostics.AddError("Invalid environment configuration", err.Error())
		return
	}
	model.apply(host)

	client, err := hypervcli.NewClient(ctx, hypervcli.Config{
		BinaryPath: host.PowerShellPath,
		Timeout:    host.CommandTimeout,
	})
	if err != nil {
		resp.Diagnostics.AddError("Unable to create PowerShell client", err.Error())
		return
	}

	ver, vErr := client.Version(withLogger(ctx))
	if vErr != nil {
		resp.Diagnostics.AddWarning(
			"Unable to detect PowerShell version",
			fmt.Sprintf("PowerShell could not report its version: %v", vErr),
		)
	} else {
		if err := ensureSupportedVersion(ver); err != nil {
			resp.Diagnostics.AddWarning("Unsupported PowerShell version", err.Error())
		} else {
			tflog.Info(ctx, "Detected PowerShell", map[string]any{"version": ver, "vm_path": host.VMPath})
		}
	}

	p.mu.Lock()
	if p.client != nil {
		_ = p.client.Close()
	}
	p.client = client
	p.mu.Unlock()

	resp.ResourceData = providerData{
		client: client,
		host:   host,
	}
	resp.DataSourceData = resp.ResourceData
}

// Resources returns the list of resources exposed by the provider.
func (p *CatletProvider) Resources(_ context.Context) []func() resource.Resource {
	return []func() resource.Resource{
		NewVMResource,
	}
}

// DataSources returns the list of data sources supported by the provider.
func (p *CatletProvider) DataSources(_ context.Context) []func() datasource.DataSource {
	return []func() datasource.DataSource{
		NewVMDataSource,
		NewSwitchesDataSource,
	}
}

func ensureSupportedVersion(raw string) error {
	min := version.Must(version.NewVersion(minPowerShellVersion))
	current, err := version.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("could not parse PowerShell version %q: %w", raw, err)
	}

	if current.LessThan(min) {
		return fmt.Errorf("PowerShell version %s is older than supported minimum %s", current.Original(), min.Original())
	}
	return nil
}
