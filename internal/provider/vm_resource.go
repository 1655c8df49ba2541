package provider

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-framework-validators/int64validator"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/booldefault"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/int64planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/stringplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/tfsdk"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/todoroff/terraform-provider-catlet/internal/config"
	"github.com/todoroff/terraform-provider-catlet/internal/convergence"
	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

// Ensure implementation satisfies interfaces.
var (
	_ resource.Resource                = (*vmResource)(nil)
	_ resource.ResourceWithConfigure   = (*vmResource)(nil)
	_ resource.ResourceWithImportState = (*vmResource)(nil)
)

// NewVMResource registers the resource with the provider.
func NewVMResource() resource.Resource {
	return &vmResource{}
}

type vmResource struct {
	client hypervcli.Client
	host   *config.HostConfig
}

func (r *vmResource) Metadata(_ context.Context, req resource.MetadataRequest, resp *resource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_vm"
}

func (r *vmResource) Schema(_ context.Context, _ resource.SchemaRequest, resp *resource.SchemaResponse) {
	resp.Schema = schema.Schema{
		Description: "Creates a generation 2 Hyper-V VM and converges it to a catlet definition.",
		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				Computed:    true,
				Description: "Hyper-V VM id.",
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.UseStateForUnknown(),
				},
			},
			"name": schema.StringAttribute{
				Required:            true,
				Description:         "Catlet name. Also used as VM name and storage folder. Changing forces recreation.",
				MarkdownDescription: "Catlet name. Also used as VM name and storage folder (`<vm_path>\\<name>`). Changing forces recreation.",
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.RequiresReplace(),
				},
				Validators: []validator.String{
					stringvalidator.LengthBetween(1, 100),
				},
			},
			"hostname": schema.StringAttribute{
				Optional:    true,
				Description: "Guest hostname written to the cloud-init meta-data. Defaults to name.",
			},
			"cpu_count": schema.Int64Attribute{
				Optional:    true,
				Description: "Number of virtual processors. Defaults to the host default.",
				Validators:  []validator.Int64{int64validator.AtLeast(1)},
			},
			"memory_startup": schema.Int64Attribute{
				Optional:    true,
				Description: "Startup memory in MiB. Defaults to the host default.",
				Validators:  []validator.Int64{int64validator.AtLeast(32)},
			},
			"memory_minimum": schema.Int64Attribute{
				Optional:    true,
				Description: "Minimum dynamic memory in MiB.",
				Validators:  []validator.Int64{int64validator.AtLeast(32)},
			},
			"memory_maximum": schema.Int64Attribute{
				Optional:    true,
				Description: "Maximum dynamic memory in MiB.",
				Validators:  []validator.Int64{int64validator.AtLeast(32)},
			},
			"dynamic_memory": schema.BoolAttribute{
				Optional:            true,
				Description:         "Enable dynamic memory. Defaults to true when memory_minimum or memory_maximum is set.",
				MarkdownDescription: "Enable dynamic memory. Defaults to `true` when `memory_minimum` or `memory_maximum` is set. Switching requires the VM to be off.",
			},
			"secure_boot": schema.BoolAttribute{
				Optional:    true,
				Computed:    true,
				Default:     booldefault.StaticBool(false),
				Description: "Enable UEFI secure boot. Changing requires the VM to be off.",
			},
			"secure_boot_template": schema.StringAttribute{
				Optional:    true,
				Description: "Secure boot template, e.g. MicrosoftUEFICertificateAuthority. Defaults to the provider default.",
			},
			"state": schema.StringAttribute{
				Computed:    true,
				Description: "Current power state.",
			},
			"generation": schema.Int64Attribute{
				Computed:    true,
				Description: "VM generation.",
				PlanModifiers: []planmodifier.Int64{
					int64planmodifier.UseStateForUnknown(),
				},
			},
			"mac_addresses": schema.MapAttribute{
				Computed:    true,
				ElementType: types.StringType,
				Description: "MAC address per network adapter name.",
			},
			"operations": schema.ListAttribute{
				Computed:    true,
				ElementType: types.StringType,
				Description: "Changes applied by the last create or update, in order.",
			},
			"last_updated": schema.StringAttribute{
				Computed:            true,
				Description:         "Timestamp of the last information refresh.",
				MarkdownDescription: "Timestamp of the last information refresh in RFC3339 format.",
			},
		},
		Blocks: map[string]schema.Block{
			"network_adapter": schema.ListNestedBlock{
				Description: "Network adapters. Adapters not listed are left untouched.",
				NestedObject: schema.NestedBlockObject{
					Attributes: map[string]schema.Attribute{
						"name": schema.StringAttribute{
							Required:    true,
							Description: "Adapter name, e.g. eth0.",
						},
						"switch_name": schema.StringAttribute{
							Optional:    true,
							Description: "Virtual switch. Defaults to the host switch mapping, then the provider default.",
						},
						"mac_address": schema.StringAttribute{
							Optional:    true,
							Description: "Static MAC address. Generated deterministically from the VM id and adapter name when unset.",
							Validators: []validator.String{
								stringvalidator.RegexMatches(macRegex, "must be 12 hex digits, optionally separated by - or :"),
							},
						},
					},
				},
			},
			"drive": schema.ListNestedBlock{
				Description: "Virtual hard disks and DVD drives. Drives not listed are left untouched.",
				NestedObject: schema.NestedBlockObject{
					Attributes: map[string]schema.Attribute{
						"name": schema.StringAttribute{
							Required:    true,
							Description: "Drive name. VHDs are stored as <name>.vhdx in the disk folder.",
						},
						"type": schema.StringAttribute{
							Optional:    true,
							Description: "Drive type: vhd (default) or dvd.",
							Validators: []validator.String{
								stringvalidator.OneOf(string(models.DriveTypeVHD), string(models.DriveTypeDVD)),
							},
						},
						"size": schema.Int64Attribute{
							Optional:    true,
							Description: "VHD size in GiB. Disks are only ever grown.",
							Validators:  []validator.Int64{int64validator.AtLeast(1)},
						},
						"source": schema.StringAttribute{
							Optional:    true,
							Description: "Parent VHD of a differencing disk, or ISO image of a DVD drive.",
						},
					},
				},
			},
			"fodder": schema.ListNestedBlock{
				Description: "Cloud-init parts written to the provisioning media.",
				NestedObject: schema.NestedBlockObject{
					Attributes: map[string]schema.Attribute{
						"name": schema.StringAttribute{
							Required: true,
						},
						"type": schema.StringAttribute{
							Optional:    true,
							Description: "Part type, e.g. cloud-config or shellscript. Defaults to cloud-config.",
						},
						"filename": schema.StringAttribute{
							Optional: true,
						},
						"content": schema.StringAttribute{
							Required:  true,
							Sensitive: true,
						},
					},
				},
			},
		},
	}
}

func (r *vmResource) Configure(_ context.Context, req resource.ConfigureRequest, _ *resource.ConfigureResponse) {
	if req.ProviderData == nil {
		return
	}

	data := req.ProviderData.(providerData)
	r.client = data.client
	r.host = data.host
}

func (r *vmResource) Create(ctx context.Context, req resource.CreateRequest, resp *resource.CreateResponse) {
	if r.client == nil {
		resp.Diagnostics.AddError("Client not configured", "The provider PowerShell client was not configured.")
		return
	}

	var plan vmResourceModel
	resp.Diagnostics.Append(req.Plan.Get(ctx, &plan)...)
	if resp.Diagnostics.HasError() {
		return
	}

	cfg := plan.catletConfig()
	if err := config.Validate(cfg); err != nil {
		resp.Diagnostics.AddError("Invalid catlet configuration", err.Error())
		return
	}

	ctx = withLogger(ctx)
	memory := cfg.Memory.Startup
	if memory == 0 {
		memory = r.host.HostDefaults().MemoryMiB
	}
	vm, err := r.client.CreateVM(ctx, models.CreateOptions{
		Name:       cfg.Name,
		Generation: 2,
		Path:       r.host.VMPath,
		MemoryMiB:  memory,
	})
	if err != nil {
		resp.Diagnostics.AddError("Failed to create VM", err.Error())
		return
	}
	tflog.Info(ctx, "Created Hyper-V VM", map[string]any{"name": vm.Name, "id": vm.ID.String()})

	converged, operations, err := r.converge(ctx, vm, cfg)
	// The VM exists now, so it is tracked as tainted even when convergence fails.
	saveConverged(ctx, &resp.State, &resp.Diagnostics, &plan, converged, operations, err)
}

func (r *vmResource) Read(ctx context.Context, req resource.ReadRequest, resp *resource.ReadResponse) {
	if r.client == nil {
		resp.Diagnostics.AddError("Client not configured", "The provider PowerShell client was not configured.")
		return
	}

	var state vmResourceModel
	resp.Diagnostics.Append(req.State.Get(ctx, &state)...)
	if resp.Diagnostics.HasError() {
		return
	}

	id, err := uuid.Parse(state.ID.ValueString())
	if err != nil {
		resp.Diagnostics.AddAttributeError(path.Root("id"), "Invalid VM id", err.Error())
		return
	}

	vm, err := r.client.QueryVM(withLogger(ctx), id)
	if err != nil {
		if errors.Is(err, hypervcli.ErrNotFound) {
			tflog.Info(ctx, "Hyper-V VM no longer exists", map[string]any{"id": id.String()})
			resp.State.RemoveResource(ctx)
			return
		}
		resp.Diagnostics.AddError("Failed to read VM", err.Error())
		return
	}

	state.Name = types.StringValue(vm.Name)
	state.refreshDesired(vm)
	resp.Diagnostics.Append(applyVMToModel(ctx, vm, nil, &state)...)
	if resp.Diagnostics.HasError() {
		return
	}
	resp.Diagnostics.Append(resp.State.Set(ctx, &state)...)
}

func (r *vmResource) Update(ctx context.Context, req resource.UpdateRequest, resp *resource.UpdateResponse) {
	if r.client == nil {
		resp.Diagnostics.AddError("Client not configured", "The provider PowerShell client was not configured.")
		return
	}

	var plan vmResourceModel
	var state vmResourceModel
	resp.Diagnostics.Append(req.Plan.Get(ctx, &plan)...)
	resp.Diagnostics.Append(req.State.Get(ctx, &state)...)
	if resp.Diagnostics.HasError() {
		return
	}

	cfg := plan.catletConfig()
	if err := config.Validate(cfg); err != nil {
		resp.Diagnostics.AddError("Invalid catlet configuration", err.Error())
		return
	}

	id, err := uuid.Parse(state.ID.ValueString())
	if err != nil {
		resp.Diagnostics.AddAttributeError(path.Root("id"), "Invalid VM id", err.Error())
		return
	}

	ctx = withLogger(ctx)
	vm, err := r.client.QueryVM(ctx, id)
	if err != nil {
		resp.Diagnostics.AddError("Failed to read VM", err.Error())
		return
	}

	plan.ID = state.ID
	converged, operations, err := r.converge(ctx, vm, cfg)
	saveConverged(ctx, &resp.State, &resp.Diagnostics, &plan, converged, operations, err)
}

func (r *vmResource) Delete(ctx context.Context, req resource.DeleteRequest, resp *resource.DeleteResponse) {
	if r.client == nil {
		resp.Diagnostics.AddError("Client not configured", "The provider PowerShell client was not configured.")
		return
	}

	var state vmResourceModel
	resp.Diagnostics.Append(req.State.Get(ctx, &state)...)
	if resp.Diagnostics.HasError() {
		return
	}

	id, err := uuid.Parse(state.ID.ValueString())
	if err != nil {
		resp.Diagnostics.AddAttributeError(path.Root("id"), "Invalid VM id", err.Error())
		return
	}
	if err := r.client.RemoveVM(withLogger(ctx), id); err != nil {
		if errors.Is(err, hypervcli.ErrNotFound) {
			return
		}
		resp.Diagnostics.AddError("Failed to delete VM", err.Error())
	}
}

func (r *vmResource) ImportState(ctx context.Context, req resource.ImportStateRequest, resp *resource.ImportStateResponse) {
	if _, err := uuid.Parse(req.ID); err != nil {
		resp.Diagnostics.AddError("Invalid import id", "Expected a Hyper-V VM id: "+err.Error())
		return
	}
	resource.ImportStatePassthroughID(ctx, path.Root("id"), req, resp)
}

// converge runs the default pipeline and returns the report messages emitted
// along the way.
func (r *vmResource) converge(ctx context.Context, vm models.VM, cfg models.CatletConfig) (models.VM, []string, error) {
	var operations []string
	c, err := convergence.NewContext(convergence.Params{
		VMID:     vm.ID,
		Config:   cfg,
		Defaults: r.host.HostDefaults(),
		Storage:  r.host.Storage(cfg.Name),
		Network:  r.host.Network(cfg),
		Host:     r.client,
		Reporter: func(_ context.Context, message string) error {
			operations = append(operations, message)
			return nil
		},
	})
	if err != nil {
		return vm, nil, err
	}
	converged, err := convergence.Converge(ctx, c, vm)
	return converged, operations, err
}

// saveConverged writes the snapshot returned by a convergence run to state.
// A failed run still saves its partial snapshot, with the desired settings
// read back from the host so the unapplied changes are planned again.
func saveConverged(ctx context.Context, state *tfsdk.State, diags *diag.Diagnostics, model *vmResourceModel, vm models.VM, operations []string, err error) {
	if err != nil {
		model.refreshDesired(vm)
	}
	diags.Append(applyVMToModel(ctx, vm, operations, model)...)
	diags.Append(state.Set(ctx, model)...)
	if err != nil {
		diags.AddError("Failed to converge VM", err.Error())
	}
}

// applyVMToModel copies the computed attributes of vm into model. A nil
// operations slice keeps the value already in model.
func applyVMToModel(ctx context.Context, vm models.VM, operations []string, model *vmResourceModel) diag.Diagnostics {
	var diags diag.Diagnostics

	model.ID = types.StringValue(vm.ID.String())
	model.State = types.StringValue(string(vm.State))
	model.Generation = types.Int64Value(int64(vm.Generation))
	model.LastUpdated = types.StringValue(vm.LastUpdated.UTC().Format(time.RFC3339))

	macs := make(map[string]string, len(vm.NetworkAdapters))
	for _, a := range vm.NetworkAdapters {
		macs[a.Name] = a.MacAddress
	}
	macMap, d := types.MapValueFrom(ctx, types.StringType, macs)
	diags.Append(d...)
	model.MacAddresses = macMap

	if operations != nil || model.Operations.IsNull() || model.Operations.IsUnknown() {
		if operations == nil {
			operations = []string{}
		}
		list, d := types.ListValueFrom(ctx, types.StringType, operations)
		diags.Append(d...)
		model.Operations = list
	}

	return diags
}

// Helpers

var macRegex = regexp.MustCompile(`^([0-9A-Fa-f]{2}[-:]?){5}[0-9A-Fa-f]{2}$`)

type networkAdapterModel struct {
	Name       types.String `tfsdk:"name"`
	SwitchName types.String `tfsdk:"switch_name"`
	MacAddress types.String `tfsdk:"mac_address"`
}

type driveModel struct {
	Name   types.String `tfsdk:"name"`
	Type   types.String `tfsdk:"type"`
	Size   types.Int64  `tfsdk:"size"`
	Source types.String `tfsdk:"source"`
}

type fodderModel struct {
	Name     types.String `tfsdk:"name"`
	Type     types.String `tfsdk:"type"`
	FileName types.String `tfsdk:"filename"`
	Content  types.String `tfsdk:"content"`
}

type vmResourceModel struct {
	ID                 types.String          `tfsdk:"id"`
	Name               types.String          `tfsdk:"name"`
	Hostname           types.String          `tfsdk:"hostname"`
	CPUCount           types.Int64           `tfsdk:"cpu_count"`
	MemoryStartup      types.Int64           `tfsdk:"memory_startup"`
	MemoryMinimum      types.Int64           `tfsdk:"memory_minimum"`
	MemoryMaximum      types.Int64           `tfsdk:"memory_maximum"`
	DynamicMemory      types.Bool            `tfsdk:"dynamic_memory"`
	SecureBoot         types.Bool            `tfsdk:"secure_boot"`
	SecureBootTemplate types.String          `tfsdk:"secure_boot_template"`
	NetworkAdapters    []networkAdapterModel `tfsdk:"network_adapter"`
	Drives             []driveModel          `tfsdk:"drive"`
	Fodder             []fodderModel         `tfsdk:"fodder"`
	State              types.String          `tfsdk:"state"`
	Generation         types.Int64           `tfsdk:"generation"`
	MacAddresses       types.Map             `tfsdk:"mac_addresses"`
	Operations         types.List            `tfsdk:"operations"`
	LastUpdated        types.String          `tfsdk:"last_updated"`
}

// catletConfig converts the Terraform model into a catlet definition.
func (m vmResourceModel) catletConfig() models.CatletConfig {
	cfg := models.CatletConfig{
		Name:     valueOrEmpty(m.Name),
		Hostname: valueOrEmpty(m.Hostname),
		CPU:      models.CPUConfig{Count: int(valueOrZero(m.CPUCount))},
		Memory: models.MemoryConfig{
			Startup: valueOrZero(m.MemoryStartup),
			Minimum: valueOrZero(m.MemoryMinimum),
			Maximum: valueOrZero(m.MemoryMaximum),
		},
	}

	for _, a := range m.NetworkAdapters {
		cfg.NetworkAdapters = append(cfg.NetworkAdapters, models.NetworkAdapterConfig{
			Name:       valueOrEmpty(a.Name),
			SwitchName: valueOrEmpty(a.SwitchName),
			MacAddress: valueOrEmpty(a.MacAddress),
		})
	}
	for _, d := range m.Drives {
		cfg.Drives = append(cfg.Drives, models.DriveConfig{
			Name:   valueOrEmpty(d.Name),
			Type:   models.DriveType(valueOrEmpty(d.Type)),
			Size:   valueOrZero(d.Size),
			Source: valueOrEmpty(d.Source),
		})
	}
	for _, f := range m.Fodder {
		cfg.Fodder = append(cfg.Fodder, models.Fodder{
			Name:     valueOrEmpty(f.Name),
			Type:     valueOrEmpty(f.Type),
			FileName: valueOrEmpty(f.FileName),
			Content:  valueOrEmpty(f.Content),
		})
	}

	secureBoot := models.Capability{Name: models.CapabilitySecureBoot}
	if !m.SecureBoot.ValueBool() {
		secureBoot.Details = append(secureBoot.Details, "off")
	}
	if hasStringValue(m.SecureBootTemplate) {
		secureBoot.Details = append(secureBoot.Details, "template:"+m.SecureBootTemplate.ValueString())
	}
	cfg.Capabilities = append(cfg.Capabilities, secureBoot)

	if !m.DynamicMemory.IsNull() && !m.DynamicMemory.IsUnknown() {
		dynamic := models.Capability{Name: models.CapabilityDynamicMemory}
		if !m.DynamicMemory.ValueBool() {
			dynamic.Details = []string{"off"}
		}
		cfg.Capabilities = append(cfg.Capabilities, dynamic)
	}
	return cfg
}

// refreshDesired overwrites configured scalar settings with the values found
// on the host so that out-of-band changes show up as drift.
func (m *vmResourceModel) refreshDesired(vm models.VM) {
	if !m.CPUCount.IsNull() {
		m.CPUCount = types.Int64Value(int64(vm.ProcessorCount))
	}
	if !m.MemoryStartup.IsNull() {
		m.MemoryStartup = types.Int64Value(vm.Memory.Startup)
	}
	if !m.DynamicMemory.IsNull() {
		m.DynamicMemory = types.BoolValue(vm.Memory.DynamicEnabled)
	}
	if vm.Firmware != nil {
		m.SecureBoot = types.BoolValue(vm.Firmware.SecureBoot)
		if hasStringValue(m.SecureBootTemplate) && !strings.EqualFold(m.SecureBootTemplate.ValueString(), vm.Firmware.SecureBootTemplate) {
			m.SecureBootTemplate = types.StringValue(vm.Firmware.SecureBootTemplate)
		}
	}
}

func valueOrEmpty(v types.String) string {
	if v.IsNull() || v.IsUnknown() {
		return ""
	}
	return v.ValueString()
}

func valueOrZero(v types.Int64) int64 {
	if v.IsNull() || v.IsUnknown() {
		return 0
	}
	return v.ValueInt64()
}

func hasStringValue(v types.String) bool {
	return !v.IsNull() && !v.IsUnknown() && v.ValueString() != ""
}
