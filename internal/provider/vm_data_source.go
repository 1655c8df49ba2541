package provider

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"

	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

var (
	_ datasource.DataSource              = (*vmDataSource)(nil)
	_ datasource.DataSourceWithConfigure = (*vmDataSource)(nil)
)

// NewVMDataSource returns the VM data source.
func NewVMDataSource() datasource.DataSource {
	return &vmDataSource{}
}

type vmDataSource struct {
	client hypervcli.Client
}

type vmDataSourceModel struct {
	ID                 types.String               `tfsdk:"id"`
	Name               types.String               `tfsdk:"name"`
	State              types.String               `tfsdk:"state"`
	Generation         types.Int64                `tfsdk:"generation"`
	ProcessorCount     types.Int64                `tfsdk:"processor_count"`
	MemoryStartup      types.Int64                `tfsdk:"memory_startup"`
	MemoryMinimum      types.Int64                `tfsdk:"memory_minimum"`
	MemoryMaximum      types.Int64                `tfsdk:"memory_maximum"`
	DynamicMemory      types.Bool                 `tfsdk:"dynamic_memory"`
	SecureBoot         types.Bool                 `tfsdk:"secure_boot"`
	SecureBootTemplate types.String               `tfsdk:"secure_boot_template"`
	NetworkAdapters    []networkAdapterStateModel `tfsdk:"network_adapters"`
	Drives             []driveStateModel          `tfsdk:"drives"`
	LastUpdated        types.String               `tfsdk:"last_updated"`
}

type networkAdapterStateModel struct {
	Name       types.String `tfsdk:"name"`
	SwitchName types.String `tfsdk:"switch_name"`
	MacAddress types.String `tfsdk:"mac_address"`
	Connected  types.Bool   `tfsdk:"connected"`
}

type driveStateModel struct {
	Type               types.String `tfsdk:"type"`
	ControllerType     types.String `tfsdk:"controller_type"`
	ControllerNumber   types.Int64  `tfsdk:"controller_number"`
	ControllerLocation types.Int64  `tfsdk:"controller_location"`
	Path               types.String `tfsdk:"path"`
	SizeBytes          types.Int64  `tfsdk:"size_bytes"`
}

func (d *vmDataSource) Metadata(_ context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_vm"
}

func (d *vmDataSource) Schema(_ context.Context, _ datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		Description: "Reads the current settings of an existing Hyper-V VM.",
		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				Optional:    true,
				Computed:    true,
				Description: "VM id to inspect. Exactly one of id or name must be set.",
				Validators: []validator.String{
					stringvalidator.ExactlyOneOf(path.MatchRoot("id"), path.MatchRoot("name")),
				},
			},
			"name": schema.StringAttribute{
				Optional:    true,
				Computed:    true,
				Description: "VM name to inspect. The first match is used when names are not unique.",
			},
			"state": schema.StringAttribute{
				Computed: true,
			},
			"generation": schema.Int64Attribute{
				Computed: true,
			},
			"processor_count": schema.Int64Attribute{
				Computed: true,
			},
			"memory_startup": schema.Int64Attribute{
				Computed:    true,
				Description: "Startup memory in MiB.",
			},
			"memory_minimum": schema.Int64Attribute{
				Computed: true,
			},
			"memory_maximum": schema.Int64Attribute{
				Computed: true,
			},
			"dynamic_memory": schema.BoolAttribute{
				Computed: true,
			},
			"secure_boot": schema.BoolAttribute{
				Computed: true,
			},
			"secure_boot_template": schema.StringAttribute{
				Computed: true,
			},
			"network_adapters": schema.ListNestedAttribute{
				Computed: true,
				NestedObject: schema.NestedAttributeObject{
					Attributes: map[string]schema.Attribute{
						"name":        schema.StringAttribute{Computed: true},
						"switch_name": schema.StringAttribute{Computed: true},
						"mac_address": schema.StringAttribute{Computed: true},
						"connected":   schema.BoolAttribute{Computed: true},
					},
				},
			},
			"drives": schema.ListNestedAttribute{
				Computed: true,
				NestedObject: schema.NestedAttributeObject{
					Attributes: map[string]schema.Attribute{
						"type":                schema.StringAttribute{Computed: true},
						"controller_type":     schema.StringAttribute{Computed: true},
						"controller_number":   schema.Int64Attribute{Computed: true},
						"controller_location": schema.Int64Attribute{Computed: true},
						"path":                schema.StringAttribute{Computed: true},
						"size_bytes":          schema.Int64Attribute{Computed: true},
					},
				},
			},
			"last_updated": schema.StringAttribute{
				Computed: true,
			},
		},
	}
}

func (d *vmDataSource) Configure(_ context.Context, req datasource.ConfigureRequest, _ *datasource.ConfigureResponse) {
	if req.ProviderData == nil {
		return
	}
	data := req.ProviderData.(providerData)
	d.client = data.client
}

func (d *vmDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	if d.client == nil {
		resp.Diagnostics.AddError("Client not configured", "PowerShell client is nil.")
		return
	}

	var config vmDataSourceModel
	resp.Diagnostics.Append(req.Config.Get(ctx, &config)...)
	if resp.Diagnostics.HasError() {
		return
	}

	var (
		vm  models.VM
		err error
	)
	logCtx := withLogger(ctx)
	if hasStringValue(config.ID) {
		id, parseErr := uuid.Parse(config.ID.ValueString())
		if parseErr != nil {
			resp.Diagnostics.AddAttributeError(path.Root("id"), "Invalid VM id", parseErr.Error())
			return
		}
		vm, err = d.client.QueryVM(logCtx, id)
	} else {
		vm, err = d.client.FindVM(logCtx, config.Name.ValueString())
	}
	if err != nil {
		if errors.Is(err, hypervcli.ErrNotFound) {
			resp.Diagnostics.AddError("VM not found", "The requested Hyper-V VM does not exist.")
			return
		}
		resp.Diagnostics.AddError("Failed to read VM", err.Error())
		return
	}

	state := flattenVM(vm)
	resp.Diagnostics.Append(resp.State.Set(ctx, &state)...)
}

func flattenVM(vm models.VM) vmDataSourceModel {
	model := vmDataSourceModel{
		ID:                 types.StringValue(vm.ID.String()),
		Name:               types.StringValue(vm.Name),
		State:              types.StringValue(string(vm.State)),
		Generation:         types.Int64Value(int64(vm.Generation)),
		ProcessorCount:     types.Int64Value(int64(vm.ProcessorCount)),
		MemoryStartup:      types.Int64Value(vm.Memory.Startup),
		MemoryMinimum:      types.Int64Value(vm.Memory.Minimum),
		MemoryMaximum:      types.Int64Value(vm.Memory.Maximum),
		DynamicMemory:      types.BoolValue(vm.Memory.DynamicEnabled),
		SecureBoot:         types.BoolNull(),
		SecureBootTemplate: types.StringNull(),
		NetworkAdapters:    make([]networkAdapterStateModel, 0, len(vm.NetworkAdapters)),
		Drives:             make([]driveStateModel, 0, len(vm.Drives)),
		LastUpdated:        types.StringValue(vm.LastUpdated.UTC().Format(time.RFC3339)),
	}
	if vm.Firmware != nil {
		model.SecureBoot = types.BoolValue(vm.Firmware.SecureBoot)
		model.SecureBootTemplate = types.StringValue(vm.Firmware.SecureBootTemplate)
	}

	for _, a := range vm.NetworkAdapters {
		model.NetworkAdapters = append(model.NetworkAdapters, networkAdapterStateModel{
			Name:       types.StringValue(a.Name),
			SwitchName: types.StringValue(a.SwitchName),
			MacAddress: types.StringValue(a.MacAddress),
			Connected:  types.BoolValue(a.Connected),
		})
	}
	for _, dr := range vm.Drives {
		model.Drives = append(model.Drives, driveStateModel{
			Type:               types.StringValue(string(dr.Type)),
			ControllerType:     types.StringValue(string(dr.ControllerType)),
			ControllerNumber:   types.Int64Value(int64(dr.ControllerNumber)),
			ControllerLocation: types.Int64Value(int64(dr.ControllerLocation)),
			Path:               types.StringValue(dr.Path),
			SizeBytes:          types.Int64Value(int64(dr.SizeBytes)),
		})
	}
	return model
}
