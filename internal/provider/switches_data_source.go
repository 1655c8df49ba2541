package provider

import (
	"context"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"

	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

var (
	_ datasource.DataSource              = (*switchesDataSource)(nil)
	_ datasource.DataSourceWithConfigure = (*switchesDataSource)(nil)
)

// NewSwitchesDataSource returns the data source definition.
func NewSwitchesDataSource() datasource.DataSource {
	return &switchesDataSource{}
}

type switchesDataSource struct {
	client hypervcli.Client
}

type switchesDataSourceModel struct {
	Name       types.String  `tfsdk:"name"`
	SwitchType types.String  `tfsdk:"switch_type"`
	Refresh    types.Bool    `tfsdk:"refresh"`
	Switches   []switchModel `tfsdk:"switches"`
}

type switchModel struct {
	ID         types.String `tfsdk:"id"`
	Name       types.String `tfsdk:"name"`
	SwitchType types.String `tfsdk:"switch_type"`
}

func (d *switchesDataSource) Metadata(_ context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_switches"
}

func (d *switchesDataSource) Schema(_ context.Context, _ datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		Description: "Lists Hyper-V virtual switches available to network adapters.",
		Attributes: map[string]schema.Attribute{
			"name": schema.StringAttribute{
				Optional:    true,
				Description: "Exact switch name filter (case-insensitive).",
			},
			"switch_type": schema.StringAttribute{
				Optional:    true,
				Description: "Switch type filter.",
				Validators: []validator.String{
					stringvalidator.OneOfCaseInsensitive("External", "Internal", "Private"),
				},
			},
			"refresh": schema.BoolAttribute{
				Optional:    true,
				Description: "Bypass the short-lived switch cache.",
			},
			"switches": schema.ListNestedAttribute{
				Computed: true,
				NestedObject: schema.NestedAttributeObject{
					Attributes: map[string]schema.Attribute{
						"id": schema.StringAttribute{
							Computed: true,
						},
						"name": schema.StringAttribute{
							Computed: true,
						},
						"switch_type": schema.StringAttribute{
							Computed: true,
						},
					},
				},
			},
		},
	}
}

func (d *switchesDataSource) Configure(_ context.Context, req datasource.ConfigureRequest, _ *datasource.ConfigureResponse) {
	if req.ProviderData == nil {
		return
	}
	data := req.ProviderData.(providerData)
	d.client = data.client
}

func (d *switchesDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	if d.client == nil {
		resp.Diagnostics.AddError("Client not configured", "PowerShell client is nil.")
		return
	}

	var config switchesDataSourceModel
	resp.Diagnostics.Append(req.Config.Get(ctx, &config)...)
	if resp.Diagnostics.HasError() {
		return
	}

	switches, err := d.client.ListSwitches(withLogger(ctx), config.Refresh.ValueBool())
	if err != nil {
		resp.Diagnostics.AddError("Failed to list switches", err.Error())
		return
	}

	model := switchesDataSourceModel{
		Name:       config.Name,
		SwitchType: config.SwitchType,
		Refresh:    config.Refresh,
		Switches:   flattenSwitches(filterSwitches(switches, config)),
	}

	resp.Diagnostics.Append(resp.State.Set(ctx, &model)...)
}

func filterSwitches(switches []models.Switch, cfg switchesDataSourceModel) []models.Switch {
	name := strings.TrimSpace(cfg.Name.ValueString())
	switchType := strings.TrimSpace(cfg.SwitchType.ValueString())

	var filtered []models.Switch
	for _, sw := range switches {
		if name != "" && !strings.EqualFold(sw.Name, name) {
			continue
		}
		if switchType != "" && !strings.EqualFold(sw.SwitchType, switchType) {
			continue
		}
		filtered = append(filtered, sw)
	}
	return filtered
}

func flattenSwitches(switches []models.Switch) []switchModel {
	result := make([]switchModel, 0, len(switches))
	for _, sw := range switches {
		result = append(result, switchModel{
			ID:         types.StringValue(sw.ID),
			Name:       types.StringValue(sw.Name),
			SwitchType: types.StringValue(sw.SwitchType),
		})
	}
	return result
}
