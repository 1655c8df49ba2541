package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/tfsdk"
	"github.com/hashicorp/terraform-plugin-framework/types"

	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

func baseModel() vmResourceModel {
	return vmResourceModel{
		Name:               types.StringValue("web-1"),
		Hostname:           types.StringNull(),
		CPUCount:           types.Int64Value(2),
		MemoryStartup:      types.Int64Value(2048),
		MemoryMinimum:      types.Int64Null(),
		MemoryMaximum:      types.Int64Value(4096),
		DynamicMemory:      types.BoolNull(),
		SecureBoot:         types.BoolValue(true),
		SecureBootTemplate: types.StringValue("MicrosoftUEFICertificateAuthority"),
		NetworkAdapters: []networkAdapterModel{
			{Name: types.StringValue("eth0"), SwitchName: types.StringNull(), MacAddress: types.StringNull()},
		},
		Drives: []driveModel{
			{Name: types.StringValue("sda"), Type: types.StringNull(), Size: types.Int64Value(40), Source: types.StringNull()},
			{Name: types.StringValue("tools"), Type: types.StringValue("dvd"), Size: types.Int64Null(), Source: types.StringValue(`C:\isos\tools.iso`)},
		},
		Fodder: []fodderModel{
			{Name: types.StringValue("base"), Type: types.StringNull(), FileName: types.StringNull(), Content: types.StringValue("packages: [nginx]\n")},
		},
		Operations: types.ListNull(types.StringType),
	}
}

func TestCatletConfigFromModel(t *testing.T) {
	t.Parallel()

	got := baseModel().catletConfig()
	want := models.CatletConfig{
		Name:            "web-1",
		CPU:             models.CPUConfig{Count: 2},
		Memory:          models.MemoryConfig{Startup: 2048, Maximum: 4096},
		NetworkAdapters: []models.NetworkAdapterConfig{{Name: "eth0"}},
		Drives: []models.DriveConfig{
			{Name: "sda", Size: 40},
			{Name: "tools", Type: models.DriveTypeDVD, Source: `C:\isos\tools.iso`},
		},
		Capabilities: []models.Capability{
			{Name: models.CapabilitySecureBoot, Details: []string{"template:MicrosoftUEFICertificateAuthority"}},
		},
		Fodder: []models.Fodder{{Name: "base", Content: "packages: [nginx]\n"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected catlet config (-want +got):\n%s", diff)
	}

	enabled, template := got.SecureBoot()
	if !enabled || template != "MicrosoftUEFICertificateAuthority" {
		t.Fatalf("unexpected secure boot %v %q", enabled, template)
	}
	if !got.DynamicMemory() {
		t.Fatalf("maximum set without dynamic_memory must request dynamic memory")
	}
}

func TestCatletConfigCapabilitiesOff(t *testing.T) {
	t.Parallel()

	m := baseModel()
	m.SecureBoot = types.BoolValue(false)
	m.SecureBootTemplate = types.StringNull()
	m.DynamicMemory = types.BoolValue(false)

	cfg := m.catletConfig()
	if enabled, _ := cfg.SecureBoot(); enabled {
		t.Fatalf("secure boot must be disabled")
	}
	if cfg.DynamicMemory() {
		t.Fatalf("explicit dynamic_memory = false must win over maximum")
	}
}

func TestRefreshDesiredReportsDrift(t *testing.T) {
	t.Parallel()

	m := baseModel()
	m.DynamicMemory = types.BoolValue(true)
	vm := models.VM{
		ProcessorCount: 8,
		Memory:         models.MemorySettings{Startup: 1024, DynamicEnabled: false},
		Firmware:       &models.FirmwareInfo{SecureBoot: false},
	}
	m.refreshDesired(vm)

	if m.CPUCount.ValueInt64() != 8 || m.MemoryStartup.ValueInt64() != 1024 {
		t.Fatalf("expected host values, got cpu=%v memory=%v", m.CPUCount, m.MemoryStartup)
	}
	if m.DynamicMemory.ValueBool() || m.SecureBoot.ValueBool() {
		t.Fatalf("expected flags from host, got dynamic=%v secure=%v", m.DynamicMemory, m.SecureBoot)
	}

	unset := baseModel()
	unset.CPUCount = types.Int64Null()
	unset.refreshDesired(vm)
	if !unset.CPUCount.IsNull() {
		t.Fatalf("unset cpu_count must stay null, got %v", unset.CPUCount)
	}
}

func TestApplyVMToModel(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("2FE70974-C81A-4F3A-BF4E-7BE405B88C97")
	vm := models.VM{
		ID:              id,
		Generation:      2,
		State:           models.PowerStateOff,
		NetworkAdapters: []models.NetworkAdapter{{Name: "eth0", MacAddress: "D2ABEBA6A939"}},
		LastUpdated:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}

	m := baseModel()
	diags := applyVMToModel(context.Background(), vm, []string{"Configuring CPU (CPUCount: 2)"}, &m)
	if diags.HasError() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if m.ID.ValueString() != id.String() || m.State.ValueString() != "Off" || m.Generation.ValueInt64() != 2 {
		t.Fatalf("unexpected computed values %+v", m)
	}
	if m.LastUpdated.ValueString() != "2024-05-01T10:00:00Z" {
		t.Fatalf("unexpected last_updated %s", m.LastUpdated)
	}

	var macs map[string]string
	m.MacAddresses.ElementsAs(context.Background(), &macs, false)
	if diff := cmp.Diff(map[string]string{"eth0": "D2ABEBA6A939"}, macs); diff != "" {
		t.Fatalf("unexpected macs (-want +got):\n%s", diff)
	}

	// A refresh without operations keeps the recorded list.
	applyVMToModel(context.Background(), vm, nil, &m)
	var ops []string
	m.Operations.ElementsAs(context.Background(), &ops, false)
	if diff := cmp.Diff([]string{"Configuring CPU (CPUCount: 2)"}, ops); diff != "" {
		t.Fatalf("unexpected operations (-want +got):\n%s", diff)
	}
}

func emptyVMState(t *testing.T) tfsdk.State {
	t.Helper()
	var resp resource.SchemaResponse
	NewVMResource().Schema(context.Background(), resource.SchemaRequest{}, &resp)
	if resp.Diagnostics.HasError() {
		t.Fatalf("schema diagnostics: %v", resp.Diagnostics)
	}
	return tfsdk.State{Schema: resp.Schema}
}

func TestSaveConvergedKeepsPartialSnapshotOnFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	id := uuid.MustParse("2FE70974-C81A-4F3A-BF4E-7BE405B88C97")
	partial := models.VM{
		ID:             id,
		Generation:     2,
		State:          models.PowerStateRunning,
		ProcessorCount: 2,
		Memory:         models.MemorySettings{Startup: 2048},
		Firmware:       &models.FirmwareInfo{SecureBoot: false, SecureBootTemplate: "MicrosoftWindows"},
		LastUpdated:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}

	plan := baseModel()
	plan.CPUCount = types.Int64Value(4)
	state := emptyVMState(t)
	var diags diag.Diagnostics
	saveConverged(ctx, &state, &diags, &plan, partial, []string{"Configure VM Processor: Count: 4"},
		errors.New("secure_boot: stop the VM first"))

	if !diags.HasError() {
		t.Fatalf("expected the convergence error in diagnostics")
	}
	if len(diags.Errors()) != 1 || diags.Errors()[0].Summary() != "Failed to converge VM" {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}

	var got vmResourceModel
	if d := state.Get(ctx, &got); d.HasError() {
		t.Fatalf("state was not written: %v", d)
	}
	if got.ID.ValueString() != id.String() || got.State.ValueString() != "Running" {
		t.Fatalf("computed attributes not saved: id=%v state=%v", got.ID, got.State)
	}
	if got.CPUCount.ValueInt64() != 2 {
		t.Fatalf("cpu_count must reflect the host after a failed run, got %v", got.CPUCount)
	}
	if !got.SecureBoot.Equal(types.BoolValue(false)) || got.SecureBootTemplate.ValueString() != "MicrosoftWindows" {
		t.Fatalf("secure boot must reflect the host, got %v %v", got.SecureBoot, got.SecureBootTemplate)
	}
	var ops []string
	got.Operations.ElementsAs(ctx, &ops, false)
	if diff := cmp.Diff([]string{"Configure VM Processor: Count: 4"}, ops); diff != "" {
		t.Fatalf("unexpected operations (-want +got):\n%s", diff)
	}
}

func TestSaveConvergedKeepsPlanOnSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	vm := models.VM{
		ID:             uuid.MustParse("2FE70974-C81A-4F3A-BF4E-7BE405B88C97"),
		Generation:     2,
		State:          models.PowerStateOff,
		ProcessorCount: 2,
		Firmware:       &models.FirmwareInfo{SecureBoot: true, SecureBootTemplate: "MicrosoftUEFICertificateAuthority"},
	}

	plan := baseModel()
	state := emptyVMState(t)
	var diags diag.Diagnostics
	saveConverged(ctx, &state, &diags, &plan, vm, nil, nil)
	if diags.HasError() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}

	var got vmResourceModel
	if d := state.Get(ctx, &got); d.HasError() {
		t.Fatalf("state was not written: %v", d)
	}
	if got.CPUCount.ValueInt64() != 2 || got.Name.ValueString() != "web-1" {
		t.Fatalf("unexpected state %+v", got)
	}
}

func TestMacRegex(t *testing.T) {
	t.Parallel()

	for _, mac := range []string{"00155D000001", "00-15-5D-00-00-01", "d2:ab:eb:a6:a9:39"} {
		if !macRegex.MatchString(mac) {
			t.Errorf("expected %q to match", mac)
		}
	}
	for _, mac := range []string{"00155D0000", "zz155D000001", ""} {
		if macRegex.MatchString(mac) {
			t.Errorf("expected %q not to match", mac)
		}
	}
}
