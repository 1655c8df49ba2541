package provider

import (
	"testing"

	"github.com/hashicorp/terraform-plugin-framework/types"

	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

func TestFilterSwitches(t *testing.T) {
	switches := []models.Switch{
		{ID: "1", Name: "Default Switch", SwitchType: "Internal"},
		{ID: "2", Name: "lan", SwitchType: "External"},
		{ID: "3", Name: "storage", SwitchType: "Private"},
	}

	got := filterSwitches(switches, switchesDataSourceModel{Name: types.StringValue("LAN")})
	if len(got) != 1 || got[0].ID != "2" {
		t.Fatalf("expected lan switch, got %#v", got)
	}

	got = filterSwitches(switches, switchesDataSourceModel{SwitchType: types.StringValue("private")})
	if len(got) != 1 || got[0].Name != "storage" {
		t.Fatalf("expected storage switch, got %#v", got)
	}

	if got := flattenSwitches(filterSwitches(switches, switchesDataSourceModel{})); len(got) != 3 {
		t.Fatalf("expected all switches without filters, got %d", len(got))
	}
}
