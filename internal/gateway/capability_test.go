package gateway

import (
	"testing"

	"github.com/dunia/mcp-gateway/internal/database"
)

func boolPerm(enabled bool) database.CapabilityPermission {
	return database.CapabilityPermission{Enabled: enabled}
}

func TestComparePermissionsIgnoresDescriptionOnlyEdits(t *testing.T) {
	old := EffectiveCapabilityView{
		"s1": {Tools: map[string]CapabilityItemView{
			"a": {Enabled: true, Description: "old description"},
		}},
	}
	newView := EffectiveCapabilityView{
		"s1": {Tools: map[string]CapabilityItemView{
			"a": {Enabled: true, Description: "new description"},
		}},
	}

	sig := comparePermissions(old, newView)
	if sig.ToolsChanged {
		t.Fatal("a description-only edit on an already-enabled tool must not signal a change")
	}
}

func TestComparePermissionsDetectsMembershipChange(t *testing.T) {
	old := EffectiveCapabilityView{
		"s1": {Tools: map[string]CapabilityItemView{
			"a": {Enabled: true},
			"b": {Enabled: false},
		}},
	}
	newView := EffectiveCapabilityView{
		"s1": {Tools: map[string]CapabilityItemView{
			"a": {Enabled: true},
			"b": {Enabled: true},
		}},
	}

	sig := comparePermissions(old, newView)
	if !sig.ToolsChanged {
		t.Fatal("enabling a previously-disabled tool must signal toolsChanged")
	}
	if sig.ResourcesChanged || sig.PromptsChanged {
		t.Fatal("unrelated capability kinds must not be marked changed")
	}
}

func TestDeriveItemsAdminMaskDefaultsAllEnabled(t *testing.T) {
	ground := []database.CapabilityItem{{Name: "a"}, {Name: "b"}}
	items := deriveItems(ground, nil, false, nil, false)
	if !items["a"].Enabled || !items["b"].Enabled {
		t.Fatal("with no admin mask present, every ground-truth item defaults to enabled")
	}
}

func TestDeriveItemsAdminMaskDisablesExplicitly(t *testing.T) {
	ground := []database.CapabilityItem{{Name: "a"}, {Name: "b"}}
	mask := map[string]database.CapabilityPermission{"b": boolPerm(false)}
	items := deriveItems(ground, mask, true, nil, false)
	if !items["a"].Enabled {
		t.Fatal("item absent from an active mask should default to enabled")
	}
	if items["b"].Enabled {
		t.Fatal("item explicitly disabled in the admin mask must stay disabled")
	}
}

func TestDeriveItemsUserOverlayCannotReenableAdminDisabled(t *testing.T) {
	ground := []database.CapabilityItem{{Name: "a"}}
	mask := map[string]database.CapabilityPermission{"a": boolPerm(false)}
	overlay := map[string]database.CapabilityPermission{"a": boolPerm(true)}
	items := deriveItems(ground, mask, true, overlay, true)
	if items["a"].Enabled {
		t.Fatal("user overlay must only narrow, never widen, the admin mask")
	}
}

func TestDeriveItemsOverlayIgnoresUnknownItems(t *testing.T) {
	ground := []database.CapabilityItem{{Name: "a"}}
	overlay := map[string]database.CapabilityPermission{"ghost": boolPerm(false)}
	items := deriveItems(ground, nil, false, overlay, true)
	if _, ok := items["ghost"]; ok {
		t.Fatal("an overlay entry with no matching ground-truth item must be ignored, not synthesized")
	}
	if !items["a"].Enabled {
		t.Fatal("unrelated item must remain enabled")
	}
}
