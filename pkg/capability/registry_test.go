package capability

import (
	"reflect"
	"testing"

	"github.com/atlashq/atlas/pkg/config"
)

func testRegistry() *Registry {
	return NewRegistry(
		map[string]config.CapabilityConfig{
			"sales":   {URL: "http://sales.internal"},
			"support": {URL: "http://support.internal"},
			"finance": {URL: "http://finance.internal"},
		},
		map[string][]string{
			"seller":  {"sales"},
			"agent":   {"support", "sales"},
			"nothing": {},
			"stale":   {"retired"},
		},
		[]string{"superuser"},
	)
}

func TestAccessibleUnionIsSortedAndDeduplicated(t *testing.T) {
	r := testRegistry()

	got := r.Accessible([]string{"seller", "agent"})
	want := []string{"sales", "support"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Accessible = %v, want %v", got, want)
	}
}

func TestAccessibleUnknownRoleYieldsNothing(t *testing.T) {
	r := testRegistry()

	if got := r.Accessible([]string{"ghost"}); len(got) != 0 {
		t.Errorf("Accessible = %v, want empty", got)
	}
	if got := r.Accessible(nil); len(got) != 0 {
		t.Errorf("Accessible(nil) = %v, want empty", got)
	}
}

func TestAccessibleSkipsUnregisteredCapability(t *testing.T) {
	r := testRegistry()

	if got := r.Accessible([]string{"stale"}); len(got) != 0 {
		t.Errorf("Accessible = %v, want empty (capability not registered)", got)
	}
}

func TestAccessibleAdminRoleBypass(t *testing.T) {
	r := testRegistry()

	got := r.Accessible([]string{"superuser"})
	want := []string{"finance", "sales", "support"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Accessible = %v, want %v", got, want)
	}

	// "admin" is just a word unless configured as an admin role.
	if got := r.Accessible([]string{"admin"}); len(got) != 0 {
		t.Errorf("Accessible(admin) = %v, want empty", got)
	}
}

func TestDescriptorLookup(t *testing.T) {
	r := testRegistry()

	d, ok := r.Descriptor("sales")
	if !ok || d.URL != "http://sales.internal" || d.Name != "sales" {
		t.Errorf("Descriptor = %+v ok=%v", d, ok)
	}
	if _, ok := r.Descriptor("ghost"); ok {
		t.Error("unknown capability should not resolve")
	}
}
