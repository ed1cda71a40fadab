package registry_test

import (
	"testing"

	"github.com/zond/mudbridge/bridge"
	"github.com/zond/mudbridge/registry"
	"github.com/zond/mudbridge/worldtest"
)

func buildHierarchy(t *testing.T) (*registry.Registry, map[string]*registry.Descriptor) {
	t.Helper()
	r := registry.New()
	descs := map[string]*registry.Descriptor{}
	for _, def := range []registry.Def{
		{Name: "Thing"},
		{Name: "Item", Parent: "Thing", Mutable: true,
			Reduce: func(e bridge.Entity) uint32 { return e.(*worldtest.Item).Unique }},
		{Name: "Container", Parent: "Item"},
		{Name: "Creature", Parent: "Thing", Mutable: true,
			Reduce: func(e bridge.Entity) uint32 { return e.(*worldtest.Monster).ID }},
		{Name: "Condition"},
	} {
		d, err := r.Register(def)
		if err != nil {
			t.Fatal(err)
		}
		descs[def.Name] = d
	}
	return r, descs
}

func TestDepths(t *testing.T) {
	_, descs := buildHierarchy(t)
	for name, want := range map[string]int{
		"Thing":     0,
		"Item":      1,
		"Container": 2,
		"Creature":  1,
		"Condition": 0,
	} {
		if got := descs[name].Depth(); got != want {
			t.Errorf("%s depth = %d, want %d", name, got, want)
		}
	}
}

func TestIsType(t *testing.T) {
	_, descs := buildHierarchy(t)
	for _, tc := range []struct {
		a, b string
		want bool
	}{
		{"Container", "Item", true},
		{"Container", "Thing", true},
		{"Container", "Container", true},
		{"Item", "Container", false},
		{"Creature", "Item", false},
		{"Condition", "Thing", false},
		{"Thing", "Condition", false},
	} {
		if got := registry.IsType(descs[tc.a], descs[tc.b]); got != tc.want {
			t.Errorf("IsType(%s, %s) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestWeakTwin(t *testing.T) {
	released := 0
	r := registry.New()
	item, err := r.Register(registry.Def{
		Name: "OwnedItem",
		Hook: func(e bridge.Entity) { released++ },
	})
	if err != nil {
		t.Fatal(err)
	}

	if !item.Owning() {
		t.Error("descriptor with hook reported non-owning")
	}
	weak := item.Weak()
	if weak.Owning() {
		t.Error("weak twin reported owning")
	}
	if weak.Name() != item.Name() || weak.Depth() != item.Depth() {
		t.Errorf("weak twin diverges: %s/%d vs %s/%d",
			weak.Name(), weak.Depth(), item.Name(), item.Depth())
	}
	if !registry.IsType(weak, item) {
		t.Error("weak twin failed IsType against its owning descriptor")
	}

	h := registry.Wrap(item, 17)
	h.Release(&worldtest.Item{})
	if released != 1 {
		t.Errorf("owning release hook ran %d times, want 1", released)
	}
	// The weak view type has no Release at all; the compiler enforces the
	// no-release contract. Only descriptor parity is checked here.
	w := registry.WrapWeak(item, 17)
	if w.Desc.Owning() {
		t.Error("WrapWeak produced an owning descriptor")
	}
}

func TestRegisterErrors(t *testing.T) {
	r := registry.New()
	if _, err := r.Register(registry.Def{Name: "Dup"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(registry.Def{Name: "Dup"}); err == nil {
		t.Error("duplicate registration succeeded")
	}
	if _, err := r.Register(registry.Def{Name: "Orphan", Parent: "Missing"}); err == nil {
		t.Error("registration with missing parent succeeded")
	}
	if _, err := r.Register(registry.Def{}); err == nil {
		t.Error("registration with empty name succeeded")
	}
}

func TestInheritedReduceAndMutable(t *testing.T) {
	_, descs := buildHierarchy(t)
	container := descs["Container"]
	if !container.Mutable() {
		t.Error("Container did not inherit mutability from Item")
	}
	item := &worldtest.Item{Unique: 99}
	if got, ok := container.Reduce(item); !ok || got != 99 {
		t.Errorf("inherited Reduce = %d, %v; want 99, true", got, ok)
	}
	if _, ok := descs["Thing"].Reduce(item); ok {
		t.Error("root type unexpectedly has a reduction")
	}
}
