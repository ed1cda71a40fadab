package mudbridge

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMainContext(t *testing.T) {
	ctx := context.Background()
	if IsMainContext(ctx) {
		t.Error("plain context treated as main")
	}
	if !IsMainContext(MakeMainContext(ctx)) {
		t.Error("marked context not treated as main")
	}
}

func TestWithStack(t *testing.T) {
	if WithStack(nil) != nil {
		t.Error("WithStack(nil) is not nil")
	}
	err := WithStack(fmt.Errorf("boom"))
	if StackTrace(err) == "" {
		t.Error("wrapped error carries no stack trace")
	}
	if again := WithStack(err); again != err {
		t.Error("WithStack rewrapped an already traced error")
	}
}

func TestSyncMap(t *testing.T) {
	m := NewSyncMap[string, int]()
	m.Set("a", 1)
	m.Set("b", 2)

	if got := m.Len(); got != 2 {
		t.Errorf("got len %d, want 2", got)
	}
	if got, found := m.GetHas("a"); !found || got != 1 {
		t.Errorf("got (%d, %v), want (1, true)", got, found)
	}
	if m.Has("c") {
		t.Error("phantom key present")
	}

	want := map[string]int{"a": 1, "b": 2}
	if diff := cmp.Diff(want, m.Clone()); diff != "" {
		t.Errorf("clone mismatch (-want +got):\n%s", diff)
	}

	seen := map[string]int{}
	for k, v := range m.Each() {
		seen[k] = v
	}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("iteration mismatch (-want +got):\n%s", diff)
	}

	m.Del("a")
	if m.Has("a") {
		t.Error("deleted key present")
	}
}
