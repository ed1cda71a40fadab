package js_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zond/mudbridge"
	"github.com/zond/mudbridge/bridge"
	"github.com/zond/mudbridge/js"
	"github.com/zond/mudbridge/registry"
	"github.com/zond/mudbridge/structs"
	"github.com/zond/mudbridge/worldtest"
	"rogchap.com/v8go"
)

// fakeSched records scheduled trampolines so tests control firing.
type fakeSched struct {
	next      uint64
	lastDelay time.Duration
	tasks     map[uint64]func()
	order     []uint64
}

func newFakeSched() *fakeSched {
	return &fakeSched{tasks: map[uint64]func(){}}
}

func (s *fakeSched) Schedule(d time.Duration, f func()) uint64 {
	s.next++
	s.lastDelay = d
	s.tasks[s.next] = f
	s.order = append(s.order, s.next)
	return s.next
}

func (s *fakeSched) Cancel(id uint64) bool {
	if _, found := s.tasks[id]; !found {
		return false
	}
	delete(s.tasks, id)
	return true
}

// fire runs the oldest still-pending task.
func (s *fakeSched) fire(t *testing.T) {
	t.Helper()
	for len(s.order) > 0 {
		id := s.order[0]
		s.order = s.order[1:]
		if f, found := s.tasks[id]; found {
			delete(s.tasks, id)
			f()
			return
		}
	}
	t.Fatal("no pending task to fire")
}

type fixture struct {
	ctx   context.Context
	rt    *js.Runtime
	iface *js.Interface
	sched *fakeSched
	world *worldtest.World
	diag  *bytes.Buffer
}

func newFixture(t *testing.T, tweak func(*structs.Config)) *fixture {
	t.Helper()
	cfg := structs.Default()
	cfg.SetTimerFloor(100 * time.Millisecond)
	cfg.SetCallTimeout(5 * time.Second)
	if tweak != nil {
		tweak(cfg)
	}

	w := worldtest.New()
	reg := registry.New()
	for _, def := range []registry.Def{
		{Name: "Thing"},
		{Name: "Item", Parent: "Thing", Mutable: true,
			Reduce: func(e bridge.Entity) uint32 { return e.(*worldtest.Item).Unique }},
		{Name: "Creature", Parent: "Thing", Mutable: true,
			Reduce: func(e bridge.Entity) uint32 { return e.(*worldtest.Monster).ID }},
		{Name: "Condition"},
	} {
		if _, err := reg.Register(def); err != nil {
			t.Fatal(err)
		}
	}

	s := newFakeSched()
	rt := js.NewRuntime(cfg, w, reg, s, func(f func()) { f() })
	if err := rt.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rt.Close() })
	diag := &bytes.Buffer{}
	rt.SetDiagnostics(diag)

	iface, err := rt.NewInterface("test")
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		ctx:   mudbridge.MakeMainContext(context.Background()),
		rt:    rt,
		iface: iface,
		sched: s,
		world: w,
		diag:  diag,
	}
}

// register exposes a callback-caching binding and returns the slot id the
// script observed.
func (f *fixture) register(t *testing.T, source string) int32 {
	t.Helper()
	if err := f.iface.Bind("register", func(i *js.Interface, info *v8go.FunctionCallbackInfo) *v8go.Value {
		fn, err := info.Args()[0].AsFunction()
		if err != nil {
			return i.Throw("register takes a function: %v", err)
		}
		id := i.CacheCallback(fn, js.Location{Origin: "register.js"})
		val, err := i.NewValue(id)
		if err != nil {
			return i.Throw("trying to create value: %v", err)
		}
		return val
	}); err != nil {
		t.Fatal(err)
	}
	val, err := f.iface.Eval(f.ctx, source, "register.js")
	if err != nil {
		t.Fatal(err)
	}
	return int32(val.Integer())
}

func TestLoadScript(t *testing.T) {
	f := newFixture(t, nil)
	id := f.iface.LoadScript(f.ctx, "var loaded = true;", "/scripts/ok.js")
	if id == js.LoadFailed {
		t.Fatalf("load returned the failure sentinel: %s", f.diag.String())
	}
	if got := f.iface.ScriptLocation(id).String(); got != "/scripts/ok.js" {
		t.Errorf("got script location %q, want /scripts/ok.js", got)
	}
	val, err := f.iface.Eval(f.ctx, "loaded", "check.js")
	if err != nil {
		t.Fatal(err)
	}
	if !val.Boolean() {
		t.Error("loaded script did not run")
	}
}

func TestLoadScriptFailureSentinel(t *testing.T) {
	f := newFixture(t, nil)
	if id := f.iface.LoadScript(f.ctx, "this is not javascript ((", "/scripts/broken.js"); id != js.LoadFailed {
		t.Errorf("got script id %d for a broken module, want LoadFailed", id)
	}
	if !strings.Contains(f.diag.String(), "[test interface]") {
		t.Errorf("diagnostic lacks interface name: %q", f.diag.String())
	}
	if !strings.Contains(f.diag.String(), "/scripts/broken.js") {
		t.Errorf("diagnostic lacks script origin: %q", f.diag.String())
	}
}

func TestCallCachedCallback(t *testing.T) {
	f := newFixture(t, nil)
	id := f.register(t, "register((a, b) => a * b)")
	three, err := f.iface.NewValue(int32(3))
	if err != nil {
		t.Fatal(err)
	}
	four, err := f.iface.NewValue(int32(4))
	if err != nil {
		t.Fatal(err)
	}
	val, err := f.iface.Call(f.ctx, id, 0, three, four)
	if err != nil {
		t.Fatal(err)
	}
	if got := val.Integer(); got != 12 {
		t.Errorf("got %d, want 12", got)
	}
	if got := f.rt.Pool().InUse(); got != 0 {
		t.Errorf("%d contexts still reserved after the call", got)
	}
}

func TestCallUnknownCallback(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.iface.Call(f.ctx, 42, 0); err == nil {
		t.Error("calling an uncached slot succeeded")
	}
}

func TestProtectedCallTrapsFault(t *testing.T) {
	f := newFixture(t, nil)
	id := f.register(t, `register(() => { throw new Error("boom"); })`)
	if _, err := f.iface.Call(f.ctx, id, 0); err == nil {
		t.Error("faulting callback reported success")
	}
	out := f.diag.String()
	if !strings.Contains(out, "boom") {
		t.Errorf("diagnostic lacks the fault message: %q", out)
	}
	if !strings.Contains(out, "[test interface]") {
		t.Errorf("diagnostic lacks the interface name: %q", out)
	}
	if !strings.Contains(out, "register.js (callback") {
		t.Errorf("diagnostic lacks the callback location: %q", out)
	}
	// The fault's own position and stack trace survive the Go-side wrapping.
	if !strings.Contains(out, "(register.js:") {
		t.Errorf("diagnostic lacks the fault location: %q", out)
	}
	if !strings.Contains(out, "    at ") {
		t.Errorf("diagnostic lacks the script stack trace: %q", out)
	}
}

func TestCallsRejectedOffMainContext(t *testing.T) {
	f := newFixture(t, nil)
	id := f.register(t, "register(() => 1)")
	if _, err := f.iface.Call(context.Background(), id, 0); err == nil {
		t.Error("callback ran off the main tick loop")
	}
	if _, err := f.iface.Eval(context.Background(), "1 + 1", "stray.js"); err == nil {
		t.Error("eval ran off the main tick loop")
	}
	if got := f.iface.LoadScript(context.Background(), "var x = 1;", "stray.js"); got != js.LoadFailed {
		t.Errorf("got script id %d for a load off the main tick loop, want LoadFailed", got)
	}
	if !strings.Contains(f.diag.String(), "outside the main tick loop") {
		t.Errorf("diagnostic lacks the rejection reason: %q", f.diag.String())
	}
}

func TestStackMismatchDiagnostic(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.iface.Bind("leaky", func(i *js.Interface, info *v8go.FunctionCallbackInfo) *v8go.Value {
		val, err := i.NewValue("left behind")
		if err != nil {
			return i.Throw("trying to create value: %v", err)
		}
		i.Push(val)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	id := f.register(t, "register(() => { leaky(); })")
	if _, err := f.iface.Call(f.ctx, id, 0); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(f.diag.String(), "stack size changed") {
		t.Errorf("diagnostic lacks the stack-balance category: %q", f.diag.String())
	}
	if got := f.iface.Depth(); got != 0 {
		t.Errorf("marshal stack not truncated, depth %d", got)
	}
}

func TestEvalRejectedWhenPoolExhausted(t *testing.T) {
	f := newFixture(t, func(cfg *structs.Config) {
		cfg.SetPoolCapacity(1)
	})
	ctx, err := f.rt.Pool().Acquire()
	if err != nil {
		t.Fatal(err)
	}
	defer f.rt.Pool().Release(ctx)
	if _, err := f.iface.Eval(f.ctx, "1 + 1", "busy.js"); !errors.Is(err, bridge.ErrPoolExhausted) {
		t.Errorf("got %v, want ErrPoolExhausted", err)
	}
}

func TestWrapEntityRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	monster := f.world.AddMonster("ogre")
	desc, _ := f.rt.Types().Lookup("Creature")

	ctx, err := f.rt.Pool().Acquire()
	if err != nil {
		t.Fatal(err)
	}
	defer f.rt.Pool().Release(ctx)

	val, err := f.iface.WrapEntity(ctx, monster, desc)
	if err != nil {
		t.Fatal(err)
	}
	e, gotDesc, err := f.iface.UnwrapEntity(ctx, val)
	if err != nil {
		t.Fatal(err)
	}
	if e != bridge.Entity(monster) {
		t.Errorf("got %v, want the wrapped monster", e)
	}
	if gotDesc.Name() != "Creature" {
		t.Errorf("got type %q, want Creature", gotDesc.Name())
	}
}
