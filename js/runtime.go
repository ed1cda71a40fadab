// Package js is the scripting side of the bridge: a process-wide V8 isolate,
// one Interface per logical script domain, and the deferred-execution
// subsystem that lets scripts schedule future callbacks through the game's
// tick scheduler.
package js

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/zond/mudbridge"
	"github.com/zond/mudbridge/bridge"
	"github.com/zond/mudbridge/registry"
	"github.com/zond/mudbridge/structs"
	"rogchap.com/v8go"
)

// Scheduler is the external "run this after a delay" service. The bridge
// never runs timer callbacks on the scheduler's goroutine; the function it
// hands over re-enters the main loop through the runtime's dispatch.
type Scheduler interface {
	Schedule(d time.Duration, f func()) uint64
	Cancel(id uint64) bool
}

// Runtime owns the V8 isolate and everything with process-wide lifetime:
// the shared captured-reference slot table, per-interface scoped registries,
// pending timer descriptors and the context pool.
type Runtime struct {
	config   *structs.Config
	world    bridge.World
	types    *registry.Registry
	sched    Scheduler
	dispatch func(func())

	iso     *v8go.Isolate
	vctx    *v8go.Context
	pool    *bridge.Pool
	current *bridge.CallContext

	slots    map[int32]*v8go.Value
	nextSlot int32

	interfaces map[string]*Interface
	scoped     *mudbridge.SyncMap[string, map[int32]any]
	nextScoped int32

	timers    map[int64]*timerEvent
	nextTimer int64

	diag *log.Logger
	open bool
}

// NewRuntime wires the runtime to its collaborators. dispatch must run its
// argument on the main tick goroutine; the scheduler and database queue
// complete through it. Call Open before use.
func NewRuntime(config *structs.Config, world bridge.World, types *registry.Registry, scheduler Scheduler, dispatch func(func())) *Runtime {
	return &Runtime{
		config:   config,
		world:    world,
		types:    types,
		sched:    scheduler,
		dispatch: dispatch,
		diag:     log.Default(),
	}
}

// SetDiagnostics redirects the bridge's diagnostic log, including the handle
// tables of pooled call contexts.
func (rt *Runtime) SetDiagnostics(w io.Writer) {
	rt.diag = log.New(w, "", log.LstdFlags)
	if rt.pool != nil {
		rt.pool.SetDiagnostics(rt.diag)
	}
}

func (rt *Runtime) Config() *structs.Config {
	return rt.config
}

func (rt *Runtime) Types() *registry.Registry {
	return rt.types
}

func (rt *Runtime) World() bridge.World {
	return rt.world
}

func (rt *Runtime) Pool() *bridge.Pool {
	return rt.pool
}

// Current returns the context of the call being processed, if any. Only
// meaningful on the main tick goroutine.
func (rt *Runtime) Current() *bridge.CallContext {
	return rt.current
}

// Open creates the isolate, context, slot table and pool, and installs the
// script-facing schedule/cancel builtins.
func (rt *Runtime) Open() error {
	if rt.open {
		return fmt.Errorf("runtime already open")
	}
	rt.iso = v8go.NewIsolate()
	rt.vctx = v8go.NewContext(rt.iso)
	rt.pool = bridge.NewPool(rt.world, rt.config.PoolCapacity(), rt.config.LocalBase())
	rt.pool.SetDiagnostics(rt.diag)
	rt.slots = map[int32]*v8go.Value{}
	rt.timers = map[int64]*timerEvent{}
	if rt.interfaces == nil {
		rt.interfaces = map[string]*Interface{}
	}
	if rt.scoped == nil {
		rt.scoped = mudbridge.NewSyncMap[string, map[int32]any]()
	}
	rt.open = true
	if err := rt.installBuiltins(); err != nil {
		rt.Close()
		return mudbridge.WithStack(err)
	}
	return nil
}

// Close tears the runtime down: pending timers are drained (their captured
// references released, never silently dropped), scoped registries and
// interfaces cleared as a unit, then the VM handle destroyed. Interfaces hold
// callbacks into the isolate, so none survive into a later Open.
func (rt *Runtime) Close() error {
	if !rt.open {
		return nil
	}
	rt.drainTimers()
	for name := range rt.scoped.Clone() {
		rt.scoped.Del(name)
	}
	rt.interfaces = map[string]*Interface{}
	if leaked := len(rt.slots); leaked > 0 {
		rt.diag.Printf("closing runtime with %d leaked captured references", leaked)
	}
	rt.slots = nil
	rt.vctx.Close()
	rt.iso.Dispose()
	rt.vctx = nil
	rt.iso = nil
	rt.pool = nil
	rt.current = nil
	rt.open = false
	return nil
}

// Reopen reloads the scripting world: per-interface scoped registries and
// the interfaces themselves are torn down and recreated wholesale before the
// VM handle cycles, so a reload cannot leave dangling references into the
// destroyed generation.
func (rt *Runtime) Reopen() error {
	names := make([]string, 0, len(rt.interfaces))
	for name := range rt.interfaces {
		names = append(names, name)
	}
	for _, name := range names {
		rt.scoped.Del(name)
	}
	rt.interfaces = map[string]*Interface{}
	if err := rt.Close(); err != nil {
		return mudbridge.WithStack(err)
	}
	if err := rt.Open(); err != nil {
		return mudbridge.WithStack(err)
	}
	for _, name := range names {
		if _, err := rt.NewInterface(name); err != nil {
			return mudbridge.WithStack(err)
		}
	}
	return nil
}

// NewInterface registers a script domain under name.
func (rt *Runtime) NewInterface(name string) (*Interface, error) {
	if !rt.open {
		return nil, fmt.Errorf("runtime is not open")
	}
	if _, found := rt.interfaces[name]; found {
		return nil, fmt.Errorf("interface %q already registered", name)
	}
	i := newInterface(rt, name)
	rt.interfaces[name] = i
	return i, nil
}

// Interface returns the script domain registered under name.
func (rt *Runtime) Interface(name string) (*Interface, bool) {
	i, found := rt.interfaces[name]
	return i, found
}

// capture stores val in the shared slot table and returns the consumable
// reference. The table keeps the value alive past the end of the call that
// produced it.
func (rt *Runtime) capture(val *v8go.Value) *Captured {
	rt.nextSlot++
	rt.slots[rt.nextSlot] = val
	return &Captured{rt: rt, slot: rt.nextSlot}
}

// CapturedCount returns the number of live captured references, for leak
// checks.
func (rt *Runtime) CapturedCount() int {
	return len(rt.slots)
}

// Captured is a script value kept alive past the end of the call that
// produced it, for later deferred use. It is consumable exactly once: Take
// on fire, Release on cancel.
type Captured struct {
	rt    *Runtime
	slot  int32
	taken bool
}

// Take consumes the reference and returns the value. Second calls fail.
func (c *Captured) Take() (*v8go.Value, bool) {
	if c.taken {
		return nil, false
	}
	c.taken = true
	val, found := c.rt.slots[c.slot]
	if !found {
		return nil, false
	}
	delete(c.rt.slots, c.slot)
	return val, true
}

// Release consumes the reference and discards the value.
func (c *Captured) Release() {
	c.Take()
}

// NewScopedObject stores obj in iface's scoped registry and returns its id.
// Scoped registries hold script-created engine helpers that live until the
// next reload; they are cleared as a unit, never partially.
func (rt *Runtime) NewScopedObject(iface *Interface, obj any) int32 {
	rt.nextScoped++
	m, found := rt.scoped.GetHas(iface.Name())
	if !found {
		m = map[int32]any{}
	}
	m[rt.nextScoped] = obj
	rt.scoped.Set(iface.Name(), m)
	return rt.nextScoped
}

// ScopedObject looks up a scoped object by id.
func (rt *Runtime) ScopedObject(iface *Interface, id int32) (any, bool) {
	m, found := rt.scoped.GetHas(iface.Name())
	if !found {
		return nil, false
	}
	obj, found := m[id]
	return obj, found
}

// ScopedCount returns the number of scoped objects held for iface.
func (rt *Runtime) ScopedCount(iface *Interface) int {
	return len(rt.scoped.Get(iface.Name()))
}

// ClearScoped drops iface's scoped registry as a unit.
func (rt *Runtime) ClearScoped(iface *Interface) {
	rt.scoped.Del(iface.Name())
}

// newValue wraps v8go.NewValue against the runtime's isolate.
func (rt *Runtime) newValue(v any) (*v8go.Value, error) {
	val, err := v8go.NewValue(rt.iso, v)
	return val, mudbridge.WithStack(err)
}

// installBuiltins exposes the deferred-execution surface to scripts:
// schedule(callback, delayMs, ...args) -> token and cancel(token) -> bool.
func (rt *Runtime) installBuiltins() error {
	scheduleFn := v8go.NewFunctionTemplate(rt.iso, func(info *v8go.FunctionCallbackInfo) *v8go.Value {
		args := info.Args()
		if len(args) < 2 || !args[0].IsFunction() || !args[1].IsNumber() {
			return rt.throw("schedule takes [function, delayMs, ...args] arguments")
		}
		ctx := rt.current
		if ctx == nil {
			return rt.throw("schedule called outside a script call")
		}
		iface, ok := ctx.Owner().(*Interface)
		if !ok {
			return rt.throw("schedule called on a context without an owning interface")
		}
		fn, err := args[0].AsFunction()
		if err != nil {
			return rt.throw("trying to cast %v to a function: %v", args[0], err)
		}
		delay := time.Duration(args[1].Integer()) * time.Millisecond
		token, err := rt.Schedule(iface, fn, delay, args[2:]...)
		if err != nil {
			return rt.throw("trying to schedule: %v", err)
		}
		res, err := rt.newValue(token)
		if err != nil {
			return rt.throw("trying to create token value: %v", err)
		}
		return res
	}).GetFunction(rt.vctx)
	if err := rt.vctx.Global().Set("schedule", scheduleFn); err != nil {
		return mudbridge.WithStack(err)
	}

	cancelFn := v8go.NewFunctionTemplate(rt.iso, func(info *v8go.FunctionCallbackInfo) *v8go.Value {
		args := info.Args()
		if len(args) != 1 || !args[0].IsNumber() {
			return rt.throw("cancel takes [token] arguments")
		}
		res, err := rt.newValue(rt.CancelTimer(args[0].Integer()))
		if err != nil {
			return rt.throw("trying to create result value: %v", err)
		}
		return res
	}).GetFunction(rt.vctx)
	return mudbridge.WithStack(rt.vctx.Global().Set("cancel", cancelFn))
}

func (rt *Runtime) throw(format string, args ...any) *v8go.Value {
	msg, err := rt.newValue(fmt.Sprintf(format, args...))
	if err != nil {
		return nil
	}
	return rt.iso.ThrowException(msg)
}
