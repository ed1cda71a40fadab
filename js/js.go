package js

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/mudbridge"
	"github.com/zond/mudbridge/bridge"
	"github.com/zond/mudbridge/registry"
	"rogchap.com/v8go"
)

const (
	// LoadFailed is the sentinel returned when a script module fails to
	// parse or run at load time.
	LoadFailed = int32(-1)
)

var (
	ErrTimeout = fmt.Errorf("script call timed out")
)

// Location is a resolved source position inside a script domain.
type Location struct {
	Origin string
	Line   int
}

func (l Location) String() string {
	if l.Origin == "" {
		return "(unknown source)"
	}
	if l.Line > 0 {
		return fmt.Sprintf("%s:%d", l.Origin, l.Line)
	}
	return l.Origin
}

// Interface is one logical script domain: its own callback-slot cache,
// script-id table and marshal stack, sharing the runtime's VM. Interfaces
// are created at startup and recreated wholesale on reload.
type Interface struct {
	rt   *Runtime
	name string

	nextCallback int32
	callbacks    map[int32]*v8go.Function
	callbackLoc  map[int32]Location

	nextScript int32
	scripts    map[int32]Location

	sources *SourceCache

	// stack is the marshal area bindings use to exchange values with the
	// engine during a call. Its depth is asserted around every call.
	stack []*v8go.Value
}

func newInterface(rt *Runtime, name string) *Interface {
	return &Interface{
		rt:          rt,
		name:        name,
		callbacks:   map[int32]*v8go.Function{},
		callbackLoc: map[int32]Location{},
		scripts:     map[int32]Location{},
		sources:     NewSourceCache(rt.config.SourceCacheTTL()),
	}
}

func (i *Interface) Name() string {
	return i.name
}

func (i *Interface) Runtime() *Runtime {
	return i.rt
}

// LoadScript compiles and runs a script module's top-level code inside a
// reserved call context. Failures are reported once and LoadFailed is
// returned. ctx must belong to the main tick loop.
func (i *Interface) LoadScript(ctx context.Context, source, origin string) int32 {
	if !mudbridge.IsMainContext(ctx) {
		i.ReportError(nil, origin, "script load outside the main tick loop", "")
		return LoadFailed
	}
	call, err := i.rt.pool.Acquire()
	if err != nil {
		i.ReportError(nil, origin, err.Error(), "")
		return LoadFailed
	}
	defer i.rt.pool.Release(call)

	i.nextScript++
	id := i.nextScript
	i.scripts[id] = Location{Origin: origin}

	call.SetOwner(i)
	call.SetScriptID(id)
	prev := i.rt.current
	i.rt.current = call
	defer func() { i.rt.current = prev }()

	if _, err := i.rt.vctx.RunScript(source, origin); err != nil {
		msg, trace := describeJSError(err)
		i.ReportError(call, origin, msg, trace)
		return LoadFailed
	}
	return id
}

// LoadScriptFile loads a script module from disk through the TTL source
// cache.
func (i *Interface) LoadScriptFile(ctx context.Context, path string) int32 {
	source, err := i.sources.Get(path)
	if err != nil {
		i.ReportError(nil, path, err.Error(), "")
		return LoadFailed
	}
	return i.LoadScript(ctx, source, path)
}

// InvalidateSource drops path from the source cache, so the next load re-reads
// it from disk.
func (i *Interface) InvalidateSource(path string) {
	i.sources.Invalidate(path)
}

// SourceCount returns the number of cached script sources.
func (i *Interface) SourceCount() int {
	return i.sources.Len()
}

// Eval runs source inside a reserved call context and returns its value.
// Faults are reported and returned; nothing unwinds into the caller. ctx must
// belong to the main tick loop.
func (i *Interface) Eval(ctx context.Context, source, origin string) (*v8go.Value, error) {
	if !mudbridge.IsMainContext(ctx) {
		return nil, errors.New("script call outside the main tick loop")
	}
	call, err := i.rt.pool.Acquire()
	if err != nil {
		return nil, mudbridge.WithStack(err)
	}
	defer i.rt.pool.Release(call)

	call.SetOwner(i)
	prev := i.rt.current
	i.rt.current = call
	defer func() { i.rt.current = prev }()

	val, err := i.rt.vctx.RunScript(source, origin)
	if err != nil {
		msg, trace := describeJSError(err)
		i.ReportError(call, origin, msg, trace)
		return nil, mudbridge.WithStack(err)
	}
	return val, nil
}

// Bind exposes a Go function to scripts under name in the global scope.
func (i *Interface) Bind(name string, fn func(*Interface, *v8go.FunctionCallbackInfo) *v8go.Value) error {
	return mudbridge.WithStack(
		i.rt.vctx.Global().Set(
			name,
			v8go.NewFunctionTemplate(
				i.rt.iso,
				func(info *v8go.FunctionCallbackInfo) *v8go.Value {
					return fn(i, info)
				},
			).GetFunction(i.rt.vctx),
		),
	)
}

// Throw raises a script-side exception from inside a binding.
func (i *Interface) Throw(format string, args ...any) *v8go.Value {
	return i.rt.throw(format, args...)
}

// NewValue creates a script value in the runtime's isolate.
func (i *Interface) NewValue(v any) (*v8go.Value, error) {
	return i.rt.newValue(v)
}

// ScriptLocation resolves a script id to its source location.
func (i *Interface) ScriptLocation(id int32) Location {
	return i.scripts[id]
}

// CacheCallback stores a compiled callback under a new slot id. Slot ids
// increase monotonically for the life of the interface.
func (i *Interface) CacheCallback(fn *v8go.Function, loc Location) int32 {
	i.nextCallback++
	i.callbacks[i.nextCallback] = fn
	i.callbackLoc[i.nextCallback] = loc
	return i.nextCallback
}

// Callback returns the cached callback under slot id.
func (i *Interface) Callback(id int32) (*v8go.Function, bool) {
	fn, found := i.callbacks[id]
	return fn, found
}

// CallbackLocation resolves a callback slot to its source location.
func (i *Interface) CallbackLocation(id int32) Location {
	return i.callbackLoc[id]
}

// CallbackCount returns the number of cached callback slots.
func (i *Interface) CallbackCount() int {
	return len(i.callbacks)
}

// Push places a value on the marshal stack for a binding to consume.
func (i *Interface) Push(val *v8go.Value) {
	i.stack = append(i.stack, val)
}

// Pop removes and returns the top marshal value.
func (i *Interface) Pop() (*v8go.Value, bool) {
	if len(i.stack) == 0 {
		return nil, false
	}
	top := i.stack[len(i.stack)-1]
	i.stack = i.stack[:len(i.stack)-1]
	return top, true
}

// Depth returns the marshal stack depth.
func (i *Interface) Depth() int {
	return len(i.stack)
}

// Call reserves a context from the pool and runs the cached callback under
// slot callbackID, owned by script scriptID. This is the engine's entry
// point into scripting; every failure mode is recovered here. ctx must belong
// to the main tick loop.
func (i *Interface) Call(ctx context.Context, callbackID, scriptID int32, args ...*v8go.Value) (*v8go.Value, error) {
	if !mudbridge.IsMainContext(ctx) {
		return nil, errors.New("script call outside the main tick loop")
	}
	call, err := i.rt.pool.Acquire()
	if err != nil {
		return nil, mudbridge.WithStack(err)
	}
	defer i.rt.pool.Release(call)

	call.SetOwner(i)
	call.SetScriptID(scriptID)
	if err := call.SetCallback(callbackID); err != nil {
		return nil, mudbridge.WithStack(err)
	}

	prev := i.rt.current
	i.rt.current = call
	defer func() { i.rt.current = prev }()

	fn, found := i.Callback(callbackID)
	if !found {
		return nil, fmt.Errorf("no callback cached under slot %d", callbackID)
	}
	return i.ProtectedCall(call, fn, args...)
}

// ProtectedCall invokes fn with an error-trapping frame: a runtime fault is
// caught, annotated with its call-stack trace and reported as diagnostic
// text instead of unwinding into engine code. The marshal-stack balance is
// asserted afterwards; a mismatch is a binding bug reported in its own
// category.
func (i *Interface) ProtectedCall(ctx *bridge.CallContext, fn *v8go.Function, args ...*v8go.Value) (*v8go.Value, error) {
	before := len(i.stack)
	for _, arg := range args {
		i.Push(arg)
	}

	val, err := i.callWithTimeout(fn, args)

	// The call consumed its arguments; whatever else moved is a binding bug.
	consumed := len(args)
	if len(i.stack) >= consumed {
		i.stack = i.stack[:len(i.stack)-consumed]
	} else {
		i.stack = i.stack[:0]
	}
	if len(i.stack) != before {
		i.reportStackMismatch(ctx, len(i.stack)-before)
		if len(i.stack) > before {
			i.stack = i.stack[:before]
		}
	}

	if err != nil {
		msg, trace := describeJSError(err)
		i.ReportError(ctx, "", msg, trace)
		return nil, mudbridge.WithStack(err)
	}
	return val, nil
}

type callResult struct {
	value *v8go.Value
	err   error
}

func (i *Interface) callWithTimeout(fn *v8go.Function, args []*v8go.Value) (*v8go.Value, error) {
	timeout := i.rt.config.CallTimeout()
	results := make(chan callResult, 1)
	go func() {
		recv := i.rt.vctx.Global()
		valuers := make([]v8go.Valuer, len(args))
		for idx, arg := range args {
			valuers[idx] = arg
		}
		val, err := fn.Call(recv, valuers...)
		results <- callResult{value: val, err: err}
	}()

	select {
	case res := <-results:
		return res.value, mudbridge.WithStack(res.err)
	case <-time.After(timeout):
		i.rt.iso.TerminateExecution()
		return nil, mudbridge.WithStack(ErrTimeout)
	}
}

// describeJSError splits a V8 error into its message and stack trace. The
// error may arrive wrapped with a Go stack, so the assertion runs against its
// cause.
func describeJSError(err error) (string, string) {
	if jserr, ok := errors.Cause(err).(*v8go.JSError); ok {
		msg := jserr.Message
		if jserr.Location != "" {
			msg = fmt.Sprintf("%s (%s)", msg, jserr.Location)
		}
		return msg, jserr.StackTrace
	}
	return err.Error(), ""
}

// ReportError is the sole sink for bridge runtime faults. The entry names
// the interface, whether the failing call was a timer callback, the source
// location of the active callback and of the active script, in that order,
// before the raw message. It never throws back into engine code.
func (i *Interface) ReportError(ctx *bridge.CallContext, callSite, message, trace string) {
	b := &strings.Builder{}
	fmt.Fprintf(b, "script error: [%s interface]\n", i.name)
	if ctx != nil && ctx.IsTimer() {
		fmt.Fprintf(b, "in a timer event called from:\n")
	}
	if ctx != nil && ctx.CallbackID() != 0 {
		fmt.Fprintf(b, "%s (callback %d)\n", i.CallbackLocation(ctx.CallbackID()), ctx.CallbackID())
	}
	if ctx != nil && ctx.ScriptID() != 0 {
		fmt.Fprintf(b, "%s\n", i.ScriptLocation(ctx.ScriptID()))
	}
	if callSite != "" {
		fmt.Fprintf(b, "%s\n", callSite)
	}
	fmt.Fprintf(b, "%s", message)
	if trace != "" {
		fmt.Fprintf(b, "\n%s", trace)
	}
	i.rt.diag.Print(b.String())
}

// reportStackMismatch flags an unbalanced marshal stack after a call. This
// is a binding bug, not a script bug, so it gets its own category.
func (i *Interface) reportStackMismatch(ctx *bridge.CallContext, delta int) {
	i.ReportError(ctx, "", fmt.Sprintf("stack size changed by %d", delta), "")
}

// WrapEntity exposes an engine object to scripts as {uid, __type}, already
// tagged with its most-derived descriptor, registering the reference in the
// context's handle table.
func (i *Interface) WrapEntity(ctx *bridge.CallContext, e bridge.Entity, desc *registry.Descriptor) (*v8go.Value, error) {
	uid := ctx.Handles().AddReference(e)
	obj, err := v8go.NewObjectTemplate(i.rt.iso).NewInstance(i.rt.vctx)
	if err != nil {
		return nil, mudbridge.WithStack(err)
	}
	uidVal, err := i.rt.newValue(uid)
	if err != nil {
		return nil, err
	}
	if err := obj.Set("uid", uidVal); err != nil {
		return nil, mudbridge.WithStack(err)
	}
	typeVal, err := i.rt.newValue(desc.Name())
	if err != nil {
		return nil, err
	}
	if err := obj.Set("__type", typeVal); err != nil {
		return nil, mudbridge.WithStack(err)
	}
	return obj.Value, nil
}

// UnwrapEntity resolves a script-side {uid, __type} wrapper back to the
// engine object and its descriptor.
func (i *Interface) UnwrapEntity(ctx *bridge.CallContext, val *v8go.Value) (bridge.Entity, *registry.Descriptor, error) {
	uid, desc, err := i.wrapperTag(val)
	if err != nil {
		return nil, nil, err
	}
	e, found := ctx.Handles().Resolve(uid)
	if !found {
		return nil, nil, fmt.Errorf("uid %d does not resolve", uid)
	}
	return e, desc, nil
}

// wrapperTag extracts the uid and descriptor from a wrapper object, or
// errors for values that are not entity wrappers.
func (i *Interface) wrapperTag(val *v8go.Value) (uint32, *registry.Descriptor, error) {
	if !val.IsObject() {
		return 0, nil, fmt.Errorf("%v is not an entity wrapper", val)
	}
	obj, err := val.AsObject()
	if err != nil {
		return 0, nil, mudbridge.WithStack(err)
	}
	typeVal, err := obj.Get("__type")
	if err != nil || !typeVal.IsString() {
		return 0, nil, fmt.Errorf("%v carries no type tag", val)
	}
	desc, found := i.rt.types.Lookup(typeVal.String())
	if !found {
		return 0, nil, fmt.Errorf("unknown type tag %q", typeVal.String())
	}
	uidVal, err := obj.Get("uid")
	if err != nil || !uidVal.IsNumber() {
		return 0, nil, fmt.Errorf("%v carries no uid", val)
	}
	return uint32(uidVal.Integer()), desc, nil
}
