package js

import (
	"fmt"
	"time"

	"github.com/zond/mudbridge"
	"rogchap.com/v8go"
)

// timerEvent is one pending deferred callback: the captured callback and
// argument references, the owning interface and script, and the external
// scheduler's task token. It is destroyed either when fired or when
// cancelled; captured references are consumed exactly once either way.
type timerEvent struct {
	iface    *Interface
	scriptID int32
	callback *Captured
	args     []*Captured
	task     uint64
}

// Schedule captures fn and args as persistent references and asks the
// external scheduler to run the trampoline after delay, clamped to the
// configured floor. Arguments referencing mutable engine objects are
// unsafe across the window until the timer fires; per configuration they
// are flagged with a warning and/or reduced to their stable ids.
func (rt *Runtime) Schedule(iface *Interface, fn *v8go.Function, delay time.Duration, args ...*v8go.Value) (int64, error) {
	if !rt.open {
		return 0, fmt.Errorf("runtime is not open")
	}
	if floor := rt.config.TimerFloor(); delay < floor {
		delay = floor
	}

	captured := make([]*Captured, 0, len(args))
	for idx, arg := range args {
		checked, err := rt.checkUnsafeArg(iface, idx, arg)
		if err != nil {
			for _, c := range captured {
				c.Release()
			}
			return 0, err
		}
		captured = append(captured, rt.capture(checked))
	}

	rt.nextTimer++
	token := rt.nextTimer
	ev := &timerEvent{
		iface:    iface,
		callback: rt.capture(fn.Value),
		args:     captured,
	}
	if ctx := rt.current; ctx != nil {
		ev.scriptID = ctx.ScriptID()
	}
	ev.task = rt.sched.Schedule(delay, func() {
		rt.dispatch(func() {
			rt.fireTimer(token)
		})
	})
	rt.timers[token] = ev
	return token, nil
}

// CancelTimer removes the pending descriptor, cancels the scheduler task and
// releases every captured reference immediately. Unknown tokens (including
// already fired ones) are a no-op returning false.
func (rt *Runtime) CancelTimer(token int64) bool {
	ev, found := rt.timers[token]
	if !found {
		return false
	}
	delete(rt.timers, token)
	rt.sched.Cancel(ev.task)
	ev.release()
	return true
}

// PendingTimers returns the number of live timer descriptors.
func (rt *Runtime) PendingTimers() int {
	return len(rt.timers)
}

func (ev *timerEvent) release() {
	ev.callback.Release()
	for _, arg := range ev.args {
		arg.Release()
	}
}

// fireTimer is the trampoline: it reserves a fresh context marked as a timer
// callback, restores the captured callback and arguments, invokes it, and
// consumes every captured reference exactly once regardless of outcome.
func (rt *Runtime) fireTimer(token int64) {
	ev, found := rt.timers[token]
	if !found {
		// Cancelled between scheduler fire and dispatch.
		return
	}
	delete(rt.timers, token)

	fnVal, ok := ev.callback.Take()
	args := make([]*v8go.Value, 0, len(ev.args))
	for _, c := range ev.args {
		if val, found := c.Take(); found {
			args = append(args, val)
		}
	}
	if !ok {
		ev.iface.ReportError(nil, "", "timer callback reference already consumed", "")
		return
	}

	ctx, err := rt.pool.Acquire()
	if err != nil {
		ev.iface.ReportError(nil, "", fmt.Sprintf("timer dropped: %v", err), "")
		return
	}
	defer rt.pool.Release(ctx)

	ctx.SetOwner(ev.iface)
	ctx.SetScriptID(ev.scriptID)
	ctx.MarkTimer()

	prev := rt.current
	rt.current = ctx
	defer func() { rt.current = prev }()

	fn, err := fnVal.AsFunction()
	if err != nil {
		ev.iface.ReportError(ctx, "", fmt.Sprintf("captured timer callback is not a function: %v", err), "")
		return
	}
	ev.iface.ProtectedCall(ctx, fn, args...)
}

// drainTimers releases every pending timer's captured references, for
// shutdown and reload. Pending timers are never silently dropped with their
// references still held.
func (rt *Runtime) drainTimers() {
	for token, ev := range rt.timers {
		rt.sched.Cancel(ev.task)
		ev.release()
		delete(rt.timers, token)
	}
}

// checkUnsafeArg applies the warn/convert policies to one deferred argument.
// Both policies are orthogonal and uniformly applied: warn logs a
// diagnostic, convert rewrites the argument to the type's stable id.
func (rt *Runtime) checkUnsafeArg(iface *Interface, idx int, arg *v8go.Value) (*v8go.Value, error) {
	warn := rt.config.WarnUnsafe()
	convert := rt.config.ConvertUnsafe()
	if !warn && !convert {
		return arg, nil
	}
	uid, desc, err := iface.wrapperTag(arg)
	if err != nil || !desc.Mutable() {
		// Not an engine-object wrapper, or safely immutable.
		return arg, nil
	}
	if warn {
		iface.ReportError(rt.current, "",
			fmt.Sprintf("unsafe deferred argument %d: %s may be destroyed before the timer fires", idx, desc.Name()), "")
	}
	if !convert {
		return arg, nil
	}
	stable := uid
	if ctx := rt.current; ctx != nil {
		if e, found := ctx.Handles().Resolve(uid); found {
			if id, ok := desc.Reduce(e); ok {
				stable = id
			}
		}
	}
	val, err := rt.newValue(stable)
	if err != nil {
		return nil, mudbridge.WithStack(err)
	}
	return val, nil
}
