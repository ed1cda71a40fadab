package bridge

import (
	"fmt"
)

var (
	// ErrCallbackActive is returned when a callback id is requested on a
	// context already processing one. The context is left unchanged.
	ErrCallbackActive = fmt.Errorf("context already processing a callback")
)

// Owner identifies the script interface a context is currently serving.
// Declared here so diagnostics can name the interface without this package
// depending on the scripting layer.
type Owner interface {
	Name() string
}

// CallContext is the scratch state of one script call: the uid handle table,
// temp objects created but not yet placed in the world, and the cache of
// async results delivered to this call. Contexts are pooled and reused but
// never shared across concurrent calls.
type CallContext struct {
	scriptID   int32
	callbackID int32
	timer      bool
	owner      Owner
	handles    *HandleTable
	temps      []Entity
	results    map[uint32]any
	nextResult uint32
}

func NewCallContext(world World, localBase uint32) *CallContext {
	return &CallContext{
		handles: NewHandleTable(world, localBase),
	}
}

func (c *CallContext) Handles() *HandleTable {
	return c.handles
}

func (c *CallContext) ScriptID() int32 {
	return c.scriptID
}

func (c *CallContext) SetScriptID(id int32) {
	c.scriptID = id
}

// SetCallback marks the context as processing callback id. A second callback
// id on a busy context is rejected and the current id stays in place.
func (c *CallContext) SetCallback(id int32) error {
	if c.callbackID != 0 {
		return ErrCallbackActive
	}
	c.callbackID = id
	return nil
}

func (c *CallContext) CallbackID() int32 {
	return c.callbackID
}

func (c *CallContext) MarkTimer() {
	c.timer = true
}

func (c *CallContext) IsTimer() bool {
	return c.timer
}

func (c *CallContext) SetOwner(owner Owner) {
	c.owner = owner
}

func (c *CallContext) Owner() Owner {
	return c.owner
}

// AddTemp registers an entity created by this call without being placed in
// the world. Reset releases anything still registered back to the engine.
func (c *CallContext) AddTemp(e Entity) {
	c.temps = append(c.temps, e)
}

// RemoveTemp drops e from the temp registry, for when the call does place
// the object in the world after all.
func (c *CallContext) RemoveTemp(e Entity) {
	for i, temp := range c.temps {
		if temp == e {
			c.temps = append(c.temps[:i], c.temps[i+1:]...)
			return
		}
	}
}

func (c *CallContext) TempCount() int {
	return len(c.temps)
}

// AddResult caches an opaque async result and returns its sequential id.
// Ids start at 1 so that 0 can signal failure to scripts.
func (c *CallContext) AddResult(res any) uint32 {
	c.nextResult++
	if c.results == nil {
		c.results = map[uint32]any{}
	}
	c.results[c.nextResult] = res
	return c.nextResult
}

func (c *CallContext) Result(id uint32) (any, bool) {
	res, found := c.results[id]
	return res, found
}

func (c *CallContext) RemoveResult(id uint32) bool {
	if _, found := c.results[id]; !found {
		return false
	}
	delete(c.results, id)
	return true
}

func (c *CallContext) ResultCount() int {
	return len(c.results)
}

// Reset returns the context to its pristine state: temps still held by the
// bridge go back to the engine, and the handle table and result cache are
// cleared.
func (c *CallContext) Reset(world World) {
	for _, temp := range c.temps {
		world.ReleaseTemp(temp)
	}
	c.temps = nil
	c.results = nil
	c.nextResult = 0
	c.scriptID = 0
	c.callbackID = 0
	c.timer = false
	c.owner = nil
	c.handles.Reset()
}
