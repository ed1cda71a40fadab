// Package registry emulates single-inheritance polymorphism for engine types
// exposed to scripts. Each type gets an immutable descriptor carrying a name
// hash and its parent-chain depth, so type checks walk a precomputed number
// of prototype links and compare hashes instead of hashing names per call.
package registry

import (
	"fmt"
	"hash/fnv"

	"github.com/zond/mudbridge/bridge"
)

// Hook releases an entity owned through a handle. Weak descriptors have none.
type Hook func(e bridge.Entity)

// Reducer converts an entity to its stable id, for rewriting unsafe deferred
// arguments (an item becomes its uid, a creature its id).
type Reducer func(e bridge.Entity) uint32

// Def declares a type to Register.
type Def struct {
	Name   string
	Parent string // empty for roots
	Hook   Hook
	Reduce Reducer
	// Mutable marks engine objects that may be destroyed while a deferred
	// call holds a reference to them.
	Mutable bool
}

// Descriptor tags every object crossing the bridge with its most-derived
// type. Immutable after registration.
type Descriptor struct {
	name    string
	hash    uint64
	depth   int
	parent  *Descriptor
	hook    Hook
	reduce  Reducer
	mutable bool
	weak    *Descriptor
}

func (d *Descriptor) Name() string {
	return d.name
}

func (d *Descriptor) Depth() int {
	return d.depth
}

func (d *Descriptor) Parent() *Descriptor {
	return d.parent
}

// Owning reports whether handles of this type participate in ownership.
func (d *Descriptor) Owning() bool {
	return d.hook != nil
}

func (d *Descriptor) Mutable() bool {
	return d.mutable
}

// Reduce returns the entity's stable id, or false if the type declares no
// reduction.
func (d *Descriptor) Reduce(e bridge.Entity) (uint32, bool) {
	if d.reduce == nil {
		return 0, false
	}
	return d.reduce(e), true
}

// Weak returns the non-owning twin: same name, hash, depth and prototype
// link, but no release hook.
func (d *Descriptor) Weak() *Descriptor {
	return d.weak
}

// Registry maps type names to descriptors. Entries are immutable once
// registered and safe to read from any context.
type Registry struct {
	byName map[string]*Descriptor
}

func New() *Registry {
	return &Registry{
		byName: map[string]*Descriptor{},
	}
}

func hashName(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

// Register adds a type. Derived types get depth = parent depth + 1 and a
// prototype link to the parent descriptor.
func (r *Registry) Register(def Def) (*Descriptor, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("type name must not be empty")
	}
	if _, found := r.byName[def.Name]; found {
		return nil, fmt.Errorf("type %q already registered", def.Name)
	}
	d := &Descriptor{
		name:    def.Name,
		hash:    hashName(def.Name),
		hook:    def.Hook,
		reduce:  def.Reduce,
		mutable: def.Mutable,
	}
	if def.Parent != "" {
		parent, found := r.byName[def.Parent]
		if !found {
			return nil, fmt.Errorf("parent type %q of %q not registered", def.Parent, def.Name)
		}
		d.parent = parent
		d.depth = parent.depth + 1
		if d.reduce == nil {
			d.reduce = parent.reduce
		}
		if !d.mutable {
			d.mutable = parent.mutable
		}
	}
	d.weak = &Descriptor{
		name:    d.name,
		hash:    d.hash,
		depth:   d.depth,
		parent:  d.parent,
		reduce:  d.reduce,
		mutable: d.mutable,
	}
	d.weak.weak = d.weak
	r.byName[def.Name] = d
	return d, nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	d, found := r.byName[name]
	return d, found
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	return len(r.byName)
}

// Each calls f for every registered descriptor, in no particular order.
func (r *Registry) Each(f func(d *Descriptor)) {
	for _, d := range r.byName {
		f(d)
	}
}

// IsType reports whether a is b or transitively derived from it. It walks
// a's prototype chain exactly depth(a)-depth(b) steps and compares hashes,
// so the cost is bounded by chain depth.
func IsType(a, b *Descriptor) bool {
	if a == nil || b == nil {
		return false
	}
	steps := a.depth - b.depth
	if steps < 0 {
		return false
	}
	for ; steps > 0; steps-- {
		a = a.parent
	}
	return a.hash == b.hash
}

// Handle is an owning reference to an engine object exposed to scripts,
// tagged with its most-derived descriptor.
type Handle struct {
	Desc *Descriptor
	UID  uint32
}

// Release invokes the type's release hook on e. Safe to call once per handle.
func (h Handle) Release(e bridge.Entity) {
	if h.Desc != nil && h.Desc.hook != nil {
		h.Desc.hook(e)
	}
}

// Weak is a non-owning view of an engine object. It carries no release hook,
// so holding one never extends or ends a lifetime.
type Weak struct {
	Desc *Descriptor
	UID  uint32
}

// Wrap produces an owning handle tagged with desc.
func Wrap(desc *Descriptor, uid uint32) Handle {
	return Handle{Desc: desc, UID: uid}
}

// WrapWeak produces a non-owning view tagged with desc's weak twin.
func WrapWeak(desc *Descriptor, uid uint32) Weak {
	return Weak{Desc: desc.Weak(), UID: uid}
}
