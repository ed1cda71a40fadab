// Package bridge holds the per-call state the scripting layer uses to
// exchange engine objects with scripts: uid handle tables, reusable call
// contexts and the fixed-capacity context pool bounding reentrancy.
//
// The game object model itself lives outside this module; the bridge sees it
// only through the Entity interfaces and World lookups below.
package bridge

// uid encoding: low range is engine-owned server-wide unique objects, high
// range is creature identity, everything between is session-local and only
// valid within the context that issued it.
const (
	// GlobalMax is the largest uid in the engine-owned unique range.
	GlobalMax = 0xFFFF
	// CreatureBase is the first uid in the creature-identity range.
	CreatureBase = 0x10000000
)

// Entity is any engine object a script can hold a uid for.
type Entity interface {
	// Removed reports whether the engine has taken the object out of the
	// world. Removed objects never resolve.
	Removed() bool
}

// Creature is an entity with a server-wide identity in the creature range.
type Creature interface {
	Entity
	CreatureID() uint32
}

// Unique is an entity that may carry an engine-owned server-wide uid.
// A zero UniqueID means the object has none and gets session-local uids.
type Unique interface {
	Entity
	UniqueID() uint32
}

// World is the engine's object store as seen by the bridge.
type World interface {
	CreatureByID(id uint32) (Creature, bool)
	UniqueByID(uid uint32) (Entity, bool)
	RemoveUnique(uid uint32)
	// ReleaseTemp returns an entity created by a script but never placed in
	// the world back to the engine for disposal.
	ReleaseTemp(e Entity)
}

// IsCreatureUID reports whether uid lies in the creature-identity range.
func IsCreatureUID(uid uint32) bool {
	return uid >= CreatureBase
}

// IsGlobalUID reports whether uid lies in the engine-owned unique range.
func IsGlobalUID(uid uint32) bool {
	return uid >= 1 && uid <= GlobalMax
}
