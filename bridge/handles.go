package bridge

import (
	"log"
)

// HandleTable maps uids to engine objects for a single script call. Creature
// and global uids pass straight through to the World; everything else gets a
// session-local uid allocated sequentially from the configured base. The
// table never owns the objects it references.
type HandleTable struct {
	world World
	base  uint32
	next  uint32
	local map[uint32]Entity
	uids  map[Entity]uint32
	diag  *log.Logger
}

func NewHandleTable(world World, base uint32) *HandleTable {
	return &HandleTable{
		world: world,
		base:  base,
		next:  base,
		diag:  log.Default(),
	}
}

// SetDiagnostics redirects the table's diagnostic log.
func (t *HandleTable) SetDiagnostics(l *log.Logger) {
	t.diag = l
}

// AddReference returns a uid for e: the stable server-wide uid if the object
// has one, otherwise a session-local uid. Calling it twice with the same
// object yields the same uid.
func (t *HandleTable) AddReference(e Entity) uint32 {
	if c, ok := e.(Creature); ok {
		if id := c.CreatureID(); IsCreatureUID(id) {
			return id
		}
	}
	if u, ok := e.(Unique); ok {
		if id := u.UniqueID(); IsGlobalUID(id) {
			return id
		}
	}
	if uid, found := t.uids[e]; found {
		return uid
	}
	uid := t.next
	t.next++
	if t.local == nil {
		t.local = map[uint32]Entity{}
		t.uids = map[Entity]uint32{}
	}
	t.local[uid] = e
	t.uids[e] = uid
	return uid
}

// Resolve dispatches on the uid range. Removed objects never resolve.
func (t *HandleTable) Resolve(uid uint32) (Entity, bool) {
	if IsCreatureUID(uid) {
		return t.world.CreatureByID(uid)
	}
	if IsGlobalUID(uid) {
		e, found := t.world.UniqueByID(uid)
		if !found || e.Removed() {
			return nil, false
		}
		return e, true
	}
	e, found := t.local[uid]
	if !found || e.Removed() {
		return nil, false
	}
	return e, true
}

// Remove evicts uid from the appropriate store. Global uids are delegated to
// the engine, local uids are erased from the table.
func (t *HandleTable) Remove(uid uint32) {
	if IsGlobalUID(uid) {
		t.world.RemoveUnique(uid)
		return
	}
	if e, found := t.local[uid]; found {
		delete(t.local, uid)
		delete(t.uids, e)
	}
}

// Insert rebinds uid to e, for the case where an object transforms into a
// different underlying object mid-call. Rebinding an already bound uid is a
// scripting-logic diagnostic, not a fault.
func (t *HandleTable) Insert(uid uint32, e Entity) {
	if t.local == nil {
		t.local = map[uint32]Entity{}
		t.uids = map[Entity]uint32{}
	}
	if old, found := t.local[uid]; found {
		t.diag.Printf("uid %d already bound, rebinding %v to %v", uid, old, e)
		delete(t.uids, old)
	}
	t.local[uid] = e
	t.uids[e] = uid
}

// Reset clears all local entries and restarts local uid allocation.
func (t *HandleTable) Reset() {
	t.local = nil
	t.uids = nil
	t.next = t.base
}

// Len returns the number of live local entries.
func (t *HandleTable) Len() int {
	return len(t.local)
}
