// Package worldtest provides an in-memory engine world for tests and for the
// developer console's demo fixture.
package worldtest

import (
	"fmt"
	"sync"

	"github.com/bxcodec/faker/v4"
	"github.com/zond/mudbridge/bridge"
)

// Item is an engine object that may carry a server-wide unique uid.
type Item struct {
	Name   string
	Unique uint32
	Gone   bool
}

func (i *Item) Removed() bool {
	return i.Gone
}

func (i *Item) UniqueID() uint32 {
	return i.Unique
}

// Monster is a creature with a server-wide identity.
type Monster struct {
	Name string
	ID   uint32
	Gone bool
}

func (m *Monster) Removed() bool {
	return m.Gone
}

func (m *Monster) CreatureID() uint32 {
	return m.ID
}

// World implements bridge.World over plain maps. Locked because console
// sessions inspect it from their own goroutines.
type World struct {
	mu        sync.Mutex
	creatures map[uint32]*Monster
	uniques   map[uint32]*Item
	released  []bridge.Entity
	nextID    uint32
}

func New() *World {
	return &World{
		creatures: map[uint32]*Monster{},
		uniques:   map[uint32]*Item{},
		nextID:    bridge.CreatureBase,
	}
}

func (w *World) CreatureByID(id uint32) (bridge.Creature, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, found := w.creatures[id]
	if !found || m.Gone {
		return nil, false
	}
	return m, true
}

func (w *World) UniqueByID(uid uint32) (bridge.Entity, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	i, found := w.uniques[uid]
	if !found {
		return nil, false
	}
	return i, true
}

func (w *World) RemoveUnique(uid uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.uniques, uid)
}

func (w *World) ReleaseTemp(e bridge.Entity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released = append(w.released, e)
}

// ReleasedCount returns how many temp entities have been handed back.
func (w *World) ReleasedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.released)
}

// AddMonster registers a creature and returns it.
func (w *World) AddMonster(name string) *Monster {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	m := &Monster{Name: name, ID: w.nextID}
	w.creatures[m.ID] = m
	return m
}

// AddUnique registers an item under an engine-owned uid.
func (w *World) AddUnique(uid uint32, name string) *Item {
	w.mu.Lock()
	defer w.mu.Unlock()
	i := &Item{Name: name, Unique: uid}
	w.uniques[uid] = i
	return i
}

// CreatureCount returns the number of registered creatures.
func (w *World) CreatureCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.creatures)
}

// UniqueCount returns the number of registered unique items.
func (w *World) UniqueCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.uniques)
}

// Populate fills the world with n faked monsters and n uniquely numbered
// items, for demo and benchmark fixtures.
func (w *World) Populate(n int) error {
	for i := 0; i < n; i++ {
		var name struct {
			First string `faker:"first_name"`
		}
		if err := faker.FakeData(&name); err != nil {
			return err
		}
		w.AddMonster(name.First)
		w.AddUnique(uint32(i+1), fmt.Sprintf("%s's trinket", name.First))
	}
	return nil
}
