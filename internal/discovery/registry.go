// Package discovery indexes the rooms and devices reported by subscriptions.
//
// A Registry belongs to exactly one connection and is mutated only by that
// connection's receive loop; it does no locking of its own.
package discovery

import (
	"maps"
	"sort"
	"strings"
)

type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Room struct {
	ID      string            `json:"-"`
	Name    string            `json:"name"`
	Devices map[string]Device `json:"devices"`
}

// Snapshot is a detached copy of the registry keyed by room id.
type Snapshot map[string]Room

type Registry struct {
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// UpsertRoom creates the room or renames it, keeping its known devices.
func (r *Registry) UpsertRoom(id, name string) {
	key := strings.TrimSpace(id)
	if key == "" {
		return
	}
	if room, ok := r.rooms[key]; ok {
		room.Name = name
		return
	}
	r.rooms[key] = &Room{ID: key, Name: name, Devices: make(map[string]Device)}
}

// UpsertDevice attaches d to roomID and reports false when the room is unknown.
// A device id seen again overwrites the previous entry.
func (r *Registry) UpsertDevice(roomID string, d Device) bool {
	room, ok := r.rooms[strings.TrimSpace(roomID)]
	if !ok {
		return false
	}
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return false
	}
	room.Devices[d.ID] = d
	return true
}

func (r *Registry) HasRoom(id string) bool {
	_, ok := r.rooms[strings.TrimSpace(id)]
	return ok
}

func (r *Registry) Room(id string) (Room, bool) {
	room, ok := r.rooms[strings.TrimSpace(id)]
	if !ok {
		return Room{}, false
	}
	return copyRoom(room), true
}

func (r *Registry) Len() int {
	return len(r.rooms)
}

func (r *Registry) DeviceCount() int {
	n := 0
	for _, room := range r.rooms {
		n += len(room.Devices)
	}
	return n
}

// Rooms returns copies of all rooms sorted by id.
func (r *Registry) Rooms() []Room {
	out := make([]Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, copyRoom(room))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Snapshot() Snapshot {
	out := make(Snapshot, len(r.rooms))
	for id, room := range r.rooms {
		out[id] = copyRoom(room)
	}
	return out
}

func copyRoom(room *Room) Room {
	return Room{
		ID:      room.ID,
		Name:    room.Name,
		Devices: maps.Clone(room.Devices),
	}
}
