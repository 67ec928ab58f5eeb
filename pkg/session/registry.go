// Package session tracks which live connections represent which device.
//
// A Registry maps a canonical device ID to the set of connection IDs
// currently joined to that device's room. A connection belongs to at most one
// room at any instant: joining a room first removes the connection from the
// room it was in.
//
// Registry is not safe for concurrent use. The relay's control loop is the
// only goroutine that reads or mutates it.
package session

import (
	"sort"
	"time"

	"github.com/cmdrelay/cmdrelay/pkg/deviceid"
)

// Session is a live connection representing a device.
type Session struct {
	DeviceID     deviceid.ID
	ConnectionID string
	JoinedAt     time.Time
	LastSeen     time.Time
}

// Registry maps device IDs to the connections joined to them.
type Registry struct {
	rooms    map[deviceid.ID]map[string]*Session
	byConnID map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[deviceid.ID]map[string]*Session),
		byConnID: make(map[string]*Session),
	}
}

// Join adds connID to the room of id. If the connection was in another
// room it is removed from there first, and that room's ID is returned with
// moved=true. Joining the room the connection is already in refreshes
// LastSeen and keeps JoinedAt.
func (r *Registry) Join(id deviceid.ID, connID string, at time.Time) (previous deviceid.ID, moved bool) {
	if s, ok := r.byConnID[connID]; ok {
		if s.DeviceID == id {
			s.LastSeen = at
			return "", false
		}
		previous = s.DeviceID
		moved = true
		r.remove(s)
	}

	s := &Session{
		DeviceID:     id,
		ConnectionID: connID,
		JoinedAt:     at,
		LastSeen:     at,
	}
	room, ok := r.rooms[id]
	if !ok {
		room = make(map[string]*Session)
		r.rooms[id] = room
	}
	room[connID] = s
	r.byConnID[connID] = s
	return previous, moved
}

// Leave removes connID from whichever room contains it.
// Returns the room's device ID, or false if the connection was not joined.
func (r *Registry) Leave(connID string) (deviceid.ID, bool) {
	s, ok := r.byConnID[connID]
	if !ok {
		return "", false
	}
	r.remove(s)
	return s.DeviceID, true
}

func (r *Registry) remove(s *Session) {
	delete(r.byConnID, s.ConnectionID)
	room := r.rooms[s.DeviceID]
	delete(room, s.ConnectionID)
	if len(room) == 0 {
		delete(r.rooms, s.DeviceID)
	}
}

// MembersOf returns the connection IDs joined to id, sorted.
func (r *Registry) MembersOf(id deviceid.ID) []string {
	room := r.rooms[id]
	if len(room) == 0 {
		return nil
	}
	members := make([]string, 0, len(room))
	for connID := range room {
		members = append(members, connID)
	}
	sort.Strings(members)
	return members
}

// HasMembers reports whether at least one connection is joined to id.
func (r *Registry) HasMembers(id deviceid.ID) bool {
	return len(r.rooms[id]) > 0
}

// RoomOf returns the device ID the connection is joined to.
func (r *Registry) RoomOf(connID string) (deviceid.ID, bool) {
	s, ok := r.byConnID[connID]
	if !ok {
		return "", false
	}
	return s.DeviceID, true
}

// Touch records activity on a joined connection.
// Returns false if the connection is not joined to any room.
func (r *Registry) Touch(connID string, at time.Time) bool {
	s, ok := r.byConnID[connID]
	if !ok {
		return false
	}
	if at.After(s.LastSeen) {
		s.LastSeen = at
	}
	return true
}

// Get returns a copy of the session for connID.
func (r *Registry) Get(connID string) (Session, bool) {
	s, ok := r.byConnID[connID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Sessions returns a snapshot of all sessions ordered by device ID, then
// connection ID.
func (r *Registry) Sessions() []Session {
	out := make([]Session, 0, len(r.byConnID))
	for _, s := range r.byConnID {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}

// Devices returns the IDs of all rooms with at least one member, sorted.
func (r *Registry) Devices() []deviceid.ID {
	ids := make([]deviceid.ID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of joined connections.
func (r *Registry) Len() int {
	return len(r.byConnID)
}
