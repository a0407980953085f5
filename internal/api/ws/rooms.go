package wsapi

import "sort"

// rooms is the per-session fan-out registry. Callers hold Transport.mu.
type rooms struct {
	members map[string]map[string]Connection
}

func newRooms() *rooms {
	return &rooms{members: make(map[string]map[string]Connection)}
}

// join adds conn to the session's set. It reports whether conn was already a member.
func (r *rooms) join(sessionID string, conn Connection) bool {
	set, ok := r.members[sessionID]
	if !ok {
		set = make(map[string]Connection)
		r.members[sessionID] = set
	}
	_, existed := set[conn.ID()]
	set[conn.ID()] = conn
	return existed
}

// leave removes conn from the session's set. It reports whether the set is now
// empty and was dropped as a result.
func (r *rooms) leave(sessionID, connID string) bool {
	set, ok := r.members[sessionID]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.members, sessionID)
		return true
	}
	return false
}

func (r *rooms) drop(sessionID string) {
	delete(r.members, sessionID)
}

// snapshot returns the members of a session ordered by connection id.
func (r *rooms) snapshot(sessionID string) []Connection {
	set := r.members[sessionID]
	out := make([]Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *rooms) size(sessionID string) int {
	return len(r.members[sessionID])
}
