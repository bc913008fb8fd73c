package neighbor

import "github.com/prxssh/filemesh/pkg/syncmap"

// Registry is the shared map of live sessions keyed by neighbor peer id.
type Registry struct {
	sessions *syncmap.Map[int, *Session]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: syncmap.New[int, *Session]()}
}

// Add registers s under its peer id, replacing any prior session for that
// id (the old session is returned so the caller can close it).
func (r *Registry) Add(s *Session) *Session {
	old, existed := r.sessions.Swap(s.PeerID, s)
	if !existed {
		return nil
	}
	return old
}

// Remove deregisters the session for peerID if it still matches cur.
func (r *Registry) Remove(peerID int, cur *Session) {
	r.sessions.CompareAndDelete(peerID, func(s *Session) bool { return s == cur })
}

// Get returns the session for peerID, if connected.
func (r *Registry) Get(peerID int) (*Session, bool) {
	return r.sessions.Get(peerID)
}

// All returns a snapshot slice of every connected session.
func (r *Registry) All() []*Session {
	return r.sessions.Values()
}

// Count returns the number of connected sessions.
func (r *Registry) Count() int {
	return r.sessions.Len()
}

// Broadcast calls fn for every connected session.
func (r *Registry) Broadcast(fn func(*Session)) {
	for _, s := range r.All() {
		fn(s)
	}
}

// BroadcastHave sends HAVE(index) to every connected session, the standard
// response to completing a piece download (spec.md §4.4).
func (r *Registry) BroadcastHave(index int) {
	r.Broadcast(func(s *Session) { s.SendHave(index) })
}
