package proxy

import "sync"

// Registry tracks live sessions by a monotonically increasing ID, safe
// for concurrent Add/Range and for the removal each session performs on
// Close. Using sync.Map rather than a mutex
// plus map means removal from inside a callback never has to fight a
// live Range iteration over the same structure.
type Registry struct {
	sessions sync.Map // uint64 -> *Session
	nextID   uint64
	mu       sync.Mutex
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add assigns the session the next ID, registers it, and arranges for
// it to remove itself once Close runs.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	s.ID = id
	prevOnClose := s.onClose
	s.onClose = func(closed *Session) {
		r.sessions.Delete(id)
		if prevOnClose != nil {
			prevOnClose(closed)
		}
	}
	r.sessions.Store(id, s)
}

// Get returns the session with the given ID, if still live.
func (r *Registry) Get(id uint64) (*Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Count returns the number of currently registered sessions.
func (r *Registry) Count() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Range calls f for every live session, stopping early if f returns
// false. CloseAll uses it for graceful shutdown.
func (r *Registry) Range(f func(*Session) bool) {
	r.sessions.Range(func(_, v any) bool {
		return f(v.(*Session))
	})
}

// CloseAll closes every registered session.
func (r *Registry) CloseAll() {
	r.Range(func(s *Session) bool {
		s.Close()
		return true
	})
}
