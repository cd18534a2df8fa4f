package pslse

import (
	"sync"
)

// Registry is the process-wide collection of live sessions. Sessions
// insert themselves at creation and remove themselves during teardown;
// both paths can race across sessions, so the registry carries its own
// lock rather than intrusive neighbor links on the sessions.
type Registry struct {
	mut sync.Mutex

	// newest first, matching insert-at-head semantics.
	order  []*Psl
	byName map[string]*Psl
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Psl),
	}
}

func (r *Registry) Insert(p *Psl) {
	r.mut.Lock()
	r.order = append([]*Psl{p}, r.order...)
	r.byName[p.name] = p
	r.mut.Unlock()
}

// Remove is a no-op if p is not present, so teardown after a failed
// insert stays safe.
func (r *Registry) Remove(p *Psl) {
	r.mut.Lock()
	for i, q := range r.order {
		if q == p {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.byName[p.name] == p {
		delete(r.byName, p.name)
	}
	r.mut.Unlock()
}

// Head returns the most recently inserted live session, or nil.
func (r *Registry) Head() (p *Psl) {
	r.mut.Lock()
	if len(r.order) > 0 {
		p = r.order[0]
	}
	r.mut.Unlock()
	return
}

// Lookup finds a session by its AFU name, e.g. "afu0.0".
func (r *Registry) Lookup(name string) (p *Psl) {
	r.mut.Lock()
	p = r.byName[name]
	r.mut.Unlock()
	return
}

func (r *Registry) Len() (n int) {
	r.mut.Lock()
	n = len(r.order)
	r.mut.Unlock()
	return
}

// All returns a snapshot of the live sessions, newest first.
func (r *Registry) All() (slc []*Psl) {
	r.mut.Lock()
	slc = append(slc, r.order...)
	r.mut.Unlock()
	return
}
