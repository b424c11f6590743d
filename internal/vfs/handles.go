package vfs

import "sync"

// HandleID is the opaque handle the host carries between an open-style
// call and the matching release.
type HandleID uint64

// HandleManager is the slab that turns a released guard reference into
// an integer the host can hold, and back.
type HandleManager struct {
	mu      sync.Mutex
	handles map[HandleID]*Node
	next    HandleID
}

// NewHandleManager creates an empty handle slab.
func NewHandleManager() *HandleManager {
	return &HandleManager{
		handles: make(map[HandleID]*Node),
		next:    1,
	}
}

// Put registers a node reference and returns its handle.
func (hm *HandleManager) Put(n *Node) HandleID {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	h := hm.next
	hm.next++
	hm.handles[h] = n
	return h
}

// Get returns the node behind h without consuming the handle.
func (hm *HandleManager) Get(h HandleID) (*Node, bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	n, ok := hm.handles[h]
	return n, ok
}

// Take removes h from the slab and returns its node. The caller owns
// the reference afterwards.
func (hm *HandleManager) Take(h HandleID) (*Node, bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	n, ok := hm.handles[h]
	if ok {
		delete(hm.handles, h)
	}
	return n, ok
}

// Len reports how many handles are outstanding.
func (hm *HandleManager) Len() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return len(hm.handles)
}

// Drain empties the slab, returning the orphaned nodes so the caller
// can return their references. Used at unmount for handles the host
// never released.
func (hm *HandleManager) Drain() []*Node {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	nodes := make([]*Node, 0, len(hm.handles))
	for _, n := range hm.handles {
		nodes = append(nodes, n)
	}
	hm.handles = make(map[HandleID]*Node)
	return nodes
}
