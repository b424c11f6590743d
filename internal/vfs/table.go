package vfs

import (
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"

	"vaultfs/internal/common"
	"vaultfs/internal/storage"
)

const (
	// maxNumClosed is the active-map size above which zero-reference
	// nodes are ejected to the background finalizer.
	maxNumClosed = 201
	// numEject is how many candidates one ejection pass hands to the
	// finalizer. Amortizes encrypted-node teardown while leaving hot
	// files in place.
	numEject = 150
)

// OpenTable owns every in-memory Node, deduplicates them by identifier,
// and governs destruction. At any instant there is at most one live
// Node per identifier across the active and pending-close maps.
//
// Locking: mu serializes the active map and the recently-closed order.
// closingMu (with its condition variable) serializes the handoff
// between ejection, the background finalizer, and openers reclaiming a
// node mid-finalization. Node I/O runs under per-node locks, outside
// both.
type OpenTable struct {
	store *storage.Store

	mu             sync.Mutex
	active         map[common.ID]*Node
	recentlyClosed []common.ID

	closingMu    sync.Mutex
	closingCond  *sync.Cond
	pendingClose map[common.ID]*Node
	closingIDs   map[common.ID]struct{}

	pool  *ants.Pool
	queue chan common.ID
}

// NewOpenTable constructs a table over the given store. The table owns
// the store and closes it at shutdown. Finalization is a bounded queue
// drained by one pool worker; when the queue is full, the closing caller
// finalizes inline instead.
func NewOpenTable(store *storage.Store) (*OpenTable, error) {
	pool, err := ants.NewPool(1)
	if err != nil {
		return nil, fmt.Errorf("creating finalizer pool: %w", err)
	}
	t := &OpenTable{
		store:        store,
		active:       make(map[common.ID]*Node),
		pendingClose: make(map[common.ID]*Node),
		closingIDs:   make(map[common.ID]struct{}),
		pool:         pool,
		queue:        make(chan common.ID, maxNumClosed+numEject),
	}
	t.closingCond = sync.NewCond(&t.closingMu)
	if err := pool.Submit(t.drainQueue); err != nil {
		pool.Release()
		return nil, fmt.Errorf("starting finalizer worker: %w", err)
	}
	return t, nil
}

func (t *OpenTable) drainQueue() {
	for id := range t.queue {
		t.finalize(id)
	}
}

// OpenAs returns the node for id, reusing a live one when present,
// reclaiming one mid-finalization, or materializing from storage. The
// returned node carries one reference the caller must return through
// Close (usually via a Guard).
func (t *OpenTable) OpenAs(id common.ID, kind Kind) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n, ok := t.active[id]; ok {
		if n.kind != kind {
			return nil, fmt.Errorf("%w: %s is %s, opened as %s", common.ErrKindMismatch, id, n.kind, kind)
		}
		n.refs++
		return n, nil
	}
	if n := t.reclaimPending(id); n != nil {
		t.active[id] = n
		if n.kind != kind {
			t.recentlyClosed = append(t.recentlyClosed, id)
			return nil, fmt.Errorf("%w: %s is %s, opened as %s", common.ErrKindMismatch, id, n.kind, kind)
		}
		n.refs = 1
		return n, nil
	}

	art, meta, err := t.store.Materialize(id)
	if err != nil {
		return nil, err
	}
	if meta.Kind != kind {
		art.Close()
		return nil, fmt.Errorf("%w: %s is %s, opened as %s", common.ErrKindMismatch, id, meta.Kind, kind)
	}
	n, err := newNode(t, id, meta, art)
	if err != nil {
		art.Close()
		return nil, err
	}
	n.refs = 1
	t.active[id] = n
	return n, nil
}

// CreateAs allocates fresh on-disk artifacts for id and returns the new
// node with one reference. The node's metadata is zero-initialized; the
// caller populates it and links it into a directory.
func (t *OpenTable) CreateAs(id common.ID, kind Kind) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.active[id]; ok {
		return nil, common.ErrExists
	}
	if n := t.reclaimPending(id); n != nil {
		t.active[id] = n
		t.recentlyClosed = append(t.recentlyClosed, id)
		return nil, common.ErrExists
	}

	art, meta, err := t.store.Allocate(id, kind)
	if err != nil {
		return nil, err
	}
	n, err := newNode(t, id, meta, art)
	if err != nil {
		art.Close()
		t.store.Remove(id)
		return nil, err
	}
	n.refs = 1
	t.active[id] = n
	return n, nil
}

// reclaimPending pulls id out of the pending-close map, waiting out a
// finalization already in flight. Returns nil when the worker won (or
// the node was never pending); the caller then rematerializes from the
// flushed on-disk state. Callers hold t.mu; only closingMu is released
// while waiting.
func (t *OpenTable) reclaimPending(id common.ID) *Node {
	t.closingMu.Lock()
	defer t.closingMu.Unlock()
	for {
		if n, ok := t.pendingClose[id]; ok {
			delete(t.pendingClose, id)
			return n
		}
		if _, closing := t.closingIDs[id]; !closing {
			return nil
		}
		t.closingCond.Wait()
	}
}

// Close returns one reference. When the count reaches zero the node is
// flushed synchronously and joins the recently-closed order, staying in
// the active map for reuse; when the map has outgrown its bound, an
// ejection pass then hands the oldest cold entries to the finalizer.
func (t *OpenTable) Close(n *Node) error {
	t.mu.Lock()
	n.refs--
	if n.refs < 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: reference count underflow on %s", common.ErrInvalid, n.id)
	}
	if n.refs > 0 {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	flushErr := n.Flush()

	t.mu.Lock()
	var victims []*Node
	if t.active[n.id] == n && n.refs == 0 {
		if len(t.active) <= maxNumClosed {
			t.recentlyClosed = append(t.recentlyClosed, n.id)
		} else {
			t.recentlyClosed = append(t.recentlyClosed, n.id)
			victims = t.ejectLocked()
		}
	}
	t.mu.Unlock()

	for _, v := range victims {
		t.enqueueFinalize(v.id)
	}
	return flushErr
}

// ejectLocked moves up to numEject of the oldest zero-reference entries
// from the active map to the pending-close map. Entries that picked up
// references since closing fall out of the recently-closed order
// without being ejected. Caller holds t.mu and enqueues the returned
// victims after releasing it.
func (t *OpenTable) ejectLocked() []*Node {
	victims := make([]*Node, 0, numEject)
	i := 0
	for ; i < len(t.recentlyClosed) && len(victims) < numEject; i++ {
		id := t.recentlyClosed[i]
		n, ok := t.active[id]
		if !ok || n.refs != 0 {
			continue
		}
		victims = append(victims, n)
		delete(t.active, id)
	}
	t.recentlyClosed = append(t.recentlyClosed[:0:0], t.recentlyClosed[i:]...)

	if len(victims) == 0 {
		return nil
	}
	t.closingMu.Lock()
	for _, n := range victims {
		t.pendingClose[n.id] = n
	}
	t.closingMu.Unlock()
	return victims
}

// enqueueFinalize hands an ejected identifier to the worker, falling
// back to inline finalization when the queue is saturated.
func (t *OpenTable) enqueueFinalize(id common.ID) {
	select {
	case t.queue <- id:
	default:
		t.finalize(id)
	}
}

// finalize is the background task for one ejected identifier. An
// opener that reclaims the node first wins; the task then finds nothing
// pending and returns.
func (t *OpenTable) finalize(id common.ID) {
	t.closingMu.Lock()
	n, ok := t.pendingClose[id]
	if !ok {
		t.closingMu.Unlock()
		return
	}
	delete(t.pendingClose, id)
	t.closingIDs[id] = struct{}{}
	t.closingMu.Unlock()

	if err := t.destroy(n); err != nil {
		log.Errorf("finalizing node %s: %v", id, err)
	}

	t.closingMu.Lock()
	delete(t.closingIDs, id)
	t.closingCond.Broadcast()
	t.closingMu.Unlock()
}

// destroy flushes and tears down a node outside the table lock. A node
// whose last link is gone has its artifacts removed instead of flushed.
func (t *OpenTable) destroy(n *Node) error {
	if n.Nlink() == 0 {
		n.art.Close()
		return t.store.Remove(n.id)
	}
	flushErr := n.Flush()
	closeErr := n.art.Close()
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("%w: closing content artifact: %v", common.ErrIO, closeErr)
	}
	return nil
}

// GC drains the pending-close map synchronously, waiting out any
// finalization in flight. Used at shutdown and on explicit request.
func (t *OpenTable) GC() {
	for {
		t.closingMu.Lock()
		var id common.ID
		var n *Node
		for k, v := range t.pendingClose {
			id, n = k, v
			break
		}
		if n == nil {
			if len(t.closingIDs) == 0 {
				t.closingMu.Unlock()
				return
			}
			t.closingCond.Wait()
			t.closingMu.Unlock()
			continue
		}
		delete(t.pendingClose, id)
		t.closingIDs[id] = struct{}{}
		t.closingMu.Unlock()

		if err := t.destroy(n); err != nil {
			log.Errorf("collecting node %s: %v", id, err)
		}

		t.closingMu.Lock()
		delete(t.closingIDs, id)
		t.closingCond.Broadcast()
		t.closingMu.Unlock()
	}
}

// StatFS forwards to the underlying store.
func (t *OpenTable) StatFS() (*storage.FSStat, error) {
	return t.store.StatFS()
}

// Shutdown drains the finalizer and destroys every remaining node. A
// node still referenced here is a caller bug; it is logged and torn
// down regardless.
func (t *OpenTable) Shutdown() error {
	t.GC()
	close(t.queue)
	t.pool.Release()

	t.mu.Lock()
	for id, n := range t.active {
		if n.refs != 0 {
			log.Errorf("node %s still referenced at shutdown (refs=%d)", id, n.refs)
		}
		if err := t.destroy(n); err != nil {
			log.Errorf("destroying node %s at shutdown: %v", id, err)
		}
		delete(t.active, id)
	}
	t.recentlyClosed = nil
	t.mu.Unlock()

	return t.store.Close()
}

// ActiveCount reports how many nodes the active map holds.
func (t *OpenTable) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// PendingCount reports how many nodes await finalization.
func (t *OpenTable) PendingCount() int {
	t.closingMu.Lock()
	defer t.closingMu.Unlock()
	return len(t.pendingClose) + len(t.closingIDs)
}
