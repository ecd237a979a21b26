package chord

import (
	"sync"

	"github.com/ryogrid/funnelkvs/internal/ring"
)

// routingState is the predecessor, successor list, and finger table,
// all guarded by a single lock. The lock must never be held across
// network I/O: every maintenance routine captures the NodeRefs it
// needs, releases the lock, performs its RPCs, then re-acquires the
// lock to commit whatever it learned.
type routingState struct {
	mu sync.RWMutex

	self NodeRef

	predecessor    NodeRef
	hasPredecessor bool

	successors []NodeRef // successors[0] is the immediate clockwise neighbor
	listSize   int

	fingers []FingerEntry // always len 160
}

func newRoutingState(self NodeRef, listSize int) *routingState {
	fingers := make([]FingerEntry, ring.Bits)
	for i := range fingers {
		fingers[i] = FingerEntry{Start: ring.AddPow2(self.ID, i), Node: self}
	}
	return &routingState{
		self:       self,
		successors: []NodeRef{self},
		listSize:   listSize,
		fingers:    fingers,
	}
}

// reset restores single-node state: no predecessor, self as sole
// successor, fingers all pointing at self. Used by create() and by a
// graceful leave that returns the node to a standalone ring.
func (r *routingState) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hasPredecessor = false
	r.predecessor = NodeRef{}
	r.successors = []NodeRef{r.self}
	for i := range r.fingers {
		r.fingers[i] = FingerEntry{Start: ring.AddPow2(r.self.ID, i), Node: r.self}
	}
}

// seedFrom fills the successor list and finger table with seed,
// leaving predecessor unset. Used by join() before the first
// stabilize round has had a chance to run.
func (r *routingState) seedFrom(seed NodeRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hasPredecessor = false
	r.predecessor = NodeRef{}
	r.successors = []NodeRef{seed}
	for i := range r.fingers {
		r.fingers[i] = FingerEntry{Start: ring.AddPow2(r.self.ID, i), Node: seed}
	}
}

// successor returns a copy of successors[0]. Per invariant I1 this is
// never the zero NodeRef once the routing state has been initialized.
func (r *routingState) successor() NodeRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.successors[0]
}

// successorList returns a copy of the full successor list.
func (r *routingState) successorList() []NodeRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeRef, len(r.successors))
	copy(out, r.successors)
	return out
}

// setSuccessorList replaces the successor list wholesale, truncating
// to the configured list size and keeping finger[0] synchronized with
// the new immediate successor.
func (r *routingState) setSuccessorList(list []NodeRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(list) == 0 {
		list = []NodeRef{r.self}
	}
	if len(list) > r.listSize {
		list = list[:r.listSize]
	}
	r.successors = append([]NodeRef(nil), list...)
	if len(r.fingers) > 0 {
		r.fingers[0].Node = r.successors[0]
	}
}

// setImmediateSuccessor replaces successors[0] in place without
// disturbing the rest of the cached list.
func (r *routingState) setImmediateSuccessor(succ NodeRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.successors) == 0 {
		r.successors = []NodeRef{succ}
	} else {
		r.successors[0] = succ
	}
	if len(r.fingers) > 0 {
		r.fingers[0].Node = succ
	}
}

// predecessorRef returns the current predecessor and whether one is set.
func (r *routingState) predecessorRef() (NodeRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.predecessor, r.hasPredecessor
}

// setPredecessor overwrites the predecessor unconditionally.
func (r *routingState) setPredecessor(p NodeRef, has bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predecessor = p
	r.hasPredecessor = has
}

// maybeAcceptPredecessor implements the notify acceptance rule of
// §4.8.4: accept p as predecessor if none is set, or if p lies in the
// open arc (predecessor, self). Returns the previous predecessor and
// whether the update was applied, so the caller can decide whether to
// trigger a key migration.
func (r *routingState) maybeAcceptPredecessor(p NodeRef) (old NodeRef, hadOld bool, changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, hadOld = r.predecessor, r.hasPredecessor

	if !hadOld || ring.InArc(p.ID, old.ID, r.self.ID, false) {
		r.predecessor = p
		r.hasPredecessor = true
		return old, hadOld, true
	}
	return old, hadOld, false
}

// owns reports whether id falls in this node's arc: (predecessor, self]
// when a predecessor is known, or the whole ring otherwise.
func (r *routingState) owns(id ring.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.hasPredecessor {
		return true
	}
	return ring.InArc(id, r.predecessor.ID, r.self.ID, true)
}

// finger returns a copy of the finger table entry at index.
func (r *routingState) finger(index int) FingerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fingers[index]
}

// setFinger commits the result of a fix-fingers round.
func (r *routingState) setFinger(index int, entry FingerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fingers[index] = entry
}

// closestPreceding scans the finger table from entry 159 down to 0
// and returns the first entry whose node is not self and lies in the
// open arc (self, id). If none qualifies, it returns self.
func (r *routingState) closestPreceding(id ring.ID) NodeRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.fingers) - 1; i >= 0; i-- {
		f := r.fingers[i].Node
		if f.Equal(r.self) {
			continue
		}
		if ring.InArc(f.ID, r.self.ID, id, false) {
			return f
		}
	}
	return r.self
}

// removeFailed implements the routing half of §4.8.8 node-failure
// reaction: drop failed from the successor list (left-shift, filler
// supplied by the caller since computing a replacement successor
// requires find_successor, which is not something routingState can
// do on its own), clear predecessor if it was failed, and reset any
// finger pointing at it to the current successors[0].
func (r *routingState) removeFailed(failed NodeRef, filler NodeRef) (predecessorCleared bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.successors[:0:0]
	for _, s := range r.successors {
		if !s.Equal(failed) {
			kept = append(kept, s)
		}
	}
	for len(kept) < r.listSize {
		kept = append(kept, filler)
	}
	r.successors = kept

	if r.hasPredecessor && r.predecessor.Equal(failed) {
		r.hasPredecessor = false
		r.predecessor = NodeRef{}
		predecessorCleared = true
	}

	for i := range r.fingers {
		if r.fingers[i].Node.Equal(failed) {
			r.fingers[i].Node = r.successors[0]
		}
	}
	return predecessorCleared
}

// distinctMembers returns predecessor (if set) and every distinct
// successor-list entry other than self, for the failure-check loop to
// ping (§4.8.6).
func (r *routingState) distinctMembers() []NodeRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	out := make([]NodeRef, 0, len(r.successors)+1)

	add := func(n NodeRef) {
		if n.Equal(r.self) {
			return
		}
		key := n.ID.Text(16)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, n)
	}

	if r.hasPredecessor {
		add(r.predecessor)
	}
	for _, s := range r.successors {
		add(s)
	}
	return out
}
