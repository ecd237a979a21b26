package chord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryogrid/funnelkvs/internal/config"
	"github.com/ryogrid/funnelkvs/internal/failuredetect"
	"github.com/ryogrid/funnelkvs/internal/replication"
	"github.com/ryogrid/funnelkvs/internal/ring"
	"github.com/ryogrid/funnelkvs/internal/store"
	"github.com/ryogrid/funnelkvs/pkg"
)

// ErrNotOwner names the condition of a node being asked about a key it
// does not own. No function in this package returns it; the dispatcher
// answers a non-owned key with a REDIRECT instead.
var ErrNotOwner = fmt.Errorf("chord: not the owner of this key")

// Node is the overlay node of §4.8: it composes routing state, the
// local store, the failure detector, and the replication engine, and
// drives the three background maintenance loops.
type Node struct {
	self NodeRef
	cfg  *config.Config

	routing *routingState
	store   *store.Store
	detector *failuredetect.Detector
	repl     *replication.Engine
	replCfg  replication.Config

	remote RemoteClient

	logger *pkg.Logger

	nextFingerToFix atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdown atomic.Bool

	// stableSinceJoin latches true once this node has completed at
	// least one successful stabilize round after Join. The dispatcher
	// consults it to satisfy §4.8.1's "accept client requests only
	// after at least one stabilize has completed" rule.
	stableSinceJoin atomic.Bool
}

// peerClientAdapter lets the replication engine address peers by
// endpoint string while still going through the chord RemoteClient,
// which speaks in NodeRef.
type peerClientAdapter struct {
	remote RemoteClient
}

// Put and Delete push replica writes, not client writes: they go
// through ReplicatePut/ReplicateDelete so the receiving node applies
// them unconditionally instead of redirecting, since a replica target
// does not own the key's arc.
func (p *peerClientAdapter) Put(ctx context.Context, endpoint, key string, value []byte) error {
	peer, err := ParseNodeRef(endpoint)
	if err != nil {
		return err
	}
	return p.remote.ReplicatePut(ctx, peer, key, value)
}

func (p *peerClientAdapter) Get(ctx context.Context, endpoint, key string) ([]byte, error) {
	peer, err := ParseNodeRef(endpoint)
	if err != nil {
		return nil, err
	}
	return p.remote.Get(ctx, peer, key)
}

func (p *peerClientAdapter) Delete(ctx context.Context, endpoint, key string) (bool, error) {
	peer, err := ParseNodeRef(endpoint)
	if err != nil {
		return false, err
	}
	if err := p.remote.ReplicateDelete(ctx, peer, key); err != nil {
		return false, err
	}
	return true, nil
}

// New creates a Node that has neither created nor joined a ring yet.
// Call Create or Join, then SetRemote if it was not supplied here.
func New(cfg *config.Config, remote RemoteClient, logger *pkg.Logger) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("chord: config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("chord: invalid config: %w", err)
	}
	if logger == nil {
		return nil, fmt.Errorf("chord: logger cannot be nil")
	}

	self := NewNodeRef(cfg.Host, cfg.Port)
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		self:    self,
		cfg:     cfg,
		routing: newRoutingState(self, cfg.SuccessorListSize),
		store:   store.New(),
		detector: failuredetect.New(cfg.FailureThreshold),
		remote:  remote,
		logger: logger.WithNode(self.ID.String(), self.Address()),
		ctx:    ctx,
		cancel: cancel,
	}

	replCfg := replication.DefaultConfig()
	replCfg.Factor = cfg.ReplicationFactor
	replCfg.SyncTimeout = cfg.ReplicationSyncTimeout
	replCfg.MaxRetries = cfg.ReplicationMaxRetries
	replCfg.Async = cfg.ReplicationAsync
	n.replCfg = replCfg
	n.repl = replication.New(&peerClientAdapter{remote: remote}, replCfg)
	n.repl.OnPermanentFailure(func(key, op string) {
		n.logger.Warn().Str("key", key).Str("op", op).Msg("replication permanently failed for key")
	})

	return n, nil
}

// SetRemote installs the peer client used for outbound RPCs. Exposed
// separately from New because the transport layer's client and the
// node can have a construction-order dependency on each other.
func (n *Node) SetRemote(remote RemoteClient) {
	n.remote = remote
	n.repl.Close()
	n.repl = replication.New(&peerClientAdapter{remote: remote}, n.replCfg)
}

// Self returns this node's NodeRef.
func (n *Node) Self() NodeRef {
	return n.self
}

// Create starts a brand-new, single-node ring (§4.8.1).
func (n *Node) Create() {
	n.routing.reset()
	n.stableSinceJoin.Store(true)
	n.startMaintenance()
	n.logger.Info().Msg("created new ring")
}

// Join joins an existing ring through seed (§4.8.1). The node accepts
// client requests only once stableSinceJoin flips true, which happens
// after the first successful stabilize round.
func (n *Node) Join(ctx context.Context, seed NodeRef) error {
	n.routing.seedFrom(seed)
	n.startMaintenance()
	n.logger.Info().Str("seed", seed.Address()).Msg("joined ring via seed")
	return nil
}

// Leave performs a best-effort graceful departure (§4.8.1): stop
// maintenance, push owned keys to the immediate successor, then reset
// to single-node state. A failed transfer RPC simply loses those
// keys, which the spec treats as acceptable for a crash-equivalent
// leave.
func (n *Node) Leave(ctx context.Context) error {
	n.stopMaintenance()

	succ := n.routing.successor()
	if !succ.Equal(n.self) && n.remote != nil {
		owned := n.store.SnapshotWhere(func(key string) bool {
			return n.routing.owns(ring.DigestString(key))
		})
		for _, e := range owned {
			if err := n.remote.Put(ctx, succ, e.Key, e.Value); err != nil {
				n.logger.Warn().Str("key", e.Key).Err(err).Msg("leave: failed to transfer key, it is lost")
			}
		}
	}

	n.routing.reset()
	return nil
}

func (n *Node) startMaintenance() {
	n.wg.Add(3)
	go n.stabilizeLoop()
	go n.fixFingersLoop()
	go n.failureCheckLoop()
}

func (n *Node) stopMaintenance() {
	n.cancel()
	n.wg.Wait()
	// Maintenance loops only ever run once per Node lifetime: a fresh
	// context would be needed to restart them, which Create/Join do
	// not currently support after a Leave. That's fine for the
	// process lifetime this node actually runs under.
}

// Shutdown stops maintenance and releases the local store.
func (n *Node) Shutdown() error {
	if !n.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	n.cancel()
	n.wg.Wait()
	n.repl.Close()
	return n.store.Close()
}

func (n *Node) IsShutdown() bool {
	return n.shutdown.Load()
}

// ReadyForClients reports whether this node may start answering data
// requests: either it created the ring itself, or it has completed at
// least one stabilize round since joining.
func (n *Node) ReadyForClients() bool {
	return n.stableSinceJoin.Load()
}

func (n *Node) sleepInterval(d time.Duration) bool {
	select {
	case <-n.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (n *Node) stabilizeLoop() {
	defer n.wg.Done()
	for n.sleepInterval(n.cfg.StabilizeInterval) {
		n.stabilize()
	}
}

func (n *Node) fixFingersLoop() {
	defer n.wg.Done()
	for n.sleepInterval(n.cfg.FixFingersInterval) {
		n.fixFingers()
	}
}

func (n *Node) failureCheckLoop() {
	defer n.wg.Done()
	for n.sleepInterval(n.cfg.FailureCheckInterval) {
		n.failureCheck()
	}
}

// stabilize is §4.8.3.
func (n *Node) stabilize() {
	succ := n.routing.successor()
	if succ.Equal(n.self) {
		// We have no other known successor yet. If a predecessor has
		// since introduced itself, it is the closest other node we
		// know of, so promote it to successor instead of stalling
		// forever pointing at ourselves.
		if pred, hasPred := n.routing.predecessorRef(); hasPred && !pred.Equal(n.self) {
			n.routing.setImmediateSuccessor(pred)
			succ = pred
		} else {
			return
		}
	}
	if n.remote == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	x, hasX, err := n.remote.GetPredecessor(ctx, succ)
	cancel()
	if err != nil {
		n.detector.MarkFailed(succ.Address())
	} else {
		n.detector.MarkResponsive(succ.Address())
		if hasX && !x.Equal(n.self) && ring.InArc(x.ID, n.self.ID, succ.ID, false) {
			n.routing.setImmediateSuccessor(x)
			succ = x
		}
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel2()
	if err := n.remote.Notify(ctx2, succ, n.self); err != nil {
		n.detector.MarkFailed(succ.Address())
		return
	}
	n.detector.MarkResponsive(succ.Address())
	n.stableSinceJoin.Store(true)
}

// Notify handles an inbound notify from p (§4.8.4).
func (n *Node) Notify(p NodeRef) {
	old, hadOld, changed := n.routing.maybeAcceptPredecessor(p)
	if !changed {
		return
	}
	go n.migrateToNewPredecessor(old, hadOld, p)
}

// migrateToNewPredecessor pushes keys in (oldPredecessor, p] to p and
// deletes them locally, outside the routing lock as required by
// §4.4. A key whose push fails stays in the local store; it is not
// pushed again unless the predecessor changes once more, since a
// repeated notify from the same p does not trigger a migration.
func (n *Node) migrateToNewPredecessor(old NodeRef, hadOld bool, p NodeRef) {
	if n.remote == nil {
		return
	}

	var lowerBound ring.ID
	if hadOld {
		lowerBound = old.ID
	} else {
		lowerBound = n.self.ID
	}

	toMigrate := n.store.SnapshotWhere(func(key string) bool {
		return ring.InArc(ring.DigestString(key), lowerBound, p.ID, true)
	})

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()

	for _, e := range toMigrate {
		if err := n.remote.Put(ctx, p, e.Key, e.Value); err != nil {
			n.logger.Debug().Str("key", e.Key).Err(err).Msg("key migration to new predecessor failed, key kept locally")
			continue
		}
		n.store.Delete(e.Key)
	}
}

// fixFingers is §4.8.5.
func (n *Node) fixFingers() {
	idx := int(n.nextFingerToFix.Add(1)-1) % ring.Bits
	start := ring.AddPow2(n.self.ID, idx)

	target, err := n.FindSuccessor(context.Background(), start)
	if err != nil {
		return
	}
	n.routing.setFinger(idx, FingerEntry{Start: start, Node: target})
}

// failureCheck is §4.8.6.
func (n *Node) failureCheck() {
	members := n.routing.distinctMembers()

	for _, m := range members {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
		err := n.remote.Ping(ctx, m)
		cancel()
		n.detector.Ping(m.Address(), err)
	}

	for _, m := range members {
		if n.detector.IsFailed(m.Address()) {
			n.handleNodeFailure(m)
		}
	}

	n.detector.Cleanup(n.cfg.StatusCleanupAge)
}

// handleNodeFailure is §4.8.8.
func (n *Node) handleNodeFailure(failed NodeRef) {
	filler, err := n.FindSuccessor(context.Background(), n.self.ID)
	if err != nil {
		filler = n.self
	}
	n.routing.removeFailed(failed, filler)

	targets := n.replicaTargets()
	keys := n.store.SnapshotWhere(func(key string) bool {
		return n.routing.owns(ring.DigestString(key))
	})
	if len(keys) == 0 {
		return
	}

	toRereplicate := make(map[string][]byte, len(keys))
	for _, e := range keys {
		toRereplicate[e.Key] = e.Value
	}
	if ok := n.repl.HandleReplicaLoss(context.Background(), failed.Address(), targets, toRereplicate); ok < len(toRereplicate) {
		n.logger.Warn().Str("peer", failed.Address()).Int("failed_keys", len(toRereplicate)-ok).Msg("re-replication after node failure did not reach every key")
	}
}

// FindSuccessor is the lookup of §4.8.2.
func (n *Node) FindSuccessor(ctx context.Context, id ring.ID) (NodeRef, error) {
	if n.routing.owns(id) {
		return n.self, nil
	}

	succ := n.routing.successor()
	if ring.InArc(id, n.self.ID, succ.ID, true) {
		return succ, nil
	}

	closest := n.routing.closestPreceding(id)
	if closest.Equal(n.self) {
		return succ, nil
	}

	if n.remote == nil {
		return closest, nil
	}

	result, err := n.remote.FindSuccessor(ctx, closest, id)
	if err != nil {
		n.detector.MarkFailed(closest.Address())
		return succ, nil
	}
	n.detector.MarkResponsive(closest.Address())
	return result, nil
}

// NodeSnapshot is a point-in-time view of a node's routing state, used
// by the admin/status surface; it is never consulted on the request
// path.
type NodeSnapshot struct {
	Self          NodeRef
	Predecessor   NodeRef
	HasPredecessor bool
	Successors    []NodeRef
	KeyCount      int
	Ready         bool
}

// Snapshot captures the node's current routing view.
func (n *Node) Snapshot() NodeSnapshot {
	pred, hasPred := n.routing.predecessorRef()
	return NodeSnapshot{
		Self:           n.self,
		Predecessor:    pred,
		HasPredecessor: hasPred,
		Successors:     n.routing.successorList(),
		KeyCount:       n.store.Size(),
		Ready:          n.ReadyForClients(),
	}
}

// GetPredecessor answers the overlay RPC of the same name.
func (n *Node) GetPredecessor() (NodeRef, bool) {
	return n.routing.predecessorRef()
}

// GetSuccessor answers the overlay RPC of the same name.
func (n *Node) GetSuccessor() NodeRef {
	return n.routing.successor()
}

// Owns answers whether this node is the owner of id.
func (n *Node) Owns(id ring.ID) bool {
	return n.routing.owns(id)
}

// LocalGet reads key straight out of this node's own local store,
// without regard to ownership. A direct get(k) issued against a
// replica that holds a copy of k but does not own its arc must still
// succeed per §4.7/§4.8.7, so the dispatcher consults this before
// falling back to the ownership-gated path.
func (n *Node) LocalGet(key string) ([]byte, bool) {
	return n.store.Get(key)
}

// ReceiveReplicaPut applies a replicated put straight to the local
// store. It bypasses ownership and the replication fan-out that a
// primary's own Store triggers: the caller is a replica target, not
// necessarily this key's owner, and must not re-replicate further.
func (n *Node) ReceiveReplicaPut(key string, value []byte) {
	n.store.Put(key, value)
}

// ReceiveReplicaDelete applies a replicated delete straight to the
// local store, mirroring ReceiveReplicaPut.
func (n *Node) ReceiveReplicaDelete(key string) {
	n.store.Delete(key)
}

// replicaTargets returns the first R-1 successor-list entries
// distinct from self, per §4.7.
func (n *Node) replicaTargets() []string {
	list := n.routing.successorList()
	out := make([]string, 0, n.cfg.ReplicationFactor-1)
	for _, s := range list {
		if s.Equal(n.self) {
			continue
		}
		out = append(out, s.Address())
		if len(out) == n.cfg.ReplicationFactor-1 {
			break
		}
	}
	return out
}

// Store implements §4.8.7's store(k, v).
func (n *Node) Store(ctx context.Context, key string, value []byte) error {
	kid := ring.DigestString(key)

	if n.routing.owns(kid) {
		n.store.Put(key, value)

		targets := n.replicaTargets()
		if len(targets) == 0 {
			return nil
		}
		if err := n.repl.ReplicatePut(ctx, key, value, targets); err != nil {
			n.store.Delete(key)
			return fmt.Errorf("chord: replication failed, put rolled back: %w", err)
		}
		return nil
	}

	responsible, err := n.FindSuccessor(ctx, kid)
	if err != nil {
		return err
	}
	if responsible.Equal(n.self) {
		// owns() and FindSuccessor disagreed transiently (a stabilize
		// race); treat ourselves as owner rather than forward to self.
		n.store.Put(key, value)
		return nil
	}
	if n.remote == nil {
		return fmt.Errorf("chord: no remote client to forward put")
	}
	return n.remote.Put(ctx, responsible, key, value)
}

// Retrieve implements §4.8.7's retrieve(k).
func (n *Node) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	kid := ring.DigestString(key)

	if n.routing.owns(kid) {
		if v, ok := n.store.Get(key); ok {
			return v, true, nil
		}
		targets := n.replicaTargets()
		if v, ok := n.repl.GetFromReplicas(ctx, key, targets); ok {
			return v, true, nil
		}
		return nil, false, nil
	}

	responsible, err := n.FindSuccessor(ctx, kid)
	if err != nil {
		return nil, false, err
	}
	if responsible.Equal(n.self) {
		v, ok := n.store.Get(key)
		return v, ok, nil
	}
	if n.remote == nil {
		return nil, false, fmt.Errorf("chord: no remote client to forward get")
	}
	v, err := n.remote.Get(ctx, responsible, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

// Remove implements §4.8.7's remove(k).
func (n *Node) Remove(ctx context.Context, key string) (bool, error) {
	kid := ring.DigestString(key)

	if n.routing.owns(kid) {
		existed := n.store.Delete(key)
		if !existed {
			targets := n.replicaTargets()
			if _, ok := n.repl.GetFromReplicas(ctx, key, targets); ok {
				existed = true
			}
		}
		if !existed {
			return false, nil
		}

		targets := n.replicaTargets()
		if len(targets) > 0 {
			if err := n.repl.ReplicateDelete(ctx, key, targets); err != nil {
				n.logger.Warn().Str("key", key).Err(err).Msg("replica delete failed, local delete remains authoritative")
			}
		}
		return existed, nil
	}

	responsible, err := n.FindSuccessor(ctx, kid)
	if err != nil {
		return false, err
	}
	if responsible.Equal(n.self) {
		return n.store.Delete(key), nil
	}
	if n.remote == nil {
		return false, fmt.Errorf("chord: no remote client to forward delete")
	}
	return n.remote.Delete(ctx, responsible, key)
}
