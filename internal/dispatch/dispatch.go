// Package dispatch implements the front-door state machine (§4.9) that
// turns a decoded wire.Request into a wire.Response: overlay RPCs are
// answered from routing state directly, data ops are serviced locally
// or redirected to the owning node, and anything else is an error.
package dispatch

import (
	"context"

	"github.com/ryogrid/funnelkvs/internal/chord"
	"github.com/ryogrid/funnelkvs/internal/ring"
	"github.com/ryogrid/funnelkvs/internal/wire"
	"github.com/ryogrid/funnelkvs/pkg"
)

// Dispatcher implements transport.Handler against a *chord.Node.
type Dispatcher struct {
	node   *chord.Node
	logger *pkg.Logger
}

// New creates a Dispatcher fronting node.
func New(node *chord.Node, logger *pkg.Logger) *Dispatcher {
	return &Dispatcher{
		node:   node,
		logger: logger.WithComponent("dispatcher"),
	}
}

// Handle implements transport.Handler.
func (d *Dispatcher) Handle(ctx context.Context, req *wire.Request) *wire.Response {
	// Until a joined node has completed its first stabilize round, data
	// requests are redirected to its current successor, which is the
	// join seed until stabilize replaces it.
	switch req.Op {
	case wire.OpGet, wire.OpPut, wire.OpDelete:
		if !d.node.ReadyForClients() {
			return &wire.Response{Status: wire.StatusRedirect, Value: []byte(d.node.GetSuccessor().Address())}
		}
	}

	switch req.Op {
	case wire.OpFindSuccessor:
		return d.handleFindSuccessor(ctx, req)
	case wire.OpGetPredecessor:
		return d.handleGetPredecessor()
	case wire.OpGetSuccessor:
		return d.handleGetSuccessor()
	case wire.OpNotify:
		return d.handleNotify(req)
	case wire.OpPing:
		return &wire.Response{Status: wire.StatusSuccess}
	case wire.OpNodeInfo:
		return d.handleNodeInfo()

	case wire.OpGet:
		return d.handleGet(ctx, req)
	case wire.OpPut:
		return d.handlePut(ctx, req)
	case wire.OpDelete:
		return d.handleDelete(ctx, req)
	case wire.OpReplicate:
		return d.handleReplicate(req)

	default:
		return &wire.Response{Status: wire.StatusError, Value: []byte("unknown opcode")}
	}
}

func (d *Dispatcher) handleFindSuccessor(ctx context.Context, req *wire.Request) *wire.Response {
	id := ring.FromBytes(req.Key)
	succ, err := d.node.FindSuccessor(ctx, id)
	if err != nil {
		return &wire.Response{Status: wire.StatusError, Value: []byte(err.Error())}
	}
	return &wire.Response{Status: wire.StatusSuccess, Value: []byte(succ.Address())}
}

func (d *Dispatcher) handleGetPredecessor() *wire.Response {
	pred, has := d.node.GetPredecessor()
	if !has {
		return &wire.Response{Status: wire.StatusKeyNotFound}
	}
	return &wire.Response{Status: wire.StatusSuccess, Value: []byte(pred.Address())}
}

func (d *Dispatcher) handleGetSuccessor() *wire.Response {
	return &wire.Response{Status: wire.StatusSuccess, Value: []byte(d.node.GetSuccessor().Address())}
}

func (d *Dispatcher) handleNotify(req *wire.Request) *wire.Response {
	peer, err := chord.ParseNodeRef(string(req.Key))
	if err != nil {
		return &wire.Response{Status: wire.StatusError, Value: []byte(err.Error())}
	}
	d.node.Notify(peer)
	return &wire.Response{Status: wire.StatusSuccess}
}

func (d *Dispatcher) handleNodeInfo() *wire.Response {
	return &wire.Response{Status: wire.StatusSuccess, Value: []byte(d.node.Self().Address())}
}

// redirect builds the REDIRECT response carrying the responsible
// node's endpoint, per §4.9 step 3 and §6.1.
func (d *Dispatcher) redirect(ctx context.Context, kid ring.ID) *wire.Response {
	responsible, err := d.node.FindSuccessor(ctx, kid)
	if err != nil {
		return &wire.Response{Status: wire.StatusError, Value: []byte(err.Error())}
	}
	return &wire.Response{Status: wire.StatusRedirect, Value: []byte(responsible.Address())}
}

func (d *Dispatcher) handleGet(ctx context.Context, req *wire.Request) *wire.Response {
	key := string(req.Key)

	// A node that doesn't own key may still hold it as a replica; a
	// direct get(k) against such a node must succeed (§4.7's
	// get_from_replicas relies on exactly this), so local presence is
	// checked before the ownership-gated path.
	if value, found := d.node.LocalGet(key); found {
		return &wire.Response{Status: wire.StatusSuccess, Value: value}
	}

	kid := ring.DigestString(key)
	if !d.node.Owns(kid) {
		return d.redirect(ctx, kid)
	}
	value, found, err := d.node.Retrieve(ctx, key)
	if err != nil {
		return &wire.Response{Status: wire.StatusError, Value: []byte(err.Error())}
	}
	if !found {
		return &wire.Response{Status: wire.StatusKeyNotFound}
	}
	return &wire.Response{Status: wire.StatusSuccess, Value: value}
}

func (d *Dispatcher) handlePut(ctx context.Context, req *wire.Request) *wire.Response {
	key := string(req.Key)
	kid := ring.DigestString(key)
	if !d.node.Owns(kid) {
		return d.redirect(ctx, kid)
	}
	if err := d.node.Store(ctx, key, req.Value); err != nil {
		return &wire.Response{Status: wire.StatusError, Value: []byte(err.Error())}
	}
	return &wire.Response{Status: wire.StatusSuccess}
}

// handleReplicate services OpReplicate: a replica push from a primary.
// Unlike handlePut/handleDelete it never redirects — the sender
// already chose this node as a replica target, which by definition
// does not own the key's arc — and it writes straight to the local
// store instead of going through Store/Remove, so it cannot trigger
// another round of replication fan-out.
func (d *Dispatcher) handleReplicate(req *wire.Request) *wire.Response {
	op, payload, err := wire.DecodeReplica(req.Value)
	if err != nil {
		return &wire.Response{Status: wire.StatusError, Value: []byte(err.Error())}
	}
	key := string(req.Key)
	switch op {
	case wire.ReplicaOpPut:
		d.node.ReceiveReplicaPut(key, payload)
		return &wire.Response{Status: wire.StatusSuccess}
	case wire.ReplicaOpDelete:
		d.node.ReceiveReplicaDelete(key)
		return &wire.Response{Status: wire.StatusSuccess}
	default:
		return &wire.Response{Status: wire.StatusError, Value: []byte("unknown replica sub-operation")}
	}
}

func (d *Dispatcher) handleDelete(ctx context.Context, req *wire.Request) *wire.Response {
	key := string(req.Key)
	kid := ring.DigestString(key)
	if !d.node.Owns(kid) {
		return d.redirect(ctx, kid)
	}
	existed, err := d.node.Remove(ctx, key)
	if err != nil {
		return &wire.Response{Status: wire.StatusError, Value: []byte(err.Error())}
	}
	if !existed {
		return &wire.Response{Status: wire.StatusKeyNotFound}
	}
	return &wire.Response{Status: wire.StatusSuccess}
}

