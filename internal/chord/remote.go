package chord

import (
	"context"
	"errors"

	"github.com/ryogrid/funnelkvs/internal/ring"
)

// ErrTransport is the sentinel a RemoteClient returns whenever a peer
// could not be reached or did not answer in time. Callers feed it into
// the failure detector; it is never itself sent on the wire.
var ErrTransport = errors.New("chord: transport error contacting peer")

// ErrKeyNotFound is returned by RemoteClient.Get when the peer
// responds KEY_NOT_FOUND.
var ErrKeyNotFound = errors.New("chord: key not found")

// RemoteClient issues the ring and data RPCs against a peer endpoint.
// Every method opens a short-lived connection bounded by the client's
// own connect and I/O timeouts; implementations must translate any
// socket-level failure into ErrTransport so the overlay node never
// has to inspect a transport-specific error type.
type RemoteClient interface {
	FindSuccessor(ctx context.Context, peer NodeRef, id ring.ID) (NodeRef, error)
	GetPredecessor(ctx context.Context, peer NodeRef) (NodeRef, bool, error)
	GetSuccessor(ctx context.Context, peer NodeRef) (NodeRef, error)
	Notify(ctx context.Context, peer NodeRef, self NodeRef) error
	Ping(ctx context.Context, peer NodeRef) error

	Put(ctx context.Context, peer NodeRef, key string, value []byte) error
	Get(ctx context.Context, peer NodeRef, key string) ([]byte, error)
	Delete(ctx context.Context, peer NodeRef, key string) (bool, error)

	// ReplicatePut and ReplicateDelete push a replica write/delete to
	// peer. Unlike Put/Delete, the receiving node applies these to its
	// local store unconditionally: peer is a replica target, not
	// necessarily the key's owner, so the ownership-gated Put/Delete
	// path would just redirect them back to the owner.
	ReplicatePut(ctx context.Context, peer NodeRef, key string, value []byte) error
	ReplicateDelete(ctx context.Context, peer NodeRef, key string) error
}
