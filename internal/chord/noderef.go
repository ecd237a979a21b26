// Package chord implements the overlay node: routing state, the three
// maintenance protocols, lookup, and the data-operation semantics that
// sit on top of the local store, failure detector, and replication
// engine.
package chord

import (
	"fmt"
	"net"
	"strconv"

	"github.com/ryogrid/funnelkvs/internal/ring"
)

// NodeRef identifies a ring participant by its digest and the endpoint
// used to reach it. Two NodeRefs are equal iff their IDs are equal;
// the endpoint is informational only.
type NodeRef struct {
	ID   ring.ID
	Host string
	Port int
}

// NewNodeRef derives a NodeRef's identifier from its endpoint string.
func NewNodeRef(host string, port int) NodeRef {
	return NodeRef{
		ID:   ring.DigestString(fmt.Sprintf("%s:%d", host, port)),
		Host: host,
		Port: port,
	}
}

// Address renders the endpoint as "host:port".
func (n NodeRef) Address() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Equal reports whether two NodeRefs denote the same ring participant.
func (n NodeRef) Equal(other NodeRef) bool {
	return ring.Equal(n.ID, other.ID)
}

// IsZero reports whether n is the unset NodeRef.
func (n NodeRef) IsZero() bool {
	return n.Host == "" && n.Port == 0
}

func (n NodeRef) String() string {
	return fmt.Sprintf("NodeRef{%s, %s}", n.ID.String(), n.Address())
}

// ParseNodeRef re-derives a NodeRef from a "host:port" endpoint string
// as carried on the wire for overlay RPCs and REDIRECT responses.
func ParseNodeRef(endpoint string) (NodeRef, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return NodeRef{}, fmt.Errorf("chord: malformed endpoint %q: %w", endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeRef{}, fmt.Errorf("chord: malformed port in endpoint %q", endpoint)
	}
	return NewNodeRef(host, port), nil
}

// FingerEntry is one row of the 160-entry finger table: the interval
// start it targets and the best-known successor of that start.
type FingerEntry struct {
	Start ring.ID
	Node  NodeRef
}
