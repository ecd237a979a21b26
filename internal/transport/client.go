// Package transport implements the socket acceptor/worker pool and the
// peer client that carries the binary wire protocol (§6.1) between
// ring nodes. Unlike the gRPC stack it replaces, there is no
// connection pooling: each RPC opens, sends one request, reads one
// response, and closes, exactly as §4.5 specifies.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ryogrid/funnelkvs/internal/chord"
	"github.com/ryogrid/funnelkvs/internal/ring"
	"github.com/ryogrid/funnelkvs/internal/wire"
	"github.com/ryogrid/funnelkvs/pkg"
)

// Compile-time check that Client implements the overlay node's peer
// client seam.
var _ chord.RemoteClient = (*Client)(nil)

// Client issues the wire-protocol RPCs against peer endpoints.
type Client struct {
	logger *pkg.Logger

	// ConnectTimeout bounds dialing a peer (≤ 1s per §4.5).
	ConnectTimeout time.Duration
	// IOTimeout bounds the send/receive deadlines on an open connection
	// (≤ 5s per §4.5).
	IOTimeout time.Duration
}

// NewClient creates a peer client with the given timeouts.
func NewClient(connectTimeout, ioTimeout time.Duration, logger *pkg.Logger) *Client {
	if logger == nil {
		logger, _ = pkg.New(pkg.DefaultConfig())
	}
	return &Client{
		logger:         logger.WithComponent("peer_client"),
		ConnectTimeout: connectTimeout,
		IOTimeout:      ioTimeout,
	}
}

func (c *Client) dial(ctx context.Context, peer chord.NodeRef) (net.Conn, error) {
	deadline := time.Now().Add(c.ConnectTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	d := net.Dialer{Timeout: c.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", peer.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", chord.ErrTransport, peer.Address(), err)
	}
	_ = conn.SetDeadline(deadline.Add(c.IOTimeout))
	return conn, nil
}

func (c *Client) roundTrip(ctx context.Context, peer chord.NodeRef, req *wire.Request) (*wire.Response, error) {
	conn, err := c.dial(ctx, peer)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := req.WriteTo(conn); err != nil {
		return nil, fmt.Errorf("%w: write to %s: %v", chord.ErrTransport, peer.Address(), err)
	}

	resp, err := wire.DecodeResponse(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: read from %s: %v", chord.ErrTransport, peer.Address(), err)
	}
	return resp, nil
}

// FindSuccessor asks peer for the successor of id via OpFindSuccessor.
// The ring identifier travels as the raw 20-byte digest in the key field.
func (c *Client) FindSuccessor(ctx context.Context, peer chord.NodeRef, id ring.ID) (chord.NodeRef, error) {
	resp, err := c.roundTrip(ctx, peer, &wire.Request{Op: wire.OpFindSuccessor, Key: id.Bytes()})
	if err != nil {
		return chord.NodeRef{}, err
	}
	if resp.Status != wire.StatusSuccess {
		return chord.NodeRef{}, fmt.Errorf("%w: find_successor returned %s", chord.ErrTransport, resp.Status)
	}
	return chord.ParseNodeRef(string(resp.Value))
}

func (c *Client) GetPredecessor(ctx context.Context, peer chord.NodeRef) (chord.NodeRef, bool, error) {
	resp, err := c.roundTrip(ctx, peer, &wire.Request{Op: wire.OpGetPredecessor})
	if err != nil {
		return chord.NodeRef{}, false, err
	}
	if resp.Status == wire.StatusKeyNotFound {
		return chord.NodeRef{}, false, nil // no predecessor known
	}
	if resp.Status != wire.StatusSuccess {
		return chord.NodeRef{}, false, fmt.Errorf("%w: get_predecessor returned %s", chord.ErrTransport, resp.Status)
	}
	ref, err := chord.ParseNodeRef(string(resp.Value))
	if err != nil {
		return chord.NodeRef{}, false, err
	}
	return ref, true, nil
}

func (c *Client) GetSuccessor(ctx context.Context, peer chord.NodeRef) (chord.NodeRef, error) {
	resp, err := c.roundTrip(ctx, peer, &wire.Request{Op: wire.OpGetSuccessor})
	if err != nil {
		return chord.NodeRef{}, err
	}
	if resp.Status != wire.StatusSuccess {
		return chord.NodeRef{}, fmt.Errorf("%w: get_successor returned %s", chord.ErrTransport, resp.Status)
	}
	return chord.ParseNodeRef(string(resp.Value))
}

func (c *Client) Notify(ctx context.Context, peer chord.NodeRef, self chord.NodeRef) error {
	resp, err := c.roundTrip(ctx, peer, &wire.Request{Op: wire.OpNotify, Key: []byte(self.Address())})
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusSuccess {
		return fmt.Errorf("%w: notify returned %s", chord.ErrTransport, resp.Status)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context, peer chord.NodeRef) error {
	resp, err := c.roundTrip(ctx, peer, &wire.Request{Op: wire.OpPing})
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusSuccess {
		return fmt.Errorf("%w: ping returned %s", chord.ErrTransport, resp.Status)
	}
	return nil
}

func (c *Client) Put(ctx context.Context, peer chord.NodeRef, key string, value []byte) error {
	resp, err := c.roundTrip(ctx, peer, &wire.Request{Op: wire.OpPut, Key: []byte(key), Value: value})
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusSuccess {
		return fmt.Errorf("%w: put returned %s", chord.ErrTransport, resp.Status)
	}
	return nil
}

// ReplicatePut pushes a replica write to peer via OpReplicate, which
// peer's dispatcher applies unconditionally regardless of whether peer
// owns key — unlike Put, this never comes back as REDIRECT.
func (c *Client) ReplicatePut(ctx context.Context, peer chord.NodeRef, key string, value []byte) error {
	resp, err := c.roundTrip(ctx, peer, &wire.Request{
		Op:    wire.OpReplicate,
		Key:   []byte(key),
		Value: wire.EncodeReplicaPut(value),
	})
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusSuccess {
		return fmt.Errorf("%w: replicate put returned %s", chord.ErrTransport, resp.Status)
	}
	return nil
}

// ReplicateDelete is the delete-side twin of ReplicatePut.
func (c *Client) ReplicateDelete(ctx context.Context, peer chord.NodeRef, key string) error {
	resp, err := c.roundTrip(ctx, peer, &wire.Request{
		Op:    wire.OpReplicate,
		Key:   []byte(key),
		Value: wire.EncodeReplicaDelete(),
	})
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusSuccess {
		return fmt.Errorf("%w: replicate delete returned %s", chord.ErrTransport, resp.Status)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, peer chord.NodeRef, key string) ([]byte, error) {
	resp, err := c.roundTrip(ctx, peer, &wire.Request{Op: wire.OpGet, Key: []byte(key)})
	if err != nil {
		return nil, err
	}
	switch resp.Status {
	case wire.StatusSuccess:
		return resp.Value, nil
	case wire.StatusKeyNotFound:
		return nil, chord.ErrKeyNotFound
	default:
		return nil, fmt.Errorf("%w: get returned %s", chord.ErrTransport, resp.Status)
	}
}

func (c *Client) Delete(ctx context.Context, peer chord.NodeRef, key string) (bool, error) {
	resp, err := c.roundTrip(ctx, peer, &wire.Request{Op: wire.OpDelete, Key: []byte(key)})
	if err != nil {
		return false, err
	}
	switch resp.Status {
	case wire.StatusSuccess:
		return true, nil
	case wire.StatusKeyNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: delete returned %s", chord.ErrTransport, resp.Status)
	}
}
