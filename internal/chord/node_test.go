package chord

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryogrid/funnelkvs/internal/config"
	"github.com/ryogrid/funnelkvs/internal/ring"
	"github.com/ryogrid/funnelkvs/pkg"
)

// fakeRemote is an in-memory stand-in for the peer transport, letting
// node tests exercise replication and lookup forwarding without
// sockets. It routes calls to whichever *Node is registered under the
// target endpoint.
type fakeRemote struct {
	mu    sync.Mutex
	nodes map[string]*Node

	failPut map[string]bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{nodes: make(map[string]*Node), failPut: make(map[string]bool)}
}

func (f *fakeRemote) register(n *Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[n.Self().Address()] = n
}

func (f *fakeRemote) lookup(peer NodeRef) (*Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[peer.Address()]
	return n, ok
}

func (f *fakeRemote) FindSuccessor(ctx context.Context, peer NodeRef, id ring.ID) (NodeRef, error) {
	n, ok := f.lookup(peer)
	if !ok {
		return NodeRef{}, ErrTransport
	}
	return n.FindSuccessor(ctx, id)
}

func (f *fakeRemote) GetPredecessor(ctx context.Context, peer NodeRef) (NodeRef, bool, error) {
	n, ok := f.lookup(peer)
	if !ok {
		return NodeRef{}, false, ErrTransport
	}
	p, has := n.GetPredecessor()
	return p, has, nil
}

func (f *fakeRemote) GetSuccessor(ctx context.Context, peer NodeRef) (NodeRef, error) {
	n, ok := f.lookup(peer)
	if !ok {
		return NodeRef{}, ErrTransport
	}
	return n.GetSuccessor(), nil
}

func (f *fakeRemote) Notify(ctx context.Context, peer NodeRef, self NodeRef) error {
	n, ok := f.lookup(peer)
	if !ok {
		return ErrTransport
	}
	n.Notify(self)
	return nil
}

func (f *fakeRemote) Ping(ctx context.Context, peer NodeRef) error {
	if _, ok := f.lookup(peer); !ok {
		return ErrTransport
	}
	return nil
}

func (f *fakeRemote) Put(ctx context.Context, peer NodeRef, key string, value []byte) error {
	f.mu.Lock()
	fail := f.failPut[peer.Address()]
	f.mu.Unlock()
	if fail {
		return ErrTransport
	}
	n, ok := f.lookup(peer)
	if !ok {
		return ErrTransport
	}
	return n.Store(ctx, key, value)
}

func (f *fakeRemote) Get(ctx context.Context, peer NodeRef, key string) ([]byte, error) {
	n, ok := f.lookup(peer)
	if !ok {
		return nil, ErrTransport
	}
	v, found, err := n.Retrieve(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

func (f *fakeRemote) Delete(ctx context.Context, peer NodeRef, key string) (bool, error) {
	n, ok := f.lookup(peer)
	if !ok {
		return false, ErrTransport
	}
	return n.Remove(ctx, key)
}

func (f *fakeRemote) ReplicatePut(ctx context.Context, peer NodeRef, key string, value []byte) error {
	f.mu.Lock()
	fail := f.failPut[peer.Address()]
	f.mu.Unlock()
	if fail {
		return ErrTransport
	}
	n, ok := f.lookup(peer)
	if !ok {
		return ErrTransport
	}
	n.ReceiveReplicaPut(key, value)
	return nil
}

func (f *fakeRemote) ReplicateDelete(ctx context.Context, peer NodeRef, key string) error {
	n, ok := f.lookup(peer)
	if !ok {
		return ErrTransport
	}
	n.ReceiveReplicaDelete(key)
	return nil
}

func testLogger(t *testing.T) *pkg.Logger {
	t.Helper()
	cfg := pkg.DefaultConfig()
	cfg.Console.Enable = false
	logger, err := pkg.New(cfg)
	require.NoError(t, err)
	return logger
}

func newTestNode(t *testing.T, port int, remote *fakeRemote) *Node {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Port = port
	cfg.StabilizeInterval = 20 * time.Millisecond
	cfg.FixFingersInterval = 20 * time.Millisecond
	cfg.FailureCheckInterval = 20 * time.Millisecond

	n, err := New(cfg, remote, testLogger(t))
	require.NoError(t, err)
	remote.register(n)
	return n
}

func TestNode_Create_SingleNodeOwnsEverything(t *testing.T) {
	remote := newFakeRemote()
	n := newTestNode(t, 19000, remote)
	n.Create()
	defer n.Shutdown()

	assert.True(t, n.Owns(ring.DigestString("anything")))
}

func TestNode_StoreRetrieveDelete_SingleNodeRoundTrip(t *testing.T) {
	remote := newFakeRemote()
	n := newTestNode(t, 19001, remote)
	n.Create()
	defer n.Shutdown()

	ctx := context.Background()

	require.NoError(t, n.Store(ctx, "k1", []byte("v1")))

	v, found, err := n.Retrieve(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), v)

	existed, err := n.Remove(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, existed, "first delete reports true")

	existed, err = n.Remove(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, existed, "second delete reports false")

	_, found, err = n.Retrieve(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNode_LargeValue(t *testing.T) {
	remote := newFakeRemote()
	n := newTestNode(t, 19002, remote)
	n.Create()
	defer n.Shutdown()

	big := make([]byte, 2048)
	for i := range big {
		big[i] = 0xCD
	}

	ctx := context.Background()
	require.NoError(t, n.Store(ctx, "large", big))

	v, found, err := n.Retrieve(ctx, "large")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, v, 2048)
}

func TestNode_Store_RollbackOnReplicationFailure(t *testing.T) {
	remote := newFakeRemote()
	primary := newTestNode(t, 19003, remote)
	primary.Create()
	defer primary.Shutdown()

	// Craft a bogus replica target that always fails its put.
	bogus := NewNodeRef("127.0.0.1", 19099)
	primary.routing.setSuccessorList([]NodeRef{primary.Self(), bogus})
	remote.failPut[bogus.Address()] = true

	ctx := context.Background()
	err := primary.Store(ctx, "a", []byte("b"))
	assert.Error(t, err, "store must fail when a replica put fails")

	_, found, _ := primary.Retrieve(ctx, "a")
	assert.False(t, found, "rollback leaves neither primary nor replica holding the key")
}

func TestNode_Join_LinksTwoNodeRing(t *testing.T) {
	remote := newFakeRemote()
	a := newTestNode(t, 19010, remote)
	b := newTestNode(t, 19011, remote)

	// Seed b's routing state from a directly (what Join does), then
	// wait for the stabilize loop to move a successor off its
	// initial value.
	a.Create()
	defer a.Shutdown()
	defer b.Shutdown()
	b.routing.seedFrom(a.Self())
	b.startMaintenance()

	require.Eventually(t, func() bool {
		return !a.GetSuccessor().Equal(a.Self()) || !b.GetSuccessor().Equal(a.Self())
	}, time.Second, 5*time.Millisecond)
}

func TestNode_ConcurrentDisjointKeyspace(t *testing.T) {
	remote := newFakeRemote()
	n := newTestNode(t, 19020, remote)
	n.Create()
	defer n.Shutdown()

	ctx := context.Background()
	var wg sync.WaitGroup
	for c := 0; c < 3; c++ {
		wg.Add(1)
		go func(client int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				key := keyFor(client, j)
				require.NoError(t, n.Store(ctx, key, []byte("v")))
				_, found, err := n.Retrieve(ctx, key)
				require.NoError(t, err)
				require.True(t, found)
				existed, err := n.Remove(ctx, key)
				require.NoError(t, err)
				require.True(t, existed)
			}
		}(c)
	}
	wg.Wait()

	assert.Equal(t, 0, n.store.Size())
}

func keyFor(client, j int) string {
	return "t" + strconv.Itoa(client) + "_k" + strconv.Itoa(j)
}

func TestNode_RemoveNonexistentKeyReturnsFalse(t *testing.T) {
	remote := newFakeRemote()
	n := newTestNode(t, 19030, remote)
	n.Create()
	defer n.Shutdown()

	existed, err := n.Remove(context.Background(), "never-stored")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestNode_HandleNodeFailure_RemovesFromSuccessorList(t *testing.T) {
	remote := newFakeRemote()
	n := newTestNode(t, 19040, remote)
	n.Create()
	defer n.Shutdown()

	bogus := NewNodeRef("127.0.0.1", 19098)
	n.routing.setSuccessorList([]NodeRef{bogus, n.Self()})

	n.handleNodeFailure(bogus)

	for _, s := range n.routing.successorList() {
		assert.False(t, s.Equal(bogus))
	}
}

func TestNode_ErrTransportIsDistinctFromKeyNotFound(t *testing.T) {
	assert.False(t, errors.Is(ErrTransport, ErrKeyNotFound))
}
