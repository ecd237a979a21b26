package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryogrid/funnelkvs/internal/chord"
	"github.com/ryogrid/funnelkvs/internal/config"
	"github.com/ryogrid/funnelkvs/internal/ring"
	"github.com/ryogrid/funnelkvs/pkg"
)

// loopbackRemote answers ring RPCs against the local node directly, the
// same shape the dispatch package's test double uses, since the admin
// server never itself issues remote calls.
type loopbackRemote struct{ node *chord.Node }

func (l *loopbackRemote) FindSuccessor(ctx context.Context, peer chord.NodeRef, id ring.ID) (chord.NodeRef, error) {
	return l.node.FindSuccessor(ctx, id)
}
func (l *loopbackRemote) GetPredecessor(ctx context.Context, peer chord.NodeRef) (chord.NodeRef, bool, error) {
	p, has := l.node.GetPredecessor()
	return p, has, nil
}
func (l *loopbackRemote) GetSuccessor(ctx context.Context, peer chord.NodeRef) (chord.NodeRef, error) {
	return l.node.GetSuccessor(), nil
}
func (l *loopbackRemote) Notify(ctx context.Context, peer chord.NodeRef, self chord.NodeRef) error {
	l.node.Notify(self)
	return nil
}
func (l *loopbackRemote) Ping(ctx context.Context, peer chord.NodeRef) error { return nil }
func (l *loopbackRemote) Put(ctx context.Context, peer chord.NodeRef, key string, value []byte) error {
	return l.node.Store(ctx, key, value)
}
func (l *loopbackRemote) Get(ctx context.Context, peer chord.NodeRef, key string) ([]byte, error) {
	v, found, err := l.node.Retrieve(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, chord.ErrKeyNotFound
	}
	return v, nil
}
func (l *loopbackRemote) Delete(ctx context.Context, peer chord.NodeRef, key string) (bool, error) {
	return l.node.Remove(ctx, key)
}
func (l *loopbackRemote) ReplicatePut(ctx context.Context, peer chord.NodeRef, key string, value []byte) error {
	l.node.ReceiveReplicaPut(key, value)
	return nil
}
func (l *loopbackRemote) ReplicateDelete(ctx context.Context, peer chord.NodeRef, key string) error {
	l.node.ReceiveReplicaDelete(key)
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

func newTestNode(t *testing.T, port int) *chord.Node {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Port = port
	cfg.StabilizeInterval = 20 * time.Millisecond
	cfg.FixFingersInterval = 20 * time.Millisecond
	cfg.FailureCheckInterval = 20 * time.Millisecond

	remote := &loopbackRemote{}
	node, err := chord.New(cfg, remote, testLogger(t))
	require.NoError(t, err)
	remote.node = node
	node.Create()
	t.Cleanup(func() { node.Shutdown() })
	return node
}

func TestSnapshotToStatus_SingleNodeNoPredecessor(t *testing.T) {
	node := newTestNode(t, 22000)
	require.NoError(t, node.Store(context.Background(), "k", []byte("v")))

	resp := snapshotToStatus(node.Snapshot())
	assert.Equal(t, node.Self().Address(), resp.Self)
	assert.Empty(t, resp.Predecessor)
	assert.Equal(t, 1, resp.KeyCount)
	assert.True(t, resp.Ready)
}

func TestServer_HealthAndStatus(t *testing.T) {
	node := newTestNode(t, 22010)
	srv, err := NewServer(node, testLogger(t))
	require.NoError(t, err)

	port := 28010
	require.NoError(t, srv.Start(port))
	t.Cleanup(func() { srv.Stop() })

	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	var healthBody map[string]string
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&healthBody) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ok", healthBody["status"])

	resp, err := http.Get(base + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, node.Self().Address(), status.Self)
	assert.True(t, status.Ready)
}

func TestServer_StartThenStop(t *testing.T) {
	node := newTestNode(t, 22020)
	srv, err := NewServer(node, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, srv.Start(28020))
	require.NoError(t, srv.Stop())
}

func TestNewServer_RejectsNilLogger(t *testing.T) {
	node := newTestNode(t, 22030)
	_, err := NewServer(node, nil)
	assert.Error(t, err)
}
