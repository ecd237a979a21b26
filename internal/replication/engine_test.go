package replication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeerClient struct {
	mu       sync.Mutex
	puts     map[string]map[string][]byte // endpoint -> key -> value
	deleted  map[string]map[string]bool
	failPut  map[string]bool
	failGet  map[string]bool
	getValue map[string][]byte
}

func newFakePeerClient() *fakePeerClient {
	return &fakePeerClient{
		puts:     make(map[string]map[string][]byte),
		deleted:  make(map[string]map[string]bool),
		failPut:  make(map[string]bool),
		failGet:  make(map[string]bool),
		getValue: make(map[string][]byte),
	}
}

func (f *fakePeerClient) Put(ctx context.Context, endpoint, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut[endpoint] {
		return errors.New("simulated put failure")
	}
	if f.puts[endpoint] == nil {
		f.puts[endpoint] = make(map[string][]byte)
	}
	f.puts[endpoint][key] = value
	return nil
}

func (f *fakePeerClient) Get(ctx context.Context, endpoint, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet[endpoint] {
		return nil, errors.New("simulated get failure")
	}
	if v, ok := f.getValue[endpoint]; ok {
		return v, nil
	}
	return nil, errors.New("not found")
}

func (f *fakePeerClient) Delete(ctx context.Context, endpoint, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted[endpoint] == nil {
		f.deleted[endpoint] = make(map[string]bool)
	}
	f.deleted[endpoint][key] = true
	return true, nil
}

func TestEngine_ReplicatePut_AllSucceed(t *testing.T) {
	client := newFakePeerClient()
	e := New(client, DefaultConfig())

	err := e.ReplicatePut(context.Background(), "k", []byte("v"), []string{"a:1", "b:1"})
	require.NoError(t, err)

	assert.Equal(t, []byte("v"), client.puts["a:1"]["k"])
	assert.Equal(t, []byte("v"), client.puts["b:1"]["k"])
}

func TestEngine_ReplicatePut_PartialFailureFailsCall(t *testing.T) {
	client := newFakePeerClient()
	client.failPut["b:1"] = true
	e := New(client, DefaultConfig())

	err := e.ReplicatePut(context.Background(), "k", []byte("v"), []string{"a:1", "b:1"})
	assert.Error(t, err, "store must fail if any attempted replica put fails")
}

func TestEngine_ReplicatePut_OnlyAttemptsFactorMinusOne(t *testing.T) {
	client := newFakePeerClient()
	cfg := DefaultConfig()
	cfg.Factor = 2 // only one replica attempted
	e := New(client, cfg)

	err := e.ReplicatePut(context.Background(), "k", []byte("v"), []string{"a:1", "b:1", "c:1"})
	require.NoError(t, err)

	assert.NotNil(t, client.puts["a:1"])
	assert.Nil(t, client.puts["b:1"], "factor-1 == 1 target attempted, not all three")
}

func TestEngine_GetFromReplicas_FirstSuccessWins(t *testing.T) {
	client := newFakePeerClient()
	client.failGet["a:1"] = true
	client.getValue["b:1"] = []byte("from-b")
	e := New(client, DefaultConfig())

	v, ok := e.GetFromReplicas(context.Background(), "k", []string{"a:1", "b:1"})
	require.True(t, ok)
	assert.Equal(t, []byte("from-b"), v)
}

func TestEngine_GetFromReplicas_AllFail(t *testing.T) {
	client := newFakePeerClient()
	client.failGet["a:1"] = true
	client.failGet["b:1"] = true
	e := New(client, DefaultConfig())

	_, ok := e.GetFromReplicas(context.Background(), "k", []string{"a:1", "b:1"})
	assert.False(t, ok)
}

func TestEngine_HandleReplicaLoss(t *testing.T) {
	client := newFakePeerClient()
	e := New(client, DefaultConfig())

	keys := map[string][]byte{"k1": []byte("v1"), "k2": []byte("v2")}
	n := e.HandleReplicaLoss(context.Background(), "dead:1", []string{"dead:1", "alive:1"}, keys)

	assert.Equal(t, 2, n)
	assert.Len(t, client.puts["alive:1"], 2)
}

func TestEngine_HandleReplicaLoss_NoLiveTargets(t *testing.T) {
	client := newFakePeerClient()
	e := New(client, DefaultConfig())

	n := e.HandleReplicaLoss(context.Background(), "dead:1", []string{"dead:1"}, map[string][]byte{"k": []byte("v")})
	assert.Equal(t, 0, n)
}

func TestEngine_AsyncReplicatePut_SucceedsEventually(t *testing.T) {
	client := newFakePeerClient()
	cfg := DefaultConfig()
	cfg.Async = true
	e := New(client, cfg)
	defer e.Close()

	err := e.ReplicatePut(context.Background(), "k", []byte("v"), []string{"a:1"})
	require.NoError(t, err, "async mode reports success once enqueued")

	assert.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.puts["a:1"] != nil && string(client.puts["a:1"]["k"]) == "v"
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_AsyncReplicatePut_PermanentFailureIsReported(t *testing.T) {
	client := newFakePeerClient()
	client.failPut["a:1"] = true
	cfg := DefaultConfig()
	cfg.Async = true
	cfg.MaxRetries = 2
	e := New(client, cfg)
	defer e.Close()

	var mu sync.Mutex
	var failures int
	e.OnPermanentFailure(func(key, op string) {
		mu.Lock()
		failures++
		mu.Unlock()
	})

	err := e.ReplicatePut(context.Background(), "k", []byte("v"), []string{"a:1"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failures > 0
	}, time.Second, 5*time.Millisecond)
}
