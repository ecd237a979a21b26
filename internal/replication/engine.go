// Package replication implements the replica fan-out rules of §4.7:
// synchronous (or optionally asynchronous) put/delete across a target
// set, replica-read fallback, and re-replication after a peer is
// declared failed.
//
// The engine depends only on a minimal PeerClient seam, not on the
// overlay node or its routing state — the node computes the replica
// target set and passes it in; the engine never calls back into the
// node. This one-way dependency replaces the callback cycle the
// original design had between the replication manager and the node.
package replication

import (
	"context"
	"fmt"
	"time"
)

// PeerClient is the subset of remote operations the replication
// engine needs against a target endpoint.
type PeerClient interface {
	Put(ctx context.Context, endpoint string, key string, value []byte) error
	Get(ctx context.Context, endpoint string, key string) ([]byte, error)
	Delete(ctx context.Context, endpoint string, key string) (bool, error)
}

// Config holds the replication engine's tunables.
type Config struct {
	Factor      int // R, default 3
	SyncTimeout time.Duration
	MaxRetries  int
	Async       bool
}

// DefaultConfig returns the spec's defaults: R=3, 5s sync timeout, 3
// retries, synchronous mode.
func DefaultConfig() Config {
	return Config{
		Factor:      3,
		SyncTimeout: 5 * time.Second,
		MaxRetries:  3,
		Async:       false,
	}
}

// retryTask is one queued async replication attempt.
type retryTask struct {
	op       string // "put" or "delete"
	key      string
	value    []byte
	targets  []string
	attempt  int
}

// Engine is the replication engine bound to one peer client and
// configuration. It owns the async retry queue and worker when Async
// is enabled.
type Engine struct {
	client PeerClient
	cfg    Config

	queue    chan retryTask
	stopOnce chan struct{}

	onPermanentFailure func(key string, op string)
}

// New creates a replication engine. If cfg.Async is set, it starts a
// single worker draining a bounded FIFO retry queue; call Close to
// stop it.
func New(client PeerClient, cfg Config) *Engine {
	e := &Engine{
		client:   client,
		cfg:      cfg,
		queue:    make(chan retryTask, 256),
		stopOnce: make(chan struct{}),
	}
	if cfg.Async {
		go e.worker()
	}
	return e
}

// OnPermanentFailure registers a callback invoked when an async task
// exhausts its retries. Used by the caller purely for logging; the
// engine itself takes no further action on a permanent failure.
func (e *Engine) OnPermanentFailure(fn func(key string, op string)) {
	e.onPermanentFailure = fn
}

// Close stops the async worker, if running. Queued tasks are dropped.
func (e *Engine) Close() {
	select {
	case <-e.stopOnce:
	default:
		close(e.stopOnce)
	}
}

// ReplicatePut attempts put(k, v) against the first Factor-1 targets in
// order (fewer if fewer targets are given). In
// synchronous mode it succeeds iff every attempted replica succeeds,
// with no lock held across the network I/O (the engine holds none to
// begin with; this is a property of its caller too). In async mode it
// enqueues the task and reports success immediately, weakening
// durability as documented in §7.
func (e *Engine) ReplicatePut(ctx context.Context, key string, value []byte, targets []string) error {
	if e.cfg.Async {
		return e.enqueue(retryTask{op: "put", key: key, value: value, targets: targets})
	}
	return e.syncPut(ctx, key, value, targets)
}

func (e *Engine) syncPut(ctx context.Context, key string, value []byte, targets []string) error {
	n := e.cfg.Factor - 1
	if n > len(targets) {
		n = len(targets)
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SyncTimeout)
	defer cancel()

	for i := 0; i < n; i++ {
		if err := e.client.Put(ctx, targets[i], key, value); err != nil {
			return fmt.Errorf("replication: put to %s failed: %w", targets[i], err)
		}
	}
	return nil
}

// ReplicateDelete is the delete-side twin of ReplicatePut. Its failure
// in synchronous mode is reported to the caller but, per §4.8.7, a
// caller performing a primary delete must not let this failure negate
// an already-committed local delete — only log it.
func (e *Engine) ReplicateDelete(ctx context.Context, key string, targets []string) error {
	if e.cfg.Async {
		return e.enqueue(retryTask{op: "delete", key: key, targets: targets})
	}
	return e.syncDelete(ctx, key, targets)
}

func (e *Engine) syncDelete(ctx context.Context, key string, targets []string) error {
	n := e.cfg.Factor - 1
	if n > len(targets) {
		n = len(targets)
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SyncTimeout)
	defer cancel()

	for i := 0; i < n; i++ {
		if _, err := e.client.Delete(ctx, targets[i], key); err != nil {
			return fmt.Errorf("replication: delete on %s failed: %w", targets[i], err)
		}
	}
	return nil
}

// GetFromReplicas attempts get(k) against each target in order,
// returning the first value a replica answers with. Used only as a
// fallback when the primary's own local lookup misses.
func (e *Engine) GetFromReplicas(ctx context.Context, key string, targets []string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SyncTimeout)
	defer cancel()

	for _, target := range targets {
		v, err := e.client.Get(ctx, target, key)
		if err == nil {
			return v, true
		}
	}
	return nil, false
}

// HandleReplicaLoss implements §4.7's handle_replica_loss: for each
// (key, value) pair, attempt a put to the first live target in
// newTargets that is not the failed endpoint. It returns the number
// of keys successfully re-replicated; a failed attempt is left for
// the caller to log, not retried here.
func (e *Engine) HandleReplicaLoss(ctx context.Context, failed string, newTargets []string, keys map[string][]byte) int {
	live := make([]string, 0, len(newTargets))
	for _, t := range newTargets {
		if t != failed {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return 0
	}

	succeeded := 0
	for key, value := range keys {
		c, cancel := context.WithTimeout(ctx, e.cfg.SyncTimeout)
		err := e.client.Put(c, live[0], key, value)
		cancel()
		if err == nil {
			succeeded++
		}
	}
	return succeeded
}

func (e *Engine) enqueue(task retryTask) error {
	select {
	case e.queue <- task:
		return nil
	default:
		return fmt.Errorf("replication: async retry queue is full")
	}
}

func (e *Engine) worker() {
	for {
		select {
		case <-e.stopOnce:
			return
		case task := <-e.queue:
			e.runTask(task)
		}
	}
}

func (e *Engine) runTask(task retryTask) {
	ctx := context.Background()
	var err error
	switch task.op {
	case "put":
		err = e.syncPut(ctx, task.key, task.value, task.targets)
	case "delete":
		err = e.syncDelete(ctx, task.key, task.targets)
	}
	if err == nil {
		return
	}

	task.attempt++
	if task.attempt >= e.cfg.MaxRetries {
		if e.onPermanentFailure != nil {
			e.onPermanentFailure(task.key, task.op)
		}
		return
	}
	select {
	case e.queue <- task:
	default:
		if e.onPermanentFailure != nil {
			e.onPermanentFailure(task.key, task.op)
		}
	}
}
