package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Registry tracks one PeerChannel per connected worker address and
// implements pkg/core/rebalance.Gatherer over them, correlating
// request/response pairs by RequestID since PeerChannel itself is a
// fire-and-forget send/receive pair, not an RPC.
type Registry struct {
	mu    sync.Mutex
	peers map[string]PeerChannel

	pendingMu sync.Mutex
	pending   map[string]chan Message
}

// NewRegistry returns an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{
		peers:   make(map[string]PeerChannel),
		pending: make(map[string]chan Message),
	}
}

// Register associates address with its channel, replacing any prior
// one (a worker's previous connection is assumed dead once a new one
// registers under the same address).
func (r *Registry) Register(address string, ch PeerChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[address] = ch
}

// Unregister drops address's channel, closing it if present.
func (r *Registry) Unregister(address string) {
	r.mu.Lock()
	ch, ok := r.peers[address]
	delete(r.peers, address)
	r.mu.Unlock()
	if ok {
		_ = ch.Close()
	}
}

func (r *Registry) peer(address string) (PeerChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.peers[address]
	if !ok {
		return nil, fmt.Errorf("transport: no channel registered for %q", address)
	}
	return ch, nil
}

// Resolve delivers an inbound response message to whichever in-flight
// request is waiting on its RequestID. The scheduler's Recv loop calls
// this for every message carrying a non-empty RequestID before handing
// the rest to Dispatch.
func (r *Registry) Resolve(msg Message) bool {
	if msg.RequestID == "" {
		return false
	}
	r.pendingMu.Lock()
	waiter, ok := r.pending[msg.RequestID]
	r.pendingMu.Unlock()
	if !ok {
		return false
	}
	waiter <- msg
	return true
}

func (r *Registry) await(ctx context.Context, address string, req Message) (Message, error) {
	ch, err := r.peer(address)
	if err != nil {
		return Message{}, err
	}

	req.RequestID = uuid.NewString()
	wait := make(chan Message, 1)
	r.pendingMu.Lock()
	r.pending[req.RequestID] = wait
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, req.RequestID)
		r.pendingMu.Unlock()
	}()

	if err := ch.Send(req); err != nil {
		return Message{}, err
	}

	select {
	case resp := <-wait:
		if resp.Err != "" {
			return Message{}, fmt.Errorf("transport: %s: %s", address, resp.Err)
		}
		return resp, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Gather fetches key's bytes from worker, implementing
// rebalance.Gatherer over the gather/gather-response exchange (§6's
// worker-sent "gather" message, used here in its request direction).
func (r *Registry) Gather(ctx context.Context, worker string, key string) ([]byte, error) {
	resp, err := r.await(ctx, worker, Message{Kind: KindGather, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Store pushes key's bytes to worker as part of a rebalance/replicate
// move (the counterpart of compute-task delivering a result: here the
// scheduler is relocating an existing result, not computing one).
func (r *Registry) Store(ctx context.Context, worker string, key string, data []byte) error {
	_, err := r.await(ctx, worker, Message{Kind: KindComputeTask, Key: key, Data: data})
	return err
}

// Delete tells worker to drop key, implementing rebalance.Gatherer's
// eviction step over §6's worker-sent "delete-data" message.
func (r *Registry) Delete(ctx context.Context, worker string, key string) error {
	_, err := r.await(ctx, worker, Message{Kind: KindDeleteData, Key: key})
	return err
}
