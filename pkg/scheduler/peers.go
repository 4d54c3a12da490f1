package scheduler

import (
	"time"

	"github.com/latticesched/lattice/pkg/events"
	"github.com/latticesched/lattice/pkg/transport"
)

// outboxInterval batches outbound messages to a single peer before a
// flush, per pkg/transport.Outbox's grounding on pkg/events' buffered,
// drop-on-full subscriber pattern.
const outboxInterval = 10 * time.Millisecond

// RegisterWorker wires a newly connected worker's channel into both the
// rebalance/work-stealing data-transfer path (the shared Registry) and
// this scheduler's own outbound notification path (a dedicated Outbox),
// so compute-task/release-task/delete-data pushes and gather/store/
// delete requests share one underlying connection without contending
// on it directly.
func (s *Scheduler) RegisterWorker(address string, ch transport.PeerChannel) {
	s.registry.Register(address, ch)

	s.workerOutboxesMu.Lock()
	defer s.workerOutboxesMu.Unlock()
	if old, ok := s.workerOutboxes[address]; ok {
		_ = old.Close()
	}
	s.workerOutboxes[address] = transport.NewOutbox(ch, outboxInterval, s.cfg.CommRecentMessagesLogLength, s.log)
}

// UnregisterWorker tears down a worker's notification outbox and
// removes it from the transfer registry.
func (s *Scheduler) UnregisterWorker(address string) {
	s.registry.Unregister(address)

	s.workerOutboxesMu.Lock()
	defer s.workerOutboxesMu.Unlock()
	if ob, ok := s.workerOutboxes[address]; ok {
		_ = ob.Close()
		delete(s.workerOutboxes, address)
	}
}

// RegisterClient wires a connected client's channel into this
// scheduler's client-facing notification path (key-in-memory,
// task-erred, cancelled-key, stream-start/closed).
func (s *Scheduler) RegisterClient(id string, ch transport.PeerChannel) {
	s.clientOutboxesMu.Lock()
	defer s.clientOutboxesMu.Unlock()
	if old, ok := s.clientOutboxes[id]; ok {
		_ = old.Close()
	}
	ob := transport.NewOutbox(ch, outboxInterval, s.cfg.CommRecentMessagesLogLength, s.log)
	s.clientOutboxes[id] = ob
	_ = ob.Send(transport.Message{Kind: transport.KindStreamStart, Client: id})
}

// UnregisterClient tears down a client's notification outbox and, per
// §3.4's [ADD] note that feed teardown folds into remove_client, its
// feed subscription if one was ever opened.
func (s *Scheduler) UnregisterClient(id string) {
	s.clientOutboxesMu.Lock()
	if ob, ok := s.clientOutboxes[id]; ok {
		_ = ob.Send(transport.Message{Kind: transport.KindClientClosed, Client: id})
		_ = ob.Close()
		delete(s.clientOutboxes, id)
	}
	s.clientOutboxesMu.Unlock()

	s.unsubscribeFeed(id)
}

// subscribeFeed opens id's feed subscription on the broker and starts a
// goroutine translating each published events.Event into a
// KindFeedEvent pushed through id's outbox, until unsubscribeFeed
// closes the subscription out from under it. Re-subscribing replaces
// any prior subscription for id.
func (s *Scheduler) subscribeFeed(id string) {
	s.feedMu.Lock()
	if old, ok := s.feedSubs[id]; ok {
		s.broker.Unsubscribe(old)
	}
	sub := s.broker.Subscribe()
	s.feedSubs[id] = sub
	s.feedMu.Unlock()

	go func() {
		for ev := range sub {
			s.sendToClient(id, transport.Message{
				Kind:         transport.KindFeedEvent,
				Client:       id,
				FeedType:     string(ev.Type),
				FeedKey:      ev.Key,
				FeedWorker:   ev.Worker,
				FeedClient:   ev.Client,
				FeedMetadata: ev.Metadata,
			})
		}
	}()
}

// unsubscribeFeed closes id's feed subscription if one is open; the
// forwarding goroutine started in subscribeFeed exits once the
// subscriber channel is closed.
func (s *Scheduler) unsubscribeFeed(id string) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if sub, ok := s.feedSubs[id]; ok {
		s.broker.Unsubscribe(sub)
		delete(s.feedSubs, id)
	}
}

// publish pushes a domain event to every feed subscriber. Never blocks
// the caller past the broker's own buffered eventCh (see
// pkg/events.Broker.Publish).
func (s *Scheduler) publish(ev *events.Event) {
	s.broker.Publish(ev)
}

func (s *Scheduler) sendToWorker(address string, msg transport.Message) {
	s.workerOutboxesMu.Lock()
	ob, ok := s.workerOutboxes[address]
	s.workerOutboxesMu.Unlock()
	if !ok {
		return
	}
	if err := ob.Send(msg); err != nil {
		s.log.Warn().Err(err).Str("worker", address).Str("kind", string(msg.Kind)).Msg("failed to notify worker")
	}
}

func (s *Scheduler) sendToClient(id string, msg transport.Message) {
	s.clientOutboxesMu.Lock()
	ob, ok := s.clientOutboxes[id]
	s.clientOutboxesMu.Unlock()
	if !ok {
		return
	}
	if err := ob.Send(msg); err != nil {
		s.log.Warn().Err(err).Str("client", id).Str("kind", string(msg.Kind)).Msg("failed to notify client")
	}
}
