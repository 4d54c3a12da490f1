package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by Send/Recv once a PeerChannel or Outbox has
// been closed.
var ErrClosed = errors.New("transport: channel closed")

// PeerChannel is the scheduler's interface to one peer's (a worker's or
// a client's) concrete wire connection. A real implementation carries
// Messages over whatever §6 leaves as an external collaborator's
// choice (a socket, an in-process pipe in tests); this package never
// assumes which.
type PeerChannel interface {
	// Send enqueues msg for delivery. It never blocks and never
	// surfaces a delivery error to the caller — a full or broken
	// outbound queue is logged and the message dropped, per §5's
	// batched-send contract. The caller learns about a truly dead peer
	// through Recv returning ErrClosed, or through missed heartbeats.
	Send(msg Message) error
	// Recv blocks until a message arrives or the channel closes.
	Recv() (Message, error)
	Close() error
}

// Outbox is a per-peer buffered queue that drains on its own goroutine
// at a fixed interval, handing whatever has accumulated to the
// underlying channel in order, one Send call per message; the batch is
// not coalesced into a single write. Grounded on the teacher's
// pkg/events Broker: Send never blocks the caller (here, the
// scheduler's single event loop). The queue is unbounded; a message is
// dropped and logged only when the outbox is closed or the underlying
// Send fails.
type Outbox struct {
	log zerolog.Logger

	mu     sync.Mutex
	queue  []Message
	recent []Message // bounded replay buffer for diagnostics
	cap    int

	underlying PeerChannel
	interval   time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
	closed bool
}

// NewOutbox returns an Outbox draining into underlying every interval,
// keeping up to recentLimit of its most recently sent messages for
// diagnostics (sized from comm.recent-messages-log-length).
func NewOutbox(underlying PeerChannel, interval time.Duration, recentLimit int, log zerolog.Logger) *Outbox {
	if recentLimit <= 0 {
		recentLimit = 1000
	}
	o := &Outbox{
		log:        log.With().Str("component", "outbox").Logger(),
		underlying: underlying,
		interval:   interval,
		cap:        recentLimit,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go o.run()
	return o
}

// Send queues msg for the next drain. Never blocks; a closed Outbox
// logs and drops.
func (o *Outbox) Send(msg Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		o.log.Debug().Str("kind", string(msg.Kind)).Msg("send on closed outbox, dropping")
		return nil
	}
	msg.SentAt = time.Now()
	o.queue = append(o.queue, msg)
	return nil
}

func (o *Outbox) run() {
	defer close(o.doneCh)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.drain()
		case <-o.stopCh:
			o.drain()
			return
		}
	}
}

func (o *Outbox) drain() {
	o.mu.Lock()
	batch := o.queue
	o.queue = nil
	o.mu.Unlock()

	for _, msg := range batch {
		if err := o.underlying.Send(msg); err != nil {
			o.log.Warn().Err(err).Str("kind", string(msg.Kind)).Msg("outbox delivery failed, dropping")
			continue
		}
		o.remember(msg)
	}
}

func (o *Outbox) remember(msg Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recent = append(o.recent, msg)
	if over := len(o.recent) - o.cap; over > 0 {
		o.recent = o.recent[over:]
	}
}

// Recent returns the most recently drained messages, oldest first, for
// diagnostics.
func (o *Outbox) Recent() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.recent))
	copy(out, o.recent)
	return out
}

// Close stops the drain loop, flushing whatever is already queued to
// the underlying channel, then closes that channel. Messages sent
// after Close are dropped.
func (o *Outbox) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	close(o.stopCh)
	<-o.doneCh
	return o.underlying.Close()
}
