/*
Package events provides an in-memory event broker used to fan transition
outcomes out to interested subscribers inside the scheduler process.

# Architecture

	┌──────────────── EVENT BROKER ────────────────┐
	│  Publish(event) → event channel (buf 100)    │
	│                 → broadcast loop             │
	│                 → subscriber channels (50)   │
	└────────────────────────────────────────────────┘

Publish blocks only while the broker's 100-event buffer is full. A full
subscriber buffer causes that subscriber's copy of the event to be
dropped rather than stalling the broadcast loop, so a slow subscriber
never backs up the event loop that published the event.

# Event types

Task events (task.released, task.waiting, task.processing, task.memory,
task.erred, task.forgotten) mirror the §4.1 transition table — the
scheduler publishes one for each key in a stimulus's own top-level
recommendations, reporting that key's state once Apply has finished;
tasks moved only transitively by Apply get no event. Worker events
(worker.joined, worker.left, worker.down) and client events
(client.connected, client.disconnected) mirror §4.3's add_worker/
remove_worker/add_client/remove_client stimuli.

The broker itself does not interpret event types; it is topic-agnostic
and broadcasts everything to every subscriber, leaving filtering to the
subscriber. The scheduler's per-client feed forwards every event it
receives without filtering.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			// handle ev.Type
		}
	}()

	broker.Publish(events.TaskEvent(events.EventTaskMemory, key, workerAddr))
*/
package events
