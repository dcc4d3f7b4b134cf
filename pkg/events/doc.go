/*
Package events provides an in-memory event broker for OctoLab's pub/sub messaging.

The events package implements a lightweight event bus for broadcasting lab
lifecycle events to interested subscribers. Every state transition the manager
drives (created, ready, degraded, failed, ending, finished) and every evidence
milestone (sealed, expired) is published here, so observers such as the metrics
layer or an admin event stream can react without coupling to the state machine.

# Architecture

OctoLab's event system provides non-blocking pub/sub messaging with buffered
channels:

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                          │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                  │          │
	│  │  - In-memory message bus                   │          │
	│  │  - Topic-agnostic (all events broadcast)   │          │
	│  │  - Non-blocking publish                    │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  Publisher → Event Channel (buffer: 100)                 │
	│       ↓                                                  │
	│  Broadcast Loop                                          │
	│       ↓                                                  │
	│  Subscriber Channels (buffer: 50 each)                   │
	│                                                          │
	└──────────────────────────────────────────────────────────┘

# Event Types

Lab lifecycle:
  - lab.created: a lab row entered the requested state
  - lab.ready: provisioning finished and the desktop is reachable
  - lab.degraded: the lab runs but gateway provisioning failed
  - lab.failed: provisioning or teardown hit an unrecoverable error
  - lab.ending: teardown started (user request, TTL, or watchdog)
  - lab.finished: verified teardown completed

Evidence:
  - evidence.sealed: the HMAC seal was written into the auth volume
  - evidence.expired: retention lapsed and the volumes were removed

Operations:
  - watchdog.forced_teardown: a stuck ENDING lab was forcibly torn down

# Usage

Subscribing:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		if ev.Type == events.EventLabFinished {
			...
		}
	}

Publishing from the state machine:

	broker.PublishLab(events.EventLabReady, lab.ID, lab.OwnerID, "")

# Delivery Semantics

Delivery is best effort. Publish never blocks the caller: the broker's own
channel buffers 100 events, and a subscriber whose 50-slot buffer is full
silently misses the event. Nothing in the lab lifecycle may depend on an
event arriving; the store is the source of truth and events are advisory.

# See Also

  - pkg/manager publishes lifecycle events
  - pkg/metrics consumes them for counters
*/
package events
