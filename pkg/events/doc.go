/*
Package events provides an in-memory event broker used to notify observers
of engine lifecycle events: a pool opening or going read-only, a container
being created or destroyed, a DTX resolving, an aggregation or discard pass
finishing, a WAL replay completing.

# Architecture

A single Broker fans a buffered event channel out to any number of
subscriber channels, all in-process:

	Publish(event) → eventCh (buffer 100) → broadcast loop → each Subscriber (buffer 50)

Broadcast never blocks on a slow subscriber: a full subscriber channel drops
the event rather than stalling the broker, so a wedged observer cannot back
up engine operations.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&events.Event{Type: events.EventAggregationDone, Message: "pool p1"})

# Design notes

Events carry no behavior; they are a notification side-channel for callers
that want to observe engine activity (metrics scrapers, admin tooling), not
a path any vos operation depends on for correctness.
*/
package events
