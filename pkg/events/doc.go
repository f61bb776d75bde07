/*
Package events provides an in-memory event broker for group transitions,
membership changes and orphan cleanup.

Publishers hand events to a buffered queue and return immediately; a single
distribution goroutine copies each event to every subscriber channel. A
subscriber that falls behind misses events rather than slowing the
scheduler down.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		fmt.Println(ev.Type, ev.Group, ev.Message)
	}

Consumers include the transition history recorder, the WatchEvents API
stream and the daemon log.
*/
package events
