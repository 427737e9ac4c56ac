package main

import "sync"

// eventSubscriber is one /events WS client's outbound text-message channel.
type eventSubscriber struct {
	Ch chan []byte
}

// EventSubscriberHub fans periodic activity summaries out to every
// connected /events client. The broadcast loop itself lives in main.go's
// periodic ticker.
type EventSubscriberHub struct {
	mu   sync.RWMutex
	subs map[*eventSubscriber]struct{}
}

func NewEventSubscriberHub() *EventSubscriberHub {
	return &EventSubscriberHub{subs: make(map[*eventSubscriber]struct{})}
}

func (h *EventSubscriberHub) Subscribe() *eventSubscriber {
	sub := &eventSubscriber{Ch: make(chan []byte, 4)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *EventSubscriberHub) Unsubscribe(sub *eventSubscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	close(sub.Ch)
}

func (h *EventSubscriberHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast sends msg to every connected subscriber, dropping for any
// client whose outbound buffer is full rather than blocking the publisher.
func (h *EventSubscriberHub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.Ch <- msg:
		default:
		}
	}
}

// SignalChangeCollector accumulates per-user {l, m, r} passband changes
// between activity-summary ticks. Recording is gated on the server's
// otherusers policy by the caller; Drain empties the map for one
// EventsInfo broadcast.
type SignalChangeCollector struct {
	mu      sync.Mutex
	changes map[string][3]float64
}

func NewSignalChangeCollector() *SignalChangeCollector {
	return &SignalChangeCollector{changes: make(map[string][3]float64)}
}

func (c *SignalChangeCollector) Record(userID string, l, m, r float64) {
	c.mu.Lock()
	c.changes[userID] = [3]float64{l, m, r}
	c.mu.Unlock()
}

func (c *SignalChangeCollector) Drain() map[string][3]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.changes) == 0 {
		return nil
	}
	out := c.changes
	c.changes = make(map[string][3]float64)
	return out
}
