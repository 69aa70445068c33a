// Package feed implements the state-change fan-out broker. Store and
// connection lifecycle events are published here; external consumers
// (websocket relays, status displays) subscribe and receive events in
// the order the state changes occurred.
//
// Concurrency model: a single internal loop goroutine owns the
// subscriber set. Public methods communicate with the loop through
// channels, so no mutexes guard subscriber state.
package feed

import (
	"sync/atomic"
	"time"
)

// Event types published by the core.
const (
	TypeNodeUpdated        = "node-updated"
	TypeChannelUpdated     = "channel-updated"
	TypeMessageReceived    = "message-received"
	TypeMessageAcked       = "message-acknowledged"
	TypeConnectionStatus   = "connection-status-changed"
	TypeReconnectScheduled = "reconnect-scheduled"
)

// Event is one state-change notification.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Feed broadcasts events to any number of subscribers. A subscriber
// that cannot keep up has events skipped rather than stalling the loop.
type Feed struct {
	subscribeCh   chan chan Event
	unsubscribeCh chan chan Event
	publishCh     chan Event
	countCh       chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

func New() *Feed {
	f := &Feed{
		subscribeCh:   make(chan chan Event),
		unsubscribeCh: make(chan chan Event),
		publishCh:     make(chan Event, 256),
		countCh:       make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *Feed) run() {
	defer close(f.stopped)

	subs := make(map[chan Event]struct{})
	for {
		select {
		case <-f.stopCh:
			for ch := range subs {
				close(ch)
			}
			return

		case ch := <-f.subscribeCh:
			subs[ch] = struct{}{}

		case ch := <-f.unsubscribeCh:
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}

		case ev := <-f.publishCh:
			for ch := range subs {
				select {
				case ch <- ev:
				default:
					// Subscriber buffer full; skip to avoid blocking the loop.
				}
			}

		case resp := <-f.countCh:
			resp <- len(subs)
		}
	}
}

// Close stops the loop and closes all subscriber channels.
func (f *Feed) Close() {
	if f.closed.CompareAndSwap(false, true) {
		close(f.stopCh)
	}
	<-f.stopped
}

// Subscribe registers a new consumer and returns its event channel. The
// channel is closed on Unsubscribe or Close.
func (f *Feed) Subscribe() chan Event {
	ch := make(chan Event, 64)
	if f.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case f.subscribeCh <- ch:
	case <-f.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a consumer and closes its channel.
func (f *Feed) Unsubscribe(ch chan Event) {
	if f.closed.Load() {
		return
	}
	select {
	case f.unsubscribeCh <- ch:
	case <-f.stopped:
	}
}

// Publish delivers ev to every subscriber. Events published from a
// single goroutine are delivered in publish order.
func (f *Feed) Publish(eventType string, data any) {
	if f.closed.Load() {
		return
	}
	ev := Event{Type: eventType, At: time.Now(), Data: data}
	select {
	case f.publishCh <- ev:
	case <-f.stopped:
	}
}

// SubscriberCount reports the number of attached consumers.
func (f *Feed) SubscriberCount() int {
	if f.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case f.countCh <- resp:
	case <-f.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-f.stopped:
		return 0
	}
}
