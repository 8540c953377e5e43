// Package events provides a publish/subscribe event bus for connectivity
// and command activity. Events flow from components (wifi manager, MQTT
// client, command dispatcher, portal) to subscribers (the serve loop,
// the portal's live status stream, tests). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
//
// The bus replaces the single-slot connectivity callback of earlier
// firmware revisions: any number of parties can subscribe without
// overwriting each other, and the old behavior is simply the
// one-subscriber case. Components always publish after releasing their
// own locks, so a subscriber that calls back into the publishing
// component cannot deadlock.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceWiFi identifies events from the connectivity state machine.
	SourceWiFi = "wifi"
	// SourceMQTT identifies events from the MQTT transport.
	SourceMQTT = "mqtt"
	// SourceCommand identifies events from the command dispatcher.
	SourceCommand = "command"
	// SourcePortal identifies events from the provisioning portal.
	SourcePortal = "portal"
	// SourceLifecycle identifies events from restart/reset handling.
	SourceLifecycle = "lifecycle"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnecting signals the station radio began associating.
	// Data: ssid, attempt.
	KindConnecting = "connecting"
	// KindConnected signals station association completed (address
	// acquisition is reported separately by KindGotIP).
	KindConnected = "connected"
	// KindGotIP signals an address was acquired. Data: ip, gateway,
	// netmask.
	KindGotIP = "got_ip"
	// KindDisconnected signals the station lost its association.
	// Data: retries, will_retry.
	KindDisconnected = "disconnected"
	// KindProvisioningStarted signals the setup access point is up.
	// Data: ap_ssid, ap_ip.
	KindProvisioningStarted = "provisioning_started"
	// KindProvisioningFailed signals provisioning could not start.
	// Data: error.
	KindProvisioningFailed = "provisioning_failed"
	// KindProvisioningSuccess signals an operator submitted credentials.
	// Data: ssid.
	KindProvisioningSuccess = "provisioning_success"

	// KindTransportUp signals the MQTT broker connection is established.
	// Data: broker.
	KindTransportUp = "transport_up"
	// KindTransportDown signals the MQTT broker connection was lost.
	// Data: error.
	KindTransportDown = "transport_down"

	// KindCommandHandled signals a command finished dispatch.
	// Data: cmd_id, command, status.
	KindCommandHandled = "command_handled"

	// KindReinitRequested signals a controlled restart was scheduled.
	// Data: reason, delay_ms.
	KindReinitRequested = "reinit_requested"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// NewBus creates a new event bus ready for use.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op). A zero Timestamp
// is filled in with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// long-lived consumers like the serve loop.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
