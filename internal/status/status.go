// Package status carries connection state transitions from the pairing and
// connection layers to whoever started the attempt.
package status

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FailureMessage is the user-facing text shown when a connection fails.
const FailureMessage = "Failed to connect. Please quit both apps and try again."

// State represents the connection state.
type State uint8

const (
	// StateIdle indicates nothing has been attempted yet.
	StateIdle State = iota

	// StateDiscovering indicates a discovery scan is running.
	StateDiscovering

	// StatePairing indicates bonding with a discovered device.
	StatePairing

	// StateConnecting indicates a dial or accept is in progress.
	StateConnecting

	// StateConnected indicates an active stream.
	StateConnected

	// StateReconnecting indicates the stream failed and is being re-established.
	StateReconnecting

	// StateFailed indicates a terminal failure of the attempt.
	StateFailed

	// StateDisconnected indicates the session was cancelled.
	StateDisconnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDiscovering:
		return "DISCOVERING"
	case StatePairing:
		return "PAIRING"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Kind classifies an Event.
type Kind uint8

const (
	KindStateChanged Kind = iota
	KindConnected
	KindDisconnected
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindStateChanged:
		return "state"
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one status report.
type Event struct {
	Kind  Kind
	State State
	Time  time.Time

	// Set on KindConnected.
	DeviceName    string
	DeviceAddress string

	// Set on KindDisconnected and KindFailed.
	Reason string
	Err    error
}

// Connected builds a connected(deviceName, deviceAddress) event.
func Connected(name, address string) Event {
	return Event{Kind: KindConnected, State: StateConnected, DeviceName: name, DeviceAddress: address}
}

// Disconnected builds a disconnected(reason) event.
func Disconnected(reason string, err error) Event {
	return Event{Kind: KindDisconnected, State: StateReconnecting, Reason: reason, Err: err}
}

// Failed builds a terminal failure event.
func Failed(reason string, err error) Event {
	return Event{Kind: KindFailed, State: StateFailed, Reason: reason, Err: err}
}

// Changed builds a state transition event.
func Changed(s State) Event {
	return Event{Kind: KindStateChanged, State: s}
}

// Notifier fans events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
// A nil *Notifier discards everything: its subscribers get a closed channel.
type Notifier struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
	log    zerolog.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(logger zerolog.Logger) *Notifier {
	return &Notifier{
		subs: make(map[int]chan Event),
		log:  logger.With().Str("component", "status").Logger(),
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// func unsubscribes and closes the channel; it is safe to call more than once.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	if n == nil {
		close(ch)
		return ch, func() {}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	id := n.next
	n.next++
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if c, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every subscriber.
func (n *Notifier) Publish(e Event) {
	if n == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for id, ch := range n.subs {
		select {
		case ch <- e:
		default:
			n.log.Warn().Int("subscriber", id).Stringer("kind", e.Kind).Msg("subscriber full, event dropped")
		}
	}
}

// Close closes every subscriber channel. Later publishes are discarded.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
