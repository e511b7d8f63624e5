package supervisor

import (
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

// EventType labels the supervisor's state transitions.
type EventType int

const (
	// EventPeerConnected fires when a peer first reaches Connected, or
	// returns there after Suspect or Dead.
	EventPeerConnected EventType = iota + 1
	// EventTransportSwitch fires when the active transport changes while
	// the peer stays reachable.
	EventTransportSwitch
	// EventPeerSuspect fires when the last healthy transport fails.
	EventPeerSuspect
	// EventPeerDead fires after the suspect hold expires with no recovery.
	EventPeerDead
	// EventPeerReconnecting fires when a probe round finds nothing and the
	// peer enters backoff.
	EventPeerReconnecting
)

func (t EventType) String() string {
	switch t {
	case EventPeerConnected:
		return "peer_connected"
	case EventTransportSwitch:
		return "transport_switch"
	case EventPeerSuspect:
		return "peer_suspect"
	case EventPeerDead:
		return "peer_dead"
	case EventPeerReconnecting:
		return "peer_reconnecting"
	default:
		return "unknown"
	}
}

// Event is one supervisor transition. Old and New are only meaningful for
// EventTransportSwitch.
type Event struct {
	Type EventType            `json:"type"`
	Peer common.NodeID        `json:"peer"`
	Old  common.TransportKind `json:"old,omitempty"`
	New  common.TransportKind `json:"new,omitempty"`
	At   time.Time            `json:"at"`
}

// bus fans events out to subscribers. Slow subscribers lose events rather
// than stall the supervisor; the channels are buffered for normal bursts.
type bus struct {
	mu   sync.Mutex
	subs []chan Event
}

func newBus() *bus {
	return &bus{}
}

func (b *bus) subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
