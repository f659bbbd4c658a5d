package cluster

import (
    "context"
    "sync"
    "time"

    "github.com/google/uuid"

    "github.com/amirimatin/go-intergov/pkg/consensus"
    "github.com/amirimatin/go-intergov/pkg/gossip"
)

type EventType string

const (
    EventTransition    EventType = "transition"
    EventRejected      EventType = "rejected"
    EventLeaderChanged EventType = "leader_changed"
    EventPeerJoin      EventType = "peer_join"
    EventPeerLeave     EventType = "peer_leave"
    EventStuckRound    EventType = "stuck_round"
)

// Event is an application-consumable notification. Only relevant fields for
// an event type are populated.
type Event struct {
    ID         string
    Type       EventType
    At         time.Time
    Action     string
    Attributes map[string]string
    Err        string
    Leader     *consensus.LeaderInfo
    Node       *gossip.NodeInfo
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery) to avoid back-pressuring internals.
func (c *Cluster) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    c.eb.add(ch)
    go func() {
        <-ctx.Done()
        c.eb.remove(ch)
        close(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if e.subs != nil { delete(e.subs, ch) }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    ev.ID = uuid.NewString()
    if ev.At.IsZero() { ev.At = time.Now() }
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
            // drop if receiver is slow
        }
    }
    e.mu.Unlock()
}
