// Package gossip spreads peer endpoints between running nodes. Each node
// advertises its RPC address in its gossip metadata so peers can be reached
// by id without a static directory.
package gossip

import (
    "context"
    "time"

    "github.com/amirimatin/go-intergov/pkg/gov"
)

// MetaRPC is the metadata key holding a node's RPC address.
const MetaRPC = "rpc"

// NodeInfo describes a node as observed by the gossip layer.
type NodeInfo struct {
    ID   gov.PeerID
    Addr string
    Meta map[string]string
}

// RPC returns the advertised RPC address of n, if any.
func (n NodeInfo) RPC() string { return n.Meta[MetaRPC] }

type EventType string

const (
    EventJoin   EventType = "join"
    EventLeave  EventType = "leave"
    EventUpdate EventType = "update"
)

type Event struct {
    Type EventType
    Node NodeInfo
    At   time.Time
}

// Gossip is the abstraction over the underlying gossip/failure-detection
// layer.
type Gossip interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() NodeInfo
    Nodes() []NodeInfo
    Events() <-chan Event
    Leave() error
    Stop() error
}

// HealthReporter is optionally implemented by a Gossip. Higher scores mean
// degraded health; -1 means not started.
type HealthReporter interface {
    HealthScore() int
}

// Directory resolves peer ids to the RPC addresses nodes advertise.
type Directory struct{ G Gossip }

func (d Directory) Resolve(p gov.PeerID) (string, bool) {
    if d.G == nil { return "", false }
    for _, n := range d.G.Nodes() {
        if n.ID == p {
            addr := n.RPC()
            return addr, addr != ""
        }
    }
    return "", false
}
