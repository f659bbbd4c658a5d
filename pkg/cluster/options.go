package cluster

import (
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-intergov/pkg/consensus"
    "github.com/amirimatin/go-intergov/pkg/discovery"
    "github.com/amirimatin/go-intergov/pkg/gossip"
    "github.com/amirimatin/go-intergov/pkg/gov"
    "github.com/amirimatin/go-intergov/pkg/store"
    "github.com/amirimatin/go-intergov/pkg/transport"
)

// ConsensusFactory builds the consensus engine that drives sm. It receives
// the node's state machine so replicas of the same peer apply identical logs.
type ConsensusFactory func(sm consensus.StateMachine) (consensus.Consensus, error)

// Options carries dependency-injected components and runtime configuration
// used to assemble a node. Instances are typically produced from
// bootstrap.Config.
type Options struct {
    // NodeID is the peer identity of this node within the governance group.
    // Replicas of one peer share it.
    NodeID gov.PeerID
    // Module is the engine identity peers must present on envelopes.
    Module string
    // AllowJoin lists peers whose group invitations are accepted.
    AllowJoin []gov.PeerID

    // Store holds the engine state.
    Store store.Store
    // QueryStore holds the local query host's registrations and tallies.
    // When nil the query host is disabled. It is not replicated: with a
    // multi-replica Consensus, registrations live only on the replica that
    // accepted them and are not pushed after a leader change.
    QueryStore store.Store

    // Consensus builds the write path. Nil selects a single-replica
    // in-process applier.
    Consensus ConsensusFactory

    // Directory resolves peer ids to RPC addresses. Required.
    Directory discovery.Directory
    // Gossip is optional; when set it is started and joined to Seeds.
    Gossip gossip.Gossip
    Seeds  discovery.Discovery

    RPCServer transport.RPCServer
    RPCClient transport.RPCClient

    Clock  gov.Clock
    Logger *log.Logger

    // CallTimeout bounds each outbound peer call. Default 5s.
    CallTimeout time.Duration
    // ApplyTimeout bounds each consensus apply. Default 5s.
    ApplyTimeout time.Duration
    // OutboxSize is the per-peer queue depth. Default 256.
    OutboxSize int

    // WatchInterval is the period of the ack and gauge watcher. Default 2s.
    WatchInterval time.Duration
    // StuckAfter marks an ack round as stuck once it has been open this
    // long. Default 1m.
    StuckAfter time.Duration

    // PushInterval is the period of the query host push loop. Default 1s.
    PushInterval time.Duration
    // PushBackoff is the minimum time between push attempts of one query.
    // Default 5s.
    PushBackoff time.Duration
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.NodeID == "" { return errors.New("cluster: empty NodeID") }
    if o.Module == "" { return errors.New("cluster: empty Module") }
    if o.Store == nil { return errors.New("cluster: nil Store") }
    if o.Directory == nil { return errors.New("cluster: nil Directory") }
    if o.RPCClient == nil { return errors.New("cluster: nil RPCClient") }
    if o.Logger == nil { return errors.New("cluster: nil Logger") }
    if o.Gossip != nil && o.Seeds == nil { return errors.New("cluster: Gossip requires Seeds") }
    return nil
}

func (o *Options) defaults() {
    if o.Clock == nil { o.Clock = gov.SystemClock{BlockTime: time.Second} }
    if o.CallTimeout <= 0 { o.CallTimeout = 5 * time.Second }
    if o.ApplyTimeout <= 0 { o.ApplyTimeout = 5 * time.Second }
    if o.OutboxSize <= 0 { o.OutboxSize = 256 }
    if o.WatchInterval <= 0 { o.WatchInterval = 2 * time.Second }
    if o.StuckAfter <= 0 { o.StuckAfter = time.Minute }
    if o.PushInterval <= 0 { o.PushInterval = time.Second }
    if o.PushBackoff <= 0 { o.PushBackoff = 5 * time.Second }
}
