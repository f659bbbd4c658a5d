// Package cluster runs one governance peer: it drives the engine through a
// consensus write path, carries out the effects of every committed
// transition over the peer transport and serves the peer protocol, the local
// API and replica set management.
package cluster

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "sync"

    "github.com/amirimatin/go-intergov/pkg/consensus"
    "github.com/amirimatin/go-intergov/pkg/consensus/local"
    "github.com/amirimatin/go-intergov/pkg/discovery"
    "github.com/amirimatin/go-intergov/pkg/gov"
    "github.com/amirimatin/go-intergov/pkg/icq"
    "github.com/amirimatin/go-intergov/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-intergov/pkg/observability/metrics"
    "github.com/amirimatin/go-intergov/pkg/observability/tracing"
    "github.com/amirimatin/go-intergov/pkg/store"
    "github.com/amirimatin/go-intergov/pkg/transport"
)

// Cluster is one running peer.
type Cluster struct {
    opts Options
    log  *log.Logger
    mu   sync.RWMutex
    run  struct {
        started bool
        closed  bool
        cancel  context.CancelFunc
    }
    eng  *gov.Engine
    sm   *Machine
    cons consensus.Consensus
    host *icq.Host
    ob   *outbox
    eb   eventBus
    wg   sync.WaitGroup
}

// New constructs a Cluster from validated options. It performs no network
// activity; call Start to launch the node.
func New(opts Options) (*Cluster, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts.defaults()
    eng, err := gov.New(gov.Config{Module: opts.Module, AllowJoin: opts.AllowJoin})
    if err != nil { return nil, err }
    sm, err := NewMachine(opts.NodeID, eng, opts.Store)
    if err != nil { return nil, err }
    var cons consensus.Consensus
    if opts.Consensus != nil {
        cons, err = opts.Consensus(sm)
    } else {
        cons, err = local.New(string(opts.NodeID), sm)
    }
    if err != nil { return nil, err }
    c := &Cluster{opts: opts, log: opts.Logger, eng: eng, sm: sm, cons: cons}
    if opts.QueryStore != nil { c.host = icq.NewHost(opts.NodeID, opts.QueryStore) }
    c.ob = newOutbox(c)
    return c, nil
}

// Start launches consensus, gossip and the RPC server, then the background
// loops.
func (c *Cluster) Start(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.started { return nil }
    if c.run.closed { return ErrStopped }
    c.run.started = true
    obsmetrics.Register()

    ctx, cancel := context.WithCancel(ctx)
    c.run.cancel = cancel
    if err := c.cons.Start(ctx); err != nil { cancel(); return err }
    if g := c.opts.Gossip; g != nil {
        if err := g.Start(ctx); err != nil { cancel(); return err }
        if seeds := c.opts.Seeds.Seeds(); len(seeds) > 0 {
            logutil.Infof(c.log, "joining gossip seeds: %v", seeds)
            if err := g.Join(seeds); err != nil { logutil.Warnf(c.log, "gossip join: %v", err) }
        }
        c.goLoop(func() { c.gossipEventsLoop(ctx) })
    }
    if ln, ok := c.cons.(consensus.LeaderNotifier); ok {
        c.goLoop(func() { c.leaderLoop(ctx, ln.LeaderCh()) })
    }
    c.goLoop(func() { c.watchLoop(ctx) })
    if c.host != nil { c.goLoop(func() { c.pushLoop(ctx) }) }

    if s := c.opts.RPCServer; s != nil {
        if err := s.Start(ctx, c.handlers()); err != nil { cancel(); return err }
        logutil.Infof(c.log, "peer endpoint listening at %s (peer/local/status/metrics)", s.Addr())
    }
    logutil.Infof(c.log, "node %s started (module %s)", c.opts.NodeID, c.opts.Module)
    return nil
}

func (c *Cluster) goLoop(fn func()) {
    c.wg.Add(1)
    go func() {
        defer c.wg.Done()
        fn()
    }()
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error { return c.Stop(context.Background()) }

// Stop shuts down the RPC server, the loops, gossip and consensus. Stores
// are owned by the caller and stay open.
func (c *Cluster) Stop(ctx context.Context) error {
    c.mu.Lock()
    if c.run.closed { c.mu.Unlock(); return nil }
    c.run.closed = true
    cancel := c.run.cancel
    c.mu.Unlock()

    if s := c.opts.RPCServer; s != nil { _ = s.Stop(ctx) }
    if cancel != nil { cancel() }
    c.ob.close()
    c.wg.Wait()
    if g := c.opts.Gossip; g != nil {
        _ = g.Leave()
        _ = g.Stop()
    }
    return c.cons.Stop()
}

func (c *Cluster) stopped() bool {
    c.mu.RLock()
    defer c.mu.RUnlock()
    return c.run.closed
}

// Self is the peer identity of this node.
func (c *Cluster) Self() gov.PeerID { return c.opts.NodeID }

func (c *Cluster) IsLeader() bool { return c.cons.IsLeader() }

// Submit commits ev through consensus and carries out the effects of the
// resulting transition. Only the leader of a replica set accepts events.
func (c *Cluster) Submit(ctx context.Context, ev gov.Event) (*gov.Response, error) {
    ctx, end := tracing.StartSpan(ctx, "cluster.submit", "event", string(ev.EventKind()))
    defer end()
    if c.stopped() { return nil, ErrStopped }
    if !c.cons.IsLeader() { return nil, ErrNotLeader }
    payload, err := gov.EncodeEvent(ev, c.opts.Clock.Now())
    if err != nil { return nil, err }
    v, err := c.cons.Apply(consensus.Command{Op: OpEvent, Payload: payload}, c.opts.ApplyTimeout)
    if err != nil {
        tracing.RecordError(ctx, err)
        c.eb.publish(Event{Type: EventRejected, Action: string(ev.EventKind()), Err: err.Error()})
        return nil, err
    }
    resp, ok := v.(*gov.Response)
    if !ok || resp == nil { return nil, fmt.Errorf("cluster: unexpected apply result %T", v) }
    c.eb.publish(Event{Type: EventTransition, Action: resp.Action, Attributes: resp.Attributes})
    c.dispatch(resp)
    return resp, nil
}

// submitAsync feeds the outcome of an effect back into the engine. Failures
// are logged; they usually mean the round already moved on.
func (c *Cluster) submitAsync(ev gov.Event) {
    if c.stopped() { return }
    ctx, cancel := context.WithTimeout(context.Background(), c.opts.ApplyTimeout)
    defer cancel()
    if _, err := c.Submit(ctx, ev); err != nil && !errors.Is(err, ErrStopped) {
        logutil.Warnf(c.log, "%s rejected: %v", ev.EventKind(), err)
    }
}

// dispatch carries out the effects of a committed transition. Messages keep
// their per-peer order; queries and registrations run concurrently.
func (c *Cluster) dispatch(resp *gov.Response) {
    for _, m := range resp.Messages { c.ob.enqueue(m) }
    for _, q := range resp.VoteQueries {
        go func(q gov.VoteQuery) { c.submitAsync(c.queryVote(q)) }(q)
    }
    for _, reg := range resp.Registrations {
        go func(reg gov.TallyRegistration) { c.submitAsync(c.registerTally(reg)) }(reg)
    }
}

func (c *Cluster) resolve(p gov.PeerID) (string, error) {
    return discovery.Lookup(c.opts.Directory, p)
}

func (c *Cluster) queryVote(q gov.VoteQuery) gov.Event {
    res := gov.VoteQueryResult{ProposalID: q.ProposalID, Peer: q.To}
    ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
    defer cancel()
    ctx, end := tracing.StartSpan(ctx, "cluster.queryVote", "peer", string(q.To))
    defer end()
    addr, err := c.resolve(q.To)
    if err == nil {
        var vr *gov.VoteResponse
        vr, err = c.opts.RPCClient.GetVote(ctx, addr, transport.GetVoteRequest{ProposalID: q.ProposalID, Requester: c.opts.NodeID})
        res.Response = vr
    }
    obsmetrics.PeerMessages.WithLabelValues("get_vote", "out", obsmetrics.Result(err)).Inc()
    res.Err = transport.ErrString(err)
    return res
}

func (c *Cluster) registerTally(reg gov.TallyRegistration) gov.Event {
    res := gov.TallyRegistered{ReplyID: reg.ReplyID}
    ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
    defer cancel()
    ctx, end := tracing.StartSpan(ctx, "cluster.registerTally", "peer", string(reg.To))
    defer end()
    addr, err := c.resolve(reg.To)
    if err == nil {
        res.QueryID, err = c.opts.RPCClient.RegisterTally(ctx, addr, transport.RegisterTallyRequest{Spec: reg.Spec})
    }
    obsmetrics.PeerMessages.WithLabelValues("register_tally", "out", obsmetrics.Result(err)).Inc()
    res.Err = transport.ErrString(err)
    return res
}

// Term returns the consensus term of this node's replica set.
func (c *Cluster) Term() uint64 { return c.cons.Term() }

// Status returns a snapshot of the node.
func (c *Cluster) Status(ctx context.Context) (*Status, error) {
    _, end := tracing.StartSpan(ctx, "cluster.status")
    defer end()
    s := &Status{Self: string(c.opts.NodeID), Module: c.opts.Module, Term: c.cons.Term(), IsLeader: c.cons.IsLeader()}
    if id, _, ok := c.cons.Leader(); ok {
        s.LeaderID = id
        s.Healthy = true
    }
    if c.opts.RPCServer != nil { s.Addr = c.opts.RPCServer.Addr() }
    err := c.sm.View(func(eng *gov.Engine, r store.Reader) (err error) {
        if s.Members, err = eng.Members(r); err != nil { return err }
        props, err := eng.ProposalStates(r)
        if err != nil { return err }
        s.Proposals = len(props)
        if s.OutstandingAcks, err = eng.OutstandingAcks(r); err != nil { return err }
        s.PendingTallyQueries, err = eng.PendingTallyQueries(r)
        return err
    })
    if err != nil {
        s.Healthy = false
        s.Warnings = append(s.Warnings, "engine state unreadable: "+err.Error())
    }
    if g := c.opts.Gossip; g != nil { s.Nodes = g.Nodes() }
    s.Warnings = append(s.Warnings, c.stuckWarnings(s.OutstandingAcks)...)
    if w := c.queryHostWarning(); w != "" { s.Warnings = append(s.Warnings, w) }
    return s, nil
}

// queryHostWarning flags a query host whose registrations are local to this
// replica while the engine state is replicated.
func (c *Cluster) queryHostWarning() string {
    if c.host == nil || c.opts.Consensus == nil { return "" }
    return "tally query registrations are held by this replica only; a new leader will not push them"
}

func (c *Cluster) statusJSON(ctx context.Context) ([]byte, error) {
    st, err := c.Status(ctx)
    if err != nil { return nil, err }
    return json.Marshal(st)
}
