package cluster

import (
    "context"
    "sync"

    "github.com/amirimatin/go-intergov/pkg/gov"
    "github.com/amirimatin/go-intergov/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-intergov/pkg/observability/metrics"
    "github.com/amirimatin/go-intergov/pkg/observability/tracing"
    "github.com/amirimatin/go-intergov/pkg/transport"
)

// outbox delivers peer messages in commit order, one queue and worker per
// destination. Every message yields exactly one MessageCallback.
type outbox struct {
    c      *Cluster
    mu     sync.Mutex
    queues map[gov.PeerID]chan gov.Outbound
    closed bool
    wg     sync.WaitGroup
}

func newOutbox(c *Cluster) *outbox {
    return &outbox{c: c, queues: make(map[gov.PeerID]chan gov.Outbound)}
}

func (o *outbox) enqueue(m gov.Outbound) {
    o.mu.Lock()
    if o.closed {
        o.mu.Unlock()
        return
    }
    q, ok := o.queues[m.To]
    if !ok {
        q = make(chan gov.Outbound, o.c.opts.OutboxSize)
        o.queues[m.To] = q
        o.wg.Add(1)
        go o.worker(q)
    }
    defer o.mu.Unlock()
    select {
    case q <- m:
    default:
        // a full queue fails the message rather than blocking the caller
        logutil.Warnf(o.c.log, "outbox to %s full; failing %s", m.To, m.Msg.Kind())
        go o.c.submitAsync(gov.MessageCallback{Callback: m.Callback, Err: "outbox full"})
    }
}

func (o *outbox) worker(q chan gov.Outbound) {
    defer o.wg.Done()
    for m := range q {
        if o.c.stopped() { continue }
        cb := gov.MessageCallback{Callback: m.Callback}
        if err := o.send(m); err != nil { cb.Err = err.Error() }
        o.c.submitAsync(cb)
    }
}

func (o *outbox) send(m gov.Outbound) error {
    c := o.c
    ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
    defer cancel()
    ctx, end := tracing.StartSpan(ctx, "cluster.deliver", "peer", string(m.To), "kind", string(m.Msg.Kind()))
    defer end()
    err := func() error {
        env, err := gov.Seal(c.opts.Module, c.opts.NodeID, m.Msg)
        if err != nil { return err }
        addr, err := c.resolve(m.To)
        if err != nil { return err }
        return c.opts.RPCClient.Deliver(ctx, addr, transport.DeliverRequest{Envelope: env})
    }()
    obsmetrics.PeerMessages.WithLabelValues(string(m.Msg.Kind()), "out", obsmetrics.Result(err)).Inc()
    if err != nil {
        tracing.RecordError(ctx, err)
        logutil.Warnf(c.log, "deliver %s to %s: %v", m.Msg.Kind(), m.To, err)
    }
    return err
}

// close stops accepting messages and waits for the workers to exit. Queued
// messages are dropped once the node is stopped.
func (o *outbox) close() {
    o.mu.Lock()
    if o.closed {
        o.mu.Unlock()
        return
    }
    o.closed = true
    for _, q := range o.queues { close(q) }
    o.mu.Unlock()
    o.wg.Wait()
}
