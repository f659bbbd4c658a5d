package cluster

import (
    "context"
    "fmt"
    "strings"
    "time"

    "github.com/amirimatin/go-intergov/pkg/consensus"
    "github.com/amirimatin/go-intergov/pkg/gossip"
    "github.com/amirimatin/go-intergov/pkg/gov"
    "github.com/amirimatin/go-intergov/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-intergov/pkg/observability/metrics"
    "github.com/amirimatin/go-intergov/pkg/store"
    "github.com/amirimatin/go-intergov/pkg/transport"
)

func (c *Cluster) leaderLoop(ctx context.Context, ch <-chan consensus.LeaderInfo) {
    for {
        select {
        case <-ctx.Done():
            return
        case li, ok := <-ch:
            if !ok { return }
            obsmetrics.LeaderChanges.Inc()
            logutil.Infof(c.log, "leader change observed: id=%s term=%d", li.ID, li.Term)
            liCopy := li
            c.eb.publish(Event{Type: EventLeaderChanged, Leader: &liCopy})
        }
    }
}

func (c *Cluster) gossipEventsLoop(ctx context.Context) {
    evch := c.opts.Gossip.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-evch:
            if !ok { return }
            n := e.Node
            switch e.Type {
            case gossip.EventJoin, gossip.EventUpdate:
                c.eb.publish(Event{Type: EventPeerJoin, At: e.At, Node: &n})
            case gossip.EventLeave:
                c.eb.publish(Event{Type: EventPeerLeave, At: e.At, Node: &n})
            }
        }
    }
}

// watchLoop refreshes the gauges and reports ack rounds that stay open for
// longer than StuckAfter. Stuck rounds are never resolved automatically.
func (c *Cluster) watchLoop(ctx context.Context) {
    ticker := time.NewTicker(c.opts.WatchInterval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            c.watch(time.Now())
        }
    }
}

func (c *Cluster) stuck(rounds []gov.RoundStatus, now time.Time) []gov.RoundStatus {
    var out []gov.RoundStatus
    for _, rs := range rounds {
        if !rs.Acks.Since.IsZero() && now.Sub(rs.Acks.Since) >= c.opts.StuckAfter { out = append(out, rs) }
    }
    return out
}

func (c *Cluster) watch(now time.Time) {
    if c.cons.IsLeader() {
        obsmetrics.IsLeader.Set(1)
    } else {
        obsmetrics.IsLeader.Set(0)
    }
    var (
        members gov.MembersView
        rounds  []gov.RoundStatus
        pending int
    )
    err := c.sm.View(func(eng *gov.Engine, r store.Reader) (err error) {
        if members, err = eng.Members(r); err != nil { return err }
        if rounds, err = eng.OutstandingAcks(r); err != nil { return err }
        pending, err = eng.PendingTallyQueries(r)
        return err
    })
    if err != nil {
        logutil.Warnf(c.log, "watch: %v", err)
        return
    }
    obsmetrics.GroupMembers.Set(float64(len(members.Members)))
    obsmetrics.PendingTallyQueries.Set(float64(pending))

    owed := 0
    for _, rs := range rounds { owed += len(rs.Acks.Peers) }
    stuck := c.stuck(rounds, now)
    obsmetrics.OutstandingAcks.Set(float64(owed))
    obsmetrics.StuckRounds.Set(float64(len(stuck)))
    for _, rs := range stuck {
        logutil.Warnf(c.log, "ack round %s (%s) stuck: waiting on %v", rs.Key, rs.Acks.Round, rs.Acks.Peers)
        c.eb.publish(Event{Type: EventStuckRound, Action: rs.Key, Attributes: map[string]string{
            "round":   rs.Acks.Round,
            "pending": strings.Join(rs.Acks.Peers, ","),
        }})
    }
}

func (c *Cluster) stuckWarnings(rounds []gov.RoundStatus) []string {
    now := time.Now()
    var out []string
    for _, rs := range c.stuck(rounds, now) {
        out = append(out, fmt.Sprintf("ack round %s open for %s, waiting on %s",
            rs.Key, now.Sub(rs.Acks.Since).Truncate(time.Second), strings.Join(rs.Acks.Peers, ",")))
    }
    return out
}

// pushLoop delivers published tallies to the peers that registered queries
// for them. Failed pushes are retried after PushBackoff.
func (c *Cluster) pushLoop(ctx context.Context) {
    ticker := time.NewTicker(c.opts.PushInterval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if !c.cons.IsLeader() { continue }
            c.pushDue(ctx)
        }
    }
}

func (c *Cluster) pushDue(ctx context.Context) {
    due, err := c.host.Due(c.opts.PushBackoff)
    if err != nil {
        logutil.Warnf(c.log, "query host: %v", err)
        return
    }
    for _, p := range due {
        err := c.push(ctx, p.To, transport.PushResultRequest{From: c.opts.NodeID, QueryID: p.QueryID, Payload: p.Payload})
        obsmetrics.TallyPushes.WithLabelValues(obsmetrics.Result(err)).Inc()
        if err != nil { logutil.Warnf(c.log, "push %s to %s: %v", p.QueryID, p.To, err) }
        if serr := c.host.Settle(p.QueryID, err); serr != nil {
            logutil.Errorf(c.log, "settle %s: %v", p.QueryID, serr)
        }
    }
}

func (c *Cluster) push(ctx context.Context, to gov.PeerID, req transport.PushResultRequest) error {
    ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
    defer cancel()
    addr, err := c.resolve(to)
    if err != nil { return err }
    return c.opts.RPCClient.PushResult(ctx, addr, req)
}
