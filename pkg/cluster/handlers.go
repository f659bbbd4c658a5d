package cluster

import (
    "context"
    "errors"
    "time"

    "github.com/amirimatin/go-intergov/pkg/consensus"
    "github.com/amirimatin/go-intergov/pkg/gov"
    "github.com/amirimatin/go-intergov/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-intergov/pkg/observability/metrics"
    "github.com/amirimatin/go-intergov/pkg/observability/tracing"
    "github.com/amirimatin/go-intergov/pkg/store"
    "github.com/amirimatin/go-intergov/pkg/transport"
)

func (c *Cluster) handlers() transport.Handlers {
    return transport.Handlers{
        Status:        c.statusJSON,
        Deliver:       c.handleDeliver,
        GetVote:       c.handleGetVote,
        RegisterTally: c.handleRegisterTally,
        PushResult:    c.handlePushResult,
        Local:         c.handleLocal,
        Join:          c.handleJoin,
        Leave:         c.handleLeave,
    }
}

// Handlers exposes the server callbacks, for embedding the node behind a
// custom server.
func (c *Cluster) Handlers() transport.Handlers { return c.handlers() }

func (c *Cluster) handleDeliver(ctx context.Context, req transport.DeliverRequest) (transport.DeliverResponse, error) {
    _, err := c.Submit(ctx, gov.InboundMessage{Envelope: req.Envelope})
    obsmetrics.PeerMessages.WithLabelValues(string(req.Envelope.Kind), "in", obsmetrics.Result(err)).Inc()
    if err != nil { logutil.Warnf(c.log, "rejected %s from %s: %v", req.Envelope.Kind, req.Envelope.From, err) }
    return transport.DeliverResponse{Error: transport.ErrString(err)}, nil
}

func (c *Cluster) handleGetVote(ctx context.Context, req transport.GetVoteRequest) (transport.GetVoteResponse, error) {
    vr, err := c.QueryVote(req.ProposalID)
    obsmetrics.PeerMessages.WithLabelValues("get_vote", "in", obsmetrics.Result(err)).Inc()
    if err != nil { return transport.GetVoteResponse{Error: err.Error()}, nil }
    return transport.GetVoteResponse{Vote: &vr}, nil
}

func (c *Cluster) handleRegisterTally(ctx context.Context, req transport.RegisterTallyRequest) (transport.RegisterTallyResponse, error) {
    if c.host == nil { return transport.RegisterTallyResponse{Error: ErrNoQueryHost.Error()}, nil }
    id, err := c.host.Register(req.Spec)
    obsmetrics.PeerMessages.WithLabelValues("register_tally", "in", obsmetrics.Result(err)).Inc()
    if err != nil { return transport.RegisterTallyResponse{Error: err.Error()}, nil }
    logutil.Infof(c.log, "registered tally query %s for %s (native proposal %d)", id, req.Spec.Requester, req.Spec.NativeProposalID)
    return transport.RegisterTallyResponse{QueryID: id}, nil
}

func (c *Cluster) handlePushResult(ctx context.Context, req transport.PushResultRequest) (transport.PushResultResponse, error) {
    _, err := c.Submit(ctx, gov.TallyPushed{From: req.From, QueryID: req.QueryID, Payload: req.Payload})
    obsmetrics.PeerMessages.WithLabelValues("push_result", "in", obsmetrics.Result(err)).Inc()
    return transport.PushResultResponse{Error: transport.ErrString(err)}, nil
}

// QueryVote answers a peer's read of this node's vote on id.
func (c *Cluster) QueryVote(id gov.ProposalID) (vr gov.VoteResponse, err error) {
    err = c.sm.View(func(eng *gov.Engine, r store.Reader) error {
        vr, err = eng.QueryVote(r, c.opts.NodeID, id)
        return err
    })
    return vr, err
}

// JoinReplicaSet asks the leader of this peer's replica set, reachable at
// addr, to add this replica as a voter.
func (c *Cluster) JoinReplicaSet(ctx context.Context, addr string) error {
    a, ok := c.cons.(interface{ Addr() string })
    if !ok { return ErrNotReplicated }
    resp, err := c.opts.RPCClient.Join(ctx, addr, transport.JoinRequest{ID: c.replicaID(), RaftAddr: a.Addr()})
    if err != nil { return err }
    if !resp.Accepted {
        if resp.Error != "" { return transport.RemoteError(resp.Error) }
        return errors.New("cluster: join rejected")
    }
    return nil
}

// LeaveReplicaSet asks the leader at addr to remove this replica.
func (c *Cluster) LeaveReplicaSet(ctx context.Context, addr string) error {
    if _, ok := c.cons.(consensus.Reconfigurer); !ok { return ErrNotReplicated }
    resp, err := c.opts.RPCClient.Leave(ctx, addr, transport.LeaveRequest{ID: c.replicaID()})
    if err != nil { return err }
    if !resp.Accepted {
        if resp.Error != "" { return transport.RemoteError(resp.Error) }
        return errors.New("cluster: leave rejected")
    }
    return nil
}

func (c *Cluster) replicaID() string {
    if r, ok := c.cons.(interface{ ID() string }); ok { return r.ID() }
    return string(c.opts.NodeID)
}

func (c *Cluster) handleJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    _, end := tracing.StartSpan(ctx, "cluster.handleJoin", "replica", req.ID)
    defer end()
    rc, ok := c.cons.(consensus.Reconfigurer)
    if !ok {
        obsmetrics.ReplicaJoins.WithLabelValues("rejected").Inc()
        return transport.JoinResponse{Error: ErrNotReplicated.Error()}, nil
    }
    if !c.cons.IsLeader() {
        leader, _, _ := c.cons.Leader()
        obsmetrics.ReplicaJoins.WithLabelValues("rejected").Inc()
        logutil.Warnf(c.log, "join rejected (not leader): id=%s", req.ID)
        return transport.JoinResponse{Leader: leader, Error: ErrNotLeader.Error()}, nil
    }
    if err := rc.AddVoter(req.ID, req.RaftAddr, 3*time.Second); err != nil {
        obsmetrics.ReplicaJoins.WithLabelValues("error").Inc()
        logutil.Errorf(c.log, "add voter failed: id=%s addr=%s err=%v", req.ID, req.RaftAddr, err)
        return transport.JoinResponse{Error: err.Error()}, nil
    }
    obsmetrics.ReplicaJoins.WithLabelValues("accepted").Inc()
    logutil.Infof(c.log, "join accepted: id=%s addr=%s", req.ID, req.RaftAddr)
    return transport.JoinResponse{Accepted: true}, nil
}

func (c *Cluster) handleLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    _, end := tracing.StartSpan(ctx, "cluster.handleLeave", "replica", req.ID)
    defer end()
    rc, ok := c.cons.(consensus.Reconfigurer)
    if !ok { return transport.LeaveResponse{Error: ErrNotReplicated.Error()}, nil }
    if !c.cons.IsLeader() {
        logutil.Warnf(c.log, "leave rejected (not leader): id=%s", req.ID)
        return transport.LeaveResponse{Error: ErrNotLeader.Error()}, nil
    }
    if err := rc.RemoveServer(req.ID, 3*time.Second); err != nil {
        logutil.Warnf(c.log, "remove voter failed: id=%s err=%v", req.ID, err)
        return transport.LeaveResponse{Error: err.Error()}, nil
    }
    logutil.Infof(c.log, "leave accepted: id=%s", req.ID)
    return transport.LeaveResponse{Accepted: true}, nil
}
