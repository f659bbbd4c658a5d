package cluster

import (
    "context"
    "encoding/json"
    "errors"
    "io"
    "log"
    "sync"
    "testing"
    "time"

    "github.com/holiman/uint256"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-intergov/pkg/consensus"
    "github.com/amirimatin/go-intergov/pkg/consensus/local"
    "github.com/amirimatin/go-intergov/pkg/discovery"
    "github.com/amirimatin/go-intergov/pkg/gov"
    "github.com/amirimatin/go-intergov/pkg/icq"
    "github.com/amirimatin/go-intergov/pkg/store"
    "github.com/amirimatin/go-intergov/pkg/syncstate"
    "github.com/amirimatin/go-intergov/pkg/transport"
)

const testModule = "intergov"

// testClock hands out a settable block.
type testClock struct {
    mu sync.Mutex
    b  gov.Block
}

func (c *testClock) Now() gov.Block {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.b
}

func (c *testClock) setHeight(h uint64) {
    c.mu.Lock()
    c.b.Height = h
    c.mu.Unlock()
}

// memNet routes RPCs straight into the handlers of in-process nodes.
type memNet struct {
    mu    sync.RWMutex
    nodes map[string]*Cluster
    down  map[string]bool
}

func (n *memNet) node(addr string) (transport.Handlers, error) {
    n.mu.RLock()
    defer n.mu.RUnlock()
    c, ok := n.nodes[addr]
    if !ok || n.down[addr] { return transport.Handlers{}, errors.New("connection refused") }
    return c.Handlers(), nil
}

func (n *memNet) setDown(addr string, down bool) {
    n.mu.Lock()
    n.down[addr] = down
    n.mu.Unlock()
}

func (n *memNet) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    h, err := n.node(addr)
    if err != nil { return nil, err }
    return h.Status(ctx)
}

func (n *memNet) Deliver(ctx context.Context, addr string, req transport.DeliverRequest) error {
    h, err := n.node(addr)
    if err != nil { return err }
    resp, err := h.Deliver(ctx, req)
    if err != nil { return err }
    return transport.RemoteError(resp.Error)
}

func (n *memNet) GetVote(ctx context.Context, addr string, req transport.GetVoteRequest) (*gov.VoteResponse, error) {
    h, err := n.node(addr)
    if err != nil { return nil, err }
    resp, err := h.GetVote(ctx, req)
    if err != nil { return nil, err }
    return resp.Vote, transport.RemoteError(resp.Error)
}

func (n *memNet) RegisterTally(ctx context.Context, addr string, req transport.RegisterTallyRequest) (gov.QueryID, error) {
    h, err := n.node(addr)
    if err != nil { return "", err }
    resp, err := h.RegisterTally(ctx, req)
    if err != nil { return "", err }
    return resp.QueryID, transport.RemoteError(resp.Error)
}

func (n *memNet) PushResult(ctx context.Context, addr string, req transport.PushResultRequest) error {
    h, err := n.node(addr)
    if err != nil { return err }
    resp, err := h.PushResult(ctx, req)
    if err != nil { return err }
    return transport.RemoteError(resp.Error)
}

func (n *memNet) Local(ctx context.Context, addr string, req transport.LocalRequest) (json.RawMessage, error) {
    h, err := n.node(addr)
    if err != nil { return nil, err }
    resp, err := h.Local(ctx, req)
    if err != nil { return nil, err }
    return resp.Data, transport.RemoteError(resp.Error)
}

func (n *memNet) Join(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    h, err := n.node(addr)
    if err != nil { return transport.JoinResponse{}, err }
    return h.Join(ctx, req)
}

func (n *memNet) Leave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    h, err := n.node(addr)
    if err != nil { return transport.LeaveResponse{}, err }
    return h.Leave(ctx, req)
}

type testGroup struct {
    t     *testing.T
    net   *memNet
    clock *testClock
    nodes map[gov.PeerID]*Cluster
}

func newGroup(t *testing.T, peers ...gov.PeerID) *testGroup {
    t.Helper()
    g := &testGroup{
        t:     t,
        net:   &memNet{nodes: map[string]*Cluster{}, down: map[string]bool{}},
        clock: &testClock{b: gov.Block{Height: 1, Time: time.Now().UTC()}},
        nodes: map[gov.PeerID]*Cluster{},
    }
    dir := discovery.Map{}
    for _, p := range peers { dir[p] = "mem://" + string(p) }
    for _, p := range peers {
        st, qs := store.NewMemory(), store.NewMemory()
        t.Cleanup(func() { _ = st.Close(); _ = qs.Close() })
        c, err := New(Options{
            NodeID:        p,
            Module:        testModule,
            AllowJoin:     peers,
            Store:         st,
            QueryStore:    qs,
            Directory:     dir,
            RPCClient:     g.net,
            Clock:         g.clock,
            Logger:        log.New(io.Discard, "", 0),
            WatchInterval: 20 * time.Millisecond,
            PushInterval:  20 * time.Millisecond,
            PushBackoff:   50 * time.Millisecond,
            // every open round counts as stuck
            StuckAfter: time.Nanosecond,
        })
        require.NoError(t, err)
        require.NoError(t, c.Start(context.Background()))
        t.Cleanup(func() { _ = c.Close() })
        g.nodes[p] = c
        g.net.nodes[dir[p]] = c
    }
    return g
}

// formGroup lets the first peer invite the rest and waits until every peer
// agrees on the member set.
func formGroup(t *testing.T, peers ...gov.PeerID) *testGroup {
    t.Helper()
    g := newGroup(t, peers...)
    _, err := g.nodes[peers[0]].Propose(context.Background(), "admin", gov.ProposalMsg{Title: "form", Action: gov.UpdateMembers(peers...)})
    require.NoError(t, err)
    want := gov.NewMembers(peers...)
    g.eventually(func() bool {
        for _, c := range g.nodes {
            v, err := c.Members()
            if err != nil || v.Phase != syncstate.Finalized || len(v.Members) != len(want) { return false }
        }
        return true
    }, "group never formed")
    return g
}

func (g *testGroup) eventually(cond func() bool, msg string) {
    g.t.Helper()
    require.Eventually(g.t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

func (g *testGroup) phaseEverywhere(id gov.ProposalID, phase syncstate.Phase) func() bool {
    return func() bool {
        for _, c := range g.nodes {
            v, err := c.Proposal(id)
            if err != nil || v.Phase != phase { return false }
        }
        return true
    }
}

// agree proposes and finalizes a signal proposal across the group.
func (g *testGroup) agree(from gov.PeerID, title string, expires uint64) gov.ProposalID {
    g.t.Helper()
    ctx := context.Background()
    c := g.nodes[from]
    resp, err := c.Propose(ctx, "alice", gov.ProposalMsg{Title: title, Expiration: gov.AtHeight(expires), Action: gov.Signal()})
    require.NoError(g.t, err)
    id := gov.ProposalID(resp.Attributes["proposal_id"])
    g.eventually(func() bool {
        v, err := c.Proposal(id)
        return err == nil && v.Phase == syncstate.Proposed
    }, "proposal never acknowledged")
    _, err = c.Finalize(ctx, id)
    require.NoError(g.t, err)
    g.eventually(g.phaseEverywhere(id, syncstate.Finalized), "proposal never finalized everywhere")
    return id
}

func TestOptions_Validate(t *testing.T) {
    require.Error(t, Options{}.Validate())
    ok := Options{NodeID: "a", Module: "m", Store: store.NewMemory(), Directory: discovery.Map{}, RPCClient: &memNet{}, Logger: log.Default()}
    require.NoError(t, ok.Validate())
    bad := ok
    bad.Module = ""
    require.Error(t, bad.Validate())
}

func TestCluster_ProposeVoteExecute(t *testing.T) {
    ctx := context.Background()
    g := formGroup(t, "a", "b", "c")
    id := g.agree("a", "fund the bridge", 10)

    _, err := g.nodes["b"].Vote(ctx, id, gov.Yes, gov.Manual())
    require.NoError(t, err)
    _, err = g.nodes["c"].Vote(ctx, id, gov.No, gov.Manual())
    require.NoError(t, err)

    _, err = g.nodes["a"].RequestVoteResults(ctx, id)
    require.ErrorIs(t, err, gov.ErrProposalStillOpen)

    g.clock.setHeight(10)
    _, err = g.nodes["a"].RequestVoteResults(ctx, id)
    require.NoError(t, err)
    g.eventually(func() bool {
        res, err := g.nodes["a"].VoteResults(id)
        if err != nil || len(res) != 2 { return false }
        for _, v := range res {
            if v == nil { return false }
        }
        return true
    }, "vote results never collected")

    resp, err := g.nodes["a"].Execute(ctx, id)
    require.NoError(t, err)
    require.Equal(t, "true", resp.Attributes["passed"])

    want := &gov.ProposalOutcome{Passed: true, VotesFor: 2, VotesAgainst: 1}
    g.eventually(func() bool {
        for _, c := range g.nodes {
            out, err := c.Outcome(id)
            if err != nil || out == nil || *out != *want { return false }
        }
        return true
    }, "outcome never reached every peer")
}

func TestCluster_ForeignEnvelopeRejected(t *testing.T) {
    g := formGroup(t, "a", "b")
    env, err := gov.Seal("other-module", "a", gov.FinalizeProposal{ID: "x"})
    require.NoError(t, err)
    err = g.net.Deliver(context.Background(), "mem://b", transport.DeliverRequest{Envelope: env})
    require.ErrorIs(t, err, gov.ErrUnauthorizedSender)
}

func TestCluster_UnreachablePeerLeavesRoundOpen(t *testing.T) {
    ctx := context.Background()
    g := formGroup(t, "a", "b", "c")
    g.net.setDown("mem://c", true)

    c := g.nodes["a"]
    resp, err := c.Propose(ctx, "alice", gov.ProposalMsg{Title: "stuck", Expiration: gov.AtHeight(10), Action: gov.Signal()})
    require.NoError(t, err)
    id := gov.ProposalID(resp.Attributes["proposal_id"])

    g.eventually(func() bool {
        rounds, err := c.OutstandingAcks()
        if err != nil { return false }
        for _, rs := range rounds {
            if rs.Key == string(id) && len(rs.Acks.Peers) == 1 && rs.Acks.Peers[0] == "c" { return true }
        }
        return false
    }, "round never narrowed to the unreachable peer")

    _, err = c.Finalize(ctx, id)
    require.ErrorIs(t, err, gov.ErrAwaitingAcks)

    st, err := c.Status(ctx)
    require.NoError(t, err)
    require.NotEmpty(t, st.Warnings)
}

func TestCluster_TallyQueryRoundTrip(t *testing.T) {
    ctx := context.Background()
    g := formGroup(t, "a", "b")
    id := g.agree("a", "native tally", 10)

    _, err := g.nodes["b"].Vote(ctx, id, gov.Yes, gov.Native(42))
    require.NoError(t, err)
    g.clock.setHeight(10)
    _, err = g.nodes["a"].RequestVoteResults(ctx, id)
    require.NoError(t, err)
    g.eventually(func() bool {
        res, err := g.nodes["a"].VoteResults(id)
        return err == nil && res["b"] != nil
    }, "vote of b never collected")

    resp, err := g.nodes["a"].RequestGovVoteDetails(ctx, id)
    require.NoError(t, err)
    require.Len(t, resp.Registrations, 1)

    g.eventually(func() bool {
        qs, err := g.nodes["b"].TallyQueries()
        return err == nil && len(qs) == 1
    }, "query never registered on b")

    tally := gov.TallyResult{Yes: uint256.NewInt(900), No: uint256.NewInt(100)}
    require.NoError(t, g.nodes["b"].PublishTally(42, tally))

    g.eventually(func() bool {
        got, err := g.nodes["a"].GovVoteQueries(id)
        return err == nil && got["b"] != nil && got["b"].Yes.Uint64() == 900
    }, "tally never pushed to a")

    qs, err := g.nodes["b"].TallyQueries()
    require.NoError(t, err)
    require.True(t, qs[0].Delivered)
}

func TestCluster_LocalAPI(t *testing.T) {
    ctx := context.Background()
    g := formGroup(t, "a", "b")

    args, err := json.Marshal(gov.LocalPropose{Sender: "ops", Msg: gov.ProposalMsg{Title: "via local", Expiration: gov.AtHeight(10), Action: gov.Signal()}})
    require.NoError(t, err)
    raw, err := g.net.Local(ctx, "mem://a", transport.LocalRequest{Op: OpPropose, Data: args})
    require.NoError(t, err)
    var resp gov.Response
    require.NoError(t, json.Unmarshal(raw, &resp))
    require.Equal(t, "propose", resp.Action)
    id := gov.ProposalID(resp.Attributes["proposal_id"])

    idArgs, _ := json.Marshal(IDArgs{ID: id})
    raw, err = g.net.Local(ctx, "mem://a", transport.LocalRequest{Op: OpProposal, Data: idArgs})
    require.NoError(t, err)
    var view gov.ProposalView
    require.NoError(t, json.Unmarshal(raw, &view))
    require.Equal(t, id, view.ID)
    require.Equal(t, "via local", view.Proposal.Title)

    raw, err = g.net.Local(ctx, "mem://a", transport.LocalRequest{Op: OpMembers})
    require.NoError(t, err)
    var members gov.MembersView
    require.NoError(t, json.Unmarshal(raw, &members))
    require.Equal(t, gov.NewMembers("a", "b"), members.Members)

    _, err = g.net.Local(ctx, "mem://a", transport.LocalRequest{Op: OpProposal})
    require.Error(t, err)
    _, err = g.net.Local(ctx, "mem://a", transport.LocalRequest{Op: "bogus"})
    require.Error(t, err)

    raw, err = g.net.GetStatus(ctx, "mem://a")
    require.NoError(t, err)
    var st Status
    require.NoError(t, json.Unmarshal(raw, &st))
    require.True(t, st.Healthy)
    require.True(t, st.IsLeader)
    require.Equal(t, "a", st.Self)
}

func TestCluster_EventsAndStop(t *testing.T) {
    g := newGroup(t, "a")
    c := g.nodes["a"]
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    ch := c.Subscribe(ctx)

    _, err := c.Propose(context.Background(), "alice", gov.ProposalMsg{Title: "solo", Expiration: gov.AtHeight(10), Action: gov.Signal()})
    require.NoError(t, err)
    timeout := time.After(2 * time.Second)
    for seen := false; !seen; {
        select {
        case ev := <-ch:
            if ev.Type != EventTransition { continue }
            require.Equal(t, "propose", ev.Action)
            require.NotEmpty(t, ev.ID)
            seen = true
        case <-timeout:
            t.Fatal("no transition event")
        }
    }

    require.NoError(t, c.Close())
    _, err = c.Propose(context.Background(), "alice", gov.ProposalMsg{Title: "late", Action: gov.Signal()})
    require.ErrorIs(t, err, ErrStopped)
    require.ErrorIs(t, c.JoinReplicaSet(context.Background(), "mem://a"), ErrNotReplicated)
}

func TestCluster_QueryHostWarning(t *testing.T) {
    qs := store.NewMemory()
    t.Cleanup(func() { _ = qs.Close() })
    replicated := func(sm consensus.StateMachine) (consensus.Consensus, error) { return local.New("a", sm) }

    c := &Cluster{opts: Options{NodeID: "a"}, host: icq.NewHost("a", qs)}
    require.Empty(t, c.queryHostWarning())
    c.opts.Consensus = replicated
    require.Contains(t, c.queryHostWarning(), "this replica only")
    c.host = nil
    require.Empty(t, c.queryHostWarning())
}
