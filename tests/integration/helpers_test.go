//go:build integration

package integration

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "strings"
    "testing"
    "time"

    "github.com/amirimatin/go-intergov/pkg/bootstrap"
    "github.com/amirimatin/go-intergov/pkg/cluster"
    "github.com/amirimatin/go-intergov/pkg/gov"
    "github.com/amirimatin/go-intergov/pkg/syncstate"
    "github.com/amirimatin/go-intergov/pkg/transport"
)

var errNotYet = errors.New("not yet")

func waitUntil(t *testing.T, d time.Duration, fn func() error) {
    t.Helper()
    deadline := time.Now().Add(d)
    var last error
    for time.Now().Before(deadline) {
        if last = fn(); last == nil { return }
        time.Sleep(100 * time.Millisecond)
    }
    t.Fatalf("condition not met within %s: %v", d, last)
}

func fetchStatus(ctx context.Context, cli transport.RPCClient, addr string) (cluster.Status, error) {
    var s cluster.Status
    b, err := cli.GetStatus(ctx, addr)
    if err != nil { return s, err }
    if err := json.Unmarshal(b, &s); err != nil { return s, err }
    return s, nil
}

func local[T any](ctx context.Context, cli transport.RPCClient, addr, op string, args any) (T, error) {
    var out T
    var data json.RawMessage
    if args != nil {
        b, err := json.Marshal(args)
        if err != nil { return out, err }
        data = b
    }
    raw, err := cli.Local(ctx, addr, transport.LocalRequest{Op: op, Data: data})
    if err != nil { return out, err }
    return out, json.Unmarshal(raw, &out)
}

// groupConfigs returns configs for peers listening on consecutive ports from
// base, each knowing every other peer's endpoint.
func groupConfigs(base int, proto string, peers ...string) []bootstrap.Config {
    addr := func(i int) string { return fmt.Sprintf("127.0.0.1:%d", base+i) }
    var csv []string
    for i, p := range peers { csv = append(csv, p+"="+addr(i)) }
    out := make([]bootstrap.Config, len(peers))
    for i, p := range peers {
        cfg := bootstrap.Defaults()
        cfg.NodeID = p
        cfg.Listen = addr(i)
        cfg.Proto = proto
        cfg.Peers = strings.Join(csv, ",")
        cfg.AllowJoin = strings.Join(peers, ",")
        cfg.CallTimeout = 2 * time.Second
        cfg.PushBackoff = 200 * time.Millisecond
        out[i] = cfg
    }
    return out
}

func startAll(t *testing.T, ctx context.Context, cfgs []bootstrap.Config) []*bootstrap.Node {
    t.Helper()
    nodes := make([]*bootstrap.Node, len(cfgs))
    for i, cfg := range cfgs {
        n, err := bootstrap.Run(ctx, cfg)
        if err != nil { t.Fatalf("%s: %v", cfg.NodeID, err) }
        t.Cleanup(func() { _ = n.Close() })
        nodes[i] = n
    }
    return nodes
}

// formGroup invites every node into the first node's group.
func formGroup(t *testing.T, ctx context.Context, nodes []*bootstrap.Node) {
    t.Helper()
    var peers []gov.PeerID
    for _, n := range nodes { peers = append(peers, n.Self()) }
    if _, err := nodes[0].Propose(ctx, "admin", gov.ProposalMsg{Title: "form", Action: gov.UpdateMembers(peers...)}); err != nil {
        t.Fatalf("form group: %v", err)
    }
    waitUntil(t, 15*time.Second, func() error {
        for _, n := range nodes {
            v, err := n.Members()
            if err != nil { return err }
            if v.Phase != syncstate.Finalized || len(v.Members) != len(peers) { return fmt.Errorf("%s: %w", n.Self(), errNotYet) }
        }
        return nil
    })
}

// runProposal drives one signal proposal from open to outcome: every node
// votes yes, the first collects and executes.
func runProposal(t *testing.T, ctx context.Context, nodes []*bootstrap.Node, cli transport.RPCClient, addrs []string) gov.ProposalID {
    t.Helper()
    expires := time.Now().Add(3 * time.Second)
    resp, err := local[gov.Response](ctx, cli, addrs[0], cluster.OpPropose, gov.LocalPropose{
        Sender: "alice",
        Msg:    gov.ProposalMsg{Title: "fund the bridge", Expiration: gov.AtTime(expires), Action: gov.Signal()},
    })
    if err != nil { t.Fatalf("propose: %v", err) }
    id := gov.ProposalID(resp.Attributes["proposal_id"])

    waitUntil(t, 10*time.Second, func() error {
        v, err := nodes[0].Proposal(id)
        if err != nil { return err }
        if v.Phase != syncstate.Proposed { return errNotYet }
        return nil
    })
    if _, err := nodes[0].Finalize(ctx, id); err != nil { t.Fatalf("finalize: %v", err) }
    waitUntil(t, 10*time.Second, func() error {
        for _, n := range nodes {
            v, err := n.Proposal(id)
            if err != nil { return err }
            if v.Phase != syncstate.Finalized { return errNotYet }
        }
        return nil
    })

    for i, n := range nodes {
        if _, err := local[gov.Response](ctx, cli, addrs[i], cluster.OpVote, gov.LocalVote{ID: id, Vote: gov.Yes, Governance: gov.Manual()}); err != nil {
            t.Fatalf("vote on %s: %v", n.Self(), err)
        }
    }

    time.Sleep(time.Until(expires) + 100*time.Millisecond)
    if _, err := nodes[0].RequestVoteResults(ctx, id); err != nil { t.Fatalf("request votes: %v", err) }
    waitUntil(t, 10*time.Second, func() error {
        res, err := nodes[0].VoteResults(id)
        if err != nil { return err }
        for _, v := range res {
            if v == nil { return errNotYet }
        }
        if len(res) != len(nodes)-1 { return errNotYet }
        return nil
    })
    if _, err := nodes[0].Execute(ctx, id); err != nil { t.Fatalf("execute: %v", err) }

    want := gov.ProposalOutcome{Passed: true, VotesFor: uint64(len(nodes))}
    waitUntil(t, 10*time.Second, func() error {
        for i := range nodes {
            out, err := local[*gov.ProposalOutcome](ctx, cli, addrs[i], cluster.OpOutcome, cluster.IDArgs{ID: id})
            if err != nil { return err }
            if out == nil || *out != want { return errNotYet }
        }
        return nil
    })
    return id
}

func listenAddrs(cfgs []bootstrap.Config) []string {
    out := make([]string, len(cfgs))
    for i, c := range cfgs { out[i] = c.Listen }
    return out
}
