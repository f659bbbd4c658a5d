package httpjson

import (
    "context"
    "errors"
    "io"
    "net/http"
    "strings"
    "testing"
    "time"

    "github.com/amirimatin/go-intergov/pkg/gov"
    "github.com/amirimatin/go-intergov/pkg/transport"
)

func startServer(t *testing.T, h transport.Handlers) string {
    t.Helper()
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    s := NewServer("127.0.0.1:0", nil)
    if err := s.Start(ctx, h); err != nil { t.Fatalf("start: %v", err) }
    return s.Addr()
}

func TestServer_HealthAndMetrics(t *testing.T) {
    addr := startServer(t, transport.Handlers{})
    for _, p := range []string{PathHealth, PathMetrics} {
        resp, err := http.Get("http://" + addr + p)
        if err != nil { t.Fatalf("get %s: %v", p, err) }
        resp.Body.Close()
        if resp.StatusCode != http.StatusOK { t.Fatalf("%s: status %d", p, resp.StatusCode) }
    }
    resp, err := http.Post("http://"+addr+PathDeliver, "application/json", strings.NewReader("{}"))
    if err != nil { t.Fatalf("post: %v", err) }
    b, _ := io.ReadAll(resp.Body)
    resp.Body.Close()
    if resp.StatusCode != http.StatusNotImplemented { t.Fatalf("nil handler: status %d %s", resp.StatusCode, b) }
}

func TestClient_PeerCalls(t *testing.T) {
    calls := 0
    addr := startServer(t, transport.Handlers{
        Deliver: func(_ context.Context, req transport.DeliverRequest) (transport.DeliverResponse, error) {
            calls++
            if req.Envelope.From == "x" { return transport.DeliverResponse{}, gov.ErrUnauthorizedSender }
            return transport.DeliverResponse{}, nil
        },
        GetVote: func(_ context.Context, req transport.GetVoteRequest) (transport.GetVoteResponse, error) {
            return transport.GetVoteResponse{Vote: &gov.VoteResponse{ProposalID: req.ProposalID, Peer: "b", Vote: gov.GovernanceVote{Vote: gov.No, Governance: gov.Manual()}}}, nil
        },
        PushResult: func(_ context.Context, req transport.PushResultRequest) (transport.PushResultResponse, error) {
            return transport.PushResultResponse{}, gov.ErrUnknownQuery
        },
    })
    c := NewClient(2 * time.Second)
    ctx := context.Background()

    env, _ := gov.Seal("intergov", "a", gov.FinalizeProposal{ID: "p"})
    if err := c.Deliver(ctx, addr, transport.DeliverRequest{Envelope: env}); err != nil { t.Fatalf("deliver: %v", err) }

    env.From = "x"
    err := c.Deliver(ctx, addr, transport.DeliverRequest{Envelope: env})
    if !errors.Is(err, gov.ErrUnauthorizedSender) { t.Fatalf("expected ErrUnauthorizedSender, got %v", err) }
    if calls != 2 { t.Fatalf("application errors must not be retried: %d calls", calls) }

    vr, err := c.GetVote(ctx, addr, transport.GetVoteRequest{ProposalID: "p"})
    if err != nil || vr.Vote.Vote != gov.No { t.Fatalf("get vote: %+v %v", vr, err) }

    if err := c.PushResult(ctx, addr, transport.PushResultRequest{From: "b", QueryID: "q"}); !errors.Is(err, gov.ErrUnknownQuery) {
        t.Fatalf("expected ErrUnknownQuery, got %v", err)
    }

    _, err = c.Local(ctx, addr, transport.LocalRequest{Op: "members"})
    if err == nil { t.Fatalf("expected not supported") }
}
