package memberlist

import (
    "context"
    "log"
    "net"
    "strconv"
    "testing"
    "time"

    "github.com/amirimatin/go-intergov/pkg/gossip"
    "github.com/amirimatin/go-intergov/pkg/gov"
)

func freePort(t *testing.T) int {
    t.Helper()
    a, err := net.ListenPacket("udp", "127.0.0.1:0")
    if err != nil { t.Fatalf("freePort: %v", err) }
    defer a.Close()
    return a.LocalAddr().(*net.UDPAddr).Port
}

func TestMemberlist_StartLocal(t *testing.T) {
    addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
    g, err := New(Options{NodeID: "t1", Bind: addr, Advertise: addr, RPC: "127.0.0.1:17000", Logger: log.Default(), ProbeInterval: 100 * time.Millisecond})
    if err != nil { t.Fatalf("new: %v", err) }
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := g.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    defer g.Stop()

    local := g.Local()
    if local.ID != "t1" { t.Fatalf("local id = %q, want t1", local.ID) }
    if local.RPC() != "127.0.0.1:17000" { t.Fatalf("local rpc = %q", local.RPC()) }

    hr, ok := g.(gossip.HealthReporter)
    if !ok { t.Fatalf("impl does not implement HealthReporter") }
    if s := hr.HealthScore(); s < 0 { t.Fatalf("unexpected health score: %d", s) }
}

func TestNew_Validates(t *testing.T) {
    if _, err := New(Options{Bind: ":0"}); err == nil { t.Fatalf("expected error for empty id") }
    if _, err := New(Options{NodeID: "a"}); err == nil { t.Fatalf("expected error for empty bind") }
}

func TestMemberlist_DirectoryAcrossNodes(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    n1, addr1 := startNode(t, ctx, "n1")
    defer n1.Stop()
    n2, _ := startNode(t, ctx, "n2")
    defer n2.Stop()
    if err := n2.Join([]string{addr1}); err != nil { t.Fatalf("n2 join: %v", err) }
    n3, _ := startNode(t, ctx, "n3")
    defer n3.Stop()
    if err := n3.Join([]string{addr1}); err != nil { t.Fatalf("n3 join: %v", err) }

    awaitNodes(t, n1, 3, 5*time.Second)
    awaitNodes(t, n3, 3, 5*time.Second)

    dir := gossip.Directory{G: n1}
    if addr, ok := dir.Resolve("n3"); !ok || addr != "rpc-n3:1" {
        t.Fatalf("n3 resolved to %q, %v", addr, ok)
    }

    if err := n2.Leave(); err != nil { t.Fatalf("n2 leave: %v", err) }
    _ = n2.Stop()

    awaitNodes(t, n1, 2, 5*time.Second)
    awaitNodes(t, n3, 2, 5*time.Second)
    if _, ok := dir.Resolve("n2"); ok { t.Fatalf("n2 still resolvable after leaving") }
}

func startNode(t *testing.T, ctx context.Context, id gov.PeerID) (*impl, string) {
    t.Helper()
    g, err := New(Options{NodeID: id, Bind: "127.0.0.1:0", RPC: "rpc-" + string(id) + ":1", Logger: log.Default(), ProbeInterval: 100 * time.Millisecond, SuspicionMult: 2})
    if err != nil { t.Fatalf("new %s: %v", id, err) }
    if err := g.Start(ctx); err != nil { t.Fatalf("start %s: %v", id, err) }
    la := g.Local().Addr
    if la == "" { t.Fatalf("local addr empty for %s", id) }
    return g.(*impl), la
}

func awaitNodes(t *testing.T, g gossip.Gossip, want int, timeout time.Duration) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for {
        got := g.Nodes()
        if len(got) == want { return }
        if time.Now().After(deadline) {
            t.Fatalf("nodes timeout: got=%d want=%d list=%v", len(got), want, got)
        }
        time.Sleep(100 * time.Millisecond)
    }
}
