package raftcons

import (
    "context"
    "testing"
    "time"
)

// Three replicas over real TCP transports and on-disk stores.
func TestRaft_ThreeNodeReplication_TCP(t *testing.T) {
    t.Parallel()

    mk := func(id string, kv *kvFSM) *Node {
        n, err := New(Options{
            NodeID:            id,
            FSM:               kv,
            BindAddr:          "127.0.0.1:0",
            DataDir:           t.TempDir(),
            SnapshotsRetained: 1,
            HeartbeatTimeout:  150 * time.Millisecond,
            ElectionTimeout:   300 * time.Millisecond,
            CommitTimeout:     50 * time.Millisecond,
            ApplyTimeout:      2 * time.Second,
        })
        if err != nil { t.Fatalf("new %s: %v", id, err) }
        return n
    }

    kvs := []*kvFSM{newKV(), newKV(), newKV()}
    n1 := mk("n1", kvs[0]); n1.opts.Bootstrap = true
    n2 := mk("n2", kvs[1])
    n3 := mk("n3", kvs[2])

    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    for _, n := range []*Node{n1, n2, n3} {
        if err := n.Start(ctx); err != nil { t.Fatalf("start %s: %v", n.opts.NodeID, err) }
        defer n.Stop()
    }

    deadline := time.Now().Add(5 * time.Second)
    for time.Now().Before(deadline) {
        if n1.IsLeader() { break }
        time.Sleep(50 * time.Millisecond)
    }
    if !n1.IsLeader() { t.Fatalf("n1 did not become leader") }

    if err := n1.AddVoter("n2", n2.Addr(), 3*time.Second); err != nil { t.Fatalf("AddVoter n2: %v", err) }
    if err := n1.AddVoter("n3", n3.Addr(), 3*time.Second); err != nil { t.Fatalf("AddVoter n3: %v", err) }

    awaitLeaderKnown := func(n *Node) {
        t.Helper()
        dl := time.Now().Add(5 * time.Second)
        for time.Now().Before(dl) {
            if id, _, ok := n.Leader(); ok && id != "" { return }
            time.Sleep(50 * time.Millisecond)
        }
        t.Fatalf("leader unknown on %s", n.opts.NodeID)
    }
    awaitLeaderKnown(n2)
    awaitLeaderKnown(n3)

    if _, err := n1.Apply(setCmd(t, "members", "a,b"), 2*time.Second); err != nil { t.Fatalf("apply: %v", err) }
    for i, kv := range kvs {
        dl := time.Now().Add(5 * time.Second)
        for time.Now().Before(dl) {
            if _, ok := kv.get("members"); ok { break }
            time.Sleep(50 * time.Millisecond)
        }
        if v, _ := kv.get("members"); v != "a,b" { t.Fatalf("replica %d: members = %q", i+1, v) }
    }

    if err := n1.RemoveServer("n3", 3*time.Second); err != nil { t.Fatalf("RemoveServer: %v", err) }
}
