// Package local is a single-replica Consensus: commands are applied in the
// calling goroutine under a mutex, and the node is always its own leader.
package local

import (
    "context"
    "errors"
    "sync"
    "time"

    c "github.com/amirimatin/go-intergov/pkg/consensus"
)

type Node struct {
    id  string
    fsm c.StateMachine

    mu      sync.Mutex
    started bool
    lch     chan c.LeaderInfo
}

func New(id string, fsm c.StateMachine) (*Node, error) {
    if id == "" { return nil, errors.New("local: empty node id") }
    if fsm == nil { return nil, errors.New("local: state machine is required") }
    return &Node{id: id, fsm: fsm, lch: make(chan c.LeaderInfo, 1)}, nil
}

func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.started { return nil }
    n.started = true
    select {
    case n.lch <- c.LeaderInfo{ID: n.id, Term: 1}:
    default:
    }
    go func() {
        <-ctx.Done()
        _ = n.Stop()
    }()
    return nil
}

// Apply runs cmd on the state machine; timeout is ignored.
func (n *Node) Apply(cmd c.Command, _ time.Duration) (any, error) {
    n.mu.Lock()
    defer n.mu.Unlock()
    if !n.started { return nil, errors.New("local: not started") }
    return n.fsm.Apply(cmd)
}

func (n *Node) IsLeader() bool {
    n.mu.Lock()
    defer n.mu.Unlock()
    return n.started
}

func (n *Node) Leader() (string, string, bool) {
    if !n.IsLeader() { return "", "", false }
    return n.id, "", true
}

func (n *Node) Term() uint64 { return 1 }

func (n *Node) Stop() error {
    n.mu.Lock()
    defer n.mu.Unlock()
    n.started = false
    return nil
}

func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

var (
    _ c.Consensus      = (*Node)(nil)
    _ c.LeaderNotifier = (*Node)(nil)
)
