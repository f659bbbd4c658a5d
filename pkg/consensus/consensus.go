package consensus

import (
    "context"
    "errors"
    "time"
)

// ErrNotLeader is returned by Apply on a node that cannot accept writes.
var ErrNotLeader = errors.New("consensus: not leader")

// Command is one entry of the replicated log. Op selects the handler of the
// StateMachine; Payload is opaque to the consensus layer.
type Command struct {
    Op      string `json:"op"`
    Payload []byte `json:"payload"`
}

// StateMachine is the deterministic application driven by the log. Apply
// runs on every replica in log order; its result is only handed back to the
// caller on the node that proposed the command.
type StateMachine interface {
    Apply(cmd Command) (any, error)
    Snapshot() ([]byte, error)
    Restore(data []byte) error
}

// Consensus is the minimal abstraction over a leader-based consensus engine.
// It exposes leadership, term information and a write path.
type Consensus interface {
    Start(ctx context.Context) error
    Apply(cmd Command, timeout time.Duration) (any, error)
    IsLeader() bool
    Leader() (id string, addr string, ok bool)
    Term() uint64
    Stop() error
}
