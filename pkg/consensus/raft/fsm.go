package raftcons

import (
    "encoding/json"
    "io"
    "time"

    "github.com/hashicorp/raft"

    c "github.com/amirimatin/go-intergov/pkg/consensus"
)

// applyResult is what fsm.Apply hands back through the ApplyFuture. Errors
// are part of the result: a rejected command is still a committed log entry.
type applyResult struct {
    Value any
    Err   error
}

// fsm bridges Raft Apply/Snapshot to a consensus.StateMachine.
type fsm struct {
    sm c.StateMachine
}

func newFSM(sm c.StateMachine) *fsm { return &fsm{sm: sm} }

func (f *fsm) Apply(l *raft.Log) interface{} {
    var cmd c.Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return applyResult{Err: err}
    }
    v, err := f.sm.Apply(cmd)
    return applyResult{Value: v, Err: err}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.sm.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob, at: time.Now()}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.sm.Restore(data)
}

type snapshot struct {
    blob []byte
    at   time.Time
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*fsm)(nil)
