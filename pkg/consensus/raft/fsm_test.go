package raftcons

import (
    "encoding/json"
    "errors"
    "sync"
    "testing"

    r "github.com/hashicorp/raft"

    c "github.com/amirimatin/go-intergov/pkg/consensus"
)

// kvFSM is a tiny state machine for tests: "set" stores key=value, "fail"
// is always rejected.
type kvFSM struct {
    mu sync.Mutex
    kv map[string]string
}

func newKV() *kvFSM { return &kvFSM{kv: map[string]string{}} }

type kvSet struct {
    Key   string `json:"key"`
    Value string `json:"value"`
}

func (f *kvFSM) Apply(cmd c.Command) (any, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    switch cmd.Op {
    case "set":
        var s kvSet
        if err := json.Unmarshal(cmd.Payload, &s); err != nil { return nil, err }
        f.kv[s.Key] = s.Value
        return len(f.kv), nil
    default:
        return nil, errors.New("kv: rejected")
    }
}

func (f *kvFSM) Snapshot() ([]byte, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    return json.Marshal(f.kv)
}

func (f *kvFSM) Restore(data []byte) error {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.kv = map[string]string{}
    return json.Unmarshal(data, &f.kv)
}

func (f *kvFSM) get(k string) (string, bool) {
    f.mu.Lock()
    defer f.mu.Unlock()
    v, ok := f.kv[k]
    return v, ok
}

func setCmd(t *testing.T, k, v string) c.Command {
    t.Helper()
    payload, err := json.Marshal(kvSet{Key: k, Value: v})
    if err != nil { t.Fatalf("json: %v", err) }
    return c.Command{Op: "set", Payload: payload}
}

func logOf(t *testing.T, cmd c.Command) *r.Log {
    t.Helper()
    data, err := json.Marshal(cmd)
    if err != nil { t.Fatalf("json: %v", err) }
    return &r.Log{Data: data}
}

func TestFSM_ApplyCarriesValueAndError(t *testing.T) {
    kv := newKV()
    f := newFSM(kv)

    res, ok := f.Apply(logOf(t, setCmd(t, "a", "1"))).(applyResult)
    if !ok || res.Err != nil || res.Value.(int) != 1 { t.Fatalf("apply set: %+v", res) }

    res = f.Apply(logOf(t, c.Command{Op: "drop"})).(applyResult)
    if res.Err == nil { t.Fatalf("expected rejection") }

    res = f.Apply(&r.Log{Data: []byte("{")}).(applyResult)
    if res.Err == nil { t.Fatalf("expected decode error") }
}

func TestFSM_SnapshotRestore(t *testing.T) {
    src := newKV()
    _ = newFSM(src).Apply(logOf(t, setCmd(t, "a", "1")))
    snap, err := newFSM(src).Snapshot()
    if err != nil { t.Fatalf("snapshot: %v", err) }
    blob := snap.(*snapshot).blob

    dst := newKV()
    if err := dst.Restore(blob); err != nil { t.Fatalf("restore: %v", err) }
    if v, ok := dst.get("a"); !ok || v != "1" { t.Fatalf("restored a = %q", v) }
}
