package cluster

import (
    "fmt"

    "github.com/amirimatin/go-intergov/pkg/consensus"
    "github.com/amirimatin/go-intergov/pkg/gov"
    obsmetrics "github.com/amirimatin/go-intergov/pkg/observability/metrics"
    "github.com/amirimatin/go-intergov/pkg/store"
)

// OpEvent is the consensus op carrying one encoded engine event.
const OpEvent = "event"

// Machine applies committed engine events to the store. It is the
// consensus.StateMachine of a node; every replica of a peer runs one.
type Machine struct {
    self gov.PeerID
    eng  *gov.Engine
    st   store.Store
}

// NewMachine seeds st with self as the only member when it is empty.
func NewMachine(self gov.PeerID, eng *gov.Engine, st store.Store) (*Machine, error) {
    if err := st.Update(func(tx store.Txn) error { return eng.Init(tx, self) }); err != nil {
        return nil, fmt.Errorf("cluster: init store: %w", err)
    }
    return &Machine{self: self, eng: eng, st: st}, nil
}

// Apply returns the *gov.Response of the event. A rejected event leaves the
// store untouched.
func (m *Machine) Apply(cmd consensus.Command) (any, error) {
    if cmd.Op != OpEvent { return nil, fmt.Errorf("cluster: unknown command %q", cmd.Op) }
    ev, block, err := gov.DecodeEvent(cmd.Payload)
    if err != nil { return nil, err }
    var resp *gov.Response
    err = m.st.Update(func(tx store.Txn) (err error) {
        resp, err = m.eng.Apply(tx, gov.Env{Self: m.self, Block: block}, ev)
        return err
    })
    obsmetrics.Transitions.WithLabelValues(string(ev.EventKind()), obsmetrics.Result(err)).Inc()
    if err != nil { return nil, err }
    return resp, nil
}

func (m *Machine) Snapshot() ([]byte, error) { return m.st.Snapshot() }

func (m *Machine) Restore(data []byte) error { return m.st.Restore(data) }

// View runs fn against a consistent read of the engine state.
func (m *Machine) View(fn func(eng *gov.Engine, r store.Reader) error) error {
    return m.st.View(func(r store.Reader) error { return fn(m.eng, r) })
}

var _ consensus.StateMachine = (*Machine)(nil)
