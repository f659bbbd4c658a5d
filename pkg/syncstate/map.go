package syncstate

import (
    "encoding/json"
    "errors"
    "fmt"
    "slices"

    "github.com/amirimatin/go-intergov/pkg/store"
)

// Map synchronizes a keyed collection. Every key has a committed base value
// and at most one overlay entry (Initiated or Proposed) plus an ack set.
//
// Map holds no state of its own; every call goes through the store handle it
// is given, so it composes with the caller's transaction.
type Map[V any] struct {
    ns string
}

func NewMap[V any](namespace string) *Map[V] { return &Map[V]{ns: namespace} }

func (m *Map[V]) baseKey(key string) []byte { return store.Key(m.ns, "v", key) }
func (m *Map[V]) ackKey(key string) []byte  { return store.Key(m.ns, "a", key) }
func (m *Map[V]) overlayKey(key string, p Phase) []byte {
    return store.Key(m.ns, "o", key, p.tag())
}

func (m *Map[V]) overlay(r store.Reader, key string) (Phase, *StateChange, error) {
    for _, p := range []Phase{Initiated, Proposed} {
        var sc StateChange
        ok, err := store.GetJSON(r, m.overlayKey(key, p), &sc)
        if err != nil { return Finalized, nil, err }
        if ok { return p, &sc, nil }
    }
    return Finalized, nil, nil
}

// Phase returns the current phase of key.
func (m *Map[V]) Phase(r store.Reader, key string) (Phase, error) {
    p, _, err := m.overlay(r, key)
    return p, err
}

func (m *Map[V]) AssertFinalized(r store.Reader, key string) error {
    p, err := m.Phase(r, key)
    if err != nil { return err }
    if p != Finalized { return fmt.Errorf("%w: %s/%s is %s", ErrNotFinalized, m.ns, key, p) }
    return nil
}

func (m *Map[V]) writeOverlay(tx store.Txn, key string, p Phase, value V) error {
    raw, err := json.Marshal(value)
    if err != nil { return err }
    return store.PutJSON(tx, m.overlayKey(key, p), StateChange{Kind: ChangeProposal, Value: raw})
}

// Initiate records a change started by this node and the peers that must
// acknowledge it.
func (m *Map[V]) Initiate(tx store.Txn, key string, value V, acks AckSet) error {
    if err := m.AssertFinalized(tx, key); err != nil { return err }
    if err := m.writeOverlay(tx, key, Initiated, value); err != nil { return err }
    return m.SetOutstandingAcks(tx, key, acks)
}

// Propose records a change announced by another node.
func (m *Map[V]) Propose(tx store.Txn, key string, value V) error {
    p, err := m.Phase(tx, key)
    if err != nil { return err }
    if p != Finalized { return fmt.Errorf("%w: %s/%s is %s", ErrPreExistingState, m.ns, key, p) }
    return m.writeOverlay(tx, key, Proposed, value)
}

// Promote moves an Initiated overlay to Proposed once the originator has
// collected every acknowledgment for it.
func (m *Map[V]) Promote(tx store.Txn, key string) error {
    p, sc, err := m.overlay(tx, key)
    if err != nil { return err }
    if p != Initiated { return fmt.Errorf("%w: %s/%s is %s", ErrNotInitiated, m.ns, key, p) }
    if err := tx.Delete(m.overlayKey(key, Initiated)); err != nil { return err }
    return store.PutJSON(tx, m.overlayKey(key, Proposed), sc)
}

// Finalize commits key. With a nil value the pending value is read back from
// the Proposed overlay; otherwise value is committed as is. Either way the
// overlay is removed.
func (m *Map[V]) Finalize(tx store.Txn, key string, value *V) error {
    p, sc, err := m.overlay(tx, key)
    if err != nil { return err }
    var out V
    if value != nil {
        out = *value
    } else {
        if p != Proposed || sc.Kind != ChangeProposal {
            return fmt.Errorf("%w: %s/%s", ErrNoProposedState, m.ns, key)
        }
        if err := json.Unmarshal(sc.Value, &out); err != nil { return err }
    }
    if p != Finalized {
        if err := tx.Delete(m.overlayKey(key, p)); err != nil { return err }
    }
    return store.PutJSON(tx, m.baseKey(key), out)
}

// ApplyAck removes peer from the outstanding set of key and reports whether
// it was present. Repeated acks are no-ops.
func (m *Map[V]) ApplyAck(tx store.Txn, key, peer string) (bool, error) {
    acks, ok, err := m.AckSet(tx, key)
    if err != nil || !ok { return false, err }
    i := slices.Index(acks.Peers, peer)
    if i < 0 { return false, nil }
    acks.Peers = slices.Delete(acks.Peers, i, i+1)
    return true, store.PutJSON(tx, m.ackKey(key), acks)
}

func (m *Map[V]) HasOutstandingAcks(r store.Reader, key string) (bool, error) {
    acks, _, err := m.AckSet(r, key)
    if err != nil { return false, err }
    return !acks.Empty(), nil
}

// AckSet returns the ack set of key, if one was ever recorded.
func (m *Map[V]) AckSet(r store.Reader, key string) (AckSet, bool, error) {
    var acks AckSet
    ok, err := store.GetJSON(r, m.ackKey(key), &acks)
    return acks, ok, err
}

// SetOutstandingAcks starts a new ack round on key, replacing any previous one.
func (m *Map[V]) SetOutstandingAcks(tx store.Txn, key string, acks AckSet) error {
    return store.PutJSON(tx, m.ackKey(key), acks)
}

func (m *Map[V]) ClearAcks(tx store.Txn, key string) error { return tx.Delete(m.ackKey(key)) }

// Pending returns the overlay value of key and its phase. ok is false when
// the key is finalized.
func (m *Map[V]) Pending(r store.Reader, key string) (v V, p Phase, ok bool, err error) {
    p, sc, err := m.overlay(r, key)
    if err != nil || p == Finalized { return v, p, false, err }
    if sc.Kind != ChangeProposal { return v, p, false, nil }
    if err := json.Unmarshal(sc.Value, &v); err != nil { return v, p, false, err }
    return v, p, true, nil
}

// MayLoad returns the committed value of key.
func (m *Map[V]) MayLoad(r store.Reader, key string) (v V, ok bool, err error) {
    ok, err = store.GetJSON(r, m.baseKey(key), &v)
    return v, ok, err
}

// Load is MayLoad that treats absence as store.ErrNotFound.
func (m *Map[V]) Load(r store.Reader, key string) (V, error) {
    v, ok, err := m.MayLoad(r, key)
    if err != nil { return v, err }
    if !ok { return v, fmt.Errorf("%w: %s/%s", store.ErrNotFound, m.ns, key) }
    return v, nil
}

// Save overwrites the committed value of a finalized key.
func (m *Map[V]) Save(tx store.Txn, key string, v V) error {
    if err := m.AssertFinalized(tx, key); err != nil { return err }
    return store.PutJSON(tx, m.baseKey(key), v)
}

// Has reports whether key has a committed value.
func (m *Map[V]) Has(r store.Reader, key string) (bool, error) {
    return r.Has(m.baseKey(key))
}

// Known reports whether key has a committed value or any overlay.
func (m *Map[V]) Known(r store.Reader, key string) (bool, error) {
    ok, err := m.Has(r, key)
    if err != nil || ok { return ok, err }
    p, err := m.Phase(r, key)
    return p != Finalized, err
}

var errStop = errors.New("stop")

// Range visits committed values in key order. Returning false from fn stops.
func (m *Map[V]) Range(r store.Reader, fn func(key string, v V) bool) error {
    err := r.Iterate(store.Prefix(m.ns, "v"), func(k, raw []byte) error {
        parts := store.Split(k)
        var v V
        if err := json.Unmarshal(raw, &v); err != nil { return err }
        if !fn(parts[len(parts)-1], v) { return errStop }
        return nil
    })
    if errors.Is(err, errStop) { return nil }
    return err
}

// States lists every overlay entry together with its ack set.
func (m *Map[V]) States(r store.Reader) ([]State, error) {
    var out []State
    err := r.Iterate(store.Prefix(m.ns, "o"), func(k, raw []byte) error {
        parts := store.Split(k)
        if len(parts) < 4 { return nil }
        st := State{Key: parts[2], Phase: Proposed}
        if parts[3] == Initiated.tag() { st.Phase = Initiated }
        if err := json.Unmarshal(raw, &st.Change); err != nil { return err }
        out = append(out, st)
        return nil
    })
    if err != nil { return nil, err }
    for i := range out {
        acks, ok, err := m.AckSet(r, out[i].Key)
        if err != nil { return nil, err }
        if ok { out[i].Acks = &acks }
    }
    return out, nil
}

// OutstandingAcks lists every key with a non-empty ack set.
func (m *Map[V]) OutstandingAcks(r store.Reader) (map[string]AckSet, error) {
    out := make(map[string]AckSet)
    err := r.Iterate(store.Prefix(m.ns, "a"), func(k, raw []byte) error {
        var acks AckSet
        if err := json.Unmarshal(raw, &acks); err != nil { return err }
        if !acks.Empty() {
            parts := store.Split(k)
            out[parts[len(parts)-1]] = acks
        }
        return nil
    })
    return out, err
}
