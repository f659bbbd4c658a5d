package syncstate

import "github.com/amirimatin/go-intergov/pkg/store"

const itemKey = "item"

// Item synchronizes a single value. It is a Map with one fixed key.
type Item[V any] struct {
    m *Map[V]
}

func NewItem[V any](namespace string) *Item[V] { return &Item[V]{m: NewMap[V](namespace)} }

func (i *Item[V]) Phase(r store.Reader) (Phase, error)  { return i.m.Phase(r, itemKey) }
func (i *Item[V]) AssertFinalized(r store.Reader) error { return i.m.AssertFinalized(r, itemKey) }

func (i *Item[V]) Initiate(tx store.Txn, value V, acks AckSet) error {
    return i.m.Initiate(tx, itemKey, value, acks)
}

func (i *Item[V]) Propose(tx store.Txn, value V) error { return i.m.Propose(tx, itemKey, value) }
func (i *Item[V]) Promote(tx store.Txn) error          { return i.m.Promote(tx, itemKey) }

func (i *Item[V]) Finalize(tx store.Txn, value *V) error { return i.m.Finalize(tx, itemKey, value) }

func (i *Item[V]) ApplyAck(tx store.Txn, peer string) (bool, error) {
    return i.m.ApplyAck(tx, itemKey, peer)
}

func (i *Item[V]) HasOutstandingAcks(r store.Reader) (bool, error) {
    return i.m.HasOutstandingAcks(r, itemKey)
}

func (i *Item[V]) AckSet(r store.Reader) (AckSet, bool, error) { return i.m.AckSet(r, itemKey) }
func (i *Item[V]) ClearAcks(tx store.Txn) error                { return i.m.ClearAcks(tx, itemKey) }

func (i *Item[V]) Pending(r store.Reader) (V, Phase, bool, error) { return i.m.Pending(r, itemKey) }
func (i *Item[V]) MayLoad(r store.Reader) (V, bool, error)        { return i.m.MayLoad(r, itemKey) }
func (i *Item[V]) Load(r store.Reader) (V, error)                 { return i.m.Load(r, itemKey) }
func (i *Item[V]) States(r store.Reader) ([]State, error)         { return i.m.States(r) }
