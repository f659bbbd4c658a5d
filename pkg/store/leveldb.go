package store

import (
    "encoding/json"
    "errors"
    "fmt"
    "sync"

    "github.com/syndtr/goleveldb/leveldb"
    "github.com/syndtr/goleveldb/leveldb/iterator"
    "github.com/syndtr/goleveldb/leveldb/storage"
    "github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB implements Store on goleveldb. Each Update runs inside a leveldb
// transaction, so a failed fn leaves the database untouched.
type LevelDB struct {
    mu sync.Mutex
    db *leveldb.DB
}

// OpenLevelDB opens or creates a database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
    db, err := leveldb.OpenFile(path, nil)
    if err != nil { return nil, fmt.Errorf("store: open %s: %w", path, err) }
    return &LevelDB{db: db}, nil
}

// NewMemory returns a LevelDB backed by in-memory storage. Used for tests and
// for nodes started without a data directory.
func NewMemory() *LevelDB {
    db, err := leveldb.Open(storage.NewMemStorage(), nil)
    if err != nil {
        // memory storage cannot fail to open
        panic(err)
    }
    return &LevelDB{db: db}
}

func (l *LevelDB) Update(fn func(tx Txn) error) error {
    l.mu.Lock()
    defer l.mu.Unlock()
    tr, err := l.db.OpenTransaction()
    if err != nil { return err }
    if err := fn(&ldbTxn{tr: tr}); err != nil {
        tr.Discard()
        return err
    }
    return tr.Commit()
}

func (l *LevelDB) View(fn func(r Reader) error) error {
    snap, err := l.db.GetSnapshot()
    if err != nil { return err }
    defer snap.Release()
    return fn(&ldbSnap{s: snap})
}

type dumpEntry struct {
    K []byte `json:"k"`
    V []byte `json:"v"`
}

func (l *LevelDB) Snapshot() ([]byte, error) {
    var out []dumpEntry
    err := l.View(func(r Reader) error {
        return r.Iterate(nil, func(k, v []byte) error {
            out = append(out, dumpEntry{K: k, V: v})
            return nil
        })
    })
    if err != nil { return nil, err }
    return json.Marshal(out)
}

func (l *LevelDB) Restore(data []byte) error {
    var in []dumpEntry
    if err := json.Unmarshal(data, &in); err != nil { return fmt.Errorf("store: decode snapshot: %w", err) }
    return l.Update(func(tx Txn) error {
        var stale [][]byte
        if err := tx.Iterate(nil, func(k, _ []byte) error {
            stale = append(stale, k)
            return nil
        }); err != nil {
            return err
        }
        for _, k := range stale {
            if err := tx.Delete(k); err != nil { return err }
        }
        for _, e := range in {
            if err := tx.Set(e.K, e.V); err != nil { return err }
        }
        return nil
    })
}

func (l *LevelDB) Close() error { return l.db.Close() }

type ldbTxn struct{ tr *leveldb.Transaction }

func (t *ldbTxn) Get(key []byte) ([]byte, error) {
    v, err := t.tr.Get(key, nil)
    if errors.Is(err, leveldb.ErrNotFound) { return nil, ErrNotFound }
    return v, err
}

func (t *ldbTxn) Has(key []byte) (bool, error) { return t.tr.Has(key, nil) }

func (t *ldbTxn) Iterate(prefix []byte, fn func(k, v []byte) error) error {
    return iterate(t.tr.NewIterator(rangeOf(prefix), nil), fn)
}

func (t *ldbTxn) Set(key, value []byte) error { return t.tr.Put(key, value, nil) }
func (t *ldbTxn) Delete(key []byte) error     { return t.tr.Delete(key, nil) }

type ldbSnap struct{ s *leveldb.Snapshot }

func (s *ldbSnap) Get(key []byte) ([]byte, error) {
    v, err := s.s.Get(key, nil)
    if errors.Is(err, leveldb.ErrNotFound) { return nil, ErrNotFound }
    return v, err
}

func (s *ldbSnap) Has(key []byte) (bool, error) { return s.s.Has(key, nil) }

func (s *ldbSnap) Iterate(prefix []byte, fn func(k, v []byte) error) error {
    return iterate(s.s.NewIterator(rangeOf(prefix), nil), fn)
}

func rangeOf(prefix []byte) *util.Range {
    if len(prefix) == 0 { return nil }
    return util.BytesPrefix(prefix)
}

// iterate copies key and value before handing them out; the iterator reuses
// its buffers on Next.
func iterate(it iterator.Iterator, fn func(k, v []byte) error) error {
    defer it.Release()
    for it.Next() {
        k := append([]byte(nil), it.Key()...)
        v := append([]byte(nil), it.Value()...)
        if err := fn(k, v); err != nil { return err }
    }
    return it.Error()
}

var _ Store = (*LevelDB)(nil)
