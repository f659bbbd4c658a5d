package store

import (
    "bytes"
    "encoding/json"
    "errors"
)

// ErrNotFound is returned by Reader.Get when the key has no value.
var ErrNotFound = errors.New("store: not found")

// Reader is a consistent read view over the key space.
type Reader interface {
    Get(key []byte) ([]byte, error)
    Has(key []byte) (bool, error)
    // Iterate visits every key with the given prefix in ascending order.
    // Returning an error from fn stops the iteration and is passed through.
    Iterate(prefix []byte, fn func(key, value []byte) error) error
}

// Txn is a read-write transaction. Reads observe the transaction's own
// pending writes. Nothing is visible to other readers until commit.
type Txn interface {
    Reader
    Set(key, value []byte) error
    Delete(key []byte) error
}

// Store is an atomic, transactional key/value store. Update either commits
// every write made by fn or none of them.
type Store interface {
    Update(fn func(tx Txn) error) error
    View(fn func(r Reader) error) error
    // Snapshot serializes the full key space; Restore replaces it.
    Snapshot() ([]byte, error)
    Restore(data []byte) error
    Close() error
}

const sep = 0x1f

// Key joins parts with a unit separator so that prefixes of one namespace
// never collide with keys of another.
func Key(parts ...string) []byte {
    var b bytes.Buffer
    for i, p := range parts {
        if i > 0 { b.WriteByte(sep) }
        b.WriteString(p)
    }
    return b.Bytes()
}

// Prefix is Key plus a trailing separator, suitable for Iterate.
func Prefix(parts ...string) []byte {
    k := Key(parts...)
    return append(k, sep)
}

// Split undoes Key.
func Split(key []byte) []string {
    parts := bytes.Split(key, []byte{sep})
    out := make([]string, len(parts))
    for i, p := range parts { out[i] = string(p) }
    return out
}

// GetJSON decodes the value at key into v. It reports false when the key is
// absent.
func GetJSON(r Reader, key []byte, v any) (bool, error) {
    raw, err := r.Get(key)
    if errors.Is(err, ErrNotFound) { return false, nil }
    if err != nil { return false, err }
    if err := json.Unmarshal(raw, v); err != nil { return false, err }
    return true, nil
}

// PutJSON encodes v and stores it at key.
func PutJSON(tx Txn, key []byte, v any) error {
    raw, err := json.Marshal(v)
    if err != nil { return err }
    return tx.Set(key, raw)
}
