package store

import (
    "errors"
    "path/filepath"
    "testing"

    "github.com/stretchr/testify/require"
)

func TestUpdate_CommitsAndRollsBack(t *testing.T) {
    s := NewMemory()
    defer s.Close()

    require.NoError(t, s.Update(func(tx Txn) error {
        return tx.Set([]byte("a"), []byte("1"))
    }))

    boom := errors.New("boom")
    err := s.Update(func(tx Txn) error {
        require.NoError(t, tx.Set([]byte("a"), []byte("2")))
        require.NoError(t, tx.Set([]byte("b"), []byte("3")))
        // reads observe pending writes
        v, err := tx.Get([]byte("a"))
        require.NoError(t, err)
        require.Equal(t, "2", string(v))
        return boom
    })
    require.ErrorIs(t, err, boom)

    require.NoError(t, s.View(func(r Reader) error {
        v, err := r.Get([]byte("a"))
        require.NoError(t, err)
        require.Equal(t, "1", string(v))
        _, err = r.Get([]byte("b"))
        require.ErrorIs(t, err, ErrNotFound)
        return nil
    }))
}

func TestIterate_Prefix(t *testing.T) {
    s := NewMemory()
    defer s.Close()
    require.NoError(t, s.Update(func(tx Txn) error {
        for _, k := range [][]byte{Key("p", "b"), Key("p", "a"), Key("q", "a"), Key("pp", "x")} {
            if err := tx.Set(k, []byte("v")); err != nil { return err }
        }
        return nil
    }))
    var got []string
    require.NoError(t, s.View(func(r Reader) error {
        return r.Iterate(Prefix("p"), func(k, _ []byte) error {
            parts := Split(k)
            got = append(got, parts[len(parts)-1])
            return nil
        })
    }))
    require.Equal(t, []string{"a", "b"}, got)
}

func TestSnapshotRestore(t *testing.T) {
    src := NewMemory()
    defer src.Close()
    require.NoError(t, src.Update(func(tx Txn) error {
        return PutJSON(tx, Key("m", "1"), map[string]int{"x": 1})
    }))
    blob, err := src.Snapshot()
    require.NoError(t, err)

    dst, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"))
    require.NoError(t, err)
    defer dst.Close()
    require.NoError(t, dst.Update(func(tx Txn) error { return tx.Set([]byte("stale"), []byte("1")) }))
    require.NoError(t, dst.Restore(blob))

    require.NoError(t, dst.View(func(r Reader) error {
        var v map[string]int
        ok, err := GetJSON(r, Key("m", "1"), &v)
        require.NoError(t, err)
        require.True(t, ok)
        require.Equal(t, 1, v["x"])
        has, err := r.Has([]byte("stale"))
        require.NoError(t, err)
        require.False(t, has)
        return nil
    }))
}
