package file

import (
    "os"
    "path/filepath"
    "testing"
    "time"
)

func TestEnvOverridesFile(t *testing.T) {
    dir := t.TempDir()
    f := filepath.Join(dir, "peers.txt")
    if err := os.WriteFile(f, []byte("a=h:1\n"), 0o644); err != nil { t.Fatal(err) }

    const envName = "TEST_INTERGOV_PEERS"
    t.Setenv(envName, "x=h:9,y=h:8")

    d := New(Options{Path: f, Env: envName, Refresh: 5 * time.Millisecond})
    if _, ok := d.Resolve("a"); ok { t.Fatalf("env must override the file") }
    if addr, ok := d.Resolve("y"); !ok || addr != "h:8" { t.Fatalf("y = %q", addr) }
}

func TestFileReadAndCacheRefresh(t *testing.T) {
    dir := t.TempDir()
    f := filepath.Join(dir, "peers.txt")
    if err := os.WriteFile(f, []byte("# group\na=h:1\nb=h:2, broken\n"), 0o644); err != nil { t.Fatal(err) }

    d := New(Options{Path: f, Refresh: 10 * time.Millisecond})
    got := d.Peers()
    if len(got) != 2 || got["a"] != "h:1" || got["b"] != "h:2" {
        t.Fatalf("unexpected initial peers: %#v", got)
    }

    if err := os.WriteFile(f, []byte("b=h:3\nc=h:4\n"), 0o644); err != nil { t.Fatal(err) }
    time.Sleep(15 * time.Millisecond)

    got = d.Peers()
    if len(got) != 2 || got["b"] != "h:3" || got["c"] != "h:4" {
        t.Fatalf("expected refreshed peers, got %#v", got)
    }
}

func TestGlobMerges(t *testing.T) {
    dir := t.TempDir()
    if err := os.WriteFile(filepath.Join(dir, "a.peers"), []byte("a=h:1\nb=h:2\n"), 0o644); err != nil { t.Fatal(err) }
    if err := os.WriteFile(filepath.Join(dir, "b.peers"), []byte("c=h:3\n"), 0o644); err != nil { t.Fatal(err) }

    d := New(Options{Path: filepath.Join(dir, "*.peers"), Refresh: 5 * time.Millisecond})
    got := d.Peers().Peers()
    if len(got) != 3 || got[0] != "a" || got[2] != "c" {
        t.Fatalf("unexpected peers %v", got)
    }
}
