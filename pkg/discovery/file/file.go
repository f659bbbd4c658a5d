// Package file reads a peer directory from disk. Each non-comment line holds
// one or more comma-separated id=host:port entries; the path may be a glob,
// in which case all matching files are merged.
package file

import (
    "bufio"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-intergov/pkg/discovery"
    "github.com/amirimatin/go-intergov/pkg/discovery/static"
    "github.com/amirimatin/go-intergov/pkg/gov"
)

// Options configures file/ENV-based discovery.
type Options struct {
    Path string
    // Env names an environment variable holding the same entries as a
    // comma-separated list. It overrides the file when set.
    Env string
    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration
}

// Dir is a Directory backed by files.
type Dir struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache discovery.Map
}

func New(opts Options) *Dir {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &Dir{opts: opts, cache: discovery.Map{}}
}

func (d *Dir) Resolve(p gov.PeerID) (string, bool) { return d.Peers().Resolve(p) }

// Peers returns the current directory, reloading it when the file changed
// or the cache is stale.
func (d *Dir) Peers() discovery.Map {
    d.mu.Lock()
    defer d.mu.Unlock()
    if d.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(d.opts.Env)); v != "" {
            m, _ := static.ParsePeers(v)
            return m
        }
    }
    if d.opts.Path == "" { return discovery.Map{} }
    now := time.Now()
    if st, err := os.Stat(d.opts.Path); err == nil {
        if st.ModTime().After(d.mtime) || now.Sub(d.last) >= d.opts.Refresh {
            d.cache = loadFile(d.opts.Path)
            d.last = now
            d.mtime = st.ModTime()
        }
        return clone(d.cache)
    }
    if now.Sub(d.last) < d.opts.Refresh && len(d.cache) > 0 { return clone(d.cache) }
    if matches, _ := filepath.Glob(d.opts.Path); len(matches) > 0 {
        merged := discovery.Map{}
        for _, m := range matches {
            for id, addr := range loadFile(m) { merged[id] = addr }
        }
        d.cache = merged
        d.last = now
    }
    return clone(d.cache)
}

func clone(m discovery.Map) discovery.Map {
    out := make(discovery.Map, len(m))
    for k, v := range m { out[k] = v }
    return out
}

// loadFile parses path, skipping malformed entries.
func loadFile(path string) discovery.Map {
    out := discovery.Map{}
    f, err := os.Open(path)
    if err != nil { return out }
    defer f.Close()
    s := bufio.NewScanner(f)
    for s.Scan() {
        line := strings.TrimSpace(s.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        for _, item := range static.Parse(line) {
            m, err := static.ParsePeers(item)
            if err != nil { continue }
            for id, addr := range m { out[id] = addr }
        }
    }
    return out
}

var _ discovery.Directory = (*Dir)(nil)
