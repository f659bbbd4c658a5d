package static

import (
    "fmt"
    "strings"

    "github.com/amirimatin/go-intergov/pkg/discovery"
    "github.com/amirimatin/go-intergov/pkg/gov"
)

type staticSeeds struct {
    seeds []string
}

func (s *staticSeeds) Seeds() []string { return append([]string(nil), s.seeds...) }

// New returns a Discovery that always returns the given seeds.
func New(seeds ...string) discovery.Discovery {
    return &staticSeeds{seeds: Parse(strings.Join(seeds, ","))}
}

// Parse converts a comma-separated list into []string seeds.
func Parse(csv string) []string {
    if csv == "" {
        return nil
    }
    parts := strings.Split(csv, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts {
        p = strings.TrimSpace(p)
        if p != "" {
            out = append(out, p)
        }
    }
    return out
}

// ParsePeers reads a comma-separated list of id=host:port pairs.
func ParsePeers(csv string) (discovery.Map, error) {
    out := discovery.Map{}
    for _, item := range Parse(csv) {
        id, addr, ok := strings.Cut(item, "=")
        id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
        if !ok || id == "" || addr == "" {
            return nil, fmt.Errorf("static: bad peer entry %q, want id=host:port", item)
        }
        out[gov.PeerID(id)] = addr
    }
    return out, nil
}
