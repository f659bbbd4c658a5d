// Package discovery tells a node where its peers are: gossip seed addresses
// and the RPC endpoint each peer id is served at.
package discovery

import (
    "errors"
    "fmt"
    "maps"
    "slices"

    "github.com/amirimatin/go-intergov/pkg/gov"
)

var ErrUnknownPeer = errors.New("discovery: unknown peer")

// Discovery provides gossip seed addresses.
type Discovery interface {
    Seeds() []string
}

// Directory resolves a peer id to its RPC endpoint (host:port).
type Directory interface {
    Resolve(peer gov.PeerID) (string, bool)
}

// Map is a fixed directory.
type Map map[gov.PeerID]string

func (m Map) Resolve(p gov.PeerID) (string, bool) {
    a, ok := m[p]
    return a, ok && a != ""
}

// Peers lists the ids of m in order.
func (m Map) Peers() []gov.PeerID { return slices.Sorted(maps.Keys(m)) }

// Chain asks each directory in turn; the first answer wins.
type Chain []Directory

func (c Chain) Resolve(p gov.PeerID) (string, bool) {
    for _, d := range c {
        if d == nil { continue }
        if a, ok := d.Resolve(p); ok { return a, true }
    }
    return "", false
}

// Lookup is Resolve with an error for unknown peers.
func Lookup(d Directory, p gov.PeerID) (string, error) {
    if d != nil {
        if a, ok := d.Resolve(p); ok { return a, nil }
    }
    return "", fmt.Errorf("%w: %s", ErrUnknownPeer, p)
}
