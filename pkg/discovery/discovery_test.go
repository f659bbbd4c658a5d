package discovery

import (
    "errors"
    "testing"

    "github.com/amirimatin/go-intergov/pkg/gov"
)

func TestChain_FirstAnswerWins(t *testing.T) {
    c := Chain{nil, Map{"a": "10.0.0.1:1"}, Map{"a": "10.0.0.2:1", "b": "10.0.0.2:2", "c": ""}}
    if a, ok := c.Resolve("a"); !ok || a != "10.0.0.1:1" { t.Fatalf("a = %q %v", a, ok) }
    if a, ok := c.Resolve("b"); !ok || a != "10.0.0.2:2" { t.Fatalf("b = %q %v", a, ok) }
    if _, ok := c.Resolve("c"); ok { t.Fatalf("empty address must not resolve") }
    if _, err := Lookup(c, "z"); !errors.Is(err, ErrUnknownPeer) { t.Fatalf("expected ErrUnknownPeer, got %v", err) }
    if _, err := Lookup(nil, "a"); !errors.Is(err, ErrUnknownPeer) { t.Fatalf("nil directory: %v", err) }
}

func TestMap_Peers(t *testing.T) {
    got := Map{"c": "x", "a": "y"}.Peers()
    if len(got) != 2 || got[0] != gov.PeerID("a") || got[1] != gov.PeerID("c") { t.Fatalf("peers %v", got) }
}
