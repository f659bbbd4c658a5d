package syncstate

import (
    "encoding/json"
    "fmt"
    "slices"
    "time"
)

// Phase is the synchronization phase of a key. A key without an overlay
// entry is Finalized.
type Phase uint8

const (
    Finalized Phase = iota
    Initiated
    Proposed
)

func (p Phase) String() string {
    switch p {
    case Finalized:
        return "finalized"
    case Initiated:
        return "initiated"
    case Proposed:
        return "proposed"
    default:
        return fmt.Sprintf("phase(%d)", uint8(p))
    }
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
    switch string(b) {
    case "finalized":
        *p = Finalized
    case "initiated":
        *p = Initiated
    case "proposed":
        *p = Proposed
    default:
        return fmt.Errorf("syncstate: unknown phase %q", b)
    }
    return nil
}

// tag is the single-letter key suffix used in the overlay key space.
func (p Phase) tag() string {
    if p == Initiated { return "i" }
    return "p"
}

type ChangeKind string

const (
    // ChangeBackup holds a pre-change snapshot for inspection only.
    ChangeBackup ChangeKind = "backup"
    // ChangeProposal holds the value awaiting agreement.
    ChangeProposal ChangeKind = "proposal"
)

// StateChange is the payload of an overlay entry.
type StateChange struct {
    Kind  ChangeKind      `json:"kind"`
    Value json.RawMessage `json:"value"`
}

// AckSet is the set of peers whose acknowledgment is still awaited for the
// current round on a key.
type AckSet struct {
    Round string    `json:"round"`
    Peers []string  `json:"peers"`
    Since time.Time `json:"since"`
}

// Empty reports whether no acknowledgment is outstanding.
func (a AckSet) Empty() bool { return len(a.Peers) == 0 }

// NewAckSet normalizes peers into a sorted set.
func NewAckSet(round string, since time.Time, peers ...string) AckSet {
    out := slices.Clone(peers)
    slices.Sort(out)
    out = slices.Compact(out)
    return AckSet{Round: round, Peers: out, Since: since}
}

// State describes one overlay entry for listings.
type State struct {
    Key    string          `json:"key"`
    Phase  Phase           `json:"phase"`
    Change StateChange     `json:"change"`
    Acks   *AckSet         `json:"acks,omitempty"`
}
