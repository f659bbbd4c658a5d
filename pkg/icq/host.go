// Package icq is the answering side of tally queries: it accepts
// registrations from requesting peers, hands out query ids and pushes each
// query's result once the native tally it refers to is published.
package icq

import (
    "encoding/json"
    "errors"
    "fmt"
    "strconv"
    "time"

    "github.com/amirimatin/go-intergov/pkg/gov"
    "github.com/amirimatin/go-intergov/pkg/store"
)

var (
    ErrInvalidSpec      = errors.New("icq: invalid query spec")
    ErrUnknownQuery     = errors.New("icq: unknown query")
    ErrAlreadyPublished = errors.New("icq: tally already published")
)

const (
    tblQueries = "icq_queries" // (query id) -> Registration
    tblTallies = "icq_tallies" // (native proposal id) -> TallyResult
    tblSeq     = "icq_seq"
)

// Registration is one accepted tally query.
type Registration struct {
    QueryID     gov.QueryID        `json:"query_id"`
    Spec        gov.TallyQuerySpec `json:"spec"`
    Registered  time.Time          `json:"registered"`
    Delivered   bool               `json:"delivered"`
    Attempts    int                `json:"attempts"`
    LastAttempt time.Time          `json:"last_attempt,omitempty"`
    LastError   string             `json:"last_error,omitempty"`
}

// Push is a result ready to be sent to the requester of a query.
type Push struct {
    To      gov.PeerID      `json:"to"`
    QueryID gov.QueryID     `json:"query_id"`
    Payload json.RawMessage `json:"payload"`
}

// Host keeps registrations and published tallies in its own store. That
// store belongs to one replica; a peer running several replicas only pushes
// the queries its current leader accepted.
type Host struct {
    self gov.PeerID
    st   store.Store
    now  func() time.Time
}

func NewHost(self gov.PeerID, st store.Store) *Host {
    return &Host{self: self, st: st, now: time.Now}
}

func tallyKey(native uint64) []byte { return store.Key(tblTallies, fmt.Sprintf("%020d", native)) }

// Register records spec and returns the id results will be pushed under.
// Ids are "<host>:<n>" so they stay unique across hosts.
func (h *Host) Register(spec gov.TallyQuerySpec) (gov.QueryID, error) {
    if spec.Requester == "" || spec.NativeProposalID == 0 {
        return "", fmt.Errorf("%w: requester and native proposal id are required", ErrInvalidSpec)
    }
    var id gov.QueryID
    err := h.st.Update(func(tx store.Txn) error {
        var n uint64
        if _, err := store.GetJSON(tx, store.Key(tblSeq), &n); err != nil { return err }
        n++
        if err := store.PutJSON(tx, store.Key(tblSeq), n); err != nil { return err }
        id = gov.QueryID(string(h.self) + ":" + strconv.FormatUint(n, 10))
        reg := Registration{QueryID: id, Spec: spec, Registered: h.now().UTC()}
        return store.PutJSON(tx, store.Key(tblQueries, string(id)), reg)
    })
    return id, err
}

// Publish makes the tally of a native proposal available. Published tallies
// are final.
func (h *Host) Publish(native uint64, tally gov.TallyResult) error {
    return h.st.Update(func(tx store.Txn) error {
        ok, err := tx.Has(tallyKey(native))
        if err != nil { return err }
        if ok { return fmt.Errorf("%w: native proposal %d", ErrAlreadyPublished, native) }
        return store.PutJSON(tx, tallyKey(native), tally)
    })
}

// Tally returns the published tally of a native proposal, if any.
func (h *Host) Tally(native uint64) (*gov.TallyResult, error) {
    var t gov.TallyResult
    var ok bool
    err := h.st.View(func(r store.Reader) (err error) {
        ok, err = store.GetJSON(r, tallyKey(native), &t)
        return err
    })
    if err != nil || !ok { return nil, err }
    return &t, nil
}

// Due lists undelivered queries whose tally is published and whose last
// attempt is older than backoff.
func (h *Host) Due(backoff time.Duration) ([]Push, error) {
    now := h.now()
    var out []Push
    err := h.st.View(func(r store.Reader) error {
        return r.Iterate(store.Prefix(tblQueries), func(_, v []byte) error {
            var reg Registration
            if err := json.Unmarshal(v, &reg); err != nil { return err }
            if reg.Delivered || (!reg.LastAttempt.IsZero() && now.Sub(reg.LastAttempt) < backoff) { return nil }
            raw, err := r.Get(tallyKey(reg.Spec.NativeProposalID))
            if errors.Is(err, store.ErrNotFound) { return nil }
            if err != nil { return err }
            out = append(out, Push{To: reg.Spec.Requester, QueryID: reg.QueryID, Payload: raw})
            return nil
        })
    })
    return out, err
}

// Settle records the outcome of one push attempt.
func (h *Host) Settle(id gov.QueryID, pushErr error) error {
    return h.st.Update(func(tx store.Txn) error {
        key := store.Key(tblQueries, string(id))
        var reg Registration
        ok, err := store.GetJSON(tx, key, &reg)
        if err != nil { return err }
        if !ok { return fmt.Errorf("%w: %s", ErrUnknownQuery, id) }
        reg.Attempts++
        reg.LastAttempt = h.now().UTC()
        reg.LastError = ""
        if pushErr != nil {
            reg.LastError = pushErr.Error()
        } else {
            reg.Delivered = true
        }
        return store.PutJSON(tx, key, reg)
    })
}

// Queries lists every registration in key order.
func (h *Host) Queries() ([]Registration, error) {
    var out []Registration
    err := h.st.View(func(r store.Reader) error {
        return r.Iterate(store.Prefix(tblQueries), func(_, v []byte) error {
            var reg Registration
            if err := json.Unmarshal(v, &reg); err != nil { return err }
            out = append(out, reg)
            return nil
        })
    })
    return out, err
}
