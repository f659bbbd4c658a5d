package gov

import (
    "maps"
    "slices"

    "github.com/amirimatin/go-intergov/pkg/store"
    "github.com/amirimatin/go-intergov/pkg/syncstate"
)

func sortedPeers[V any](m map[PeerID]V) []PeerID { return slices.Sorted(maps.Keys(m)) }

type MembersView struct {
    Members Members           `json:"members"`
    Phase   syncstate.Phase   `json:"phase"`
    Pending Members           `json:"pending,omitempty"`
    Acks    *syncstate.AckSet `json:"acks,omitempty"`
}

func (e *Engine) Members(r store.Reader) (MembersView, error) {
    var v MembersView
    m, err := e.members.Load(r)
    if err != nil { return v, err }
    v.Members = m
    next, phase, pending, err := e.members.Pending(r)
    if err != nil { return v, err }
    v.Phase = phase
    if pending { v.Pending = next }
    if acks, ok, err := e.members.AckSet(r); err != nil {
        return v, err
    } else if ok && !acks.Empty() {
        v.Acks = &acks
    }
    return v, nil
}

// ProposalView is a proposal together with everything known about it.
type ProposalView struct {
    ID       ProposalID        `json:"id"`
    Phase    syncstate.Phase   `json:"phase"`
    Proposal Proposal          `json:"proposal"`
    Vote     Vote              `json:"vote"`
    Acks     *syncstate.AckSet `json:"acks,omitempty"`
    Outcome  *ProposalOutcome  `json:"outcome,omitempty"`
}

// Proposal describes id whether it is committed or still in an overlay.
func (e *Engine) Proposal(r store.Reader, id ProposalID) (ProposalView, error) {
    v := ProposalView{ID: id}
    rec, phase, pending, err := e.props.Pending(r, string(id))
    if err != nil { return v, err }
    v.Phase = phase
    if !pending {
        if rec, err = e.committedProposal(r, id); err != nil { return v, err }
    }
    v.Proposal, v.Vote = rec.Proposal, rec.Vote
    if acks, ok, err := e.props.AckSet(r, string(id)); err != nil {
        return v, err
    } else if ok && !acks.Empty() {
        v.Acks = &acks
    }
    var out ProposalOutcome
    ok, err := store.GetJSON(r, store.Key(tblOutcomes, string(id)), &out)
    if err != nil { return v, err }
    if ok { v.Outcome = &out }
    return v, nil
}

// Proposals lists committed proposals in id order.
func (e *Engine) Proposals(r store.Reader) ([]ProposalView, error) {
    var ids []ProposalID
    if err := e.props.Range(r, func(k string, _ ProposalRecord) bool {
        ids = append(ids, ProposalID(k))
        return true
    }); err != nil {
        return nil, err
    }
    out := make([]ProposalView, 0, len(ids))
    for _, id := range ids {
        v, err := e.Proposal(r, id)
        if err != nil { return nil, err }
        out = append(out, v)
    }
    return out, nil
}

// ProposalStates lists proposals still Initiated or Proposed.
func (e *Engine) ProposalStates(r store.Reader) ([]syncstate.State, error) { return e.props.States(r) }

func (e *Engine) ProposalState(r store.Reader, id ProposalID) (syncstate.Phase, *syncstate.AckSet, error) {
    phase, err := e.props.Phase(r, string(id))
    if err != nil { return phase, nil, err }
    acks, ok, err := e.props.AckSet(r, string(id))
    if err != nil || !ok { return phase, nil, err }
    return phase, &acks, nil
}

// VoteResults returns the collected peer votes; nil entries are pending.
func (e *Engine) VoteResults(r store.Reader, id ProposalID) (map[PeerID]*GovernanceVote, error) {
    return voteResults(r, id)
}

func (e *Engine) Outcome(r store.Reader, id ProposalID) (*ProposalOutcome, error) {
    var out ProposalOutcome
    ok, err := store.GetJSON(r, store.Key(tblOutcomes, string(id)), &out)
    if err != nil || !ok { return nil, err }
    return &out, nil
}

// GovVoteQueries returns the tally slots of id; nil entries are pending.
func (e *Engine) GovVoteQueries(r store.Reader, id ProposalID) (map[PeerID]*TallyResult, error) {
    return govQueries(r, id)
}

// RoundStatus is one ack round still waiting on peers.
type RoundStatus struct {
    Key  string           `json:"key"`
    Acks syncstate.AckSet `json:"acks"`
}

// OutstandingAcks lists every open ack round, membership first.
func (e *Engine) OutstandingAcks(r store.Reader) ([]RoundStatus, error) {
    var out []RoundStatus
    acks, ok, err := e.members.AckSet(r)
    if err != nil { return nil, err }
    if ok && !acks.Empty() { out = append(out, RoundStatus{Key: "members", Acks: acks}) }
    props, err := e.props.OutstandingAcks(r)
    if err != nil { return nil, err }
    for _, k := range slices.Sorted(maps.Keys(props)) {
        out = append(out, RoundStatus{Key: k, Acks: props[k]})
    }
    return out, nil
}

// PendingTallyQueries counts registered queries still waiting for a push.
func (e *Engine) PendingTallyQueries(r store.Reader) (int, error) {
    n := 0
    err := r.Iterate(store.Prefix(tblPendingQueries), func(_, _ []byte) error {
        n++
        return nil
    })
    return n, err
}
