package gov

import (
    "encoding/json"
    "fmt"
    "strconv"

    "github.com/amirimatin/go-intergov/pkg/store"
    "github.com/amirimatin/go-intergov/pkg/syncstate"
)

// committedProposal loads a proposal that has left its overlay phases.
func (e *Engine) committedProposal(r store.Reader, id ProposalID) (ProposalRecord, error) {
    rec, ok, err := e.props.MayLoad(r, string(id))
    if err != nil { return rec, err }
    if ok { return rec, nil }
    phase, err := e.props.Phase(r, string(id))
    if err != nil { return rec, err }
    if phase != syncstate.Finalized { return rec, fmt.Errorf("%w: %s is %s", ErrProposalNotFinalized, id, phase) }
    return rec, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
}

func (e *Engine) vote(tx store.Txn, env Env, ev LocalVote) (*Response, error) {
    if err := ev.Vote.Validate(); err != nil { return nil, err }
    if err := ev.Governance.Validate(); err != nil { return nil, err }
    rec, err := e.committedProposal(tx, ev.ID)
    if err != nil { return nil, err }
    if rec.Proposal.Expiration.IsExpired(env.Block) { return nil, fmt.Errorf("%w: %s", ErrProposalExpired, ev.ID) }
    rec.Vote = ev.Vote
    if err := e.props.Finalize(tx, string(ev.ID), &rec); err != nil { return nil, err }
    gv := GovernanceVote{Vote: ev.Vote, Governance: ev.Governance}
    if err := store.PutJSON(tx, store.Key(tblVotes, string(ev.ID)), gv); err != nil { return nil, err }
    return newResponse("vote").
        attr("proposal_id", string(ev.ID)).
        attr("vote", ev.Vote.String()).
        attr("governance", string(ev.Governance.Kind)), nil
}

// QueryVote answers a peer's GetVote for id. A node that never voted reports
// the vote stored with the proposal under manual governance.
func (e *Engine) QueryVote(r store.Reader, self PeerID, id ProposalID) (VoteResponse, error) {
    rec, err := e.committedProposal(r, id)
    if err != nil { return VoteResponse{}, err }
    gv := GovernanceVote{Vote: rec.Vote, Governance: Manual()}
    if _, err := store.GetJSON(r, store.Key(tblVotes, string(id)), &gv); err != nil { return VoteResponse{}, err }
    return VoteResponse{ProposalID: id, Peer: self, Vote: gv}, nil
}

// voteResults returns every result slot of id; nil entries are still pending.
func voteResults(r store.Reader, id ProposalID) (map[PeerID]*GovernanceVote, error) {
    out := make(map[PeerID]*GovernanceVote)
    err := r.Iterate(store.Prefix(tblVoteResults, string(id)), func(k, raw []byte) error {
        parts := store.Split(k)
        var gv *GovernanceVote
        if err := json.Unmarshal(raw, &gv); err != nil { return err }
        out[PeerID(parts[len(parts)-1])] = gv
        return nil
    })
    return out, err
}

func (e *Engine) requestVoteResults(tx store.Txn, env Env, ev LocalRequestVoteResults) (*Response, error) {
    rec, err := e.committedProposal(tx, ev.ID)
    if err != nil { return nil, err }
    if !rec.Proposal.Expiration.IsExpired(env.Block) { return nil, fmt.Errorf("%w: until %s", ErrProposalStillOpen, rec.Proposal.Expiration) }
    started, err := tx.Has(store.Key(tblVoteRequests, string(ev.ID)))
    if err != nil { return nil, err }
    if started {
        results, err := voteResults(tx, ev.ID)
        if err != nil { return nil, err }
        for _, gv := range results {
            if gv == nil { return nil, fmt.Errorf("%w: %s", ErrVotesStillPending, ev.ID) }
        }
        return nil, fmt.Errorf("%w: %s", ErrVotesAlreadyFinalized, ev.ID)
    }
    peers, err := e.externalPeers(tx, env.Self)
    if err != nil { return nil, err }
    if err := tx.Set(store.Key(tblVoteRequests, string(ev.ID)), []byte{1}); err != nil { return nil, err }
    resp := newResponse("request_vote_results").attr("proposal_id", string(ev.ID)).attr("peers", strconv.Itoa(len(peers)))
    for _, p := range peers {
        if err := tx.Set(store.Key(tblVoteResults, string(ev.ID), string(p)), []byte("null")); err != nil { return nil, err }
        resp.VoteQueries = append(resp.VoteQueries, VoteQuery{To: p, ProposalID: ev.ID})
    }
    return resp, nil
}

// resetVoteRequests forgets a request round so it can be started again.
func resetVoteRequests(tx store.Txn, id ProposalID) error {
    var keys [][]byte
    err := tx.Iterate(store.Prefix(tblVoteResults, string(id)), func(k, _ []byte) error {
        keys = append(keys, k)
        return nil
    })
    if err != nil { return err }
    for _, k := range keys {
        if err := tx.Delete(k); err != nil { return err }
    }
    return tx.Delete(store.Key(tblVoteRequests, string(id)))
}

func (e *Engine) voteQueryResult(tx store.Txn, env Env, ev VoteQueryResult) (*Response, error) {
    key := store.Key(tblVoteResults, string(ev.ProposalID), string(ev.Peer))
    var slot *GovernanceVote
    ok, err := store.GetJSON(tx, key, &slot)
    if err != nil { return nil, err }
    if !ok { return nil, fmt.Errorf("%w: %s from %s", ErrUnrequestedVote, ev.ProposalID, ev.Peer) }
    if slot != nil { return nil, fmt.Errorf("%w: %s from %s", ErrExistingVoteResult, ev.ProposalID, ev.Peer) }

    if ev.Err != "" {
        if err := resetVoteRequests(tx, ev.ProposalID); err != nil { return nil, err }
        return newResponse("vote_results_reset").
            attr("proposal_id", string(ev.ProposalID)).
            attr("peer", string(ev.Peer)).
            attr("error", ev.Err), nil
    }
    r := ev.Response
    if r == nil { return nil, fmt.Errorf("%w: empty vote response from %s", ErrInvalidVote, ev.Peer) }
    if r.Peer != ev.Peer || r.ProposalID != ev.ProposalID {
        return nil, fmt.Errorf("%w: asked %s about %s, answered %s about %s", ErrWrongPeer, ev.Peer, ev.ProposalID, r.Peer, r.ProposalID)
    }
    if err := r.Vote.Vote.Validate(); err != nil { return nil, err }
    if err := r.Vote.Governance.Validate(); err != nil { return nil, err }
    if err := store.PutJSON(tx, key, r.Vote); err != nil { return nil, err }
    return newResponse("vote_result").
        attr("proposal_id", string(ev.ProposalID)).
        attr("peer", string(ev.Peer)).
        attr("vote", r.Vote.Vote.String()), nil
}

// Tally counts own vote plus every collected peer vote.
func Tally(own Vote, peers []GovernanceVote, th Threshold) ProposalOutcome {
    var out ProposalOutcome
    count := func(v Vote) {
        if v.InFavor() {
            out.VotesFor++
        } else {
            out.VotesAgainst++
        }
    }
    count(own)
    for _, gv := range peers { count(gv.Vote) }
    switch th {
    case ThresholdUnanimous:
        out.Passed = out.VotesAgainst == 0 && out.VotesFor > 0
    default:
        out.Passed = out.VotesFor > out.VotesAgainst
    }
    return out
}

func (e *Engine) execute(tx store.Txn, env Env, ev LocalExecute) (*Response, error) {
    rec, err := e.committedProposal(tx, ev.ID)
    if err != nil { return nil, err }
    done, err := tx.Has(store.Key(tblOutcomes, string(ev.ID)))
    if err != nil { return nil, err }
    if done { return nil, fmt.Errorf("%w: %s", ErrProposalAlreadyExecuted, ev.ID) }
    if !rec.Proposal.Expiration.IsExpired(env.Block) { return nil, fmt.Errorf("%w: until %s", ErrProposalStillOpen, rec.Proposal.Expiration) }
    started, err := tx.Has(store.Key(tblVoteRequests, string(ev.ID)))
    if err != nil { return nil, err }
    if !started { return nil, fmt.Errorf("%w: %s", ErrMissingVoteResults, ev.ID) }
    results, err := voteResults(tx, ev.ID)
    if err != nil { return nil, err }
    votes := make([]GovernanceVote, 0, len(results))
    for p, gv := range results {
        if gv == nil { return nil, fmt.Errorf("%w: %s still owes a vote", ErrVotesStillPending, p) }
        votes = append(votes, *gv)
    }

    out := Tally(rec.Vote, votes, rec.Proposal.Threshold)
    if err := store.PutJSON(tx, store.Key(tblOutcomes, string(ev.ID)), out); err != nil { return nil, err }
    resp := newResponse("execute").
        attr("proposal_id", string(ev.ID)).
        attr("passed", strconv.FormatBool(out.Passed)).
        attr("votes_for", strconv.FormatUint(out.VotesFor, 10)).
        attr("votes_against", strconv.FormatUint(out.VotesAgainst, 10))

    // the result goes to the group as it was when the vote ran
    peers, err := e.externalPeers(tx, env.Self)
    if err != nil { return nil, err }
    if out.Passed && rec.Proposal.Action.Kind == ActionUpdateMembers {
        if err := e.changeMembers(tx, env, rec.Proposal.Action.Members, true, resp); err != nil { return nil, err }
    }
    if len(peers) == 0 { return resp, nil }
    round, err := nextRound(tx, CallbackResult)
    if err != nil { return nil, err }
    if err := e.props.SetOutstandingAcks(tx, string(ev.ID), syncstate.NewAckSet(round, env.Block.Time, peers.Strings()...)); err != nil {
        return nil, err
    }
    for _, p := range peers {
        resp.Messages = append(resp.Messages, Outbound{
            To:       p,
            Msg:      ProposalResult{ID: ev.ID, Outcome: out},
            Callback: Callback{Kind: CallbackResult, Round: round, ProposalID: ev.ID, Peer: p},
        })
    }
    return resp, nil
}

func (e *Engine) onProposalResult(tx store.Txn, env Env, from PeerID, m ProposalResult) (*Response, error) {
    rec, err := e.committedProposal(tx, m.ID)
    if err != nil { return nil, err }
    if rec.Proposal.ProposerPeer != from {
        return nil, fmt.Errorf("%w: %s is not the proposer of %s", ErrUnauthorizedSender, from, m.ID)
    }
    key := store.Key(tblOutcomes, string(m.ID))
    var prev ProposalOutcome
    ok, err := store.GetJSON(tx, key, &prev)
    if err != nil { return nil, err }
    resp := newResponse("proposal_result").attr("proposal_id", string(m.ID)).attr("passed", strconv.FormatBool(m.Outcome.Passed))
    if ok {
        if prev != m.Outcome { return nil, fmt.Errorf("%w: %s", ErrOutcomeConflict, m.ID) }
        return resp.attr("duplicate", "true"), nil
    }
    if err := store.PutJSON(tx, key, m.Outcome); err != nil { return nil, err }
    if m.Outcome.Passed && rec.Proposal.Action.Kind == ActionUpdateMembers {
        if err := e.changeMembers(tx, env, rec.Proposal.Action.Members, false, resp); err != nil { return nil, err }
    }
    return resp, nil
}

func (e *Engine) onResultAck(tx store.Txn, cb Callback) (*Response, error) {
    ok, err := e.roundMatches(tx, cb.ProposalID, cb)
    if err != nil { return nil, err }
    if !ok { return staleAck(cb), nil }
    applied, done, err := e.ackProposal(tx, cb)
    if err != nil { return nil, err }
    if !applied { return staleAck(cb), nil }
    return newResponse("result_ack").
        attr("proposal_id", string(cb.ProposalID)).
        attr("peer", string(cb.Peer)).
        attr("complete", strconv.FormatBool(done)), nil
}
