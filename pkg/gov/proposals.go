package gov

import (
    "fmt"
    "strconv"

    "github.com/amirimatin/go-intergov/pkg/store"
    "github.com/amirimatin/go-intergov/pkg/syncstate"
)

func (e *Engine) propose(tx store.Txn, env Env, ev LocalPropose) (*Response, error) {
    if err := ev.Msg.Validate(); err != nil { return nil, err }
    if err := e.requireMembersFinalized(tx); err != nil { return nil, err }
    id, err := ev.Msg.ID()
    if err != nil { return nil, err }
    known, err := e.props.Known(tx, string(id))
    if err != nil { return nil, err }
    if known { return nil, fmt.Errorf("%w: %s", ErrProposalAlreadyExists, id) }
    if ev.Msg.Expiration.IsExpired(env.Block) { return nil, fmt.Errorf("%w: %s", ErrProposalExpired, ev.Msg.Expiration) }

    prop := ev.Msg.Proposal(ev.Sender, env.Self)
    rec := ProposalRecord{Proposal: prop, Vote: Yes}
    peers, err := e.externalPeers(tx, env.Self)
    if err != nil { return nil, err }
    resp := newResponse("propose").attr("proposal_id", string(id)).attr("peers", strconv.Itoa(len(peers)))

    if len(peers) == 0 {
        // alone in the group: nothing to agree on
        if err := e.props.Finalize(tx, string(id), &rec); err != nil { return nil, err }
        if err := store.PutJSON(tx, store.Key(tblVotes, string(id)), GovernanceVote{Vote: Yes, Governance: Manual()}); err != nil {
            return nil, err
        }
        if prop.Action.Kind == ActionUpdateMembers {
            out := ProposalOutcome{Passed: true, VotesFor: 1}
            if err := store.PutJSON(tx, store.Key(tblOutcomes, string(id)), out); err != nil { return nil, err }
            if err := e.changeMembers(tx, env, prop.Action.Members, true, resp); err != nil { return nil, err }
        }
        return resp.attr("phase", syncstate.Finalized.String()), nil
    }

    round, err := nextRound(tx, CallbackPropose)
    if err != nil { return nil, err }
    if err := e.props.Initiate(tx, string(id), rec, syncstate.NewAckSet(round, env.Block.Time, peers.Strings()...)); err != nil {
        return nil, err
    }
    for _, p := range peers {
        resp.Messages = append(resp.Messages, Outbound{
            To:       p,
            Msg:      ProposeProposal{ID: id, Proposal: prop, Target: p},
            Callback: Callback{Kind: CallbackPropose, Round: round, ProposalID: id, Peer: p},
        })
    }
    return resp.attr("phase", syncstate.Initiated.String()), nil
}

func (e *Engine) onProposeProposal(tx store.Txn, env Env, from PeerID, m ProposeProposal) (*Response, error) {
    if err := e.requireMembersFinalized(tx); err != nil { return nil, err }
    if m.Target != env.Self { return nil, fmt.Errorf("%w: addressed to %s", ErrWrongPeer, m.Target) }
    if m.Proposal.ProposerPeer != from {
        return nil, fmt.Errorf("%w: %s relayed a proposal of %s", ErrUnauthorizedSender, from, m.Proposal.ProposerPeer)
    }
    want, err := m.Proposal.Msg().ID()
    if err != nil { return nil, err }
    if want != m.ID { return nil, fmt.Errorf("%w: id %s does not match content", ErrInvalidProposal, m.ID) }
    known, err := e.props.Known(tx, string(m.ID))
    if err != nil { return nil, err }
    if known { return nil, fmt.Errorf("%w: %s", ErrProposalAlreadyExists, m.ID) }
    if err := e.props.Propose(tx, string(m.ID), ProposalRecord{Proposal: m.Proposal, Vote: NoVote}); err != nil {
        return nil, err
    }
    return newResponse("proposal_received").attr("proposal_id", string(m.ID)).attr("from", string(from)), nil
}

// roundMatches reports whether cb belongs to the current ack round of id.
func (e *Engine) roundMatches(r store.Reader, id ProposalID, cb Callback) (bool, error) {
    acks, ok, err := e.props.AckSet(r, string(id))
    if err != nil { return false, err }
    return ok && acks.Round == cb.Round, nil
}

// ackProposal removes cb.Peer from the current round. applied is false when
// the peer had already acknowledged it.
func (e *Engine) ackProposal(tx store.Txn, cb Callback) (applied, done bool, err error) {
    applied, err = e.props.ApplyAck(tx, string(cb.ProposalID), string(cb.Peer))
    if err != nil || !applied { return applied, false, err }
    outstanding, err := e.props.HasOutstandingAcks(tx, string(cb.ProposalID))
    return true, !outstanding, err
}

func (e *Engine) onProposeAck(tx store.Txn, cb Callback) (*Response, error) {
    ok, err := e.roundMatches(tx, cb.ProposalID, cb)
    if err != nil { return nil, err }
    if !ok { return staleAck(cb), nil }
    applied, done, err := e.ackProposal(tx, cb)
    if err != nil { return nil, err }
    if !applied { return staleAck(cb), nil }
    resp := newResponse("propose_ack").attr("proposal_id", string(cb.ProposalID)).attr("peer", string(cb.Peer))
    if !done { return resp, nil }
    if err := e.props.Promote(tx, string(cb.ProposalID)); err != nil { return nil, err }
    return resp.attr("phase", syncstate.Proposed.String()), nil
}

func (e *Engine) finalize(tx store.Txn, env Env, ev LocalFinalize) (*Response, error) {
    if err := e.requireMembersFinalized(tx); err != nil { return nil, err }
    id := string(ev.ID)
    rec, phase, pending, err := e.props.Pending(tx, id)
    if err != nil { return nil, err }
    switch phase {
    case syncstate.Finalized:
        has, err := e.props.Has(tx, id)
        if err != nil { return nil, err }
        if !has { return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, id) }
        return nil, fmt.Errorf("%w: %s is finalized", ErrNotProposed, id)
    case syncstate.Initiated:
        return nil, fmt.Errorf("%w: %s has not been acknowledged by every peer", ErrAwaitingAcks, id)
    }
    if !pending { return nil, fmt.Errorf("%w: %s", ErrNotProposed, id) }
    if rec.Proposal.ProposerPeer != env.Self { return nil, fmt.Errorf("%w: proposed by %s", ErrNotProposer, rec.Proposal.ProposerPeer) }
    outstanding, err := e.props.HasOutstandingAcks(tx, id)
    if err != nil { return nil, err }
    if outstanding { return nil, fmt.Errorf("%w: finalization of %s in progress", ErrAwaitingAcks, id) }

    peers, err := e.externalPeers(tx, env.Self)
    if err != nil { return nil, err }
    resp := newResponse("finalize").attr("proposal_id", id)
    if len(peers) == 0 {
        if err := e.props.Finalize(tx, id, nil); err != nil { return nil, err }
        return resp.attr("phase", syncstate.Finalized.String()), nil
    }
    round, err := nextRound(tx, CallbackFinalize)
    if err != nil { return nil, err }
    if err := e.props.SetOutstandingAcks(tx, id, syncstate.NewAckSet(round, env.Block.Time, peers.Strings()...)); err != nil {
        return nil, err
    }
    for _, p := range peers {
        resp.Messages = append(resp.Messages, Outbound{
            To:       p,
            Msg:      FinalizeProposal{ID: ev.ID},
            Callback: Callback{Kind: CallbackFinalize, Round: round, ProposalID: ev.ID, Peer: p},
        })
    }
    return resp.attr("phase", syncstate.Proposed.String()), nil
}

func (e *Engine) onFinalizeProposal(tx store.Txn, from PeerID, m FinalizeProposal) (*Response, error) {
    if err := e.requireMembersFinalized(tx); err != nil { return nil, err }
    rec, _, pending, err := e.props.Pending(tx, string(m.ID))
    if err != nil { return nil, err }
    if !pending { return nil, fmt.Errorf("%w: %s", syncstate.ErrNoProposedState, m.ID) }
    if rec.Proposal.ProposerPeer != from {
        return nil, fmt.Errorf("%w: %s is not the proposer of %s", ErrUnauthorizedSender, from, m.ID)
    }
    if err := e.props.Finalize(tx, string(m.ID), nil); err != nil { return nil, err }
    return newResponse("proposal_finalized").attr("proposal_id", string(m.ID)).attr("from", string(from)), nil
}

func (e *Engine) onFinalizeAck(tx store.Txn, cb Callback) (*Response, error) {
    ok, err := e.roundMatches(tx, cb.ProposalID, cb)
    if err != nil { return nil, err }
    if !ok { return staleAck(cb), nil }
    applied, done, err := e.ackProposal(tx, cb)
    if err != nil { return nil, err }
    if !applied { return staleAck(cb), nil }
    resp := newResponse("finalize_ack").attr("proposal_id", string(cb.ProposalID)).attr("peer", string(cb.Peer))
    if !done { return resp, nil }
    if err := e.props.Finalize(tx, string(cb.ProposalID), nil); err != nil { return nil, err }
    return resp.attr("phase", syncstate.Finalized.String()), nil
}
