package gov

import (
    "fmt"

    "github.com/amirimatin/go-intergov/pkg/store"
    "github.com/amirimatin/go-intergov/pkg/syncstate"
)

// requireMembersFinalized gates every operation that depends on who the
// members are.
func (e *Engine) requireMembersFinalized(r store.Reader) error {
    return notFinalized(e.members.AssertFinalized(r))
}

// externalPeers returns the committed members other than self.
func (e *Engine) externalPeers(r store.Reader, self PeerID) (Members, error) {
    m, err := e.members.Load(r)
    if err != nil { return nil, err }
    return m.Without(self), nil
}

// changeMembers applies an UpdateMembers action. A set without self means
// leaving the group, which resets membership to self alone. When invite is
// set, newly added peers receive a JoinGroup and the change stays Initiated
// until all of them acknowledge it.
func (e *Engine) changeMembers(tx store.Txn, env Env, next Members, invite bool, resp *Response) error {
    if err := e.requireMembersFinalized(tx); err != nil { return err }
    if !next.Contains(env.Self) {
        solo := NewMembers(env.Self)
        resp.attr("members", "left")
        return e.members.Finalize(tx, &solo)
    }
    cur, err := e.members.Load(tx)
    if err != nil { return err }
    invitees := next.Minus(cur).Without(env.Self)
    if !invite || len(invitees) == 0 {
        resp.attr("members", "updated")
        return e.members.Finalize(tx, &next)
    }
    round, err := nextRound(tx, CallbackJoin)
    if err != nil { return err }
    if err := e.members.Initiate(tx, next, syncstate.NewAckSet(round, env.Block.Time, invitees.Strings()...)); err != nil {
        return notFinalized(err)
    }
    for _, p := range invitees {
        resp.Messages = append(resp.Messages, Outbound{
            To:       p,
            Msg:      JoinGroup{Members: next},
            Callback: Callback{Kind: CallbackJoin, Round: round, Peer: p},
        })
    }
    resp.attr("members", "inviting").attr("invitees", fmt.Sprint(invitees.Strings()))
    return nil
}

// onJoinGroup accepts an invitation when every other member is on the allow
// list and the set includes this node.
func (e *Engine) onJoinGroup(tx store.Txn, env Env, from PeerID, m JoinGroup) (*Response, error) {
    if err := e.requireMembersFinalized(tx); err != nil { return nil, err }
    next := NewMembers(m.Members...)
    if !next.Contains(env.Self) { return nil, fmt.Errorf("%w: %s is not in the invited set", ErrWrongPeer, env.Self) }
    if !next.Contains(from) { return nil, fmt.Errorf("%w: inviter %s is not in the invited set", ErrUnauthorizedSender, from) }
    for _, p := range next.Without(env.Self) {
        if !e.allow[p] { return nil, fmt.Errorf("%w: %s is not allowed to join", ErrUnauthorizedSender, p) }
    }
    if err := e.members.Finalize(tx, &next); err != nil { return nil, err }
    return newResponse("join_group").attr("from", string(from)).attr("members", fmt.Sprint(next.Strings())), nil
}

func (e *Engine) onJoinAck(tx store.Txn, cb Callback) (*Response, error) {
    acks, ok, err := e.members.AckSet(tx)
    if err != nil { return nil, err }
    if !ok || acks.Round != cb.Round { return staleAck(cb), nil }
    if _, err := e.members.ApplyAck(tx, string(cb.Peer)); err != nil { return nil, err }
    resp := newResponse("join_ack").attr("peer", string(cb.Peer))
    outstanding, err := e.members.HasOutstandingAcks(tx)
    if err != nil || outstanding { return resp, err }
    next, _, pending, err := e.members.Pending(tx)
    if err != nil { return nil, err }
    if !pending { return resp, nil }
    if err := e.members.Finalize(tx, &next); err != nil { return nil, err }
    return resp.attr("members", fmt.Sprint(next.Strings())), nil
}
