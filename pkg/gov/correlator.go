package gov

import (
    "encoding/json"
    "fmt"
    "strconv"

    "github.com/amirimatin/go-intergov/pkg/store"
)

func govQueryKey(id ProposalID, peer PeerID) []byte {
    return store.Key(tblGovQueries, string(id), string(peer))
}

func replyKey(id ReplyID) []byte { return store.Key(tblPendingReplies, strconv.FormatUint(uint64(id), 10)) }
func queryKey(id QueryID) []byte { return store.Key(tblPendingQueries, string(id)) }

// govQueries returns the tally slots of id; nil entries are still pending.
func govQueries(r store.Reader, id ProposalID) (map[PeerID]*TallyResult, error) {
    out := make(map[PeerID]*TallyResult)
    err := r.Iterate(store.Prefix(tblGovQueries, string(id)), func(k, raw []byte) error {
        parts := store.Split(k)
        var t *TallyResult
        if err := json.Unmarshal(raw, &t); err != nil { return err }
        out[PeerID(parts[len(parts)-1])] = t
        return nil
    })
    return out, err
}

// requestGovVoteDetails registers a tally query for every peer that voted
// under native governance and has no query yet.
func (e *Engine) requestGovVoteDetails(tx store.Txn, env Env, ev LocalRequestGovVoteDetails) (*Response, error) {
    if _, err := e.committedProposal(tx, ev.ID); err != nil { return nil, err }
    started, err := tx.Has(store.Key(tblVoteRequests, string(ev.ID)))
    if err != nil { return nil, err }
    if !started { return nil, fmt.Errorf("%w: %s", ErrMissingVoteResults, ev.ID) }
    results, err := voteResults(tx, ev.ID)
    if err != nil { return nil, err }
    existing, err := govQueries(tx, ev.ID)
    if err != nil { return nil, err }

    resp := newResponse("request_gov_vote_details").attr("proposal_id", string(ev.ID))
    natives := 0
    for _, p := range sortedPeers(results) {
        gv := results[p]
        if gv == nil { return nil, fmt.Errorf("%w: %s still owes a vote", ErrVotesStillPending, p) }
        if gv.Governance.Kind != GovNative { continue }
        natives++
        if _, ok := existing[p]; ok { continue }
        n, err := nextSeq(tx, "reply")
        if err != nil { return nil, err }
        rid := ReplyID(n)
        if err := store.PutJSON(tx, replyKey(rid), PendingQuery{Peer: p, ProposalID: ev.ID}); err != nil { return nil, err }
        if err := tx.Set(govQueryKey(ev.ID, p), []byte("null")); err != nil { return nil, err }
        resp.Registrations = append(resp.Registrations, TallyRegistration{
            ReplyID: rid,
            To:      p,
            Spec:    TallyQuerySpec{NativeProposalID: gv.Governance.ProposalID, Requester: env.Self},
        })
    }
    if len(resp.Registrations) > 0 { return resp.attr("registrations", strconv.Itoa(len(resp.Registrations))), nil }
    if natives == 0 { return nil, fmt.Errorf("%w: %s", ErrNoNativeVotes, ev.ID) }
    for _, t := range existing {
        if t == nil { return nil, fmt.Errorf("%w: %s", ErrTallyQueriesPending, ev.ID) }
    }
    return nil, fmt.Errorf("%w: %s", ErrTalliesComplete, ev.ID)
}

func (e *Engine) tallyRegistered(tx store.Txn, ev TallyRegistered) (*Response, error) {
    var pq PendingQuery
    ok, err := store.GetJSON(tx, replyKey(ev.ReplyID), &pq)
    if err != nil { return nil, err }
    if !ok { return nil, fmt.Errorf("%w: %d", ErrUnknownReply, ev.ReplyID) }
    if err := tx.Delete(replyKey(ev.ReplyID)); err != nil { return nil, err }
    resp := newResponse("tally_registered").attr("proposal_id", string(pq.ProposalID)).attr("peer", string(pq.Peer))
    if ev.Err != "" {
        // forget the slot so a later request registers it again
        if err := tx.Delete(govQueryKey(pq.ProposalID, pq.Peer)); err != nil { return nil, err }
        resp.Action = "tally_registration_failed"
        return resp.attr("error", ev.Err), nil
    }
    if ev.QueryID == "" { return nil, fmt.Errorf("%w: empty query id for reply %d", ErrUnknownQuery, ev.ReplyID) }
    if err := store.PutJSON(tx, queryKey(ev.QueryID), pq); err != nil { return nil, err }
    return resp.attr("query_id", string(ev.QueryID)), nil
}

func (e *Engine) tallyPushed(tx store.Txn, ev TallyPushed) (*Response, error) {
    var pq PendingQuery
    ok, err := store.GetJSON(tx, queryKey(ev.QueryID), &pq)
    if err != nil { return nil, err }
    if !ok { return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, ev.QueryID) }
    if ev.From != pq.Peer {
        return nil, fmt.Errorf("%w: %s pushed query %s registered with %s", ErrUnauthorizedSender, ev.From, ev.QueryID, pq.Peer)
    }
    var tally TallyResult
    if err := json.Unmarshal(ev.Payload, &tally); err != nil { return nil, fmt.Errorf("%w: %w", ErrInvalidTally, err) }
    if err := tx.Delete(queryKey(ev.QueryID)); err != nil { return nil, err }
    if err := store.PutJSON(tx, govQueryKey(pq.ProposalID, pq.Peer), tally); err != nil { return nil, err }
    return newResponse("tally_received").
        attr("proposal_id", string(pq.ProposalID)).
        attr("peer", string(pq.Peer)).
        attr("query_id", string(ev.QueryID)).
        attr("yes", dec(tally.Yes)), nil
}
