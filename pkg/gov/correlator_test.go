package gov

import (
    "encoding/json"
    "testing"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-intergov/pkg/store"
)

// collectedNet returns a three peer group whose votes on a proposal have
// been collected: b voted under native governance, c manually.
func collectedNet(t *testing.T) (*testNet, ProposalID) {
    t.Helper()
    n := formGroup(t, "a", "b", "c")
    id := n.agree("a", signalMsg("tally"))
    n.must("b", LocalVote{ID: id, Vote: Yes, Governance: Native(7)})
    n.must("c", LocalVote{ID: id, Vote: No, Governance: Manual()})
    n.block.Height = 10
    n.must("a", LocalRequestVoteResults{ID: id})
    return n, id
}

func (n *testNet) govQueries(p PeerID, id ProposalID) (out map[PeerID]*TallyResult) {
    n.view(p, func(e *Engine, r store.Reader) (err error) {
        out, err = e.GovVoteQueries(r, id)
        return err
    })
    return out
}

func TestCorrelator_RegisterAndPush(t *testing.T) {
    n, id := collectedNet(t)

    resp := n.must("a", LocalRequestGovVoteDetails{ID: id})
    require.Len(t, resp.Registrations, 1)
    reg := resp.Registrations[0]
    require.Equal(t, PeerID("b"), reg.To)
    require.Equal(t, TallyQuerySpec{NativeProposalID: 7, Requester: "a"}, reg.Spec)

    _, err := n.run("a", LocalRequestGovVoteDetails{ID: id})
    require.ErrorIs(t, err, ErrTallyQueriesPending)

    _, err = n.apply("a", TallyPushed{From: "b", QueryID: "b:1", Payload: json.RawMessage(`{"yes":"1"}`)})
    require.ErrorIs(t, err, ErrUnknownQuery)

    n.must("a", TallyRegistered{ReplyID: reg.ReplyID, QueryID: "b:1"})
    _, err = n.apply("a", TallyRegistered{ReplyID: reg.ReplyID, QueryID: "b:1"})
    require.ErrorIs(t, err, ErrUnknownReply)

    var pending int
    n.view("a", func(e *Engine, r store.Reader) (err error) {
        pending, err = e.PendingTallyQueries(r)
        return err
    })
    require.Equal(t, 1, pending)

    _, err = n.apply("a", TallyPushed{From: "b", QueryID: "b:1", Payload: json.RawMessage(`{"yes":"nope"}`)})
    require.ErrorIs(t, err, ErrInvalidTally)

    // only the host the query was registered with may answer it
    _, err = n.apply("a", TallyPushed{From: "c", QueryID: "b:1", Payload: json.RawMessage(`{"yes":"5"}`)})
    require.ErrorIs(t, err, ErrUnauthorizedSender)
    require.Nil(t, n.govQueries("a", id)["b"])

    n.must("a", TallyPushed{From: "b", QueryID: "b:1", Payload: json.RawMessage(`{"yes":"1000","no":"20","abstain":"3","no_with_veto":"0"}`)})
    got := n.govQueries("a", id)
    require.Len(t, got, 1)
    require.NotNil(t, got["b"])
    require.Equal(t, uint64(1000), got["b"].Yes.Uint64())
    require.Equal(t, uint64(1023), got["b"].Total().Uint64())

    // a second push for the same query is no longer correlated
    _, err = n.apply("a", TallyPushed{From: "b", QueryID: "b:1", Payload: json.RawMessage(`{"yes":"1"}`)})
    require.ErrorIs(t, err, ErrUnknownQuery)
    _, err = n.run("a", LocalRequestGovVoteDetails{ID: id})
    require.ErrorIs(t, err, ErrTalliesComplete)
}

func TestCorrelator_RegistrationFailureAllowsRetry(t *testing.T) {
    n, id := collectedNet(t)
    reg := n.must("a", LocalRequestGovVoteDetails{ID: id}).Registrations[0]

    resp := n.must("a", TallyRegistered{ReplyID: reg.ReplyID, Err: "host unavailable"})
    require.Equal(t, "tally_registration_failed", resp.Action)
    require.Empty(t, n.govQueries("a", id))

    again := n.must("a", LocalRequestGovVoteDetails{ID: id}).Registrations
    require.Len(t, again, 1)
    require.NotEqual(t, reg.ReplyID, again[0].ReplyID)
}

func TestCorrelator_Preconditions(t *testing.T) {
    n := formGroup(t, "a", "b")
    id := n.agree("a", signalMsg("no natives"))

    _, err := n.run("a", LocalRequestGovVoteDetails{ID: id})
    require.ErrorIs(t, err, ErrMissingVoteResults)

    n.block.Height = 10
    _, err = n.apply("a", LocalRequestVoteResults{ID: id})
    require.NoError(t, err)
    _, err = n.run("a", LocalRequestGovVoteDetails{ID: id})
    require.ErrorIs(t, err, ErrVotesStillPending)

    vr, err := n.queryVote("b", id)
    require.NoError(t, err)
    n.must("a", VoteQueryResult{ProposalID: id, Peer: "b", Response: &vr})
    _, err = n.run("a", LocalRequestGovVoteDetails{ID: id})
    require.ErrorIs(t, err, ErrNoNativeVotes)
}
