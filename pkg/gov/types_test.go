package gov

import (
    "encoding/json"
    "errors"
    "fmt"
    "testing"
    "time"

    "github.com/holiman/uint256"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-intergov/pkg/syncstate"
)

func TestProposalID_Deterministic(t *testing.T) {
    a := ProposalMsg{Title: "t", Description: "d", Expiration: AtHeight(10), Action: UpdateMembers("c", "a", "b", "a")}
    b := ProposalMsg{Title: "t", Description: "d", Expiration: AtHeight(10), Action: UpdateMembers("a", "b", "c"), Threshold: ThresholdMajority}
    ida, err := a.ID()
    require.NoError(t, err)
    idb, err := b.ID()
    require.NoError(t, err)
    require.Equal(t, ida, idb)
    require.Len(t, string(ida), 64)

    c := a
    c.Title = "other"
    idc, err := c.ID()
    require.NoError(t, err)
    require.NotEqual(t, ida, idc)

    // the id survives the round trip through a stored proposal
    idp, err := a.Proposal("alice", "a").Msg().ID()
    require.NoError(t, err)
    require.Equal(t, ida, idp)
}

func TestProposalMsg_Validate(t *testing.T) {
    ok := ProposalMsg{Title: "t", Expiration: AtHeight(10), Action: Signal()}
    require.NoError(t, ok.Validate())

    cases := map[string]ProposalMsg{
        "no title":         {Expiration: AtHeight(1), Action: Signal()},
        "both units":       {Title: "t", Expiration: Expiration{AtHeight: 1, AtTime: 1}, Action: Signal()},
        "empty members":    {Title: "t", Action: ProposalAction{Kind: ActionUpdateMembers}},
        "unknown action":   {Title: "t", Action: ProposalAction{Kind: "burn"}},
        "bad threshold":    {Title: "t", Action: Signal(), Threshold: "most"},
        "min after expiry": {Title: "t", Expiration: AtHeight(5), MinVotingPeriod: &Expiration{AtHeight: 6}, Action: Signal()},
        "mixed units":      {Title: "t", Expiration: AtHeight(5), MinVotingPeriod: &Expiration{AtTime: 6}, Action: Signal()},
    }
    for name, m := range cases {
        require.ErrorIs(t, m.Validate(), ErrInvalidProposal, name)
    }
}

func TestExpiration(t *testing.T) {
    now := time.Unix(1000, 0)
    b := Block{Height: 10, Time: now}
    require.False(t, Never().IsExpired(b))
    require.True(t, AtHeight(10).IsExpired(b))
    require.False(t, AtHeight(11).IsExpired(b))
    require.True(t, AtTime(now).IsExpired(b))
    require.False(t, AtTime(now.Add(time.Second)).IsExpired(b))
}

func TestVote_InFavor(t *testing.T) {
    require.True(t, Yes.InFavor())
    require.False(t, No.InFavor())
    require.False(t, NoVote.InFavor())
    require.True(t, Ratio(2, 3).InFavor())
    require.False(t, Ratio(1, 2).InFavor())
    require.False(t, Ratio(0, 5).InFavor())
    require.ErrorIs(t, Ratio(3, 2).Validate(), ErrInvalidVote)
    require.ErrorIs(t, Ratio(0, 0).Validate(), ErrInvalidVote)
    require.ErrorIs(t, Vote{Option: OptionYes, Num: 1}.Validate(), ErrInvalidVote)
}

func TestTally(t *testing.T) {
    gv := func(v Vote) GovernanceVote { return GovernanceVote{Vote: v, Governance: Manual()} }
    cases := []struct {
        name    string
        own     Vote
        peers   []GovernanceVote
        th      Threshold
        want    ProposalOutcome
    }{
        {"solo yes", Yes, nil, ThresholdMajority, ProposalOutcome{Passed: true, VotesFor: 1}},
        {"all yes", Yes, []GovernanceVote{gv(Yes), gv(Yes)}, ThresholdMajority, ProposalOutcome{Passed: true, VotesFor: 3}},
        {"two against", Yes, []GovernanceVote{gv(No), gv(NoVote)}, ThresholdMajority, ProposalOutcome{VotesFor: 1, VotesAgainst: 2}},
        {"tie fails", Yes, []GovernanceVote{gv(No)}, ThresholdMajority, ProposalOutcome{VotesFor: 1, VotesAgainst: 1}},
        {"ratio counts", Yes, []GovernanceVote{gv(Ratio(3, 4)), gv(No)}, ThresholdMajority, ProposalOutcome{Passed: true, VotesFor: 2, VotesAgainst: 1}},
        {"unanimous blocked", Yes, []GovernanceVote{gv(Yes), gv(No)}, ThresholdUnanimous, ProposalOutcome{VotesFor: 2, VotesAgainst: 1}},
        {"unanimous", Yes, []GovernanceVote{gv(Yes)}, ThresholdUnanimous, ProposalOutcome{Passed: true, VotesFor: 2}},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            require.Equal(t, tc.want, Tally(tc.own, tc.peers, tc.th))
        })
    }
}

func TestTallyResult_JSON(t *testing.T) {
    var tr TallyResult
    require.NoError(t, json.Unmarshal([]byte(`{"yes":"340282366920938463463374607431768211456","no":"5"}`), &tr))
    require.Equal(t, "340282366920938463463374607431768211456", tr.Yes.Dec())
    require.Equal(t, uint64(5), tr.No.Uint64())
    require.True(t, tr.Abstain.IsZero())
    total := new(uint256.Int).Add(tr.Yes, uint256.NewInt(5))
    require.Equal(t, total, tr.Total())

    raw, err := json.Marshal(tr)
    require.NoError(t, err)
    require.JSONEq(t, `{"yes":"340282366920938463463374607431768211456","no":"5","abstain":"0","no_with_veto":"0"}`, string(raw))

    require.Error(t, json.Unmarshal([]byte(`{"yes":"12x"}`), &tr))
}

func TestEnvelope_Open(t *testing.T) {
    env, err := Seal("intergov", "a", FinalizeProposal{ID: "abc"})
    require.NoError(t, err)
    msg, err := env.Open()
    require.NoError(t, err)
    require.Equal(t, FinalizeProposal{ID: "abc"}, msg)

    env.Kind = "bogus"
    _, err = env.Open()
    require.Error(t, err)
}

func TestEventCodec_PinsBlock(t *testing.T) {
    b := Block{Height: 7, Time: time.Unix(0, 42).UTC()}
    raw, err := EncodeEvent(LocalVote{ID: "p", Vote: Ratio(1, 3), Governance: Native(9)}, b)
    require.NoError(t, err)
    ev, got, err := DecodeEvent(raw)
    require.NoError(t, err)
    require.Equal(t, LocalVote{ID: "p", Vote: Ratio(1, 3), Governance: Native(9)}, ev)
    require.Equal(t, b.Height, got.Height)
    require.True(t, b.Time.Equal(got.Time))

    _, _, err = DecodeEvent([]byte(`{"kind":"nope","event":{}}`))
    require.Error(t, err)
}

func TestErrorFromString(t *testing.T) {
    require.Nil(t, ErrorFromString(""))
    require.ErrorIs(t, ErrorFromString(ErrProposalNotFound.Error()), ErrProposalNotFound)

    wrapped := fmt.Errorf("%w: %w", ErrDataNotFinalized, syncstate.ErrNotFinalized)
    got := ErrorFromString(wrapped.Error())
    require.ErrorIs(t, got, ErrDataNotFinalized)
    require.Equal(t, wrapped.Error(), got.Error())

    other := ErrorFromString("boom")
    require.False(t, errors.Is(other, ErrProposalNotFound))
    require.EqualError(t, other, "boom")
}

func TestSystemClock(t *testing.T) {
    c := SystemClock{Genesis: time.Now().Add(-10 * time.Second), BlockTime: time.Second}
    b := c.Now()
    require.GreaterOrEqual(t, b.Height, uint64(10))
    require.LessOrEqual(t, b.Height, uint64(12))

    future := SystemClock{Genesis: time.Now().Add(time.Hour), BlockTime: time.Second}
    require.Equal(t, uint64(1), future.Now().Height)
}
