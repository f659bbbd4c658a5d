package cluster

import (
    "context"
    "encoding/json"
    "fmt"

    "github.com/amirimatin/go-intergov/pkg/gov"
    "github.com/amirimatin/go-intergov/pkg/icq"
    "github.com/amirimatin/go-intergov/pkg/observability/tracing"
    "github.com/amirimatin/go-intergov/pkg/store"
    "github.com/amirimatin/go-intergov/pkg/syncstate"
    "github.com/amirimatin/go-intergov/pkg/transport"
)

// Local API operations. Write operations take the matching gov event as
// their JSON argument and return the *gov.Response; queries take IDArgs
// where they name a proposal.
const (
    OpPropose               = "propose"
    OpFinalize              = "finalize"
    OpVote                  = "vote"
    OpRequestVoteResults    = "request_vote_results"
    OpExecute               = "execute"
    OpRequestGovVoteDetails = "request_gov_vote_details"
    OpPublishTally          = "publish_tally"

    OpStatus         = "status"
    OpMembers        = "members"
    OpProposal       = "proposal"
    OpProposals      = "proposals"
    OpProposalState  = "proposal_state"
    OpProposalStates = "proposal_states"
    OpVoteOf         = "vote_of"
    OpVoteResults    = "vote_results"
    OpOutcome        = "outcome"
    OpGovVoteQueries = "gov_vote_queries"
    OpAcks           = "acks"
    OpTallyQueries   = "tally_queries"
)

type IDArgs struct {
    ID gov.ProposalID `json:"id"`
}

// PublishTallyArgs makes a native tally available to the local query host.
type PublishTallyArgs struct {
    NativeProposalID uint64          `json:"native_proposal_id"`
    Tally            gov.TallyResult `json:"tally"`
}

// ProposalStateView is the overlay phase of one proposal.
type ProposalStateView struct {
    ID    gov.ProposalID    `json:"id"`
    Phase syncstate.Phase   `json:"phase"`
    Acks  *syncstate.AckSet `json:"acks,omitempty"`
}

func (c *Cluster) Propose(ctx context.Context, sender string, msg gov.ProposalMsg) (*gov.Response, error) {
    return c.Submit(ctx, gov.LocalPropose{Sender: sender, Msg: msg})
}

func (c *Cluster) Finalize(ctx context.Context, id gov.ProposalID) (*gov.Response, error) {
    return c.Submit(ctx, gov.LocalFinalize{ID: id})
}

func (c *Cluster) Vote(ctx context.Context, id gov.ProposalID, v gov.Vote, g gov.Governance) (*gov.Response, error) {
    return c.Submit(ctx, gov.LocalVote{ID: id, Vote: v, Governance: g})
}

func (c *Cluster) RequestVoteResults(ctx context.Context, id gov.ProposalID) (*gov.Response, error) {
    return c.Submit(ctx, gov.LocalRequestVoteResults{ID: id})
}

func (c *Cluster) Execute(ctx context.Context, id gov.ProposalID) (*gov.Response, error) {
    return c.Submit(ctx, gov.LocalExecute{ID: id})
}

func (c *Cluster) RequestGovVoteDetails(ctx context.Context, id gov.ProposalID) (*gov.Response, error) {
    return c.Submit(ctx, gov.LocalRequestGovVoteDetails{ID: id})
}

// PublishTally hands a native governance tally to the local query host,
// releasing the queries registered for it.
func (c *Cluster) PublishTally(native uint64, t gov.TallyResult) error {
    if c.host == nil { return ErrNoQueryHost }
    return c.host.Publish(native, t)
}

// TallyQueries lists the registrations of the local query host.
func (c *Cluster) TallyQueries() ([]icq.Registration, error) {
    if c.host == nil { return nil, ErrNoQueryHost }
    return c.host.Queries()
}

func (c *Cluster) Members() (v gov.MembersView, err error) {
    err = c.sm.View(func(eng *gov.Engine, r store.Reader) error {
        v, err = eng.Members(r)
        return err
    })
    return v, err
}

func (c *Cluster) Proposal(id gov.ProposalID) (v gov.ProposalView, err error) {
    err = c.sm.View(func(eng *gov.Engine, r store.Reader) error {
        v, err = eng.Proposal(r, id)
        return err
    })
    return v, err
}

func (c *Cluster) Proposals() (v []gov.ProposalView, err error) {
    err = c.sm.View(func(eng *gov.Engine, r store.Reader) error {
        v, err = eng.Proposals(r)
        return err
    })
    return v, err
}

func (c *Cluster) ProposalState(id gov.ProposalID) (v ProposalStateView, err error) {
    v.ID = id
    err = c.sm.View(func(eng *gov.Engine, r store.Reader) error {
        v.Phase, v.Acks, err = eng.ProposalState(r, id)
        return err
    })
    return v, err
}

func (c *Cluster) ProposalStates() (v []syncstate.State, err error) {
    err = c.sm.View(func(eng *gov.Engine, r store.Reader) error {
        v, err = eng.ProposalStates(r)
        return err
    })
    return v, err
}

func (c *Cluster) VoteResults(id gov.ProposalID) (v map[gov.PeerID]*gov.GovernanceVote, err error) {
    err = c.sm.View(func(eng *gov.Engine, r store.Reader) error {
        v, err = eng.VoteResults(r, id)
        return err
    })
    return v, err
}

func (c *Cluster) Outcome(id gov.ProposalID) (v *gov.ProposalOutcome, err error) {
    err = c.sm.View(func(eng *gov.Engine, r store.Reader) error {
        v, err = eng.Outcome(r, id)
        return err
    })
    return v, err
}

func (c *Cluster) GovVoteQueries(id gov.ProposalID) (v map[gov.PeerID]*gov.TallyResult, err error) {
    err = c.sm.View(func(eng *gov.Engine, r store.Reader) error {
        v, err = eng.GovVoteQueries(r, id)
        return err
    })
    return v, err
}

func (c *Cluster) OutstandingAcks() (v []gov.RoundStatus, err error) {
    err = c.sm.View(func(eng *gov.Engine, r store.Reader) error {
        v, err = eng.OutstandingAcks(r)
        return err
    })
    return v, err
}

func decodeArgs[T any](raw json.RawMessage) (T, error) {
    var v T
    if len(raw) == 0 { return v, nil }
    if err := json.Unmarshal(raw, &v); err != nil { return v, fmt.Errorf("cluster: decode arguments: %w", err) }
    return v, nil
}

func submitArgs[T gov.Event](ctx context.Context, c *Cluster, raw json.RawMessage) (any, error) {
    ev, err := decodeArgs[T](raw)
    if err != nil { return nil, err }
    return c.Submit(ctx, ev)
}

func withID[T any](raw json.RawMessage, fn func(gov.ProposalID) (T, error)) (any, error) {
    a, err := decodeArgs[IDArgs](raw)
    if err != nil { return nil, err }
    if a.ID == "" { return nil, fmt.Errorf("cluster: proposal id is required") }
    return fn(a.ID)
}

// Local runs one local API operation and returns its JSON result.
func (c *Cluster) Local(ctx context.Context, op string, raw json.RawMessage) (json.RawMessage, error) {
    ctx, end := tracing.StartSpan(ctx, "cluster.local", "op", op)
    defer end()
    var (
        out any
        err error
    )
    switch op {
    case OpPropose:
        out, err = submitArgs[gov.LocalPropose](ctx, c, raw)
    case OpFinalize:
        out, err = submitArgs[gov.LocalFinalize](ctx, c, raw)
    case OpVote:
        out, err = submitArgs[gov.LocalVote](ctx, c, raw)
    case OpRequestVoteResults:
        out, err = submitArgs[gov.LocalRequestVoteResults](ctx, c, raw)
    case OpExecute:
        out, err = submitArgs[gov.LocalExecute](ctx, c, raw)
    case OpRequestGovVoteDetails:
        out, err = submitArgs[gov.LocalRequestGovVoteDetails](ctx, c, raw)
    case OpPublishTally:
        var a PublishTallyArgs
        if a, err = decodeArgs[PublishTallyArgs](raw); err == nil {
            err = c.PublishTally(a.NativeProposalID, a.Tally)
            out = map[string]bool{"published": err == nil}
        }
    case OpStatus:
        out, err = c.Status(ctx)
    case OpMembers:
        out, err = c.Members()
    case OpProposal:
        out, err = withID(raw, c.Proposal)
    case OpProposals:
        out, err = c.Proposals()
    case OpProposalState:
        out, err = withID(raw, c.ProposalState)
    case OpProposalStates:
        out, err = c.ProposalStates()
    case OpVoteOf:
        out, err = withID(raw, c.QueryVote)
    case OpVoteResults:
        out, err = withID(raw, c.VoteResults)
    case OpOutcome:
        out, err = withID(raw, c.Outcome)
    case OpGovVoteQueries:
        out, err = withID(raw, c.GovVoteQueries)
    case OpAcks:
        out, err = c.OutstandingAcks()
    case OpTallyQueries:
        out, err = c.TallyQueries()
    default:
        err = fmt.Errorf("%w: %q", ErrUnknownOp, op)
    }
    if err != nil {
        tracing.RecordError(ctx, err)
        return nil, err
    }
    return json.Marshal(out)
}

func (c *Cluster) handleLocal(ctx context.Context, req transport.LocalRequest) (transport.LocalResponse, error) {
    data, err := c.Local(ctx, req.Op, req.Data)
    if err != nil { return transport.LocalResponse{Error: err.Error()}, nil }
    return transport.LocalResponse{Data: data}, nil
}
