package gov

import (
    "encoding/binary"
    "errors"
    "fmt"

    "github.com/amirimatin/go-intergov/pkg/store"
    "github.com/amirimatin/go-intergov/pkg/syncstate"
)

// Store tables outside the synchronized items.
const (
    tblVotes          = "votes"           // (id) -> GovernanceVote cast by this node
    tblVoteResults    = "vote_results"    // (id, peer) -> *GovernanceVote
    tblVoteRequests   = "vote_requests"   // (id) -> marker for a started request round
    tblOutcomes       = "outcomes"        // (id) -> ProposalOutcome
    tblGovQueries     = "gov_queries"     // (id, peer) -> *TallyResult
    tblPendingReplies = "pending_replies" // (reply id) -> PendingQuery
    tblPendingQueries = "pending_queries" // (query id) -> PendingQuery
    tblSeq            = "seq"
)

// Config identifies the engine instance.
type Config struct {
    // Module is the identity peers must present on inbound envelopes.
    Module string
    // AllowJoin lists the peers whose invitations this node accepts.
    AllowJoin []PeerID
}

func (c Config) Validate() error {
    if c.Module == "" { return errors.New("gov: module identity is required") }
    return nil
}

// Env is the context a transition runs in.
type Env struct {
    Self  PeerID
    Block Block
}

// Response reports what a transition did and the effects the runtime must
// carry out once it has been committed.
type Response struct {
    Action        string              `json:"action"`
    Attributes    map[string]string   `json:"attributes,omitempty"`
    Messages      []Outbound          `json:"messages,omitempty"`
    VoteQueries   []VoteQuery         `json:"vote_queries,omitempty"`
    Registrations []TallyRegistration `json:"registrations,omitempty"`
}

func newResponse(action string) *Response {
    return &Response{Action: action, Attributes: map[string]string{}}
}

func (r *Response) attr(k, v string) *Response {
    r.Attributes[k] = v
    return r
}

// Engine is the deterministic state machine of one peer. It keeps no state
// of its own: everything lives in the store transaction handed to Apply, so
// a failed transition leaves no trace.
type Engine struct {
    cfg     Config
    allow   map[PeerID]bool
    members *syncstate.Item[Members]
    props   *syncstate.Map[ProposalRecord]
}

func New(cfg Config) (*Engine, error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    allow := make(map[PeerID]bool, len(cfg.AllowJoin))
    for _, p := range cfg.AllowJoin { allow[p] = true }
    return &Engine{
        cfg:     cfg,
        allow:   allow,
        members: syncstate.NewItem[Members]("members"),
        props:   syncstate.NewMap[ProposalRecord]("props"),
    }, nil
}

func (e *Engine) Module() string { return e.cfg.Module }

// Init seeds the member set with self when the store is empty.
func (e *Engine) Init(tx store.Txn, self PeerID) error {
    if self == "" { return errors.New("gov: self peer id is required") }
    _, ok, err := e.members.MayLoad(tx)
    if err != nil || ok { return err }
    solo := NewMembers(self)
    return e.members.Finalize(tx, &solo)
}

// Apply runs one event against tx. On error the caller must discard tx.
func (e *Engine) Apply(tx store.Txn, env Env, ev Event) (*Response, error) {
    switch ev := ev.(type) {
    case LocalPropose:
        return e.propose(tx, env, ev)
    case LocalFinalize:
        return e.finalize(tx, env, ev)
    case LocalVote:
        return e.vote(tx, env, ev)
    case LocalRequestVoteResults:
        return e.requestVoteResults(tx, env, ev)
    case LocalExecute:
        return e.execute(tx, env, ev)
    case LocalRequestGovVoteDetails:
        return e.requestGovVoteDetails(tx, env, ev)
    case InboundMessage:
        return e.deliver(tx, env, ev.Envelope)
    case MessageCallback:
        return e.callback(tx, env, ev)
    case VoteQueryResult:
        return e.voteQueryResult(tx, env, ev)
    case TallyRegistered:
        return e.tallyRegistered(tx, ev)
    case TallyPushed:
        return e.tallyPushed(tx, ev)
    default:
        return nil, fmt.Errorf("gov: unhandled event %T", ev)
    }
}

// deliver authenticates an envelope and routes it to its handler.
func (e *Engine) deliver(tx store.Txn, env Env, in Envelope) (*Response, error) {
    if in.Module != e.cfg.Module {
        return nil, fmt.Errorf("%w: module %q", ErrUnauthorizedSender, in.Module)
    }
    msg, err := in.Open()
    if err != nil { return nil, err }
    if jg, ok := msg.(JoinGroup); ok { return e.onJoinGroup(tx, env, in.From, jg) }

    members, err := e.members.Load(tx)
    if err != nil { return nil, err }
    if in.From == env.Self || !members.Contains(in.From) {
        return nil, fmt.Errorf("%w: %s is not a member", ErrUnauthorizedSender, in.From)
    }
    switch m := msg.(type) {
    case ProposeProposal:
        return e.onProposeProposal(tx, env, in.From, m)
    case FinalizeProposal:
        return e.onFinalizeProposal(tx, in.From, m)
    case ProposalResult:
        return e.onProposalResult(tx, env, in.From, m)
    default:
        return nil, fmt.Errorf("gov: unhandled message %T", msg)
    }
}

// callback settles one delivery outcome against its ack round.
func (e *Engine) callback(tx store.Txn, env Env, ev MessageCallback) (*Response, error) {
    cb := ev.Callback
    if ev.Err != "" {
        return nil, fmt.Errorf("%w: %s to %s: %s", ErrPeerMessageFailed, cb.Kind, cb.Peer, ev.Err)
    }
    switch cb.Kind {
    case CallbackJoin:
        return e.onJoinAck(tx, cb)
    case CallbackPropose:
        return e.onProposeAck(tx, cb)
    case CallbackFinalize:
        return e.onFinalizeAck(tx, cb)
    case CallbackResult:
        return e.onResultAck(tx, cb)
    default:
        return nil, fmt.Errorf("%w: kind %q", ErrUnknownCallback, cb.Kind)
    }
}

func staleAck(cb Callback) *Response {
    return newResponse("ack_ignored").attr("round", cb.Round).attr("peer", string(cb.Peer))
}

// nextSeq increments and returns a named counter.
func nextSeq(tx store.Txn, name string) (uint64, error) {
    key := store.Key(tblSeq, name)
    raw, err := tx.Get(key)
    var n uint64
    switch {
    case err == nil && len(raw) == 8:
        n = binary.BigEndian.Uint64(raw)
    case err != nil && !errors.Is(err, store.ErrNotFound):
        return 0, err
    }
    n++
    buf := make([]byte, 8)
    binary.BigEndian.PutUint64(buf, n)
    return n, tx.Set(key, buf)
}

// nextRound names a fresh ack round of the given kind.
func nextRound(tx store.Txn, kind CallbackKind) (string, error) {
    n, err := nextSeq(tx, "round")
    if err != nil { return "", err }
    return fmt.Sprintf("%s/%d", kind, n), nil
}
