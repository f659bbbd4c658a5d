package gov

import (
    "encoding/hex"
    "encoding/json"
    "fmt"
    "slices"
    "time"

    "github.com/holiman/uint256"
    "lukechampine.com/blake3"
)

// PeerID identifies a peer of the group.
type PeerID string

// ProposalID is the hex blake3-256 digest of a canonical ProposalMsg.
type ProposalID string

// ReplyID correlates a tally registration with its reply. It is local to
// this node and never leaves it.
type ReplyID uint64

// QueryID is assigned by the remote query host once a registration is
// accepted. It is unrelated to ReplyID.
type QueryID string

// Members is an ordered, de-duplicated peer set.
type Members []PeerID

func NewMembers(peers ...PeerID) Members {
    out := slices.Clone(peers)
    out = slices.DeleteFunc(out, func(p PeerID) bool { return p == "" })
    slices.Sort(out)
    return slices.Compact(out)
}

func (m Members) Contains(p PeerID) bool {
    _, ok := slices.BinarySearch(m, p)
    return ok
}

// Without returns m minus the given peers.
func (m Members) Without(peers ...PeerID) Members {
    out := make(Members, 0, len(m))
    for _, p := range m {
        if !slices.Contains(peers, p) { out = append(out, p) }
    }
    return out
}

// Minus returns the peers of m that are not in other.
func (m Members) Minus(other Members) Members { return m.Without(other...) }

func (m Members) Strings() []string {
    out := make([]string, len(m))
    for i, p := range m { out[i] = string(p) }
    return out
}

// Block is the clock reading a transition runs at.
type Block struct {
    Height uint64    `json:"height"`
    Time   time.Time `json:"time"`
}

// Expiration is a point in block height or block time. The zero value never
// expires.
type Expiration struct {
    AtHeight uint64 `json:"at_height,omitempty"`
    // AtTime is unix nanoseconds.
    AtTime int64 `json:"at_time,omitempty"`
}

func Never() Expiration                 { return Expiration{} }
func AtHeight(h uint64) Expiration      { return Expiration{AtHeight: h} }
func AtTime(t time.Time) Expiration     { return Expiration{AtTime: t.UnixNano()} }
func (e Expiration) IsNever() bool      { return e.AtHeight == 0 && e.AtTime == 0 }

func (e Expiration) IsExpired(b Block) bool {
    switch {
    case e.AtHeight > 0:
        return b.Height >= e.AtHeight
    case e.AtTime > 0:
        return b.Time.UnixNano() >= e.AtTime
    default:
        return false
    }
}

func (e Expiration) Validate() error {
    if e.AtHeight > 0 && e.AtTime > 0 { return fmt.Errorf("%w: expiration sets both height and time", ErrInvalidProposal) }
    return nil
}

func (e Expiration) String() string {
    switch {
    case e.AtHeight > 0:
        return fmt.Sprintf("height %d", e.AtHeight)
    case e.AtTime > 0:
        return "time " + time.Unix(0, e.AtTime).UTC().Format(time.RFC3339)
    default:
        return "never"
    }
}

type ActionKind string

const (
    ActionSignal        ActionKind = "signal"
    ActionUpdateMembers ActionKind = "update_members"
)

// ProposalAction is what a passed proposal does.
type ProposalAction struct {
    Kind    ActionKind `json:"kind"`
    Members Members    `json:"members,omitempty"`
}

func Signal() ProposalAction { return ProposalAction{Kind: ActionSignal} }

func UpdateMembers(peers ...PeerID) ProposalAction {
    return ProposalAction{Kind: ActionUpdateMembers, Members: NewMembers(peers...)}
}

func (a ProposalAction) Validate() error {
    switch a.Kind {
    case ActionSignal:
        if len(a.Members) > 0 { return fmt.Errorf("%w: signal carries members", ErrInvalidProposal) }
    case ActionUpdateMembers:
        if len(a.Members) == 0 { return fmt.Errorf("%w: empty member set", ErrInvalidProposal) }
    default:
        return fmt.Errorf("%w: unknown action %q", ErrInvalidProposal, a.Kind)
    }
    return nil
}

type Threshold string

const (
    ThresholdMajority  Threshold = "majority"
    ThresholdUnanimous Threshold = "unanimous"
)

// ProposalMsg is what a caller submits. Its canonical JSON determines the
// proposal id.
type ProposalMsg struct {
    Title           string         `json:"title"`
    Description     string         `json:"description"`
    MinVotingPeriod *Expiration    `json:"min_voting_period,omitempty"`
    Expiration      Expiration     `json:"expiration"`
    Action          ProposalAction `json:"action"`
    Threshold       Threshold      `json:"threshold,omitempty"`
}

func (m ProposalMsg) canonical() ProposalMsg {
    m.Action.Members = NewMembers(m.Action.Members...)
    if m.Threshold == ThresholdMajority { m.Threshold = "" }
    return m
}

func (m ProposalMsg) Validate() error {
    if m.Title == "" { return fmt.Errorf("%w: empty title", ErrInvalidProposal) }
    if err := m.Expiration.Validate(); err != nil { return err }
    if mv := m.MinVotingPeriod; mv != nil {
        if err := mv.Validate(); err != nil { return err }
        if m.Expiration.IsNever() { return fmt.Errorf("%w: min voting period without expiration", ErrInvalidProposal) }
        if (mv.AtHeight > 0) != (m.Expiration.AtHeight > 0) {
            return fmt.Errorf("%w: min voting period and expiration use different units", ErrInvalidProposal)
        }
        if mv.AtHeight > m.Expiration.AtHeight || mv.AtTime > m.Expiration.AtTime {
            return fmt.Errorf("%w: min voting period ends after expiration", ErrInvalidProposal)
        }
    }
    switch m.Threshold {
    case "", ThresholdMajority, ThresholdUnanimous:
    default:
        return fmt.Errorf("%w: unknown threshold %q", ErrInvalidProposal, m.Threshold)
    }
    return m.Action.Validate()
}

// ID hashes the canonical form of m.
func (m ProposalMsg) ID() (ProposalID, error) {
    raw, err := json.Marshal(m.canonical())
    if err != nil { return "", err }
    sum := blake3.Sum256(raw)
    return ProposalID(hex.EncodeToString(sum[:])), nil
}

// Proposal is a ProposalMsg plus who submitted it.
type Proposal struct {
    Title           string         `json:"title"`
    Description     string         `json:"description"`
    Proposer        string         `json:"proposer"`
    ProposerPeer    PeerID         `json:"proposer_peer"`
    Action          ProposalAction `json:"action"`
    MinVotingPeriod *Expiration    `json:"min_voting_period,omitempty"`
    Expiration      Expiration     `json:"expiration"`
    Threshold       Threshold      `json:"threshold"`
}

func (m ProposalMsg) Proposal(proposer string, peer PeerID) Proposal {
    c := m.canonical()
    th := m.Threshold
    if th == "" { th = ThresholdMajority }
    return Proposal{
        Title:           c.Title,
        Description:     c.Description,
        Proposer:        proposer,
        ProposerPeer:    peer,
        Action:          c.Action,
        MinVotingPeriod: c.MinVotingPeriod,
        Expiration:      c.Expiration,
        Threshold:       th,
    }
}

// Msg recovers the message p was created from; receivers use it to check
// the id they were sent.
func (p Proposal) Msg() ProposalMsg {
    return ProposalMsg{
        Title:           p.Title,
        Description:     p.Description,
        MinVotingPeriod: p.MinVotingPeriod,
        Expiration:      p.Expiration,
        Action:          p.Action,
        Threshold:       p.Threshold,
    }
}

// ProposalRecord is the value synchronized per proposal id.
type ProposalRecord struct {
    Proposal Proposal `json:"proposal"`
    Vote     Vote     `json:"vote"`
}

type VoteOption string

const (
    OptionYes    VoteOption = "yes"
    OptionNo     VoteOption = "no"
    OptionNoVote VoteOption = "no_vote"
    OptionRatio  VoteOption = "ratio"
)

type Vote struct {
    Option VoteOption `json:"option"`
    Num    uint64     `json:"num,omitempty"`
    Den    uint64     `json:"den,omitempty"`
}

var (
    Yes    = Vote{Option: OptionYes}
    No     = Vote{Option: OptionNo}
    NoVote = Vote{Option: OptionNoVote}
)

func Ratio(num, den uint64) Vote { return Vote{Option: OptionRatio, Num: num, Den: den} }

func (v Vote) Validate() error {
    switch v.Option {
    case OptionYes, OptionNo, OptionNoVote:
        if v.Num != 0 || v.Den != 0 { return fmt.Errorf("%w: %s takes no ratio", ErrInvalidVote, v.Option) }
    case OptionRatio:
        if v.Den == 0 || v.Num > v.Den { return fmt.Errorf("%w: ratio %d/%d", ErrInvalidVote, v.Num, v.Den) }
    default:
        return fmt.Errorf("%w: unknown option %q", ErrInvalidVote, v.Option)
    }
    return nil
}

// InFavor reports whether v counts for the proposal. Abstaining counts
// against; a ratio is in favor only above one half.
func (v Vote) InFavor() bool {
    switch v.Option {
    case OptionYes:
        return true
    case OptionRatio:
        return v.Num > v.Den-v.Num
    default:
        return false
    }
}

func (v Vote) String() string {
    if v.Option == OptionRatio { return fmt.Sprintf("ratio(%d/%d)", v.Num, v.Den) }
    return string(v.Option)
}

type GovernanceKind string

const (
    GovNative      GovernanceKind = "native"
    GovExternalDao GovernanceKind = "external_dao"
    GovManual      GovernanceKind = "manual"
)

// Governance tags how a vote was decided on the voting peer.
type Governance struct {
    Kind       GovernanceKind `json:"kind"`
    ProposalID uint64         `json:"proposal_id,omitempty"`
    Address    string         `json:"address,omitempty"`
}

func Native(id uint64) Governance                   { return Governance{Kind: GovNative, ProposalID: id} }
func ExternalDao(addr string, id uint64) Governance { return Governance{Kind: GovExternalDao, Address: addr, ProposalID: id} }
func Manual() Governance                            { return Governance{Kind: GovManual} }

func (g Governance) Validate() error {
    switch g.Kind {
    case GovNative, GovManual:
        if g.Address != "" { return fmt.Errorf("%w: %s governance has no address", ErrInvalidVote, g.Kind) }
    case GovExternalDao:
        if g.Address == "" { return fmt.Errorf("%w: external dao without address", ErrInvalidVote) }
    default:
        return fmt.Errorf("%w: unknown governance %q", ErrInvalidVote, g.Kind)
    }
    return nil
}

type GovernanceVote struct {
    Vote       Vote       `json:"vote"`
    Governance Governance `json:"governance"`
}

// VoteResponse answers a GetVote read query.
type VoteResponse struct {
    ProposalID ProposalID     `json:"proposal_id"`
    Peer       PeerID         `json:"peer"`
    Vote       GovernanceVote `json:"vote"`
}

type ProposalOutcome struct {
    Passed       bool   `json:"passed"`
    VotesFor     uint64 `json:"votes_for"`
    VotesAgainst uint64 `json:"votes_against"`
}

// TallyResult is a remote governance tally. Counts are encoded as decimal
// strings on the wire.
type TallyResult struct {
    Yes        *uint256.Int
    No         *uint256.Int
    Abstain    *uint256.Int
    NoWithVeto *uint256.Int
}

type tallyWire struct {
    Yes        string `json:"yes"`
    No         string `json:"no"`
    Abstain    string `json:"abstain"`
    NoWithVeto string `json:"no_with_veto"`
}

func dec(v *uint256.Int) string {
    if v == nil { return "0" }
    return v.Dec()
}

func (t TallyResult) MarshalJSON() ([]byte, error) {
    return json.Marshal(tallyWire{Yes: dec(t.Yes), No: dec(t.No), Abstain: dec(t.Abstain), NoWithVeto: dec(t.NoWithVeto)})
}

func (t *TallyResult) UnmarshalJSON(b []byte) error {
    var w tallyWire
    if err := json.Unmarshal(b, &w); err != nil { return err }
    parse := func(s string) (*uint256.Int, error) {
        if s == "" { return uint256.NewInt(0), nil }
        return uint256.FromDecimal(s)
    }
    var err error
    if t.Yes, err = parse(w.Yes); err != nil { return fmt.Errorf("tally yes: %w", err) }
    if t.No, err = parse(w.No); err != nil { return fmt.Errorf("tally no: %w", err) }
    if t.Abstain, err = parse(w.Abstain); err != nil { return fmt.Errorf("tally abstain: %w", err) }
    if t.NoWithVeto, err = parse(w.NoWithVeto); err != nil { return fmt.Errorf("tally no_with_veto: %w", err) }
    return nil
}

// Total sums every option.
func (t TallyResult) Total() *uint256.Int {
    sum := new(uint256.Int)
    for _, v := range []*uint256.Int{t.Yes, t.No, t.Abstain, t.NoWithVeto} {
        if v != nil { sum.Add(sum, v) }
    }
    return sum
}

// TallyQuerySpec is what a tally registration asks the remote host for.
type TallyQuerySpec struct {
    NativeProposalID uint64 `json:"native_proposal_id"`
    Requester        PeerID `json:"requester"`
}

// PendingQuery is the (peer, proposal) pair a reply or query id stands for.
type PendingQuery struct {
    Peer       PeerID     `json:"peer"`
    ProposalID ProposalID `json:"proposal_id"`
}
