package gov

import (
    "encoding/json"
    "fmt"
)

type EventKind string

const (
    EvPropose               EventKind = "propose"
    EvFinalize              EventKind = "finalize"
    EvVote                  EventKind = "vote"
    EvRequestVoteResults    EventKind = "request_vote_results"
    EvExecute               EventKind = "execute"
    EvRequestGovVoteDetails EventKind = "request_gov_vote_details"
    EvInbound               EventKind = "inbound"
    EvCallback              EventKind = "callback"
    EvVoteQueryResult       EventKind = "vote_query_result"
    EvTallyRegistered       EventKind = "tally_registered"
    EvTallyPushed           EventKind = "tally_pushed"
)

// Event is one input to the engine. Every state transition is driven by
// exactly one event.
type Event interface {
    EventKind() EventKind
    isEvent()
}

type LocalPropose struct {
    Sender string      `json:"sender"`
    Msg    ProposalMsg `json:"msg"`
}

type LocalFinalize struct {
    ID ProposalID `json:"id"`
}

type LocalVote struct {
    ID         ProposalID `json:"id"`
    Vote       Vote       `json:"vote"`
    Governance Governance `json:"governance"`
}

type LocalRequestVoteResults struct {
    ID ProposalID `json:"id"`
}

type LocalExecute struct {
    ID ProposalID `json:"id"`
}

type LocalRequestGovVoteDetails struct {
    ID ProposalID `json:"id"`
}

// InboundMessage is an envelope received from a peer.
type InboundMessage struct {
    Envelope Envelope `json:"envelope"`
}

// MessageCallback reports the delivery outcome of an Outbound message.
type MessageCallback struct {
    Callback Callback `json:"callback"`
    Err      string   `json:"err,omitempty"`
}

// VoteQueryResult carries the answer of a VoteQuery.
type VoteQueryResult struct {
    ProposalID ProposalID    `json:"proposal_id"`
    Peer       PeerID        `json:"peer"`
    Response   *VoteResponse `json:"response,omitempty"`
    Err        string        `json:"err,omitempty"`
}

// TallyRegistered carries the answer of a TallyRegistration.
type TallyRegistered struct {
    ReplyID ReplyID `json:"reply_id"`
    QueryID QueryID `json:"query_id,omitempty"`
    Err     string  `json:"err,omitempty"`
}

// TallyPushed is a result pushed by a query host. From is the host, which
// must be the peer the query was registered with.
type TallyPushed struct {
    From    PeerID          `json:"from"`
    QueryID QueryID         `json:"query_id"`
    Payload json.RawMessage `json:"payload"`
}

func (LocalPropose) EventKind() EventKind               { return EvPropose }
func (LocalFinalize) EventKind() EventKind              { return EvFinalize }
func (LocalVote) EventKind() EventKind                  { return EvVote }
func (LocalRequestVoteResults) EventKind() EventKind    { return EvRequestVoteResults }
func (LocalExecute) EventKind() EventKind               { return EvExecute }
func (LocalRequestGovVoteDetails) EventKind() EventKind { return EvRequestGovVoteDetails }
func (InboundMessage) EventKind() EventKind             { return EvInbound }
func (MessageCallback) EventKind() EventKind            { return EvCallback }
func (VoteQueryResult) EventKind() EventKind            { return EvVoteQueryResult }
func (TallyRegistered) EventKind() EventKind            { return EvTallyRegistered }
func (TallyPushed) EventKind() EventKind                { return EvTallyPushed }

func (LocalPropose) isEvent()               {}
func (LocalFinalize) isEvent()              {}
func (LocalVote) isEvent()                  {}
func (LocalRequestVoteResults) isEvent()    {}
func (LocalExecute) isEvent()               {}
func (LocalRequestGovVoteDetails) isEvent() {}
func (InboundMessage) isEvent()             {}
func (MessageCallback) isEvent()            {}
func (VoteQueryResult) isEvent()            {}
func (TallyRegistered) isEvent()            {}
func (TallyPushed) isEvent()                {}

// EncodedEvent is the replicated form of an Event.
type EncodedEvent struct {
    Kind  EventKind       `json:"kind"`
    Event json.RawMessage `json:"event"`
    Block Block           `json:"block"`
}

// EncodeEvent pins ev to the block it will be applied at, so every replica
// evaluates expirations against the same clock reading.
func EncodeEvent(ev Event, b Block) ([]byte, error) {
    raw, err := json.Marshal(ev)
    if err != nil { return nil, err }
    return json.Marshal(EncodedEvent{Kind: ev.EventKind(), Event: raw, Block: b})
}

func decodeAs[T Event](raw json.RawMessage) (Event, error) {
    var e T
    if err := json.Unmarshal(raw, &e); err != nil { return nil, err }
    return e, nil
}

func DecodeEvent(data []byte) (Event, Block, error) {
    var enc EncodedEvent
    if err := json.Unmarshal(data, &enc); err != nil { return nil, Block{}, err }
    var (
        ev  Event
        err error
    )
    switch enc.Kind {
    case EvPropose:
        ev, err = decodeAs[LocalPropose](enc.Event)
    case EvFinalize:
        ev, err = decodeAs[LocalFinalize](enc.Event)
    case EvVote:
        ev, err = decodeAs[LocalVote](enc.Event)
    case EvRequestVoteResults:
        ev, err = decodeAs[LocalRequestVoteResults](enc.Event)
    case EvExecute:
        ev, err = decodeAs[LocalExecute](enc.Event)
    case EvRequestGovVoteDetails:
        ev, err = decodeAs[LocalRequestGovVoteDetails](enc.Event)
    case EvInbound:
        ev, err = decodeAs[InboundMessage](enc.Event)
    case EvCallback:
        ev, err = decodeAs[MessageCallback](enc.Event)
    case EvVoteQueryResult:
        ev, err = decodeAs[VoteQueryResult](enc.Event)
    case EvTallyRegistered:
        ev, err = decodeAs[TallyRegistered](enc.Event)
    case EvTallyPushed:
        ev, err = decodeAs[TallyPushed](enc.Event)
    default:
        return nil, Block{}, fmt.Errorf("gov: unknown event kind %q", enc.Kind)
    }
    if err != nil { return nil, Block{}, fmt.Errorf("gov: decode %s: %w", enc.Kind, err) }
    return ev, enc.Block, nil
}
