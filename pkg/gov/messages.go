package gov

import (
    "encoding/json"
    "fmt"
)

type MsgKind string

const (
    MsgProposeProposal  MsgKind = "propose_proposal"
    MsgFinalizeProposal MsgKind = "finalize_proposal"
    MsgProposalResult   MsgKind = "proposal_result"
    MsgJoinGroup        MsgKind = "join_group"
)

// PeerMsg is a message exchanged between engines of the same module.
type PeerMsg interface {
    Kind() MsgKind
    isPeerMsg()
}

type ProposeProposal struct {
    ID       ProposalID `json:"id"`
    Proposal Proposal   `json:"proposal"`
    Target   PeerID     `json:"target"`
}

type FinalizeProposal struct {
    ID ProposalID `json:"id"`
}

type ProposalResult struct {
    ID      ProposalID      `json:"id"`
    Outcome ProposalOutcome `json:"outcome"`
}

type JoinGroup struct {
    Members Members `json:"members"`
}

func (ProposeProposal) Kind() MsgKind  { return MsgProposeProposal }
func (FinalizeProposal) Kind() MsgKind { return MsgFinalizeProposal }
func (ProposalResult) Kind() MsgKind   { return MsgProposalResult }
func (JoinGroup) Kind() MsgKind        { return MsgJoinGroup }

func (ProposeProposal) isPeerMsg()  {}
func (FinalizeProposal) isPeerMsg() {}
func (ProposalResult) isPeerMsg()   {}
func (JoinGroup) isPeerMsg()        {}

// Envelope is the wire form of a PeerMsg. Module names the engine instance
// that sent it; receivers only accept envelopes of their own module.
type Envelope struct {
    Module string          `json:"module"`
    From   PeerID          `json:"from"`
    Kind   MsgKind         `json:"kind"`
    Body   json.RawMessage `json:"body"`
}

func Seal(module string, from PeerID, msg PeerMsg) (Envelope, error) {
    body, err := json.Marshal(msg)
    if err != nil { return Envelope{}, err }
    return Envelope{Module: module, From: from, Kind: msg.Kind(), Body: body}, nil
}

func (e Envelope) Open() (PeerMsg, error) {
    var (
        msg PeerMsg
        err error
    )
    switch e.Kind {
    case MsgProposeProposal:
        var m ProposeProposal
        err = json.Unmarshal(e.Body, &m)
        msg = m
    case MsgFinalizeProposal:
        var m FinalizeProposal
        err = json.Unmarshal(e.Body, &m)
        msg = m
    case MsgProposalResult:
        var m ProposalResult
        err = json.Unmarshal(e.Body, &m)
        msg = m
    case MsgJoinGroup:
        var m JoinGroup
        err = json.Unmarshal(e.Body, &m)
        msg = m
    default:
        return nil, fmt.Errorf("gov: unknown message kind %q", e.Kind)
    }
    if err != nil { return nil, fmt.Errorf("gov: decode %s: %w", e.Kind, err) }
    return msg, nil
}

type CallbackKind string

const (
    CallbackPropose  CallbackKind = "propose"
    CallbackFinalize CallbackKind = "finalize"
    CallbackResult   CallbackKind = "result"
    CallbackJoin     CallbackKind = "join"
)

// Callback travels with an outbound message and comes back in a
// MessageCallback event once delivery succeeded or failed. Round ties it to
// the ack round it was sent for; callbacks of older rounds are ignored.
type Callback struct {
    Kind       CallbackKind `json:"kind"`
    Round      string       `json:"round"`
    ProposalID ProposalID   `json:"proposal_id,omitempty"`
    Peer       PeerID       `json:"peer"`
}

// Outbound is a message the runtime must deliver after the transition that
// produced it commits.
type Outbound struct {
    To       PeerID   `json:"to"`
    Msg      PeerMsg  `json:"-"`
    Callback Callback `json:"callback"`
}

// VoteQuery asks the runtime to read a peer's vote.
type VoteQuery struct {
    To         PeerID     `json:"to"`
    ProposalID ProposalID `json:"proposal_id"`
}

// TallyRegistration asks the runtime to register a tally query with a
// remote query host.
type TallyRegistration struct {
    ReplyID ReplyID        `json:"reply_id"`
    To      PeerID         `json:"to"`
    Spec    TallyQuerySpec `json:"spec"`
}
