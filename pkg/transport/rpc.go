package transport

import (
    "context"
    "encoding/json"

    "github.com/amirimatin/go-intergov/pkg/gov"
)

// StatusFunc returns a JSON-encoded status payload for /status.
type StatusFunc func(ctx context.Context) ([]byte, error)

// DeliverRequest carries one peer message. The reply is the ack the sender
// settles its callback with: a non-empty Error means the receiver rejected it.
type DeliverRequest struct {
    Envelope gov.Envelope `json:"envelope"`
}

type DeliverResponse struct {
    Error string `json:"error,omitempty"`
}

// GetVoteRequest reads the vote a peer cast on a proposal.
type GetVoteRequest struct {
    ProposalID gov.ProposalID `json:"proposal_id"`
    Requester  gov.PeerID     `json:"requester"`
}

type GetVoteResponse struct {
    Vote  *gov.VoteResponse `json:"vote,omitempty"`
    Error string            `json:"error,omitempty"`
}

// RegisterTallyRequest registers a tally query with the receiver's query host.
type RegisterTallyRequest struct {
    Spec gov.TallyQuerySpec `json:"spec"`
}

type RegisterTallyResponse struct {
    QueryID gov.QueryID `json:"query_id,omitempty"`
    Error   string      `json:"error,omitempty"`
}

// PushResultRequest is a query host delivering the result of a query.
type PushResultRequest struct {
    From    gov.PeerID      `json:"from"`
    QueryID gov.QueryID     `json:"query_id"`
    Payload json.RawMessage `json:"payload"`
}

type PushResultResponse struct {
    Error string `json:"error,omitempty"`
}

// LocalRequest is an operator call against the local API. Op names the
// operation and Data carries its JSON arguments.
type LocalRequest struct {
    Op   string          `json:"op"`
    Data json.RawMessage `json:"data,omitempty"`
}

type LocalResponse struct {
    Data  json.RawMessage `json:"data,omitempty"`
    Error string          `json:"error,omitempty"`
}

// JoinRequest asks the leader of a replica set to add a replica as a raft
// voter.
type JoinRequest struct {
    ID       string `json:"id"`
    RaftAddr string `json:"raftAddr"`
}

type JoinResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

// LeaveRequest requests removal of a replica from the replica set.
type LeaveRequest struct {
    ID string `json:"id"`
}

type LeaveResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

// Handlers backs a server. Nil handlers answer "not supported".
type Handlers struct {
    Status        StatusFunc
    Deliver       func(ctx context.Context, req DeliverRequest) (DeliverResponse, error)
    GetVote       func(ctx context.Context, req GetVoteRequest) (GetVoteResponse, error)
    RegisterTally func(ctx context.Context, req RegisterTallyRequest) (RegisterTallyResponse, error)
    PushResult    func(ctx context.Context, req PushResultRequest) (PushResultResponse, error)
    Local         func(ctx context.Context, req LocalRequest) (LocalResponse, error)
    Join          func(ctx context.Context, req JoinRequest) (JoinResponse, error)
    Leave         func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)
}

// RPCServer exposes the peer protocol, the local API and replica set
// management.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs calls against other nodes using the chosen protocol
// (HTTP/JSON or gRPC JSON codec). Errors reported by the remote handler are
// returned as errors; known sentinels survive the trip (see gov.ErrorFromString).
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    Deliver(ctx context.Context, addr string, req DeliverRequest) error
    GetVote(ctx context.Context, addr string, req GetVoteRequest) (*gov.VoteResponse, error)
    RegisterTally(ctx context.Context, addr string, req RegisterTallyRequest) (gov.QueryID, error)
    PushResult(ctx context.Context, addr string, req PushResultRequest) error
    Local(ctx context.Context, addr string, req LocalRequest) (json.RawMessage, error)
    Join(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
    Leave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
}

// RemoteError turns an error string received over the wire back into an
// error, or nil when it is empty.
func RemoteError(s string) error { return gov.ErrorFromString(s) }

// ErrString is the wire form of err.
func ErrString(err error) string {
    if err == nil { return "" }
    return err.Error()
}
