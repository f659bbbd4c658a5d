package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "net"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/peer"

    "github.com/amirimatin/go-intergov/pkg/gov"
    "github.com/amirimatin/go-intergov/pkg/observability/tracing"
    "github.com/amirimatin/go-intergov/pkg/security/tlsconfig"
    "github.com/amirimatin/go-intergov/pkg/transport"
)

const serviceName = "intergov.v1.Peer"

var errNotSupported = errors.New("not supported")

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    lis    net.Listener
    srv    *grpc.Server
    tlsCfg *tls.Config
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}
type statusBlob struct{ Data []byte `json:"data"` }

// peerServer is the handler type of the hand-written service descriptor.
type peerServer struct{ h transport.Handlers }

// certPeer returns the mTLS identity of the caller, if any.
func certPeer(ctx context.Context) string {
    p, ok := peer.FromContext(ctx)
    if !ok { return "" }
    info, ok := p.AuthInfo.(credentials.TLSInfo)
    if !ok { return "" }
    return tlsconfig.PeerName(&info.State)
}

// checkSender rejects an envelope whose From does not match the caller's
// certificate when the link is authenticated.
func checkSender(ctx context.Context, from gov.PeerID) error {
    if cn := certPeer(ctx); cn != "" && gov.PeerID(cn) != from {
        return fmt.Errorf("%w: certificate %q sent as %q", gov.ErrUnauthorizedSender, cn, from)
    }
    return nil
}

func (p *peerServer) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    if p.h.Status == nil { return nil, errNotSupported }
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    b, err := p.h.Status(ctx)
    if err != nil { return nil, err }
    return &statusBlob{Data: b}, nil
}

func (p *peerServer) Deliver(ctx context.Context, in *transport.DeliverRequest) (*transport.DeliverResponse, error) {
    if p.h.Deliver == nil { return &transport.DeliverResponse{Error: errNotSupported.Error()}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.deliver", "from", string(in.Envelope.From), "kind", string(in.Envelope.Kind))
    defer end()
    if err := checkSender(ctx, in.Envelope.From); err != nil { return &transport.DeliverResponse{Error: err.Error()}, nil }
    out, err := p.h.Deliver(ctx, *in)
    if err != nil { return &transport.DeliverResponse{Error: err.Error()}, nil }
    return &out, nil
}

func (p *peerServer) GetVote(ctx context.Context, in *transport.GetVoteRequest) (*transport.GetVoteResponse, error) {
    if p.h.GetVote == nil { return &transport.GetVoteResponse{Error: errNotSupported.Error()}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.get_vote", "proposal", string(in.ProposalID))
    defer end()
    out, err := p.h.GetVote(ctx, *in)
    if err != nil { return &transport.GetVoteResponse{Error: err.Error()}, nil }
    return &out, nil
}

func (p *peerServer) RegisterTally(ctx context.Context, in *transport.RegisterTallyRequest) (*transport.RegisterTallyResponse, error) {
    if p.h.RegisterTally == nil { return &transport.RegisterTallyResponse{Error: errNotSupported.Error()}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.register_tally", "requester", string(in.Spec.Requester))
    defer end()
    if err := checkSender(ctx, in.Spec.Requester); err != nil { return &transport.RegisterTallyResponse{Error: err.Error()}, nil }
    out, err := p.h.RegisterTally(ctx, *in)
    if err != nil { return &transport.RegisterTallyResponse{Error: err.Error()}, nil }
    return &out, nil
}

func (p *peerServer) PushResult(ctx context.Context, in *transport.PushResultRequest) (*transport.PushResultResponse, error) {
    if p.h.PushResult == nil { return &transport.PushResultResponse{Error: errNotSupported.Error()}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.push_result", "query", string(in.QueryID))
    defer end()
    if err := checkSender(ctx, in.From); err != nil { return &transport.PushResultResponse{Error: err.Error()}, nil }
    out, err := p.h.PushResult(ctx, *in)
    if err != nil { return &transport.PushResultResponse{Error: err.Error()}, nil }
    return &out, nil
}

func (p *peerServer) Local(ctx context.Context, in *transport.LocalRequest) (*transport.LocalResponse, error) {
    if p.h.Local == nil { return &transport.LocalResponse{Error: errNotSupported.Error()}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.local", "op", in.Op)
    defer end()
    out, err := p.h.Local(ctx, *in)
    if err != nil { return &transport.LocalResponse{Error: err.Error()}, nil }
    return &out, nil
}

func (p *peerServer) Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error) {
    if p.h.Join == nil { return &transport.JoinResponse{Error: errNotSupported.Error()}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.join", "replica", in.ID)
    defer end()
    out, err := p.h.Join(ctx, *in)
    if err != nil { return &transport.JoinResponse{Accepted: false, Leader: out.Leader, Error: err.Error()}, nil }
    return &out, nil
}

func (p *peerServer) Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error) {
    if p.h.Leave == nil { return &transport.LeaveResponse{Error: errNotSupported.Error()}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.leave", "replica", in.ID)
    defer end()
    out, err := p.h.Leave(ctx, *in)
    if err != nil { return &transport.LeaveResponse{Accepted: false, Error: err.Error()}, nil }
    return &out, nil
}

// unary builds a hand-written method descriptor for one peer call.
func unary[Req, Resp any](method string, call func(*peerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
    return grpc.MethodDesc{
        MethodName: method,
        Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
            in := new(Req)
            if err := dec(in); err != nil { return nil, err }
            if interceptor == nil { return call(srv.(*peerServer), ctx, in) }
            info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
            handler := func(ctx context.Context, req interface{}) (interface{}, error) {
                return call(srv.(*peerServer), ctx, req.(*Req))
            }
            return interceptor(ctx, in, info, handler)
        },
    }
}

var peerServiceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*interface{})(nil),
    Methods: []grpc.MethodDesc{
        unary("GetStatus", (*peerServer).GetStatus),
        unary("Deliver", (*peerServer).Deliver),
        unary("GetVote", (*peerServer).GetVote),
        unary("RegisterTally", (*peerServer).RegisterTally),
        unary("PushResult", (*peerServer).PushResult),
        unary("Local", (*peerServer).Local),
        unary("Join", (*peerServer).Join),
        unary("Leave", (*peerServer).Leave),
    },
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.lis = lis
    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    s.srv = srv
    healthpb.RegisterHealthServer(srv, health.NewServer())
    srv.RegisterService(&peerServiceDesc, &peerServer{h: h})

    go func() {
        <-ctx.Done()
        ch := make(chan struct{})
        go func() { srv.GracefulStop(); close(ch) }()
        select {
        case <-ch:
        case <-time.After(2 * time.Second):
            srv.Stop()
        }
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

// Addr returns the bound address; with a ":0" bind it carries the chosen port.
func (s *Server) Addr() string {
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    ch := make(chan struct{})
    go func() { s.srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        s.srv.Stop()
    }
    s.srv = nil
    if s.lis != nil { _ = s.lis.Close(); s.lis = nil }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
