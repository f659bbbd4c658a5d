package grpc

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-intergov/pkg/gov"
    "github.com/amirimatin/go-intergov/pkg/transport"
)

type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config
    cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    c := &Client{timeout: timeout}
    c.cm = NewConnManager(30*time.Second, c.dialCtx)
    return c
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithBlock(),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.DialContext(ctx, target, opts...)
}

// invoke calls method on addr, dropping the cached connection when the
// peer is unreachable.
func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.cm.Get(cctx, addr)
    if err != nil { return err }
    defer rel()
    err = cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out)
    if status.Code(err) == codes.Unavailable { c.cm.Evict(addr) }
    return err
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out := new(statusBlob)
    if err := c.invoke(ctx, addr, "GetStatus", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func (c *Client) Deliver(ctx context.Context, addr string, req transport.DeliverRequest) error {
    var resp transport.DeliverResponse
    if err := c.invoke(ctx, addr, "Deliver", &req, &resp); err != nil { return err }
    return transport.RemoteError(resp.Error)
}

func (c *Client) GetVote(ctx context.Context, addr string, req transport.GetVoteRequest) (*gov.VoteResponse, error) {
    var resp transport.GetVoteResponse
    if err := c.invoke(ctx, addr, "GetVote", &req, &resp); err != nil { return nil, err }
    if err := transport.RemoteError(resp.Error); err != nil { return nil, err }
    return resp.Vote, nil
}

func (c *Client) RegisterTally(ctx context.Context, addr string, req transport.RegisterTallyRequest) (gov.QueryID, error) {
    var resp transport.RegisterTallyResponse
    if err := c.invoke(ctx, addr, "RegisterTally", &req, &resp); err != nil { return "", err }
    return resp.QueryID, transport.RemoteError(resp.Error)
}

func (c *Client) PushResult(ctx context.Context, addr string, req transport.PushResultRequest) error {
    var resp transport.PushResultResponse
    if err := c.invoke(ctx, addr, "PushResult", &req, &resp); err != nil { return err }
    return transport.RemoteError(resp.Error)
}

func (c *Client) Local(ctx context.Context, addr string, req transport.LocalRequest) (json.RawMessage, error) {
    var resp transport.LocalResponse
    if err := c.invoke(ctx, addr, "Local", &req, &resp); err != nil { return nil, err }
    return resp.Data, transport.RemoteError(resp.Error)
}

func (c *Client) Join(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var resp transport.JoinResponse
    if err := c.invoke(ctx, addr, "Join", &req, &resp); err != nil { return resp, err }
    return resp, transport.RemoteError(resp.Error)
}

func (c *Client) Leave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var resp transport.LeaveResponse
    if err := c.invoke(ctx, addr, "Leave", &req, &resp); err != nil { return resp, err }
    return resp, transport.RemoteError(resp.Error)
}

// Close releases cached connections.
func (c *Client) Close() { c.cm.Close() }

var _ transport.RPCClient = (*Client)(nil)
