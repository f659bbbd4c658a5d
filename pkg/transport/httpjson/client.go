package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-intergov/pkg/gov"
    "github.com/amirimatin/go-intergov/pkg/transport"
)

// Client is a thin HTTP client for the peer protocol. It supports optional
// TLS configuration and retries transport failures with backoff.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// backoff waits before the next attempt unless ctx is done.
func backoff(ctx context.Context, attempt int) error {
    select {
    case <-ctx.Done():
        return ctx.Err()
    case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        return nil
    }
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, PathStatus), nil)
        if err != nil { return nil, err }
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, rerr := io.ReadAll(resp.Body)
            resp.Body.Close()
            if rerr == nil && resp.StatusCode == http.StatusOK { return b, nil }
            lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
        }
        if err := backoff(ctx, attempt); err != nil { return nil, err }
    }
    return nil, lastErr
}

// post sends in to path and decodes the reply into out. errOf extracts the
// application error carried by out. Only transport failures are retried: a
// reply carrying an error means the receiver processed the request.
func post[Resp any](ctx context.Context, c *Client, addr, path string, in any, out *Resp, errOf func(*Resp) string) error {
    body, err := json.Marshal(in)
    if err != nil { return err }
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, path), bytes.NewReader(body))
        if err != nil { return err }
        req.Header.Set("Content-Type", "application/json")
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, _ := io.ReadAll(resp.Body)
            resp.Body.Close()
            jerr := json.Unmarshal(b, out)
            if jerr == nil {
                if msg := errOf(out); msg != "" { return transport.RemoteError(msg) }
                if resp.StatusCode == http.StatusOK { return nil }
            }
            lastErr = fmt.Errorf("%s status %d: %s", path, resp.StatusCode, bytes.TrimSpace(b))
            if resp.StatusCode < 500 { return lastErr }
        }
        if err := backoff(ctx, attempt); err != nil {
            if lastErr == nil { lastErr = err }
            return lastErr
        }
    }
    return lastErr
}

func (c *Client) Deliver(ctx context.Context, addr string, req transport.DeliverRequest) error {
    var out transport.DeliverResponse
    return post(ctx, c, addr, PathDeliver, req, &out, func(r *transport.DeliverResponse) string { return r.Error })
}

func (c *Client) GetVote(ctx context.Context, addr string, req transport.GetVoteRequest) (*gov.VoteResponse, error) {
    var out transport.GetVoteResponse
    if err := post(ctx, c, addr, PathGetVote, req, &out, func(r *transport.GetVoteResponse) string { return r.Error }); err != nil { return nil, err }
    return out.Vote, nil
}

func (c *Client) RegisterTally(ctx context.Context, addr string, req transport.RegisterTallyRequest) (gov.QueryID, error) {
    var out transport.RegisterTallyResponse
    err := post(ctx, c, addr, PathRegisterTally, req, &out, func(r *transport.RegisterTallyResponse) string { return r.Error })
    return out.QueryID, err
}

func (c *Client) PushResult(ctx context.Context, addr string, req transport.PushResultRequest) error {
    var out transport.PushResultResponse
    return post(ctx, c, addr, PathPushResult, req, &out, func(r *transport.PushResultResponse) string { return r.Error })
}

func (c *Client) Local(ctx context.Context, addr string, req transport.LocalRequest) (json.RawMessage, error) {
    var out transport.LocalResponse
    err := post(ctx, c, addr, PathLocal, req, &out, func(r *transport.LocalResponse) string { return r.Error })
    return out.Data, err
}

func (c *Client) Join(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    err := post(ctx, c, addr, PathJoin, req, &out, func(r *transport.JoinResponse) string { return r.Error })
    return out, err
}

func (c *Client) Leave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    err := post(ctx, c, addr, PathLeave, req, &out, func(r *transport.LeaveResponse) string { return r.Error })
    return out, err
}

var _ transport.RPCClient = (*Client)(nil)
