package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "net/http"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-intergov/pkg/gov"
    "github.com/amirimatin/go-intergov/pkg/internal/logutil"
    "github.com/amirimatin/go-intergov/pkg/observability/tracing"
    "github.com/amirimatin/go-intergov/pkg/security/tlsconfig"
    "github.com/amirimatin/go-intergov/pkg/transport"
)

// Routes of the HTTP rendition of the peer protocol.
const (
    PathStatus        = "/status"
    PathHealth        = "/healthz"
    PathMetrics       = "/metrics"
    PathDeliver       = "/v1/deliver"
    PathGetVote       = "/v1/vote"
    PathRegisterTally = "/v1/tally/register"
    PathPushResult    = "/v1/tally/push"
    PathLocal         = "/v1/local"
    PathJoin          = "/v1/join"
    PathLeave         = "/v1/leave"
)

// Server exposes the peer protocol, the local API, metrics and health over
// HTTP with JSON bodies.
type Server struct {
    bind   string
    ln     net.Listener
    srv    *http.Server
    logger *log.Logger
    tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// senderCheck rejects a request whose claimed sender differs from the mTLS
// identity of the connection.
func senderCheck(r *http.Request, from gov.PeerID) error {
    if cn := tlsconfig.PeerName(r.TLS); cn != "" && gov.PeerID(cn) != from {
        return fmt.Errorf("%w: certificate %q sent as %q", gov.ErrUnauthorizedSender, cn, from)
    }
    return nil
}

// postHandler adapts a typed handler to a JSON POST endpoint. Handler errors are
// reported as 500 with the response body carrying the error string.
func postHandler[Req, Resp any](span string, fn func(context.Context, Req) (Resp, error), check func(*http.Request, Req) error, wrap func(Resp, error) Resp) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if fn == nil { http.Error(w, "not supported", http.StatusNotImplemented); return }
        var req Req
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), span)
        defer end()
        var (
            resp Resp
            err  error
        )
        if check != nil { err = check(r, req) }
        if err == nil { resp, err = fn(ctx, req) }
        w.Header().Set("Content-Type", "application/json")
        if err != nil {
            tracing.RecordError(ctx, err)
            w.WriteHeader(http.StatusInternalServerError)
            _ = json.NewEncoder(w).Encode(wrap(resp, err))
            return
        }
        _ = json.NewEncoder(w).Encode(resp)
    }
}

// Start launches the HTTP server. The server is shut down when the context
// is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    mux := http.NewServeMux()
    mux.HandleFunc(PathStatus, func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Status == nil { http.Error(w, "not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        data, err := h.Status(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    mux.HandleFunc(PathHealth, func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle(PathMetrics, promhttp.Handler())

    mux.HandleFunc(PathDeliver, postHandler("http.deliver", h.Deliver,
        func(r *http.Request, req transport.DeliverRequest) error { return senderCheck(r, req.Envelope.From) },
        func(resp transport.DeliverResponse, err error) transport.DeliverResponse { resp.Error = err.Error(); return resp }))
    mux.HandleFunc(PathGetVote, postHandler("http.get_vote", h.GetVote, nil,
        func(resp transport.GetVoteResponse, err error) transport.GetVoteResponse { resp.Error = err.Error(); return resp }))
    mux.HandleFunc(PathRegisterTally, postHandler("http.register_tally", h.RegisterTally,
        func(r *http.Request, req transport.RegisterTallyRequest) error { return senderCheck(r, req.Spec.Requester) },
        func(resp transport.RegisterTallyResponse, err error) transport.RegisterTallyResponse { resp.Error = err.Error(); return resp }))
    mux.HandleFunc(PathPushResult, postHandler("http.push_result", h.PushResult,
        func(r *http.Request, req transport.PushResultRequest) error { return senderCheck(r, req.From) },
        func(resp transport.PushResultResponse, err error) transport.PushResultResponse { resp.Error = err.Error(); return resp }))
    mux.HandleFunc(PathLocal, postHandler("http.local", h.Local, nil,
        func(resp transport.LocalResponse, err error) transport.LocalResponse { resp.Error = err.Error(); return resp }))
    mux.HandleFunc(PathJoin, postHandler("http.join", h.Join, nil,
        func(resp transport.JoinResponse, err error) transport.JoinResponse { resp.Accepted = false; resp.Error = err.Error(); return resp }))
    mux.HandleFunc(PathLeave, postHandler("http.leave", h.Leave, nil,
        func(resp transport.LeaveResponse, err error) transport.LeaveResponse { resp.Accepted = false; resp.Error = err.Error(); return resp }))

    s.srv = &http.Server{Addr: s.bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.ln = ln
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }

    srv := s.srv
    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "httpjson: server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the bound address; with a ":0" bind it carries the chosen port.
func (s *Server) Addr() string {
    if s.ln != nil { return s.ln.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    err := s.srv.Shutdown(c)
    s.srv = nil
    return err
}

var _ transport.RPCServer = (*Server)(nil)
