// Package memberlist implements gossip.Gossip on HashiCorp memberlist.
package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"

    "github.com/amirimatin/go-intergov/pkg/gossip"
    "github.com/amirimatin/go-intergov/pkg/gov"
    "github.com/amirimatin/go-intergov/pkg/internal/logutil"
)

// Options configures the memberlist-based gossip layer.
type Options struct {
    NodeID gov.PeerID

    // Bind is the bind address in host:port form (e.g. ":7946").
    Bind string

    // Advertise is the address peers use to reach this node. If empty,
    // memberlist derives it from Bind.
    Advertise string

    // RPC is the address advertised under gossip.MetaRPC.
    RPC string

    // Meta is extra metadata associated with the node.
    Meta map[string]string

    Logger *log.Logger

    // Tuning parameters (optional). Zero means use defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

type impl struct {
    mu     sync.RWMutex
    opts   Options
    ml     *memberlist.Memberlist
    evts   chan gossip.Event
    closed bool
}

func New(opts Options) (gossip.Gossip, error) {
    if opts.NodeID == "" { return nil, fmt.Errorf("memberlist: empty NodeID") }
    if opts.Bind == "" { return nil, fmt.Errorf("memberlist: empty Bind address") }
    if opts.Logger == nil { opts.Logger = log.Default() }
    meta := map[string]string{}
    for k, v := range opts.Meta { meta[k] = v }
    if opts.RPC != "" { meta[gossip.MetaRPC] = opts.RPC }
    opts.Meta = meta
    return &impl{opts: opts, evts: make(chan gossip.Event, 64)}, nil
}

func (m *impl) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.ml != nil { return nil }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = string(m.opts.NodeID)
    host, port, err := splitHostPort(m.opts.Bind)
    if err != nil { return fmt.Errorf("memberlist: invalid bind address %q: %w", m.opts.Bind, err) }
    cfg.BindAddr = host
    cfg.BindPort = port
    if m.opts.Advertise != "" {
        ahost, aport, err := splitHostPort(m.opts.Advertise)
        if err != nil { return fmt.Errorf("memberlist: invalid advertise address %q: %w", m.opts.Advertise, err) }
        cfg.AdvertiseAddr = ahost
        cfg.AdvertisePort = aport
    }
    if m.opts.ProbeInterval > 0 { cfg.ProbeInterval = m.opts.ProbeInterval }
    if m.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = m.opts.ProbeTimeout }
    if m.opts.SuspicionMult > 0 { cfg.SuspicionMult = m.opts.SuspicionMult }
    cfg.Logger = m.opts.Logger

    cfg.Events = &eventDelegate{emit: m.emit}
    metaBytes, err := json.Marshal(m.opts.Meta)
    if err != nil { return err }
    if len(metaBytes) > memberlist.MetaMaxSize {
        return fmt.Errorf("memberlist: node meta is %d bytes, limit %d", len(metaBytes), memberlist.MetaMaxSize)
    }
    cfg.Delegate = &nodeDelegate{meta: metaBytes}

    ml, err := memberlist.Create(cfg)
    if err != nil { return err }
    m.ml = ml

    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()
    return nil
}

func (m *impl) Join(seeds []string) error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return fmt.Errorf("memberlist: not started") }
    if len(seeds) == 0 { return nil }
    n, err := ml.Join(seeds)
    if err != nil && n == 0 { return err }
    if err != nil { logutil.Warnf(m.opts.Logger, "memberlist: joined %d of %d seeds: %v", n, len(seeds), err) }
    return nil
}

func (m *impl) Local() gossip.NodeInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return gossip.NodeInfo{} }
    info := toInfo(m.ml.LocalNode())
    if len(info.Meta) == 0 { info.Meta = m.opts.Meta }
    return info
}

func (m *impl) Nodes() []gossip.NodeInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return nil }
    nodes := m.ml.Members()
    out := make([]gossip.NodeInfo, 0, len(nodes))
    for _, n := range nodes { out = append(out, toInfo(n)) }
    return out
}

func (m *impl) Events() <-chan gossip.Event { return m.evts }

// Leave broadcasts the intent to leave and waits up to a second for it to
// propagate.
func (m *impl) Leave() error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return nil }
    return ml.Leave(time.Second)
}

func (m *impl) Stop() error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed { return nil }
    m.closed = true
    if m.ml != nil {
        _ = m.ml.Shutdown()
        m.ml = nil
    }
    close(m.evts)
    return nil
}

// HealthScore exposes memberlist's awareness score.
func (m *impl) HealthScore() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return -1 }
    return m.ml.GetHealthScore()
}

func (m *impl) emit(e gossip.Event) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.closed { return }
    select {
    case m.evts <- e:
    default:
        logutil.Warnf(m.opts.Logger, "memberlist: dropping %s event for %s: channel full", e.Type, e.Node.ID)
    }
}

func toInfo(n *memberlist.Node) gossip.NodeInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    return gossip.NodeInfo{
        ID:   gov.PeerID(n.Name),
        Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))),
        Meta: meta,
    }
}

func splitHostPort(hp string) (string, int, error) {
    host, ps, err := net.SplitHostPort(hp)
    if err != nil { return "", 0, err }
    p, err := strconv.Atoi(ps)
    if err != nil || p < 0 || p > 65535 { return "", 0, fmt.Errorf("invalid port: %q", ps) }
    return host, p, nil
}

type eventDelegate struct {
    emit func(e gossip.Event)
}

func (d *eventDelegate) notify(t gossip.EventType, n *memberlist.Node) {
    if d.emit == nil || n == nil { return }
    d.emit(gossip.Event{Type: t, Node: toInfo(n), At: time.Now()})
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.notify(gossip.EventJoin, n) }
func (d *eventDelegate) NotifyLeave(n *memberlist.Node)  { d.notify(gossip.EventLeave, n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.notify(gossip.EventUpdate, n) }

// nodeDelegate broadcasts the node metadata; the rest of the hooks are unused.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    return nil
}

func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}

var _ gossip.HealthReporter = (*impl)(nil)
