// Package bootstrap assembles a node from a flat configuration: stores,
// consensus, peer directory, gossip, transport and TLS.
package bootstrap

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "strings"
    "time"

    "gopkg.in/yaml.v3"

    "github.com/amirimatin/go-intergov/pkg/cluster"
    "github.com/amirimatin/go-intergov/pkg/consensus"
    consraft "github.com/amirimatin/go-intergov/pkg/consensus/raft"
    "github.com/amirimatin/go-intergov/pkg/discovery"
    dDNS "github.com/amirimatin/go-intergov/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-intergov/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-intergov/pkg/discovery/static"
    "github.com/amirimatin/go-intergov/pkg/gossip"
    ml "github.com/amirimatin/go-intergov/pkg/gossip/memberlist"
    "github.com/amirimatin/go-intergov/pkg/gov"
    "github.com/amirimatin/go-intergov/pkg/internal/logutil"
    tlsx "github.com/amirimatin/go-intergov/pkg/security/tlsconfig"
    "github.com/amirimatin/go-intergov/pkg/store"
    "github.com/amirimatin/go-intergov/pkg/transport"
    peergrpc "github.com/amirimatin/go-intergov/pkg/transport/grpc"
    "github.com/amirimatin/go-intergov/pkg/transport/httpjson"
)

// RaftConfig turns a node into one replica of its peer.
type RaftConfig struct {
    Enable bool `yaml:"enable"`
    // ReplicaID defaults to the node id.
    ReplicaID string `yaml:"replica_id"`
    Bind      string `yaml:"bind"`
    // Bootstrap forms a new replica set with this replica as its only voter.
    Bootstrap bool `yaml:"bootstrap"`
    // Join is the RPC address of a replica set leader to join on start.
    Join string `yaml:"join"`
}

// GossipConfig enables memberlist gossip of peer RPC addresses.
type GossipConfig struct {
    Enable    bool   `yaml:"enable"`
    Bind      string `yaml:"bind"`
    Advertise string `yaml:"advertise"`
    // Seeds is a CSV of gossip addresses used with discovery "static".
    Seeds string `yaml:"seeds"`
}

// DNSConfig resolves gossip seeds and peer endpoints through DNS.
type DNSConfig struct {
    Names   string `yaml:"names"`
    Port    int    `yaml:"port"`
    Zone    string `yaml:"zone"`
    Service string `yaml:"service"`
    RPCPort int    `yaml:"rpc_port"`
}

// Config defines the inputs to assemble a node, with sensible defaults.
// Applications embed a node by providing this structure and calling
// Build/Run; the CLI fills it from flags and an optional YAML file.
type Config struct {
    NodeID    string `yaml:"node_id"`
    Module    string `yaml:"module"`
    AllowJoin string `yaml:"allow_join"` // CSV of peer ids

    // Listen is the RPC bind address; Advertise is what peers dial.
    Listen    string `yaml:"listen"`
    Advertise string `yaml:"advertise"`
    Proto     string `yaml:"proto"` // "http" (default) or "grpc"

    // DataDir holds the engine and query host stores and raft state. Empty
    // keeps everything in memory.
    DataDir   string `yaml:"data_dir"`
    QueryHost bool   `yaml:"query_host"`

    // Peer directory sources, asked in this order: static, file, dns, gossip.
    Peers       string        `yaml:"peers"` // CSV of id=host:port
    PeersFile   string        `yaml:"peers_file"`
    PeersEnv    string        `yaml:"peers_env"`
    Discovery   string        `yaml:"discovery"` // gossip seeds: "static" (default) or "dns"
    DiscRefresh time.Duration `yaml:"disc_refresh"`
    DNS         DNSConfig     `yaml:"dns"`
    Gossip      GossipConfig  `yaml:"gossip"`

    Raft RaftConfig   `yaml:"raft"`
    TLS  tlsx.Options `yaml:"tls"`

    Genesis   time.Time     `yaml:"genesis"`
    BlockTime time.Duration `yaml:"block_time"`

    CallTimeout time.Duration `yaml:"call_timeout"`
    StuckAfter  time.Duration `yaml:"stuck_after"`
    PushBackoff time.Duration `yaml:"push_backoff"`

    LogJSON bool               `yaml:"log_json"`
    LogFile logutil.FileOutput `yaml:"log_file"`

    // Logger (optional). If nil, one is built from LogFile.
    Logger *log.Logger `yaml:"-"`
}

// Defaults returns a Config with every optional field set.
func Defaults() Config {
    return Config{
        Module:      "intergov",
        Listen:      ":17000",
        Proto:       "http",
        QueryHost:   true,
        Discovery:   "static",
        DiscRefresh: 5 * time.Second,
        DNS:         DNSConfig{Port: 7946},
        Gossip:      GossipConfig{Bind: ":7946"},
        Raft:        RaftConfig{Bind: ":9520"},
        BlockTime:   time.Second,
        CallTimeout: 5 * time.Second,
        StuckAfter:  time.Minute,
        PushBackoff: 5 * time.Second,
    }
}

// LoadFile reads a YAML config over Defaults.
func LoadFile(path string) (Config, error) {
    cfg := Defaults()
    data, err := os.ReadFile(path)
    if err != nil { return cfg, err }
    if err := yaml.Unmarshal(data, &cfg); err != nil { return cfg, fmt.Errorf("bootstrap: parse %s: %w", path, err) }
    return cfg, nil
}

func (c Config) Validate() error {
    if c.NodeID == "" { return errors.New("bootstrap: node_id is required") }
    if c.Module == "" { return errors.New("bootstrap: module is required") }
    switch c.Proto {
    case "", "http", "grpc":
    default:
        return fmt.Errorf("bootstrap: unknown proto %q", c.Proto)
    }
    switch c.Discovery {
    case "", "static", "dns":
    default:
        return fmt.Errorf("bootstrap: unknown discovery %q", c.Discovery)
    }
    if c.Raft.Bootstrap && c.Raft.Join != "" { return errors.New("bootstrap: raft bootstrap and join are exclusive") }
    return nil
}

// Node is an assembled node together with the stores it owns.
type Node struct {
    *cluster.Cluster
    cfg     Config
    closers []func() error
}

// Close stops the node and closes its stores.
func (n *Node) Close() error {
    err := n.Cluster.Close()
    for i := len(n.closers) - 1; i >= 0; i-- {
        if cerr := n.closers[i](); cerr != nil && err == nil { err = cerr }
    }
    return err
}

func (n *Node) openStore(name string, memory bool) (store.Store, error) {
    var (
        st  store.Store
        err error
    )
    if memory || n.cfg.DataDir == "" {
        st = store.NewMemory()
    } else if st, err = store.OpenLevelDB(filepath.Join(n.cfg.DataDir, name)); err != nil {
        return nil, err
    }
    n.closers = append(n.closers, st.Close)
    return st, nil
}

func peerIDs(csv string) []gov.PeerID {
    var out []gov.PeerID
    for _, p := range dStatic.Parse(csv) { out = append(out, gov.PeerID(p)) }
    return out
}

// Build assembles a node from cfg without starting it.
func Build(cfg Config) (*Node, error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    if cfg.Logger == nil { cfg.Logger = logutil.New("["+cfg.NodeID+"] ", &cfg.LogFile) }
    if cfg.LogJSON { logutil.SetJSON(true) }
    n := &Node{cfg: cfg}
    fail := func(err error) (*Node, error) {
        for _, c := range n.closers { _ = c() }
        return nil, err
    }

    // Under raft the log and its snapshots are the durable copy; the engine
    // store is rebuilt from them on start.
    st, err := n.openStore("engine", cfg.Raft.Enable)
    if err != nil { return fail(err) }
    var qs store.Store
    if cfg.QueryHost {
        if qs, err = n.openStore("icq", false); err != nil { return fail(err) }
    }

    // Peer directory
    var dir discovery.Chain
    if cfg.Peers != "" {
        m, err := dStatic.ParsePeers(cfg.Peers)
        if err != nil { return fail(err) }
        dir = append(dir, m)
    }
    if cfg.PeersFile != "" || cfg.PeersEnv != "" {
        dir = append(dir, dFile.New(dFile.Options{Path: cfg.PeersFile, Env: cfg.PeersEnv, Refresh: cfg.DiscRefresh}))
    }
    var dns *dDNS.Resolver
    if cfg.DNS.Zone != "" || cfg.DNS.Names != "" {
        dns = dDNS.New(dDNS.Options{
            Names: dStatic.Parse(cfg.DNS.Names), GossipPort: cfg.DNS.Port,
            Zone: cfg.DNS.Zone, Service: cfg.DNS.Service, RPCPort: cfg.DNS.RPCPort,
            Refresh: cfg.DiscRefresh,
        })
        if cfg.DNS.Zone != "" { dir = append(dir, dns) }
    }

    // Gossip
    advertise := cfg.Advertise
    if advertise == "" { advertise = cfg.Listen }
    var (
        g     gossip.Gossip
        seeds discovery.Discovery
    )
    if cfg.Gossip.Enable {
        g, err = ml.New(ml.Options{NodeID: gov.PeerID(cfg.NodeID), Bind: cfg.Gossip.Bind, Advertise: cfg.Gossip.Advertise, RPC: advertise, Logger: cfg.Logger})
        if err != nil { return fail(err) }
        dir = append(dir, gossip.Directory{G: g})
        if cfg.Discovery == "dns" && dns != nil {
            seeds = dns
        } else {
            seeds = dStatic.New(dStatic.Parse(cfg.Gossip.Seeds)...)
        }
    }

    // Transport
    var (
        srv            transport.RPCServer
        cli            transport.RPCClient
        srvTLS, cliTLS *tls.Config
    )
    if cfg.TLS.Enable {
        if srvTLS, err = cfg.TLS.Server(); err != nil { return fail(err) }
        if cliTLS, err = cfg.TLS.Client(); err != nil { return fail(err) }
    }
    switch cfg.Proto {
    case "grpc":
        s := peergrpc.NewServer(cfg.Listen)
        c := peergrpc.NewClient(cfg.CallTimeout)
        if srvTLS != nil { s.UseTLS(srvTLS); c.UseTLS(cliTLS) }
        n.closers = append(n.closers, func() error { c.Close(); return nil })
        srv, cli = s, c
    default:
        s := httpjson.NewServer(cfg.Listen, cfg.Logger)
        c := httpjson.NewClient(cfg.CallTimeout)
        if srvTLS != nil { s.UseTLS(srvTLS); c.UseTLS(cliTLS) }
        srv, cli = s, c
    }

    opts := cluster.Options{
        NodeID:      gov.PeerID(cfg.NodeID),
        Module:      cfg.Module,
        AllowJoin:   peerIDs(cfg.AllowJoin),
        Store:       st,
        QueryStore:  qs,
        Directory:   dir,
        Gossip:      g,
        Seeds:       seeds,
        RPCServer:   srv,
        RPCClient:   cli,
        Clock:       gov.SystemClock{Genesis: cfg.Genesis, BlockTime: cfg.BlockTime},
        Logger:      cfg.Logger,
        CallTimeout: cfg.CallTimeout,
        StuckAfter:  cfg.StuckAfter,
        PushBackoff: cfg.PushBackoff,
    }
    if cfg.Raft.Enable {
        rc := cfg.Raft
        if rc.ReplicaID == "" { rc.ReplicaID = cfg.NodeID }
        var raftDir string
        if cfg.DataDir != "" { raftDir = filepath.Join(cfg.DataDir, "raft") }
        opts.Consensus = func(sm consensus.StateMachine) (consensus.Consensus, error) {
            return consraft.New(consraft.Options{
                NodeID: rc.ReplicaID, Logger: cfg.Logger, FSM: sm,
                Bootstrap: rc.Bootstrap, BindAddr: rc.Bind, DataDir: raftDir,
            })
        }
    }
    cl, err := cluster.New(opts)
    if err != nil { return fail(err) }
    n.Cluster = cl
    return n, nil
}

// Run builds and starts a node, joining its replica set when configured.
// The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*Node, error) {
    n, err := Build(cfg)
    if err != nil { return nil, err }
    if err := n.Start(ctx); err != nil { _ = n.Close(); return nil, err }
    if join := strings.TrimSpace(cfg.Raft.Join); cfg.Raft.Enable && join != "" {
        jctx, cancel := context.WithTimeout(ctx, 10*time.Second)
        defer cancel()
        if err := n.JoinReplicaSet(jctx, join); err != nil {
            _ = n.Close()
            return nil, fmt.Errorf("bootstrap: join replica set at %s: %w", join, err)
        }
        logutil.Infof(n.cfg.Logger, "joined replica set via %s", join)
    }
    return n, nil
}
