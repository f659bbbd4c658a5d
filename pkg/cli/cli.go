package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "strconv"
    "strings"
    "syscall"
    "time"

    "github.com/holiman/uint256"
    "github.com/spf13/cobra"

    "github.com/amirimatin/go-intergov/pkg/bootstrap"
    "github.com/amirimatin/go-intergov/pkg/cluster"
    "github.com/amirimatin/go-intergov/pkg/gov"
    tracing "github.com/amirimatin/go-intergov/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-intergov/pkg/security/tlsconfig"
    "github.com/amirimatin/go-intergov/pkg/transport"
    peergrpc "github.com/amirimatin/go-intergov/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-intergov/pkg/transport/httpjson"
)

// AddAll attaches every node command to the provided root command.
func AddAll(root *cobra.Command) {
    for _, c := range commands() { root.AddCommand(c) }
}

// NewGovCommand returns a parent command "gov" holding every node command.
func NewGovCommand() *cobra.Command {
    parent := &cobra.Command{Use: "gov", Short: "inter-group governance commands"}
    AddAll(parent)
    return parent
}

func commands() []*cobra.Command {
    return []*cobra.Command{
        NewRunCmd(),
        NewStatusCmd(),
        newProposeCmd(),
        idCmd("finalize", "Close a proposal's initial sync round", cluster.OpFinalize),
        newVoteCmd(),
        idCmd("request-votes", "Ask every member for its vote on a proposal", cluster.OpRequestVoteResults),
        idCmd("execute", "Tally a closed proposal and broadcast the outcome", cluster.OpExecute),
        idCmd("gov-details", "Register tally queries for external governance votes", cluster.OpRequestGovVoteDetails),
        newTallyCmd(),
        queryCmd("members", "Show the group and pending invitations", cluster.OpMembers),
        idCmd("proposal", "Show one proposal", cluster.OpProposal),
        queryCmd("proposals", "List every proposal", cluster.OpProposals),
        idCmd("proposal-state", "Show the sync phase of a proposal", cluster.OpProposalState),
        queryCmd("proposal-states", "List the sync phase of every proposal", cluster.OpProposalStates),
        idCmd("vote-of", "Show this node's vote on a proposal", cluster.OpVoteOf),
        idCmd("votes", "Show collected votes of a proposal", cluster.OpVoteResults),
        idCmd("outcome", "Show the recorded outcome of a proposal", cluster.OpOutcome),
        idCmd("gov-queries", "Show tally query results of a proposal", cluster.OpGovVoteQueries),
        queryCmd("acks", "List sync rounds still awaiting acknowledgements", cluster.OpAcks),
        queryCmd("tally-queries", "List tally queries hosted by this node", cluster.OpTallyQueries),
        newReplicaCmd(),
    }
}

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
    var (
        cfgPath     string
        traceEnable bool
        f           = bootstrap.Defaults()
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a governance node",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg := bootstrap.Defaults()
            if cfgPath != "" {
                var err error
                if cfg, err = bootstrap.LoadFile(cfgPath); err != nil { return err }
            }
            overlay(cmd, &cfg, f)
            if cfg.NodeID == "" { return fmt.Errorf("missing --id") }
            ctx, cancel := signalContext()
            defer cancel()

            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            n, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer n.Close()

            fmt.Println("node running. Press Ctrl+C to exit.")
            <-ctx.Done()
            return nil
        },
    }
    fl := cmd.Flags()
    fl.StringVar(&cfgPath, "config", "", "YAML config file; flags override it")
    fl.StringVar(&f.NodeID, "id", "", "peer id of this node (required)")
    fl.StringVar(&f.Module, "module", f.Module, "module name peers must match")
    fl.StringVar(&f.AllowJoin, "allow-join", "", "comma-separated peer ids allowed to invite this node")
    fl.StringVar(&f.Listen, "listen", f.Listen, "RPC bind address")
    fl.StringVar(&f.Advertise, "advertise", "", "RPC address peers dial (defaults to --listen)")
    fl.StringVar(&f.Proto, "proto", f.Proto, "RPC protocol: http|grpc")
    fl.StringVar(&f.DataDir, "data", "", "data dir for stores and raft state (empty keeps state in memory)")
    fl.BoolVar(&f.QueryHost, "query-host", f.QueryHost, "serve tally queries for other peers")
    fl.StringVar(&f.Peers, "peers", "", "comma-separated id=host:port peer directory")
    fl.StringVar(&f.PeersFile, "peers-file", "", "path or glob to files of id=host:port lines")
    fl.StringVar(&f.PeersEnv, "peers-env", "", "ENV var holding id=host:port CSV; overrides the file")
    fl.StringVar(&f.Discovery, "discovery", f.Discovery, "gossip seed discovery: static|dns")
    fl.DurationVar(&f.DiscRefresh, "disc-refresh", f.DiscRefresh, "discovery refresh/cache duration")
    fl.StringVar(&f.DNS.Names, "dns-names", "", "comma-separated DNS names or SRV records for gossip seeds")
    fl.IntVar(&f.DNS.Port, "dns-port", f.DNS.Port, "port used for A/AAAA seed lookups")
    fl.StringVar(&f.DNS.Zone, "dns-zone", "", "domain under which <peer-id> resolves to its RPC endpoint")
    fl.StringVar(&f.DNS.Service, "dns-service", "", "SRV service name for peer lookups")
    fl.IntVar(&f.DNS.RPCPort, "dns-rpc-port", 0, "RPC port used for A/AAAA peer lookups")
    fl.BoolVar(&f.Gossip.Enable, "gossip", false, "gossip RPC addresses with memberlist")
    fl.StringVar(&f.Gossip.Bind, "gossip-bind", f.Gossip.Bind, "gossip bind addr (host:port)")
    fl.StringVar(&f.Gossip.Advertise, "gossip-adv", "", "gossip advertise addr (host:port, optional)")
    fl.StringVar(&f.Gossip.Seeds, "join", "", "comma-separated gossip seeds (host:port), used by discovery=static")
    fl.BoolVar(&f.Raft.Enable, "raft", false, "replicate this peer over raft")
    fl.StringVar(&f.Raft.ReplicaID, "replica-id", "", "raft replica id (defaults to --id)")
    fl.StringVar(&f.Raft.Bind, "raft-addr", f.Raft.Bind, "raft bind addr (tcp)")
    fl.BoolVar(&f.Raft.Bootstrap, "bootstrap", false, "bootstrap a new replica set")
    fl.StringVar(&f.Raft.Join, "raft-join", "", "RPC address of a replica set leader to join")
    fl.BoolVar(&f.TLS.Enable, "tls-enable", false, "enable mTLS for the RPC transport")
    fl.StringVar(&f.TLS.CAFile, "tls-ca", "", "path to CA cert (PEM)")
    fl.StringVar(&f.TLS.CertFile, "tls-cert", "", "path to node certificate (PEM); its CN must be the peer id")
    fl.StringVar(&f.TLS.KeyFile, "tls-key", "", "path to node private key (PEM)")
    fl.BoolVar(&f.TLS.InsecureSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    fl.StringVar(&f.TLS.ServerName, "tls-server-name", "", "expected server name (for TLS validation)")
    fl.DurationVar(&f.BlockTime, "block-time", f.BlockTime, "duration of one block height")
    fl.DurationVar(&f.CallTimeout, "call-timeout", f.CallTimeout, "peer RPC timeout")
    fl.DurationVar(&f.StuckAfter, "stuck-after", f.StuckAfter, "age after which an open sync round is reported")
    fl.BoolVar(&f.LogJSON, "log-json", false, "emit JSON log lines")
    fl.StringVar(&f.LogFile.Path, "log-file", "", "also write logs to this rotating file")
    fl.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    return cmd
}

// overlay copies every flag the user set from f into cfg.
func overlay(cmd *cobra.Command, cfg *bootstrap.Config, f bootstrap.Config) {
    set := map[string]func(){
        "id":              func() { cfg.NodeID = f.NodeID },
        "module":          func() { cfg.Module = f.Module },
        "allow-join":      func() { cfg.AllowJoin = f.AllowJoin },
        "listen":          func() { cfg.Listen = f.Listen },
        "advertise":       func() { cfg.Advertise = f.Advertise },
        "proto":           func() { cfg.Proto = f.Proto },
        "data":            func() { cfg.DataDir = f.DataDir },
        "query-host":      func() { cfg.QueryHost = f.QueryHost },
        "peers":           func() { cfg.Peers = f.Peers },
        "peers-file":      func() { cfg.PeersFile = f.PeersFile },
        "peers-env":       func() { cfg.PeersEnv = f.PeersEnv },
        "discovery":       func() { cfg.Discovery = f.Discovery },
        "disc-refresh":    func() { cfg.DiscRefresh = f.DiscRefresh },
        "dns-names":       func() { cfg.DNS.Names = f.DNS.Names },
        "dns-port":        func() { cfg.DNS.Port = f.DNS.Port },
        "dns-zone":        func() { cfg.DNS.Zone = f.DNS.Zone },
        "dns-service":     func() { cfg.DNS.Service = f.DNS.Service },
        "dns-rpc-port":    func() { cfg.DNS.RPCPort = f.DNS.RPCPort },
        "gossip":          func() { cfg.Gossip.Enable = f.Gossip.Enable },
        "gossip-bind":     func() { cfg.Gossip.Bind = f.Gossip.Bind },
        "gossip-adv":      func() { cfg.Gossip.Advertise = f.Gossip.Advertise },
        "join":            func() { cfg.Gossip.Seeds = f.Gossip.Seeds },
        "raft":            func() { cfg.Raft.Enable = f.Raft.Enable },
        "replica-id":      func() { cfg.Raft.ReplicaID = f.Raft.ReplicaID },
        "raft-addr":       func() { cfg.Raft.Bind = f.Raft.Bind },
        "bootstrap":       func() { cfg.Raft.Bootstrap = f.Raft.Bootstrap },
        "raft-join":       func() { cfg.Raft.Join = f.Raft.Join },
        "tls-enable":      func() { cfg.TLS.Enable = f.TLS.Enable },
        "tls-ca":          func() { cfg.TLS.CAFile = f.TLS.CAFile },
        "tls-cert":        func() { cfg.TLS.CertFile = f.TLS.CertFile },
        "tls-key":         func() { cfg.TLS.KeyFile = f.TLS.KeyFile },
        "tls-skip-verify": func() { cfg.TLS.InsecureSkipVerify = f.TLS.InsecureSkipVerify },
        "tls-server-name": func() { cfg.TLS.ServerName = f.TLS.ServerName },
        "block-time":      func() { cfg.BlockTime = f.BlockTime },
        "call-timeout":    func() { cfg.CallTimeout = f.CallTimeout },
        "stuck-after":     func() { cfg.StuckAfter = f.StuckAfter },
        "log-json":        func() { cfg.LogJSON = f.LogJSON },
        "log-file":        func() { cfg.LogFile.Path = f.LogFile.Path },
    }
    for name, apply := range set {
        if cmd.Flags().Changed(name) { apply() }
    }
}

// clientFlags addresses a running node.
type clientFlags struct {
    addr, proto string
    timeout     time.Duration
    tls         tlsx.Options
}

func (c *clientFlags) bind(cmd *cobra.Command) {
    fl := cmd.Flags()
    fl.StringVar(&c.addr, "addr", "127.0.0.1:17000", "RPC address of a node (host:port)")
    fl.StringVar(&c.proto, "proto", "http", "RPC protocol: http|grpc")
    fl.DurationVar(&c.timeout, "timeout", 5*time.Second, "request timeout")
    fl.BoolVar(&c.tls.Enable, "tls-enable", false, "enable mTLS")
    fl.StringVar(&c.tls.CAFile, "tls-ca", "", "path to CA cert (PEM)")
    fl.StringVar(&c.tls.CertFile, "tls-cert", "", "path to client certificate (PEM)")
    fl.StringVar(&c.tls.KeyFile, "tls-key", "", "path to client private key (PEM)")
    fl.BoolVar(&c.tls.InsecureSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    fl.StringVar(&c.tls.ServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (c *clientFlags) client() (transport.RPCClient, func(), error) {
    tc, err := c.tls.Client()
    if err != nil { return nil, nil, fmt.Errorf("tls client config: %w", err) }
    switch c.proto {
    case "grpc":
        cli := peergrpc.NewClient(c.timeout)
        if tc != nil { cli.UseTLS(tc) }
        return cli, cli.Close, nil
    case "", "http":
        cli := httpjson.NewClient(c.timeout)
        if tc != nil { cli.UseTLS(tc) }
        return cli, func() {}, nil
    default:
        return nil, nil, fmt.Errorf("unknown proto %q", c.proto)
    }
}

// local runs op against the node's local API and prints the result.
func (c *clientFlags) local(op string, args any) error {
    var data json.RawMessage
    if args != nil {
        b, err := json.Marshal(args)
        if err != nil { return err }
        data = b
    }
    cli, done, err := c.client()
    if err != nil { return err }
    defer done()
    ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
    defer cancel()
    out, err := cli.Local(ctx, c.addr, transport.LocalRequest{Op: op, Data: data})
    if err != nil { return fmt.Errorf("%s error: %w", op, err) }
    return printJSON(out)
}

func printJSON(raw json.RawMessage) error {
    var v any
    if err := json.Unmarshal(raw, &v); err != nil {
        os.Stdout.Write(raw)
        os.Stdout.Write([]byte("\n"))
        return nil
    }
    enc := json.NewEncoder(os.Stdout)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

func queryCmd(use, short, op string) *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   use,
        Short: short,
        Args:  cobra.NoArgs,
        RunE:  func(cmd *cobra.Command, args []string) error { return cf.local(op, nil) },
    }
    cf.bind(cmd)
    return cmd
}

func idCmd(use, short, op string) *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   use + " <proposal-id>",
        Short: short,
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            return cf.local(op, cluster.IDArgs{ID: gov.ProposalID(args[0])})
        },
    }
    cf.bind(cmd)
    return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch node status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            cli, done, err := cf.client()
            if err != nil { return err }
            defer done()
            ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
            defer cancel()
            data, err := cli.GetStatus(ctx, cf.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            return printJSON(data)
        },
    }
    cf.bind(cmd)
    return cmd
}

func newProposeCmd() *cobra.Command {
    var (
        cf                       clientFlags
        sender, title, desc, exp string
        minPeriod, threshold     string
        members                  string
    )
    cmd := &cobra.Command{
        Use:   "propose",
        Short: "Open a proposal and sync it to every member",
        RunE: func(cmd *cobra.Command, args []string) error {
            msg := gov.ProposalMsg{Title: title, Description: desc, Action: gov.Signal(), Threshold: gov.Threshold(threshold)}
            var err error
            if msg.Expiration, err = ParseExpiration(exp); err != nil { return err }
            if minPeriod != "" {
                mp, err := ParseExpiration(minPeriod)
                if err != nil { return err }
                msg.MinVotingPeriod = &mp
            }
            if members != "" {
                var peers []gov.PeerID
                for _, p := range strings.Split(members, ",") { peers = append(peers, gov.PeerID(strings.TrimSpace(p))) }
                msg.Action = gov.UpdateMembers(peers...)
            }
            return cf.local(cluster.OpPropose, gov.LocalPropose{Sender: sender, Msg: msg})
        },
    }
    cf.bind(cmd)
    fl := cmd.Flags()
    fl.StringVar(&sender, "sender", "", "account submitting the proposal")
    fl.StringVar(&title, "title", "", "proposal title")
    fl.StringVar(&desc, "description", "", "proposal description")
    fl.StringVar(&exp, "expires", "never", "expiration: never | height:N | time:RFC3339")
    fl.StringVar(&minPeriod, "min-voting-period", "", "minimum voting period, same syntax as --expires")
    fl.StringVar(&threshold, "threshold", "", "pass threshold: majority|unanimous")
    fl.StringVar(&members, "update-members", "", "comma-separated peer ids; proposes this group membership instead of a signal")
    return cmd
}

func newVoteCmd() *cobra.Command {
    var (
        cf              clientFlags
        option, govKind string
        govAddr         string
        govID           uint64
    )
    cmd := &cobra.Command{
        Use:   "vote <proposal-id>",
        Short: "Record this node's vote on a proposal",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            v, err := ParseVote(option)
            if err != nil { return err }
            g := gov.Governance{Kind: gov.GovernanceKind(govKind), ProposalID: govID, Address: govAddr}
            return cf.local(cluster.OpVote, gov.LocalVote{ID: gov.ProposalID(args[0]), Vote: v, Governance: g})
        },
    }
    cf.bind(cmd)
    fl := cmd.Flags()
    fl.StringVar(&option, "option", "yes", "yes | no | no_vote | N/D ratio")
    fl.StringVar(&govKind, "gov", string(gov.GovManual), "how the vote was decided: native|external_dao|manual")
    fl.Uint64Var(&govID, "gov-proposal", 0, "governance proposal id for native and external_dao votes")
    fl.StringVar(&govAddr, "gov-address", "", "external DAO address")
    return cmd
}

func newTallyCmd() *cobra.Command {
    parent := &cobra.Command{Use: "tally", Short: "Tally query host commands"}
    var (
        cf                     clientFlags
        yes, no, abstain, veto string
    )
    publish := &cobra.Command{
        Use:   "publish <native-proposal-id>",
        Short: "Publish a finished native tally for registered queries",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            native, err := strconv.ParseUint(args[0], 10, 64)
            if err != nil { return fmt.Errorf("native proposal id: %w", err) }
            t, err := ParseTally(yes, no, abstain, veto)
            if err != nil { return err }
            return cf.local(cluster.OpPublishTally, cluster.PublishTallyArgs{NativeProposalID: native, Tally: t})
        },
    }
    cf.bind(publish)
    fl := publish.Flags()
    fl.StringVar(&yes, "yes", "0", "yes weight (decimal)")
    fl.StringVar(&no, "no", "0", "no weight (decimal)")
    fl.StringVar(&abstain, "abstain", "0", "abstain weight (decimal)")
    fl.StringVar(&veto, "veto", "0", "no-with-veto weight (decimal)")
    parent.AddCommand(publish)
    return parent
}

func newReplicaCmd() *cobra.Command {
    parent := &cobra.Command{Use: "replica", Short: "Manage the raft replica set of a peer"}
    var jf clientFlags
    var id, raftAddr string
    join := &cobra.Command{
        Use:   "join",
        Short: "Request to add a replica to the set",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" || raftAddr == "" { return fmt.Errorf("missing required flags: --id and --raft-addr") }
            cli, done, err := jf.client()
            if err != nil { return err }
            defer done()
            ctx, cancel := context.WithTimeout(context.Background(), jf.timeout)
            defer cancel()
            resp, err := cli.Join(ctx, jf.addr, transport.JoinRequest{ID: id, RaftAddr: raftAddr})
            if err != nil { return fmt.Errorf("join error: %w", err) }
            return json.NewEncoder(os.Stdout).Encode(resp)
        },
    }
    jf.bind(join)
    join.Flags().StringVar(&id, "id", "", "replica id to add (required)")
    join.Flags().StringVar(&raftAddr, "raft-addr", "", "replica raft address (host:port, required)")

    var lf clientFlags
    var leaveID string
    leave := &cobra.Command{
        Use:   "leave",
        Short: "Request to remove a replica from the set",
        RunE: func(cmd *cobra.Command, args []string) error {
            if leaveID == "" { return fmt.Errorf("missing required flag: --id") }
            cli, done, err := lf.client()
            if err != nil { return err }
            defer done()
            ctx, cancel := context.WithTimeout(context.Background(), lf.timeout)
            defer cancel()
            resp, err := cli.Leave(ctx, lf.addr, transport.LeaveRequest{ID: leaveID})
            if err != nil { return fmt.Errorf("leave error: %w", err) }
            return json.NewEncoder(os.Stdout).Encode(resp)
        },
    }
    lf.bind(leave)
    leave.Flags().StringVar(&leaveID, "id", "", "replica id to remove (required)")
    parent.AddCommand(join, leave)
    return parent
}

// ParseVote reads "yes", "no", "no_vote" or a "N/D" ratio.
func ParseVote(s string) (gov.Vote, error) {
    s = strings.TrimSpace(strings.ToLower(s))
    var v gov.Vote
    switch s {
    case "yes":
        v = gov.Yes
    case "no":
        v = gov.No
    case "no_vote", "abstain":
        v = gov.NoVote
    default:
        num, den, ok := strings.Cut(s, "/")
        if !ok { return v, fmt.Errorf("unknown vote %q", s) }
        n, err := strconv.ParseUint(num, 10, 64)
        if err != nil { return v, fmt.Errorf("vote ratio: %w", err) }
        d, err := strconv.ParseUint(den, 10, 64)
        if err != nil { return v, fmt.Errorf("vote ratio: %w", err) }
        v = gov.Ratio(n, d)
    }
    return v, v.Validate()
}

// ParseExpiration reads "never", "height:N" or "time:RFC3339".
func ParseExpiration(s string) (gov.Expiration, error) {
    kind, val, _ := strings.Cut(strings.TrimSpace(s), ":")
    switch kind {
    case "", "never":
        return gov.Never(), nil
    case "height":
        h, err := strconv.ParseUint(val, 10, 64)
        if err != nil { return gov.Expiration{}, fmt.Errorf("expiration height: %w", err) }
        return gov.AtHeight(h), nil
    case "time":
        t, err := time.Parse(time.RFC3339, val)
        if err != nil { return gov.Expiration{}, fmt.Errorf("expiration time: %w", err) }
        return gov.AtTime(t), nil
    default:
        return gov.Expiration{}, fmt.Errorf("unknown expiration %q", s)
    }
}

// ParseTally reads decimal weights of a tally.
func ParseTally(yes, no, abstain, veto string) (gov.TallyResult, error) {
    var (
        t   gov.TallyResult
        err error
    )
    parse := func(name, s string) *uint256.Int {
        if err != nil { return nil }
        var v *uint256.Int
        if v, err = uint256.FromDecimal(s); err != nil { err = fmt.Errorf("tally %s: %w", name, err) }
        return v
    }
    t.Yes = parse("yes", yes)
    t.No = parse("no", no)
    t.Abstain = parse("abstain", abstain)
    t.NoWithVeto = parse("no_with_veto", veto)
    return t, err
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
