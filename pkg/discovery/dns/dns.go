// Package dns discovers gossip seeds and peer endpoints through DNS. A peer
// id resolves to "<id>.<zone>" (A/AAAA) on the configured RPC port, or to the
// SRV record "_<service>._tcp.<id>.<zone>" when a service is set.
package dns

import (
    "context"
    "net"
    "sort"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-intergov/pkg/discovery"
    "github.com/amirimatin/go-intergov/pkg/gov"
)

// Options configures DNS-based discovery.
type Options struct {
    // Names are resolved into gossip seeds: SRV records
    // ("_gossip._tcp.example.com"), hostnames, or literal host:port.
    Names []string
    // GossipPort is used for hostnames without port information.
    GossipPort int

    // Zone is the domain peer ids live under. Empty disables Resolve.
    Zone string
    // Service selects SRV lookups for peers when non-empty.
    Service string
    // RPCPort is used for A/AAAA peer lookups.
    RPCPort int

    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration
    // Resolver optionally overrides the DNS resolver used.
    Resolver *net.Resolver
}

type entry struct {
    addr string
    at   time.Time
}

type Resolver struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    seeds []string
    peers map[gov.PeerID]entry
}

func New(opts Options) *Resolver {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.GossipPort == 0 { opts.GossipPort = 7946 }
    return &Resolver{opts: opts, peers: map[gov.PeerID]entry{}}
}

func (d *Resolver) resolver() *net.Resolver {
    if d.opts.Resolver != nil { return d.opts.Resolver }
    return net.DefaultResolver
}

func (d *Resolver) Seeds() []string {
    d.mu.Lock()
    defer d.mu.Unlock()
    if time.Since(d.last) < d.opts.Refresh && len(d.seeds) > 0 {
        return append([]string(nil), d.seeds...)
    }
    d.seeds = d.resolveSeeds(context.Background())
    d.last = time.Now()
    return append([]string(nil), d.seeds...)
}

func (d *Resolver) resolveSeeds(ctx context.Context) []string {
    seen := make(map[string]struct{})
    var out []string
    add := func(hp string) {
        if _, ok := seen[hp]; !ok { out = append(out, hp); seen[hp] = struct{}{} }
    }
    for _, name := range d.opts.Names {
        name = strings.TrimSpace(name)
        if name == "" { continue }
        if strings.Contains(name, ":") && !strings.HasPrefix(name, "_") {
            add(name)
            continue
        }
        if strings.HasPrefix(name, "_") && strings.Contains(name, "._") {
            if recs := d.lookupSRV(ctx, name); len(recs) > 0 {
                for _, hp := range recs { add(hp) }
                continue
            }
        }
        for _, hp := range d.lookupHost(ctx, name, d.opts.GossipPort) { add(hp) }
    }
    sort.Strings(out)
    return out
}

// Resolve looks up the endpoint of p, caching answers for Refresh.
func (d *Resolver) Resolve(p gov.PeerID) (string, bool) {
    if d.opts.Zone == "" || p == "" { return "", false }
    d.mu.Lock()
    if e, ok := d.peers[p]; ok && time.Since(e.at) < d.opts.Refresh {
        d.mu.Unlock()
        return e.addr, e.addr != ""
    }
    d.mu.Unlock()

    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    host := string(p) + "." + strings.TrimSuffix(d.opts.Zone, ".")
    var addrs []string
    if d.opts.Service != "" {
        addrs = d.lookupSRV(ctx, "_"+d.opts.Service+"._tcp."+host)
    } else if d.opts.RPCPort > 0 {
        addrs = d.lookupHost(ctx, host, d.opts.RPCPort)
    }
    var addr string
    if len(addrs) > 0 { addr = addrs[0] }

    d.mu.Lock()
    d.peers[p] = entry{addr: addr, at: time.Now()}
    d.mu.Unlock()
    return addr, addr != ""
}

func (d *Resolver) lookupSRV(ctx context.Context, fqdn string) []string {
    svc, proto, domain := parseSRVName(fqdn)
    if svc == "" || proto == "" || domain == "" { return nil }
    _, addrs, err := d.resolver().LookupSRV(ctx, svc, proto, domain)
    if err != nil { return nil }
    var out []string
    for _, a := range addrs {
        host := strings.TrimSuffix(a.Target, ".")
        out = append(out, net.JoinHostPort(host, strconv.Itoa(int(a.Port))))
    }
    return out
}

func (d *Resolver) lookupHost(ctx context.Context, host string, port int) []string {
    ips, err := d.resolver().LookupHost(ctx, host)
    if err != nil { return nil }
    sort.Strings(ips)
    out := make([]string, 0, len(ips))
    for _, ip := range ips {
        out = append(out, net.JoinHostPort(ip, strconv.Itoa(port)))
    }
    return out
}

// parseSRVName splits "_service._proto.name".
func parseSRVName(fqdn string) (service, proto, name string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 { return "", "", "" }
    return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}

var (
    _ discovery.Discovery = (*Resolver)(nil)
    _ discovery.Directory = (*Resolver)(nil)
)
