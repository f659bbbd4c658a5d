package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    GroupMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "intergov",
        Name:      "members_total",
        Help:      "Committed number of governance group members",
    })

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "intergov",
        Name:      "is_leader",
        Help:      "1 if this replica leads its replica set, else 0",
    })

    LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "intergov",
        Name:      "leader_changes_total",
        Help:      "Total number of observed leader change events",
    })

    ReplicaJoins = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "intergov",
        Name:      "replica_join_requests_total",
        Help:      "Replica join requests handled by this node",
    }, []string{"result"})

    Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "intergov",
        Subsystem: "engine",
        Name:      "transitions_total",
        Help:      "Applied engine events by kind and result",
    }, []string{"event", "result"})

    PeerMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "intergov",
        Subsystem: "peer",
        Name:      "messages_total",
        Help:      "Peer messages by kind, direction and result",
    }, []string{"kind", "direction", "result"})

    OutstandingAcks = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "intergov",
        Subsystem: "engine",
        Name:      "outstanding_acks",
        Help:      "Peers still owing an acknowledgement across all open rounds",
    })

    StuckRounds = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "intergov",
        Subsystem: "engine",
        Name:      "stuck_rounds",
        Help:      "Ack rounds open for longer than the stuck threshold",
    })

    PendingTallyQueries = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "intergov",
        Subsystem: "icq",
        Name:      "pending_queries",
        Help:      "Registered tally queries waiting for a push",
    })

    TallyPushes = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "intergov",
        Subsystem: "icq",
        Name:      "pushes_total",
        Help:      "Query results pushed by the local query host",
    }, []string{"result"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "intergov",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "intergov",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "intergov",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "intergov",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(GroupMembers)
        prometheus.MustRegister(IsLeader)
        prometheus.MustRegister(LeaderChanges)
        prometheus.MustRegister(ReplicaJoins)
        prometheus.MustRegister(Transitions)
        prometheus.MustRegister(PeerMessages)
        prometheus.MustRegister(OutstandingAcks)
        prometheus.MustRegister(StuckRounds)
        prometheus.MustRegister(PendingTallyQueries)
        prometheus.MustRegister(TallyPushes)
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
    })
}

// Result maps an error to the "result" label value.
func Result(err error) string {
    if err != nil { return "error" }
    return "ok"
}
