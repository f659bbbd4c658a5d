package cluster

import (
    "errors"

    "github.com/amirimatin/go-intergov/pkg/consensus"
)

var (
    // ErrNotLeader is returned for writes on a replica that does not lead
    // its replica set.
    ErrNotLeader     = consensus.ErrNotLeader
    ErrUnknownOp     = errors.New("cluster: unknown local operation")
    ErrNoQueryHost   = errors.New("cluster: query host disabled")
    ErrNotReplicated = errors.New("cluster: consensus does not support replica sets")
    ErrStopped       = errors.New("cluster: stopped")
)
