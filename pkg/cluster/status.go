package cluster

import (
    "github.com/amirimatin/go-intergov/pkg/gossip"
    "github.com/amirimatin/go-intergov/pkg/gov"
)

// Status is a JSON-serializable snapshot of a node for status endpoints and
// tooling.
type Status struct {
    // Healthy indicates whether a leader is known and the engine is readable.
    Healthy bool   `json:"healthy"`
    Self    string `json:"self"`
    Module  string `json:"module"`
    // Term and LeaderID describe the node's replica set.
    Term     uint64 `json:"term"`
    LeaderID string `json:"leaderId,omitempty"`
    IsLeader bool   `json:"isLeader"`
    Addr     string `json:"addr,omitempty"`

    Members             gov.MembersView   `json:"members"`
    Proposals           int               `json:"proposals"`
    OutstandingAcks     []gov.RoundStatus `json:"outstandingAcks,omitempty"`
    PendingTallyQueries int               `json:"pendingTallyQueries"`
    Nodes               []gossip.NodeInfo `json:"nodes,omitempty"`
    // Warnings contains non-fatal observations such as stuck ack rounds.
    Warnings []string `json:"warnings,omitempty"`
}
