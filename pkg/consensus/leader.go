package consensus

// LeaderInfo describes the current known leader of a replica set.
type LeaderInfo struct {
    ID   string
    Addr string
    Term uint64
}

// LeaderNotifier is implemented by engines that report leadership changes.
// The channel is buffered and drops updates a slow reader misses.
type LeaderNotifier interface {
    LeaderCh() <-chan LeaderInfo
}
