package gov

import "time"

// Clock supplies the block a new event is pinned to.
type Clock interface {
    Now() Block
}

// SystemClock derives heights from wall time: one block every BlockTime
// since Genesis, starting at height 1.
type SystemClock struct {
    Genesis   time.Time
    BlockTime time.Duration
}

func (c SystemClock) Now() Block {
    now := time.Now().UTC()
    bt := c.BlockTime
    if bt <= 0 { bt = time.Second }
    var h uint64 = 1
    if el := now.Sub(c.Genesis); el > 0 { h += uint64(el / bt) }
    return Block{Height: h, Time: now}
}
