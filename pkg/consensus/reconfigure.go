package consensus

import "time"

// Reconfigurer is implemented by engines whose replica set can change at
// runtime.
type Reconfigurer interface {
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
}
