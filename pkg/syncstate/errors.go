package syncstate

import "errors"

var (
    ErrNotFinalized     = errors.New("syncstate: state not finalized")
    ErrPreExistingState = errors.New("syncstate: pre-existing state")
    ErrNoProposedState  = errors.New("syncstate: no proposed state")
    ErrNotInitiated     = errors.New("syncstate: no initiated state")
)
