package gov

import (
    "errors"
    "fmt"
    "strings"

    "github.com/amirimatin/go-intergov/pkg/syncstate"
)

var (
    ErrInvalidProposal = errors.New("gov: invalid proposal")
    ErrInvalidVote     = errors.New("gov: invalid vote")

    ErrDataNotFinalized         = errors.New("gov: data not finalized")
    ErrProposalAlreadyExists    = errors.New("gov: proposal already exists")
    ErrProposalNotFound         = errors.New("gov: proposal not found")
    ErrProposalNotFinalized     = errors.New("gov: proposal not finalized")
    ErrNotProposed              = errors.New("gov: proposal is not in proposed state")
    ErrAwaitingAcks             = errors.New("gov: acknowledgments outstanding")
    ErrNotProposer              = errors.New("gov: only the proposer may finalize")
    ErrProposalExpired          = errors.New("gov: proposal expired")
    ErrProposalStillOpen        = errors.New("gov: proposal still open")
    ErrProposalAlreadyExecuted  = errors.New("gov: proposal already executed")
    ErrOutcomeConflict          = errors.New("gov: conflicting proposal outcome")

    ErrWrongPeer          = errors.New("gov: wrong peer")
    ErrUnauthorizedSender = errors.New("gov: unauthorized sender")
    ErrUnknownCallback    = errors.New("gov: unknown callback")
    ErrPeerMessageFailed  = errors.New("gov: peer message failed")

    ErrUnrequestedVote       = errors.New("gov: vote was not requested")
    ErrExistingVoteResult    = errors.New("gov: vote result already recorded")
    ErrVotesStillPending     = errors.New("gov: vote results still pending")
    ErrVotesAlreadyFinalized = errors.New("gov: vote results already collected")
    ErrMissingVoteResults    = errors.New("gov: vote results were never requested")

    ErrNoNativeVotes       = errors.New("gov: no native governance votes")
    ErrTallyQueriesPending = errors.New("gov: tally queries pending")
    ErrTalliesComplete     = errors.New("gov: tallies already collected")
    ErrUnknownReply        = errors.New("gov: unknown reply id")
    ErrUnknownQuery        = errors.New("gov: unknown query id")
    ErrInvalidTally        = errors.New("gov: invalid tally payload")
)

var known = []error{
    ErrInvalidProposal, ErrInvalidVote,
    ErrDataNotFinalized, ErrProposalAlreadyExists, ErrProposalNotFound, ErrProposalNotFinalized,
    ErrNotProposed, ErrAwaitingAcks, ErrNotProposer, ErrProposalExpired, ErrProposalStillOpen,
    ErrProposalAlreadyExecuted, ErrOutcomeConflict,
    ErrWrongPeer, ErrUnauthorizedSender, ErrUnknownCallback, ErrPeerMessageFailed,
    ErrUnrequestedVote, ErrExistingVoteResult, ErrVotesStillPending, ErrVotesAlreadyFinalized, ErrMissingVoteResults,
    ErrNoNativeVotes, ErrTallyQueriesPending, ErrTalliesComplete, ErrUnknownReply, ErrUnknownQuery, ErrInvalidTally,
    syncstate.ErrNotFinalized, syncstate.ErrPreExistingState, syncstate.ErrNoProposedState, syncstate.ErrNotInitiated,
}

// ErrorFromString rebuilds an error that crossed a process boundary as text,
// keeping errors.Is working for the sentinels of this package.
func ErrorFromString(s string) error {
    if s == "" { return nil }
    for _, e := range known {
        if strings.HasPrefix(s, e.Error()) {
            if s == e.Error() { return e }
            return fmt.Errorf("%w%s", e, strings.TrimPrefix(s, e.Error()))
        }
    }
    return errors.New(s)
}

func notFinalized(err error) error {
    if errors.Is(err, syncstate.ErrNotFinalized) { return fmt.Errorf("%w: %w", ErrDataNotFinalized, err) }
    return err
}
