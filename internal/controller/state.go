package controller

import "fmt"

// States are persisted as their snake-case names rather than integer
// codes, so schema migrations never have to renumber. The mappings
// below are the closed, bidirectional contract with the state columns.

// PrState is the queue lifecycle state of a tracked pull request.
type PrState int

const (
	// PrRequested: waiting for readiness preconditions to hold.
	PrRequested PrState = iota
	// PrQueued: ready and awaiting batching into an attempt.
	PrQueued
	// PrMerging: included in the in-progress attempt.
	PrMerging
	// PrSplit: the prior attempt failed; isolated for retry.
	PrSplit
)

func (s PrState) String() string {
	switch s {
	case PrRequested:
		return "requested"
	case PrQueued:
		return "queued"
	case PrMerging:
		return "merging"
	case PrSplit:
		return "split"
	default:
		return fmt.Sprintf("PrState(%d)", int(s))
	}
}

// ParsePrState maps a state column value back to a PrState.
func ParsePrState(s string) (PrState, error) {
	switch s {
	case "requested":
		return PrRequested, nil
	case "queued":
		return PrQueued, nil
	case "merging":
		return PrMerging, nil
	case "split":
		return PrSplit, nil
	default:
		return 0, fmt.Errorf("invalid PR state %q", s)
	}
}

// MergeState is the lifecycle state of a merge attempt.
type MergeState int

const (
	// MergeConstructing: the trial branch is being assembled.
	MergeConstructing MergeState = iota
	// MergeTesting: the trial branch is with CI.
	MergeTesting
	// MergeSuccess: tests passed; the attempt is being landed.
	MergeSuccess
	// MergeSplit: tests failed; the attempt was bisected and waits
	// for reconstruction.
	MergeSplit
)

func (s MergeState) String() string {
	switch s {
	case MergeConstructing:
		return "constructing"
	case MergeTesting:
		return "testing"
	case MergeSuccess:
		return "success"
	case MergeSplit:
		return "split"
	default:
		return fmt.Sprintf("MergeState(%d)", int(s))
	}
}

// ParseMergeState maps a state column value back to a MergeState.
func ParseMergeState(s string) (MergeState, error) {
	switch s {
	case "constructing":
		return MergeConstructing, nil
	case "testing":
		return MergeTesting, nil
	case "success":
		return MergeSuccess, nil
	case "split":
		return MergeSplit, nil
	default:
		return 0, fmt.Errorf("invalid merge state %q", s)
	}
}
