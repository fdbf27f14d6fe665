package consensus

import (
	"fmt"
)

// Reason attached to the neutral consensus substituted for a failed computation.
const ReasonConsensusFailure = "consensus_failure"

// No model results at all. Fatal for the image: callers persist it as a failed analysis.
type InsufficientInputError struct {
	Count int
}

func (e *InsufficientInputError) Error() string {
	return fmt.Sprintf("insufficient model results for consensus: got %d", e.Count)
}

// Consensus math failed (non-finite values, invalid weights, or a panic). Never propagated out of Engine.Evaluate.
type ConsensusComputationError struct {
	Err error
}

func (e *ConsensusComputationError) Error() string {
	return fmt.Sprintf("consensus computation failed: %v", e.Err)
}

func (e *ConsensusComputationError) Unwrap() error {
	return e.Err
}
