package model

// PollState is the client-side view of a remote job while awaiting its output.
type PollState string

const (
	PollStatePolling  PollState = "POLLING"
	PollStateFound    PollState = "FOUND"
	PollStateTimedOut PollState = "TIMED_OUT"
	PollStateFailed   PollState = "FAILED"
)

// String returns the string representation of the poll state.
func (s PollState) String() string {
	return string(s)
}

// IsTerminal returns true once polling has stopped.
func (s PollState) IsTerminal() bool {
	switch s {
	case PollStateFound, PollStateTimedOut, PollStateFailed:
		return true
	}
	return false
}

// JobState represents the lifecycle state of a recorded pipeline run.
type JobState string

const (
	JobStatePending   JobState = "PENDING"
	JobStateSubmitted JobState = "SUBMITTED"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
)

// String returns the string representation of the job state.
func (s JobState) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed:
		return true
	}
	return false
}

// ValidJobTransitions defines the allowed state transitions for jobs.
var ValidJobTransitions = map[JobState][]JobState{
	JobStatePending:   {JobStateSubmitted, JobStateFailed},
	JobStateSubmitted: {JobStateCompleted, JobStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
