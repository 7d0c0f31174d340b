package models

// ResultStatus classifies the outcome an agent reports for one node visit.
type ResultStatus string

const (
	// ResultSuccess indicates the node completed and the task may advance.
	ResultSuccess ResultStatus = "success"
	// ResultTransientError indicates a retryable failure (network, timeout,
	// rate limit).
	ResultTransientError ResultStatus = "transient_error"
	// ResultFatalError indicates a non-retryable failure; the escalation
	// policy decides what happens next.
	ResultFatalError ResultStatus = "fatal_error"
	// ResultTerminal indicates the agent is ending the task directly.
	// An empty Err means Terminal-Success, a non-empty Err Terminal-Failed.
	ResultTerminal ResultStatus = "terminal"
)

// Valid returns true if the status is a known value.
func (s ResultStatus) Valid() bool {
	switch s {
	case ResultSuccess, ResultTransientError, ResultFatalError, ResultTerminal:
		return true
	default:
		return false
	}
}

// Result is what an agent executor returns for one node visit. The
// scheduler applies it to the task state; agents never mutate state
// directly. The orchestration core never inspects Output beyond merging
// it into the payload for edge predicates to read.
type Result struct {
	// Status classifies the outcome.
	Status ResultStatus `json:"status"`
	// Output is merged into the task payload on success.
	Output map[string]any `json:"output,omitempty"`
	// Err carries the failure description for error and terminal outcomes.
	Err string `json:"error,omitempty"`
}
