package model

import "time"

// JobRecord is one pipeline run as kept in the local ledger.
type JobRecord struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	PromptID    string         `json:"prompt_id,omitempty"`
	State       JobState       `json:"state"`
	Kind        ContentKind    `json:"kind"`
	Source      string         `json:"source,omitempty"` // local input image, if any
	Params      map[string]any `json:"params"`
	OutputPath  string         `json:"output_path,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at"`
}

// JobSummary counts ledger records by state.
type JobSummary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Submitted int `json:"submitted"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ComputeJobSummary calculates the JobSummary from a slice of records.
func ComputeJobSummary(jobs []*JobRecord) JobSummary {
	s := JobSummary{Total: len(jobs)}
	for _, j := range jobs {
		switch j.State {
		case JobStatePending:
			s.Pending++
		case JobStateSubmitted:
			s.Submitted++
		case JobStateCompleted:
			s.Completed++
		case JobStateFailed:
			s.Failed++
		}
	}
	return s
}
