package harness

// TraceEvent is one WAL entry as seen by assertions and golden files.
type TraceEvent struct {
	Type        string         `json:"type"` // WAL event type
	Tenant      string         `json:"tenant"`
	Partition   string         `json:"partition"`
	Seq         int64          `json:"seq"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// PublishedEvent is a domain event the outbox relay delivered.
type PublishedEvent struct {
	Type        string `json:"type"`
	Tenant      string `json:"tenant"`
	ExecutionID string `json:"execution_id"`
}

// Outcome is what one flow step produced.
type Outcome struct {
	IntentID    string `json:"intent_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Status      string `json:"status"`
	Code        string `json:"code,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds every WAL entry, ordered by timestamp.
	Trace []TraceEvent `json:"trace"`

	// Published holds domain events delivered by the final outbox flush.
	Published []PublishedEvent `json:"published"`

	// Outcomes holds one entry per flow step.
	Outcomes []Outcome `json:"outcomes"`

	// Errors contains expectation and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:      true,
		Trace:     []TraceEvent{},
		Published: []PublishedEvent{},
		Outcomes:  []Outcome{},
		Errors:    []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
