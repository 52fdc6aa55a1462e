package natsbus

// ReportKind tags a message a worker sends back about an assignment.
type ReportKind string

const (
	ReportAccepted  ReportKind = "accepted"  // A worker took the assignment
	ReportWorking   ReportKind = "working"   // Execution actually started
	ReportPulse     ReportKind = "pulse"     // Still alive
	ReportCompleted ReportKind = "completed" // Finished with a result
	ReportFailed    ReportKind = "failed"    // Finished with an error
)

// Report is published by a worker on the assignment's reply subject.
type Report struct {
	Kind   ReportKind `json:"kind"`
	Host   string     `json:"host,omitempty"`
	Result any        `json:"result,omitempty"`
	Proof  string     `json:"proof,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// EventEnvelope is how bus events appear on NATS.
type EventEnvelope struct {
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Payload any    `json:"payload"`
}
