package scanerrors

import "time"

// ScanError represents a persisted step failure entry
type ScanError struct {
	ID          int64     `json:"id"`
	ScanID      string    `json:"scan_id"`
	Step        string    `json:"step,omitempty"`  // extract | bandit | semgrep | trivy | dynamic
	Kind        string    `json:"kind,omitempty"`  // intake | step | target
	Message     string    `json:"message"`
	DetailsJSON string    `json:"details_json,omitempty"` // raw JSON string
	CreatedAt   time.Time `json:"created_at"`
}
