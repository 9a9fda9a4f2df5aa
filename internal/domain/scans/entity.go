package scans

import (
	"encoding/json"
	"strings"
	"time"
)

// ID tipe untuk session scan
type SessionID string

// Phase of a scan session.
type Phase string

const (
	PhaseWaiting   Phase = "waiting"
	PhaseFinished  Phase = "finished"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"

	runningPrefix = "running:"
)

// RunningPhase returns the phase reported while step is executing.
func RunningPhase(step StepName) Phase {
	return Phase(runningPrefix + string(step))
}

func (p Phase) Running() bool { return strings.HasPrefix(string(p), runningPrefix) }

func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseFailed || p == PhaseCancelled
}

// StepName enum
type StepName string

const (
	StepExtract StepName = "extract"
	StepBandit  StepName = "bandit"
	StepSemgrep StepName = "semgrep"
	StepTrivy   StepName = "trivy"
	StepDynamic StepName = "dynamic"
)

// StepOrder is the fixed execution order of a pipeline.
var StepOrder = []StepName{StepExtract, StepBandit, StepSemgrep, StepTrivy, StepDynamic}

// Static reports whether the step inspects source without running it.
func (s StepName) Static() bool {
	return s == StepBandit || s == StepSemgrep || s == StepTrivy
}

// Status enum
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

func (s StepStatus) Terminal() bool {
	return s == StepDone || s == StepFailed || s == StepSkipped
}

// StepRecord is one pipeline stage as seen by pollers.
type StepRecord struct {
	Name       StepName        `json:"name"`
	Status     StepStatus      `json:"status"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// ResourceHandle identifies the image and container built for one target.
type ResourceHandle struct {
	Target      string `json:"target"`
	Image       string `json:"image"`
	ContainerID string `json:"container_id,omitempty"`
}

// SeverityCounts value object
type SeverityCounts struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
	Total  int `json:"total"`
}

func (c *SeverityCounts) Add(o SeverityCounts) {
	c.High += o.High
	c.Medium += o.Medium
	c.Low += o.Low
	c.Total += o.Total
}

// Snapshot is a consistent, detached copy of a session.
type Snapshot struct {
	ID          SessionID        `json:"id"`
	Phase       Phase            `json:"phase"`
	Progress    int              `json:"progress"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	DurationMS  int64            `json:"duration_ms"`
	Cancelled   bool             `json:"cancelled"`
	Score       *int             `json:"score,omitempty"`
	Error       string           `json:"error,omitempty"`
	Steps       []StepRecord     `json:"steps"`
	Resources   []ResourceHandle `json:"resources,omitempty"`
}

// Step returns the record for name, or false when the snapshot has none.
func (s Snapshot) Step(name StepName) (StepRecord, bool) {
	for _, st := range s.Steps {
		if st.Name == name {
			return st, true
		}
	}
	return StepRecord{}, false
}
