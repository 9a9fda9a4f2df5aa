package scans

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
)

// StepSummary is one step as it appears in a report.
type StepSummary struct {
	Name       domain.StepName       `json:"name"`
	Status     domain.StepStatus     `json:"status"`
	DurationMS int64                 `json:"duration_ms"`
	Error      string                `json:"error,omitempty"`
	Counts     domain.SeverityCounts `json:"counts"`
	Findings   []domain.Finding      `json:"findings,omitempty"`
}

// Report summarizes a finished session.
type Report struct {
	ID          domain.SessionID      `json:"id"`
	Score       int                   `json:"score"`
	Counts      domain.SeverityCounts `json:"counts"`
	CreatedAt   time.Time             `json:"created_at"`
	CompletedAt time.Time             `json:"completed_at"`
	DurationMS  int64                 `json:"duration_ms"`
	Steps       []StepSummary         `json:"steps"`
	Advice      string                `json:"advice,omitempty"`
	ArtifactURL string                `json:"artifact_url,omitempty"`
}

// Report builds (once) the report of a finished session. Asking before the
// session finished returns domain.ErrReportNotReady.
func (s *Service) Report(ctx context.Context, id domain.SessionID) (*Report, error) {
	if cached, ok := s.reports.Load(id); ok {
		return cached.(*Report), nil
	}
	snap, err := s.Registry.Get(id)
	if err != nil {
		return nil, err
	}
	if snap.Phase != domain.PhaseFinished || snap.Score == nil || snap.CompletedAt == nil {
		return nil, fmt.Errorf("%w: session %s is %s", domain.ErrReportNotReady, id, snap.Phase)
	}

	rep := BuildReport(snap)
	if s.Advisor != nil {
		summary, _ := json.Marshal(rep)
		advice, err := s.Advisor.Analyze(ctx, string(summary))
		if err != nil {
			s.logger().Warn("report advice", "session_id", id, "error", err)
		} else {
			rep.Advice = advice
		}
	}
	if s.Artifacts != nil {
		body, _ := json.MarshalIndent(rep, "", "  ")
		key := fmt.Sprintf("reports/%s.json", id)
		url, err := s.Artifacts.Put(ctx, key, "application/json", bytes.NewReader(body), int64(len(body)))
		if err != nil {
			s.logger().Warn("upload report", "session_id", id, "error", err)
		} else {
			rep.ArtifactURL = url
		}
	}

	actual, _ := s.reports.LoadOrStore(id, rep)
	return actual.(*Report), nil
}

// BuildReport is the pure part of Report.
func BuildReport(snap domain.Snapshot) *Report {
	rep := &Report{
		ID:         snap.ID,
		CreatedAt:  snap.CreatedAt,
		DurationMS: snap.DurationMS,
		Steps:      make([]StepSummary, 0, len(snap.Steps)),
	}
	if snap.Score != nil {
		rep.Score = *snap.Score
	}
	if snap.CompletedAt != nil {
		rep.CompletedAt = *snap.CompletedAt
	}
	for _, st := range snap.Steps {
		fs := domain.NormalizeFindings(st.Name, st.Result)
		c := domain.CountSeverities(fs)
		rep.Counts.Add(c)
		rep.Steps = append(rep.Steps, StepSummary{
			Name:       st.Name,
			Status:     st.Status,
			DurationMS: st.DurationMS,
			Error:      st.Error,
			Counts:     c,
			Findings:   fs,
		})
	}
	return rep
}
