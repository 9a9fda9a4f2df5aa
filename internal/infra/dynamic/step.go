package dynamic

import (
	"context"
	"encoding/json"
	"fmt"

	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
)

type Detector interface {
	Detect(root string) (domain.DetectedTarget, error)
}

// Step is the dynamic pipeline step: detect, then run every target.
type Step struct {
	Detector Detector
	Runner   *Runner
}

func (s *Step) Execute(ctx context.Context, workspace string, id domain.SessionID) (json.RawMessage, error) {
	dt, err := s.Detector.Detect(workspace)
	if err != nil {
		return nil, fmt.Errorf("detect targets: %w", err)
	}
	if dt.Shape == domain.ShapeNone {
		return nil, domain.ErrNoBuildableTarget
	}
	res, err := s.Runner.Run(ctx, id, dt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}
