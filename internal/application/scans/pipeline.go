package scans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
)

// progressAfter holds the fixed checkpoint reached once a step is terminal.
// It says nothing about how long a step took.
var progressAfter = map[domain.StepName]int{
	domain.StepBandit:  25,
	domain.StepSemgrep: 50,
	domain.StepTrivy:   75,
	domain.StepDynamic: 100,
}

const (
	reasonCancelled    = "cancelled"
	reasonStaticFailed = "skipped: a static analysis step failed"
	reasonIntake       = "skipped: archive could not be extracted"
)

// run is the per-session worker. It owns every registry write for id
// except the ones Cancel makes.
func (s *Service) run(id domain.SessionID, archivePath, workspace string) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Registry.AttachCancel(id, cancel)

	log := s.logger().With("session_id", id)
	if s.Metrics != nil {
		s.Metrics.SessionStarted()
	}

	// resources must be gone on every exit path, panics included
	defer func() {
		r := recover()
		s.Cleaner.Reclaim(id)
		if r != nil {
			log.Error("pipeline panic", "panic", r)
			_ = s.Registry.Fail(id, fmt.Errorf("internal error: %v", r))
		}
		s.observeEnd(id)
	}()

	staticFailed := false
	for i, step := range domain.StepOrder {
		if ctx.Err() != nil || s.Registry.Cancelled(id) {
			s.skipRemaining(id, domain.StepOrder[i:], reasonCancelled)
			log.Info("pipeline cancelled", "at_step", step)
			return
		}
		if step == domain.StepDynamic && staticFailed {
			_ = s.Registry.SkipStep(id, step, reasonStaticFailed)
			s.Registry.Advance(id, progressAfter[step])
			continue
		}
		if err := s.Registry.StartStep(id, step); err != nil {
			// lost a race with Cancel
			s.skipRemaining(id, domain.StepOrder[i:], reasonCancelled)
			return
		}

		start := s.now()
		log.Info("step started", "step", step)
		result, err := s.execute(ctx, id, step, archivePath, workspace)
		if ferr := s.Registry.FinishStep(id, step, result, err); ferr != nil {
			log.Error("finish step", "step", step, "error", ferr)
		}
		status := domain.StepDone
		if err != nil {
			status = domain.StepFailed
		}
		if s.Metrics != nil {
			s.Metrics.StepObserved(step, status, s.now().Sub(start))
		}

		if err != nil {
			log.Warn("step failed", "step", step, "error", err)
			var intake *domain.IntakeError
			if errors.As(err, &intake) {
				s.recordError(id, step, "intake", err)
				s.skipRemaining(id, domain.StepOrder[i+1:], reasonIntake)
				_ = s.Registry.Fail(id, err)
				return
			}
			s.recordError(id, step, "step", err)
			if step.Static() {
				staticFailed = true
			}
		} else {
			log.Info("step done", "step", step)
		}
		s.Registry.Advance(id, progressAfter[step])
	}

	if s.Registry.Cancelled(id) {
		return
	}
	s.complete(id)
}

// complete scores the terminal steps exactly once and finishes the session.
// Resources are reclaimed before the phase flips.
func (s *Service) complete(id domain.SessionID) {
	snap, err := s.Registry.Get(id)
	if err != nil {
		s.logger().Error("complete: load snapshot", "session_id", id, "error", err)
		return
	}
	score, counts := domain.Score(snap.Steps)

	s.Cleaner.Reclaim(id)
	if err := s.Registry.Finish(id, score); err != nil {
		s.logger().Warn("complete: finish session", "session_id", id, "error", err)
		return
	}
	s.logger().Info("scan finished", "session_id", id, "score", score,
		"high", counts.High, "medium", counts.Medium, "low", counts.Low)
}

func (s *Service) skipRemaining(id domain.SessionID, steps []domain.StepName, reason string) {
	for _, st := range steps {
		// already skipped by Cancel is fine
		_ = s.Registry.SkipStep(id, st, reason)
	}
}

// execute runs one step under its own timeout. Panics inside executors are
// turned into step failures.
func (s *Service) execute(ctx context.Context, id domain.SessionID, step domain.StepName, archivePath, workspace string) (res json.RawMessage, err error) {
	if d := s.Timeouts[step]; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, &domain.StepExecutionError{Step: step, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if step == domain.StepExtract {
		if s.Intake == nil {
			return nil, &domain.IntakeError{Err: errors.New("no intake configured")}
		}
		res, err = s.Intake.Extract(ctx, archivePath, workspace)
		if err != nil {
			var intake *domain.IntakeError
			if !errors.As(err, &intake) {
				err = &domain.IntakeError{Err: err}
			}
			return nil, err
		}
		return res, nil
	}

	exec, ok := s.Executors[step]
	if !ok {
		return nil, &domain.StepExecutionError{Step: step, Err: errors.New("no executor configured")}
	}
	res, err = exec.Execute(ctx, workspace, id)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", s.Timeouts[step], err)
		}
		return nil, &domain.StepExecutionError{Step: step, Err: err}
	}
	if !json.Valid(res) {
		return nil, &domain.StepExecutionError{Step: step, Err: errors.New("tool produced an invalid JSON document")}
	}
	return res, nil
}

func (s *Service) observeEnd(id domain.SessionID) {
	if s.Metrics == nil {
		return
	}
	snap, err := s.Registry.Get(id)
	if err != nil {
		return
	}
	phase := snap.Phase
	if snap.Cancelled {
		phase = domain.PhaseCancelled
	}
	s.Metrics.SessionEnded(phase)
}
