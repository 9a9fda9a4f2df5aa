package scans

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bryanwahyu/codeprobe/internal/application"
	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
)

// session is the mutable state behind a Snapshot. Only the owning worker
// writes to it, except cancelled/cancel which Cancel may set.
type session struct {
	id          domain.SessionID
	phase       domain.Phase
	progress    int
	createdAt   time.Time
	completedAt *time.Time
	duration    time.Duration
	cancelled   bool
	cancel      context.CancelFunc
	score       *int
	errText     string
	steps       []domain.StepRecord
	resources   map[string]domain.ResourceHandle
}

// Registry is the process-wide store of scan sessions.
// Every field group is written under one lock so readers never see a
// half-updated step.
type Registry struct {
	mu       sync.RWMutex
	clock    application.Clock
	sessions map[domain.SessionID]*session
}

func NewRegistry(clock application.Clock) *Registry {
	if clock == nil {
		clock = application.SystemClock{}
	}
	return &Registry{clock: clock, sessions: make(map[domain.SessionID]*session)}
}

// Create inserts a fresh session in waiting phase.
func (r *Registry) Create(id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionExists, id)
	}
	steps := make([]domain.StepRecord, len(domain.StepOrder))
	for i, name := range domain.StepOrder {
		steps[i] = domain.StepRecord{Name: name, Status: domain.StepPending}
	}
	r.sessions[id] = &session{
		id:        id,
		phase:     domain.PhaseWaiting,
		createdAt: r.clock.Now(),
		steps:     steps,
		resources: make(map[string]domain.ResourceHandle),
	}
	return nil
}

// Get returns a detached snapshot. Durations of running steps are computed
// against the clock at read time.
func (r *Registry) Get(id domain.SessionID) (domain.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.Snapshot{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	now := r.clock.Now()

	snap := domain.Snapshot{
		ID:        s.id,
		Phase:     s.phase,
		Progress:  s.progress,
		CreatedAt: s.createdAt,
		Cancelled: s.cancelled,
		Error:     s.errText,
		Steps:     make([]domain.StepRecord, len(s.steps)),
	}
	if s.completedAt != nil {
		t := *s.completedAt
		snap.CompletedAt = &t
		snap.DurationMS = s.duration.Milliseconds()
	} else {
		snap.DurationMS = now.Sub(s.createdAt).Milliseconds()
	}
	if s.score != nil {
		v := *s.score
		snap.Score = &v
	}
	for i, st := range s.steps {
		cp := st
		if st.StartedAt != nil {
			t := *st.StartedAt
			cp.StartedAt = &t
		}
		if st.EndedAt != nil {
			t := *st.EndedAt
			cp.EndedAt = &t
		}
		if st.Status == domain.StepRunning && st.StartedAt != nil {
			cp.DurationMS = now.Sub(*st.StartedAt).Milliseconds()
		}
		if st.Result != nil {
			cp.Result = append(json.RawMessage(nil), st.Result...)
		}
		snap.Steps[i] = cp
	}
	for _, h := range s.resources {
		snap.Resources = append(snap.Resources, h)
	}
	sort.Slice(snap.Resources, func(i, j int) bool { return snap.Resources[i].Target < snap.Resources[j].Target })
	return snap, nil
}

func (r *Registry) lookup(id domain.SessionID) (*session, error) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return s, nil
}

func (s *session) step(name domain.StepName) *domain.StepRecord {
	for i := range s.steps {
		if s.steps[i].Name == name {
			return &s.steps[i]
		}
	}
	return nil
}

// StartStep moves a pending step to running and the session into its phase.
func (r *Registry) StartStep(id domain.SessionID, name domain.StepName) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if s.cancelled {
		return domain.ErrSessionCancelled
	}
	st := s.step(name)
	if st == nil || st.Status != domain.StepPending {
		return fmt.Errorf("step %s cannot start from %v", name, statusOf(st))
	}
	now := r.clock.Now()
	st.Status = domain.StepRunning
	st.StartedAt = &now
	s.phase = domain.RunningPhase(name)
	return nil
}

// FinishStep closes a running step as done (stepErr == nil) or failed.
func (r *Registry) FinishStep(id domain.SessionID, name domain.StepName, result json.RawMessage, stepErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	st := s.step(name)
	if st == nil || st.Status != domain.StepRunning {
		return fmt.Errorf("step %s cannot finish from %v", name, statusOf(st))
	}
	now := r.clock.Now()
	st.EndedAt = &now
	st.DurationMS = now.Sub(*st.StartedAt).Milliseconds()
	if stepErr != nil {
		st.Status = domain.StepFailed
		st.Error = stepErr.Error()
		return nil
	}
	st.Status = domain.StepDone
	st.Result = result
	return nil
}

// SkipStep marks a pending step skipped with the given reason.
func (r *Registry) SkipStep(id domain.SessionID, name domain.StepName, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	st := s.step(name)
	if st == nil || st.Status != domain.StepPending {
		return fmt.Errorf("step %s cannot be skipped from %v", name, statusOf(st))
	}
	st.Status = domain.StepSkipped
	st.Error = reason
	return nil
}

// Advance raises progress; lower values are ignored.
func (r *Registry) Advance(id domain.SessionID, progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return
	}
	if progress > 100 {
		progress = 100
	}
	if progress > s.progress {
		s.progress = progress
	}
}

// Finish stamps completion, stores the score and sets phase=finished.
// The score can be set once; a cancelled session is never finished.
func (r *Registry) Finish(id domain.SessionID, score int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if s.cancelled {
		return domain.ErrSessionCancelled
	}
	if s.score != nil || s.phase.Terminal() {
		return fmt.Errorf("session %s already completed as %s", id, s.phase)
	}
	for _, st := range s.steps {
		if !st.Status.Terminal() {
			return fmt.Errorf("session %s: step %s still %s", id, st.Name, st.Status)
		}
	}
	s.score = &score
	r.complete(s, domain.PhaseFinished)
	return nil
}

// Fail ends the session with phase=failed (intake errors only).
func (r *Registry) Fail(id domain.SessionID, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if s.phase.Terminal() {
		return nil
	}
	s.errText = cause.Error()
	r.complete(s, domain.PhaseFailed)
	return nil
}

func (r *Registry) complete(s *session, phase domain.Phase) {
	now := r.clock.Now()
	s.completedAt = &now
	s.duration = now.Sub(s.createdAt)
	s.phase = phase
}

// AttachCancel binds the worker's context cancel func to the session.
// If the session was cancelled before the worker started, cancel runs now.
func (r *Registry) AttachCancel(id domain.SessionID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		cancel()
		return
	}
	s.cancel = cancel
	if s.cancelled {
		cancel()
	}
}

// Cancelled reports the cancellation flag.
func (r *Registry) Cancelled(id domain.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return ok && s.cancelled
}

// markCancelled flips the flag and returns the handles to reclaim. It
// reports false when the session had already reached a terminal phase, in
// which case nothing changes.
func (r *Registry) markCancelled(id domain.SessionID) ([]domain.ResourceHandle, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return nil, false, err
	}
	if s.phase.Terminal() {
		return nil, false, nil
	}
	s.cancelled = true
	if s.cancel != nil {
		s.cancel()
	}
	return handles(s), true, nil
}

// markCancelledPhase sets phase=cancelled once the resources are gone.
func (r *Registry) markCancelledPhase(id domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(id)
	if err != nil || s.phase.Terminal() {
		return
	}
	for name := range s.steps {
		if s.steps[name].Status == domain.StepPending {
			s.steps[name].Status = domain.StepSkipped
			s.steps[name].Error = "cancelled"
		}
	}
	r.complete(s, domain.PhaseCancelled)
}

// Track implements domain.ResourceTracker.
func (r *Registry) Track(id domain.SessionID, h domain.ResourceHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if s.cancelled {
		return domain.ErrSessionCancelled
	}
	s.resources[h.Target] = h
	return nil
}

// Release implements domain.ResourceTracker.
func (r *Registry) Release(id domain.SessionID, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		delete(s.resources, target)
	}
}

// Resources returns the handles currently tracked for id.
func (r *Registry) Resources(id domain.SessionID) []domain.ResourceHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	return handles(s)
}

// Sweep drops terminal sessions completed more than ttl ago.
func (r *Registry) Sweep(ttl time.Duration) []domain.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.clock.Now().Add(-ttl)
	var removed []domain.SessionID
	for id, s := range r.sessions {
		if s.completedAt != nil && s.completedAt.Before(cutoff) && len(s.resources) == 0 {
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Active lists sessions that have not reached a terminal phase.
func (r *Registry) Active() []domain.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.SessionID
	for id, s := range r.sessions {
		if !s.phase.Terminal() {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func handles(s *session) []domain.ResourceHandle {
	out := make([]domain.ResourceHandle, 0, len(s.resources))
	for _, h := range s.resources {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

func statusOf(st *domain.StepRecord) domain.StepStatus {
	if st == nil {
		return "missing"
	}
	return st.Status
}
