package scans

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bryanwahyu/codeprobe/internal/application"
	"github.com/bryanwahyu/codeprobe/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
)

const archiveName = "code.zip"

// Metrics receives pipeline events. A nil Metrics is allowed.
type Metrics interface {
	SessionStarted()
	SessionEnded(phase domain.Phase)
	StepObserved(step domain.StepName, status domain.StepStatus, d time.Duration)
}

// Service implements use-cases untuk Scan
// Service is designed to be used concurrently and is thread-safe
type Service struct {
	Registry  *Registry
	Intake    domain.Intake
	Executors map[domain.StepName]domain.StepExecutor
	Timeouts  map[domain.StepName]time.Duration
	Cleaner   *Cleaner
	Errors    scanerrors.Repository
	Artifacts domain.ArtifactStore
	Advisor   domain.Advisor
	Metrics   Metrics
	Logger    *slog.Logger
	Clock     application.Clock
	UploadDir string

	wg      sync.WaitGroup
	reports sync.Map // domain.SessionID -> *Report
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

//
// ==== USE CASES ====
//

// Submit stages the archive, registers a waiting session and starts its
// worker. It returns as soon as the archive is on disk. A broken upload
// stream is an IntakeError; failing to write to the upload dir is not.
func (s *Service) Submit(ctx context.Context, archive io.Reader) (domain.SessionID, error) {
	id := domain.SessionID(uuid.New().String())
	dir := filepath.Join(s.UploadDir, string(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("stage archive: %w", err)
	}
	archivePath := filepath.Join(dir, archiveName)
	src := &uploadReader{ctx: ctx, r: archive}
	if err := stage(src, archivePath); err != nil {
		_ = os.RemoveAll(dir)
		if src.err != nil {
			return "", &domain.IntakeError{Err: src.err}
		}
		return "", fmt.Errorf("stage archive: %w", err)
	}
	if err := s.Registry.Create(id); err != nil {
		return "", err
	}

	// jalankan pipeline di background, caller tidak menunggu
	s.wg.Add(1)
	go s.run(id, archivePath, filepath.Join(dir, "workspace"))

	s.logger().Info("scan submitted", "session_id", id, "archive", archivePath)
	return id, nil
}

func stage(r io.Reader, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// uploadReader stops on ctx and remembers the first read error, which
// tells a broken upload apart from a local write failure.
type uploadReader struct {
	ctx context.Context
	r   io.Reader
	err error
}

func (u *uploadReader) Read(p []byte) (int, error) {
	if err := u.ctx.Err(); err != nil {
		u.err = err
		return 0, err
	}
	n, err := u.r.Read(p)
	if err != nil && err != io.EOF && u.err == nil {
		u.err = err
	}
	return n, err
}

// Get ambil snapshot 1 session by id
func (s *Service) Get(ctx context.Context, id domain.SessionID) (domain.Snapshot, error) {
	return s.Registry.Get(id)
}

// Cancel triggers cancellation and cleanup. Repeating it is harmless.
func (s *Service) Cancel(ctx context.Context, id domain.SessionID) (domain.Snapshot, error) {
	return s.Cleaner.Cancel(ctx, id)
}

// CancelAll cancels every session still in flight, e.g. on shutdown.
func (s *Service) CancelAll(ctx context.Context) {
	for _, id := range s.Registry.Active() {
		if _, err := s.Cleaner.Cancel(ctx, id); err != nil {
			s.logger().Warn("cancel on shutdown", "session_id", id, "error", err)
		}
	}
}

// StepErrors lists the recorded step failures of a known session, newest
// first. Without a configured repository the list is empty.
func (s *Service) StepErrors(ctx context.Context, id domain.SessionID, limit int) ([]*scanerrors.ScanError, error) {
	if _, err := s.Registry.Get(id); err != nil {
		return nil, err
	}
	if s.Errors == nil {
		return []*scanerrors.ScanError{}, nil
	}
	return s.Errors.ListByScan(ctx, string(id), limit)
}

// Wait blocks until every worker started by Submit has returned.
func (s *Service) Wait() { s.wg.Wait() }

// RunRetention sweeps completed sessions older than ttl every interval
// until ctx is done.
func (s *Service) RunRetention(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.Registry.Sweep(ttl) {
				s.reports.Delete(id)
				if err := os.RemoveAll(filepath.Join(s.UploadDir, string(id))); err != nil {
					s.logger().Warn("remove expired workspace", "session_id", id, "error", err)
				}
				s.logger().Debug("session expired", "session_id", id)
			}
		}
	}
}

func (s *Service) recordError(id domain.SessionID, step domain.StepName, kind string, err error) {
	if s.Errors == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e := &scanerrors.ScanError{
		ScanID:    string(id),
		Step:      string(step),
		Kind:      kind,
		Message:   err.Error(),
		CreatedAt: s.now(),
	}
	if serr := s.Errors.Save(ctx, e); serr != nil {
		s.logger().Warn("save scan error", "session_id", id, "step", step, "error", serr)
	}
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}
