package scans

import (
	"context"
	"encoding/json"
	"io"
)

// StepExecutor port (interface untuk eksekusi satu step)
type StepExecutor interface {
	Execute(ctx context.Context, workspace string, id SessionID) (json.RawMessage, error)
}

// Intake unpacks a staged archive into a workspace directory.
type Intake interface {
	Extract(ctx context.Context, archivePath, dest string) (json.RawMessage, error)
}

// ResourceTracker records ephemeral resources on their owning session.
// Track must refuse new handles once the session is cancelled.
type ResourceTracker interface {
	Track(id SessionID, h ResourceHandle) error
	Release(id SessionID, target string)
}

// ResourceReclaimer force-removes a handle's container and image.
// Removing something already gone is not an error.
type ResourceReclaimer interface {
	Reclaim(ctx context.Context, h ResourceHandle) error
}

// ArtifactStore port (interface untuk penyimpanan artefak)
type ArtifactStore interface {
	Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error)
}

// Advisor turns a report summary into remediation advice.
type Advisor interface {
	Analyze(ctx context.Context, document string) (string, error)
}
