// Package archive unpacks uploaded zip archives into a workspace.
package archive

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
)

const (
	DefaultMaxFiles = 20000
	DefaultMaxBytes = 1 << 30
)

var ErrUnsafePath = errors.New("archive entry escapes the workspace")

// Zip extracts archives with limits on entry count and total size.
type Zip struct {
	MaxFiles int
	MaxBytes int64
}

func NewZip() *Zip { return &Zip{MaxFiles: DefaultMaxFiles, MaxBytes: DefaultMaxBytes} }

type summary struct {
	Files int   `json:"files"`
	Dirs  int   `json:"dirs"`
	Bytes int64 `json:"bytes"`
}

// Extract implements domain.Intake. Every failure is an IntakeError.
func (z *Zip) Extract(ctx context.Context, archivePath, dest string) (json.RawMessage, error) {
	sum, err := z.extract(ctx, archivePath, dest)
	if err != nil {
		return nil, &domain.IntakeError{Err: err}
	}
	return json.Marshal(sum)
}

func (z *Zip) extract(ctx context.Context, archivePath, dest string) (summary, error) {
	var sum summary
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return sum, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	if z.MaxFiles > 0 && len(zr.File) > z.MaxFiles {
		return sum, fmt.Errorf("archive has %d entries, limit is %d", len(zr.File), z.MaxFiles)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return sum, err
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return sum, err
	}

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		target, err := safeJoin(root, f.Name)
		if err != nil {
			return sum, err
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return sum, err
			}
			sum.Dirs++
			continue
		case mode&os.ModeSymlink != 0:
			// symlink di-skip, bisa nunjuk ke luar workspace
			continue
		}

		remaining := int64(-1)
		if z.MaxBytes > 0 {
			remaining = z.MaxBytes - sum.Bytes
		}
		n, err := writeFile(f, target, remaining)
		sum.Bytes += n
		if err != nil {
			return sum, err
		}
		sum.Files++
	}
	return sum, nil
}

func safeJoin(root, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

func writeFile(f *zip.File, target string, limit int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	perm := f.Mode().Perm() | 0o600
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	var r io.Reader = rc
	if limit >= 0 {
		r = io.LimitReader(rc, limit+1)
	}
	n, err := io.Copy(out, r)
	if err != nil {
		return n, fmt.Errorf("extract %s: %w", f.Name, err)
	}
	if limit >= 0 && n > limit {
		return n, errors.New("archive exceeds the extracted size limit")
	}
	return n, nil
}
