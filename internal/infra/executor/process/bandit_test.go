package process

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBandit writes a shell script standing in for the bandit binary.
func fakeBandit(t *testing.T, script string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "bandit")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+script), 0o755))
	return p
}

func TestBandit_IssuesFoundExitOne(t *testing.T) {
	t.Parallel()
	bin := fakeBandit(t, `echo "[main] INFO running on Python 3.12"
echo '{"results":[{"issue_severity":"HIGH"}]}'
exit 1
`)

	doc, err := NewBandit(bin).Execute(context.Background(), t.TempDir(), "s-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":[{"issue_severity":"HIGH"}]}`, string(doc))
}

func TestBandit_CrashWithoutDocument(t *testing.T) {
	t.Parallel()
	bin := fakeBandit(t, `echo "ModuleNotFoundError: bandit" >&2
exit 2
`)

	_, err := NewBandit(bin).Execute(context.Background(), t.TempDir(), "s-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ModuleNotFoundError")
}

func TestBandit_FatalExitWithDocumentFails(t *testing.T) {
	t.Parallel()
	bin := fakeBandit(t, `echo '{"results":[],"errors":[]}'
echo "bandit: error: unrecognized arguments" >&2
exit 2
`)

	_, err := NewBandit(bin).Execute(context.Background(), t.TempDir(), "s-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 2")
	assert.Contains(t, err.Error(), "unrecognized arguments")
}

func TestBandit_MissingBinary(t *testing.T) {
	t.Parallel()

	_, err := NewBandit(filepath.Join(t.TempDir(), "nope")).Execute(context.Background(), t.TempDir(), "s-1")
	assert.Error(t, err)
}

func TestBandit_Args(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"-r", "/ws", "-f", "json", "-q"}, NewBandit("").Args("/ws"))
}
