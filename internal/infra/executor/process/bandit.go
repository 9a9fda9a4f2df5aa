// Package process runs analysis tools installed on the host.
package process

import (
	"context"
	"encoding/json"

	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
	"github.com/bryanwahyu/codeprobe/internal/infra/executor"
)

// Bandit runs the bandit binary over the workspace.
type Bandit struct {
	Bin string
}

func NewBandit(bin string) *Bandit {
	if bin == "" {
		bin = "bandit"
	}
	return &Bandit{Bin: bin}
}

func (b *Bandit) Args(workspace string) []string {
	return []string{"-r", workspace, "-f", "json", "-q"}
}

// exitIssues is bandit's exit code when it reports issues.
const exitIssues = 1

// Execute implements domain.StepExecutor. Bandit exits 1 when it reports
// issues; the document is still on stdout. Any other non-zero exit fails.
func (b *Bandit) Execute(ctx context.Context, workspace string, _ domain.SessionID) (json.RawMessage, error) {
	out, err := executor.Run(ctx, b.Bin, b.Args(workspace)...)
	if err != nil {
		return nil, err
	}
	return executor.Document(out, exitIssues)
}
