package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
	"github.com/bryanwahyu/codeprobe/internal/infra/executor"
)

const (
	zapReport = "report.json"

	// DefaultSemgrepConfig is a registry ruleset; the container needs
	// network access to fetch it.
	DefaultSemgrepConfig = "p/default"

	labelSession = "codeprobe.session"
	labelTool    = "codeprobe.tool"

	removeTimeout = 30 * time.Second
)

// findingsExit lists the exit codes that still carry a usable document.
// semgrep exits 1 when it reports findings; trivy only exits non-zero when
// asked to with --exit-code.
var findingsExit = map[domain.StepName][]int{
	domain.StepSemgrep: {1},
}

// Images used by the containerized tools.
type Images struct {
	Semgrep string
	Trivy   string
	ZAP     string
}

func DefaultImages() Images {
	return Images{
		Semgrep: "semgrep/semgrep:latest",
		Trivy:   "aquasec/trivy:latest",
		ZAP:     "ghcr.io/zaproxy/zaproxy:stable",
	}
}

// Runner runs the static tools with the workspace mounted read-only and
// the active scanner on the private scan network. Every container gets a
// deterministic name and is force-removed when its context ends first.
type Runner struct {
	Images        Images
	SemgrepConfig string
	TempDir       string
	Logger        *slog.Logger
	bin           string
}

func NewRunner(images Images, tempDir string) *Runner {
	return &Runner{Images: images, SemgrepConfig: DefaultSemgrepConfig, TempDir: tempDir, bin: "docker"}
}

func (r *Runner) docker() string {
	if r.bin == "" {
		return "docker"
	}
	return r.bin
}

func (r *Runner) semgrepConfig() string {
	if r.SemgrepConfig == "" {
		return DefaultSemgrepConfig
	}
	return r.SemgrepConfig
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// ToolContainer is the container name a static tool runs under for id.
func ToolContainer(id domain.SessionID, tool domain.StepName) string {
	return "codeprobe-" + unsafeName.ReplaceAllString(string(id), "-") + "-" + string(tool)
}

// Args builds the docker arguments for a static tool.
func (r *Runner) Args(tool domain.StepName, id domain.SessionID, workspace string) ([]string, error) {
	mount := fmt.Sprintf("%s:/src:ro", workspace)
	head := []string{"run", "--rm",
		"--name", ToolContainer(id, tool),
		"--label", labelSession + "=" + string(id),
		"--label", labelTool + "=" + string(tool),
	}
	switch tool {
	case domain.StepSemgrep:
		return append(head,
			"-v", mount, "-w", "/src",
			r.Images.Semgrep,
			"semgrep", "scan", "--config", r.semgrepConfig(), "--json", "--quiet", "--metrics", "off", "/src",
		), nil
	case domain.StepTrivy:
		return append(head,
			"-v", mount,
			r.Images.Trivy,
			"fs", "--quiet", "--format", "json",
			"--scanners", "vuln,secret,misconfig",
			"/src",
		), nil
	default:
		return nil, fmt.Errorf("unsupported tool: %s", tool)
	}
}

// Run executes a static tool against workspace and returns its document.
func (r *Runner) Run(ctx context.Context, tool domain.StepName, id domain.SessionID, workspace string) (json.RawMessage, error) {
	args, err := r.Args(tool, id, workspace)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := r.run(ctx, ToolContainer(id, tool), args)
	if err != nil {
		return nil, err
	}
	r.logger().Debug("tool finished", "tool", tool, "exit_code", out.ExitCode,
		"duration_ms", time.Since(start).Milliseconds())
	return executor.Document(out, findingsExit[tool]...)
}

// run invokes the docker CLI. Killing the CLI leaves the container running,
// so a container whose context ended is force-removed by name.
func (r *Runner) run(ctx context.Context, name string, args []string) (executor.Output, error) {
	out, err := executor.Run(ctx, r.docker(), args...)
	if ctx.Err() != nil {
		r.remove(name)
	}
	return out, err
}

func (r *Runner) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	out, err := executor.Run(ctx, r.docker(), "rm", "-f", name)
	if err != nil || out.ExitCode != 0 {
		r.logger().Debug("remove tool container", "container", name, "error", err, "output", out.Combined())
	}
}

// Step binds a tool so it can be registered as a pipeline step.
func (r *Runner) Step(tool domain.StepName) domain.StepExecutor {
	return toolStep{runner: r, tool: tool}
}

type toolStep struct {
	runner *Runner
	tool   domain.StepName
}

func (t toolStep) Execute(ctx context.Context, workspace string, id domain.SessionID) (json.RawMessage, error) {
	return t.runner.Run(ctx, t.tool, id, workspace)
}

// Scan runs a ZAP baseline scan against url from inside network, in a
// container called name. The JSON report is written to a shared directory
// and read back; when it is missing or malformed the scanner's output is
// returned as raw text instead.
func (r *Runner) Scan(ctx context.Context, id domain.SessionID, name, url, network string) (json.RawMessage, string, error) {
	base := r.TempDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, "", err
	}
	dir, err := os.MkdirTemp(base, "zap-")
	if err != nil {
		return nil, "", err
	}
	defer os.RemoveAll(dir)
	// container zap jalan sebagai user non-root
	if err := os.Chmod(dir, 0o777); err != nil {
		return nil, "", err
	}

	args := []string{"run", "--rm",
		"--name", name,
		"--label", labelSession + "=" + string(id),
		"--label", labelTool + "=zap",
		"--network", network,
		"-v", fmt.Sprintf("%s:/zap/wrk:rw", dir),
		r.Images.ZAP,
		"zap-baseline.py", "-t", url,
		"-J", zapReport,
		"-I",
		"-m", strconv.Itoa(spiderMinutes(ctx)),
	}
	out, err := r.run(ctx, name, args)
	if err != nil {
		return nil, out.Combined(), err
	}

	data, rerr := os.ReadFile(filepath.Join(dir, zapReport))
	if rerr != nil || !json.Valid(data) {
		r.logger().Warn("zap report unusable, keeping raw output", "url", url, "exit_code", out.ExitCode)
		return nil, out.Combined(), nil
	}
	return json.RawMessage(data), out.Combined(), nil
}

// spiderMinutes leaves part of the budget for the passive scan.
func spiderMinutes(ctx context.Context) int {
	dl, ok := ctx.Deadline()
	if !ok {
		return 1
	}
	m := int(time.Until(dl).Minutes() / 3)
	if m < 1 {
		return 1
	}
	return m
}
