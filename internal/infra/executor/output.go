// Package executor runs external analysis tools and pulls their JSON
// documents out of whatever else they print.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"
)

const waitDelay = 10 * time.Second

var ErrNoDocument = errors.New("no JSON document in tool output")

// Output of one external command.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Combined is stdout followed by stderr, for raw fallbacks and logs.
func (o Output) Combined() string {
	return strings.TrimSpace(string(o.Stdout) + "\n" + string(o.Stderr))
}

// Run executes name with args. Scanners exit non-zero when they find
// something, so a non-zero exit is reported in Output, not as an error.
// Errors are start failures and ctx expiry.
func Run(ctx context.Context, name string, args ...string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// a killed docker client must not keep Wait blocked on its pipes
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return out, fmt.Errorf("run %s: %w", name, err)
		}
		out.ExitCode = ee.ExitCode()
	}
	return out, nil
}

// Document returns the JSON document a tool printed on stdout. Exit 0 and
// the codes listed in findings (tools that exit non-zero when they report
// something) are accepted; any other exit fails even when a document was
// printed. A document carrying error-level entries under "errors" fails too.
func Document(out Output, findings ...int) (json.RawMessage, error) {
	if out.ExitCode != 0 && !slices.Contains(findings, out.ExitCode) {
		return nil, fmt.Errorf("exit code %d: %s", out.ExitCode, failureText(out))
	}
	doc, err := ExtractJSON(out.Stdout)
	if err != nil {
		return nil, err
	}
	if msg := fatalError(doc); msg != "" {
		return nil, fmt.Errorf("tool reported an error: %s", msg)
	}
	return doc, nil
}

// toolErrors is the semgrep-style errors list. Entries without a level
// (bandit's per-file parse errors) are not fatal.
type toolErrors struct {
	Errors []struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	} `json:"errors"`
}

func fatalError(doc json.RawMessage) string {
	var te toolErrors
	if err := json.Unmarshal(doc, &te); err != nil {
		return ""
	}
	for _, e := range te.Errors {
		if strings.EqualFold(e.Level, "error") {
			return snippet([]byte(e.Message))
		}
	}
	return ""
}

func failureText(out Output) string {
	if s := snippet(out.Stderr); s != "" {
		return s
	}
	if doc, err := ExtractJSON(out.Stdout); err == nil {
		if msg := fatalError(doc); msg != "" {
			return msg
		}
	}
	return snippet(out.Stdout)
}

// ExtractJSON skips any banner or progress text before the first '{' and
// after the last '}'.
func ExtractJSON(b []byte) (json.RawMessage, error) {
	start := bytes.IndexByte(b, '{')
	end := bytes.LastIndexByte(b, '}')
	if start < 0 || end < start {
		return nil, ErrNoDocument
	}
	doc := b[start : end+1]
	if !json.Valid(doc) {
		return nil, fmt.Errorf("%w: malformed", ErrNoDocument)
	}
	return append(json.RawMessage(nil), doc...), nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[len(s)-512:]
	}
	return s
}
