// Package dynamic builds detected targets into containers, waits for them
// to listen, runs the active scanner against them and always tears them
// down again.
package dynamic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
	"github.com/bryanwahyu/codeprobe/internal/infra/probe"
)

const (
	DefaultNetwork = "codeprobe-scan"
	singleKey      = "app"

	labelSession = "codeprobe.session"
	labelTarget  = "codeprobe.target"

	defaultBuildTimeout    = 10 * time.Minute
	defaultScanBudget      = 10 * time.Minute
	defaultTeardownTimeout = time.Minute
	defaultDialTimeout     = 2 * time.Second

	settleAttempts = 10
	settleDelay    = 500 * time.Millisecond
)

// DefaultPorts are tried after any declared or exposed port.
var DefaultPorts = []int{80, 8080, 8000, 3000, 5000}

// Engine is the container runtime the runner drives.
type Engine interface {
	EnsureNetwork(ctx context.Context, name string) error
	Build(ctx context.Context, contextDir, dockerfile, tag string, labels map[string]string) (string, error)
	Run(ctx context.Context, spec domain.ContainerSpec) (string, error)
	Inspect(ctx context.Context, id string) (domain.ContainerInfo, error)
	Logs(ctx context.Context, id string) (string, error)
	RemoveContainer(ctx context.Context, id string) error
	RemoveImage(ctx context.Context, ref string) error
}

// Scanner attacks url from inside network, running as the container name.
// A missing or malformed report is returned as (nil, raw, nil) so the raw
// output can stand in for it.
type Scanner interface {
	Scan(ctx context.Context, id domain.SessionID, name, url, network string) (report json.RawMessage, raw string, err error)
}

// Metrics receives one event per finished target. A nil Metrics is allowed.
type Metrics interface {
	TargetObserved(outcome domain.TargetState)
}

type Runner struct {
	Engine       Engine
	Scanner      Scanner
	Tracker      domain.ResourceTracker
	Network      string
	Ports        []int
	Probe        probe.Policy
	ScanBudget   time.Duration
	BuildTimeout time.Duration
	Concurrency  int
	Dial         func(ctx context.Context, network, addr string) (net.Conn, error)
	Metrics      Metrics
	Logger       *slog.Logger
}

type target struct {
	key        string
	contextDir string
	dockerfile string
	ports      []int
}

// Run expands dt into targets and drives each one through
// build, start, probe, scan and teardown. Targets run concurrently and a
// failing target never affects its siblings; per-target failures end up in
// the result, not in the returned error.
func (r *Runner) Run(ctx context.Context, id domain.SessionID, dt domain.DetectedTarget) (domain.DynamicResult, error) {
	targets := expand(dt)
	if len(targets) == 0 {
		return domain.DynamicResult{}, domain.ErrNoBuildableTarget
	}
	if err := r.Engine.EnsureNetwork(ctx, r.network()); err != nil {
		return domain.DynamicResult{}, fmt.Errorf("scan network: %w", err)
	}

	out := domain.DynamicResult{
		Shape:   dt.Shape,
		EnvFile: dt.EnvFile,
		Targets: make(map[string]domain.TargetResult, len(targets)),
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if r.Concurrency > 0 {
		g.SetLimit(r.Concurrency)
	}
	for _, t := range targets {
		g.Go(func() error {
			res := r.runTarget(gctx, id, t, dt.Env)
			mu.Lock()
			out.Targets[t.key] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func expand(dt domain.DetectedTarget) []target {
	switch dt.Shape {
	case domain.ShapeSingleService:
		if dt.Manifest == "" {
			return nil
		}
		return []target{{key: singleKey, contextDir: filepath.Dir(dt.Manifest), dockerfile: filepath.Base(dt.Manifest)}}
	case domain.ShapeMultiService:
		out := make([]target, 0, len(dt.Services))
		for _, s := range dt.Services {
			out = append(out, target{key: s.Name, contextDir: s.Context, dockerfile: s.Dockerfile, ports: s.Ports})
		}
		return out
	}
	return nil
}

func (r *Runner) runTarget(ctx context.Context, id domain.SessionID, t target, env map[string]string) (res domain.TargetResult) {
	start := time.Now()
	log := r.logger().With("session_id", id, "target", t.key)
	res.Key = t.key

	h := domain.ResourceHandle{Target: t.key, Image: ImageTag(id, t.key)}
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			tctx, cancel := context.WithTimeout(context.Background(), defaultTeardownTimeout)
			defer cancel()
			if err := r.Engine.RemoveContainer(tctx, h.ContainerID); err != nil {
				log.Debug("teardown container", "error", &domain.ResourceTeardownError{Handle: h, Err: err})
			}
			if err := r.Engine.RemoveImage(tctx, h.Image); err != nil {
				log.Debug("teardown image", "error", &domain.ResourceTeardownError{Handle: h, Err: err})
			}
			r.Tracker.Release(id, t.key)
			res.TornDown = true
		})
	}
	defer func() {
		if p := recover(); p != nil {
			res.Error = fmt.Sprintf("panic: %v", p)
		}
		teardown()
		res.DurationMS = time.Since(start).Milliseconds()
		if r.Metrics != nil {
			r.Metrics.TargetObserved(res.State)
		}
		log.Info("target done", "state", res.State, "duration_ms", res.DurationMS)
	}()

	// handle dulu, baru build, supaya cancel bisa bersihin image
	if err := r.Tracker.Track(id, h); err != nil {
		res.State, res.Error = domain.TargetTornDown, err.Error()
		return res
	}
	res.Image = h.Image

	bctx, cancel := context.WithTimeout(ctx, r.buildTimeout())
	buildLog, err := r.Engine.Build(bctx, t.contextDir, t.dockerfile, h.Image, map[string]string{
		labelSession: string(id),
		labelTarget:  t.key,
	})
	cancel()
	if err != nil {
		res.State, res.Error, res.Logs = domain.TargetBuildFailed, err.Error(), tail(buildLog)
		return res
	}
	log.Debug("image built", "image", h.Image)

	res.State = domain.TargetStarting
	name := ContainerName(id, t.key)
	cid, err := r.Engine.Run(ctx, domain.ContainerSpec{
		Name:    name,
		Image:   h.Image,
		Env:     env,
		Ports:   t.ports,
		Network: r.network(),
		Labels:  map[string]string{labelSession: string(id), labelTarget: t.key},
	})
	if cid != "" {
		h.ContainerID = cid
		if terr := r.Tracker.Track(id, h); terr != nil {
			res.State, res.Error = domain.TargetTornDown, terr.Error()
			return res
		}
	}
	if err != nil {
		res.State, res.Error = domain.TargetCrashed, err.Error()
		res.Logs = r.logs(cid)
		return res
	}

	info, err := r.Engine.Inspect(ctx, cid)
	if err != nil {
		res.State, res.Error = domain.TargetCrashed, err.Error()
		return res
	}
	if len(info.ExposedPorts) == 0 && len(t.ports) == 0 {
		res.State = domain.TargetNonNetwork
		r.settle(ctx, cid)
		res.Logs = r.logs(cid)
		return res
	}

	res.State = domain.TargetProbing
	port, attempts, err := r.probe(ctx, t.key, cid, candidatePorts(t.ports, info.ExposedPorts, r.ports()))
	res.Attempts = attempts
	if err != nil {
		var crashed *domain.TargetCrashedError
		switch {
		case errors.As(err, &crashed):
			res.State = domain.TargetCrashed
		case errors.Is(err, probe.ErrExhausted):
			res.State = domain.TargetUnreachable
			err = &domain.TargetUnreachableError{Target: t.key, Attempts: attempts}
		default:
			// cancelled, or the container vanished
			res.State = domain.TargetUnreachable
		}
		res.Error = err.Error()
		res.Logs = r.logs(cid)
		return res
	}

	res.State, res.Port = domain.TargetReady, port
	res.URL = fmt.Sprintf("http://%s:%d", name, port)
	log.Info("target ready", "url", res.URL, "attempts", attempts)

	res.State = domain.TargetScanning
	sctx, cancel := context.WithTimeout(ctx, r.scanBudget())
	defer cancel()
	report, raw, err := r.Scanner.Scan(sctx, id, name+"-zap", res.URL, r.network())
	if err != nil {
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("active scan exceeded %s: %w", r.scanBudget(), err)
		}
		res.State, res.Error, res.RawReport = domain.TargetScanError, err.Error(), tail(raw)
		return res
	}
	res.State = domain.TargetReported
	if len(report) > 0 && json.Valid(report) {
		res.Report = report
	} else {
		res.RawReport = tail(raw)
	}
	return res
}

// probe waits until one of ports accepts a TCP connection on the
// container's address. An exited container stops the loop at once.
func (r *Runner) probe(ctx context.Context, key, cid string, ports []int) (int, int, error) {
	found := 0
	attempts, err := probe.Retry(ctx, r.Probe, func(int) error {
		info, err := r.Engine.Inspect(ctx, cid)
		if err != nil {
			// container hilang (cancel), jangan dibuat ulang
			return probe.Stop(fmt.Errorf("inspect %s: %w", key, err))
		}
		if !info.Running {
			return probe.Stop(&domain.TargetCrashedError{Target: key, ExitCode: info.ExitCode})
		}
		if info.IP == "" {
			return errors.New("no address yet")
		}
		for _, p := range ports {
			dctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
			conn, err := r.dial()(dctx, "tcp", net.JoinHostPort(info.IP, strconv.Itoa(p)))
			cancel()
			if err == nil {
				conn.Close()
				found = p
				return nil
			}
		}
		return fmt.Errorf("no port of %v accepting connections", ports)
	})
	return found, attempts, err
}

// settle gives a batch-style container a bounded chance to exit before its
// logs are read.
func (r *Runner) settle(ctx context.Context, cid string) {
	p := probe.Policy{Attempts: settleAttempts, Delay: settleDelay, Timer: r.Probe.Timer}
	_, _ = probe.Retry(ctx, p, func(int) error {
		info, err := r.Engine.Inspect(ctx, cid)
		if err != nil {
			return probe.Stop(err)
		}
		if info.Running {
			return errors.New("still running")
		}
		return nil
	})
}

func (r *Runner) logs(cid string) string {
	if cid == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := r.Engine.Logs(ctx, cid)
	if err != nil {
		r.logger().Debug("container logs", "container", cid, "error", err)
	}
	return tail(out)
}

func candidatePorts(lists ...[]int) []int {
	seen := map[int]bool{}
	var out []int
	for _, l := range lists {
		for _, p := range l {
			if p > 0 && !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9_.-]+`)

func short(id domain.SessionID) string {
	s := strings.ReplaceAll(string(id), "-", "")
	if len(s) > 8 {
		s = s[:8]
	}
	return strings.ToLower(s)
}

// safeKey maps a service key onto image tag and container name rules. A
// lossy mapping gets a short hash of the raw key, so "API" and "api" never
// share a name.
func safeKey(key string) string {
	k := unsafeChars.ReplaceAllString(strings.ToLower(key), "-")
	k = strings.Trim(k, "-.")
	if k == "" {
		k = singleKey
	}
	if k != key {
		k += "-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()[:6]
	}
	return k
}

// ImageTag is the tag a target's image is built under.
func ImageTag(id domain.SessionID, key string) string {
	return fmt.Sprintf("codeprobe-%s-%s:latest", short(id), safeKey(key))
}

// ContainerName is also the host name the scanner uses on the network.
func ContainerName(id domain.SessionID, key string) string {
	return fmt.Sprintf("codeprobe-%s-%s", short(id), safeKey(key))
}

const maxLogBytes = 16 << 10

func tail(s string) string {
	if len(s) <= maxLogBytes {
		return s
	}
	return s[len(s)-maxLogBytes:]
}

func (r *Runner) network() string {
	if r.Network == "" {
		return DefaultNetwork
	}
	return r.Network
}

func (r *Runner) ports() []int {
	if len(r.Ports) == 0 {
		return DefaultPorts
	}
	return r.Ports
}

func (r *Runner) buildTimeout() time.Duration {
	if r.BuildTimeout <= 0 {
		return defaultBuildTimeout
	}
	return r.BuildTimeout
}

func (r *Runner) scanBudget() time.Duration {
	if r.ScanBudget <= 0 {
		return defaultScanBudget
	}
	return r.ScanBudget
}

func (r *Runner) dial() func(ctx context.Context, network, addr string) (net.Conn, error) {
	if r.Dial != nil {
		return r.Dial
	}
	d := &net.Dialer{Timeout: defaultDialTimeout}
	return d.DialContext
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
