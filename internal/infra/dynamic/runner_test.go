package dynamic

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
	"github.com/bryanwahyu/codeprobe/internal/infra/probe"
)

// fakeEngine simulates containers per image tag.
type fakeEngine struct {
	mu        sync.Mutex
	buildErr  map[string]error
	exposed   map[string][]int
	exitAfter map[string]int // inspect calls before the container exits
	inspects  map[string]int
	started   map[string]string // container id -> image
	removedC  map[string]int
	removedI  map[string]int
	logs      string
	logReads  map[string]int // inspect count when logs were read
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		buildErr:  map[string]error{},
		exposed:   map[string][]int{},
		exitAfter: map[string]int{},
		inspects:  map[string]int{},
		started:   map[string]string{},
		removedC:  map[string]int{},
		removedI:  map[string]int{},
		logReads:  map[string]int{},
		logs:      "listening...",
	}
}

func (f *fakeEngine) EnsureNetwork(context.Context, string) error { return nil }

func (f *fakeEngine) Build(_ context.Context, _, _, tag string, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.buildErr[tag]; err != nil {
		return "step 3/5: npm ci failed", err
	}
	return "ok", nil
}

func (f *fakeEngine) Run(_ context.Context, spec domain.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "c-" + spec.Name
	f.started[id] = spec.Image
	return id, nil
}

func (f *fakeEngine) Inspect(_ context.Context, id string) (domain.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.started[id]
	if !ok || f.removedC[id] > 0 {
		return domain.ContainerInfo{}, errors.New("No such container")
	}
	f.inspects[id]++
	info := domain.ContainerInfo{ID: id, Running: true, IP: "10.0.0.1", ExposedPorts: f.exposed[img]}
	if n, ok := f.exitAfter[img]; ok && f.inspects[id] > n {
		info.Running, info.ExitCode = false, 137
	}
	return info, nil
}

func (f *fakeEngine) Logs(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logReads[id] = f.inspects[id]
	return f.logs, nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != "" {
		f.removedC[id]++
	}
	return nil
}

func (f *fakeEngine) RemoveImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedI[ref]++
	return nil
}

type fakeScanner struct {
	mu    sync.Mutex
	calls []string
	names []string
	scan  func(ctx context.Context, url string) (json.RawMessage, string, error)
}

func (s *fakeScanner) Scan(ctx context.Context, _ domain.SessionID, name, url, _ string) (json.RawMessage, string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, url)
	s.names = append(s.names, name)
	s.mu.Unlock()
	if s.scan != nil {
		return s.scan(ctx, url)
	}
	return json.RawMessage(`{"site":[]}`), "", nil
}

type fakeTracker struct {
	mu       sync.Mutex
	tracked  map[string]domain.ResourceHandle
	released map[string]int
	refuse   bool
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{tracked: map[string]domain.ResourceHandle{}, released: map[string]int{}}
}

func (t *fakeTracker) Track(_ domain.SessionID, h domain.ResourceHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refuse {
		return domain.ErrSessionCancelled
	}
	t.tracked[h.Target] = h
	return nil
}

func (t *fakeTracker) Release(_ domain.SessionID, target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tracked, target)
	t.released[target]++
}

type instantTimer struct{ c chan time.Time }

func (t *instantTimer) Start(time.Duration) { t.c <- time.Time{} }
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

// dialer accepts only the listed ports.
func dialer(open ...int) func(context.Context, string, string) (net.Conn, error) {
	return func(_ context.Context, _, addr string) (net.Conn, error) {
		_, p, _ := net.SplitHostPort(addr)
		port, _ := strconv.Atoi(p)
		for _, o := range open {
			if o == port {
				c1, c2 := net.Pipe()
				c2.Close()
				return c1, nil
			}
		}
		return nil, errors.New("connection refused")
	}
}

const sid = domain.SessionID("0f8e2d1c-aaaa-bbbb-cccc-123456789abc")

func setupRunner(t *testing.T, open ...int) (*Runner, *fakeEngine, *fakeScanner, *fakeTracker) {
	t.Helper()
	eng, sc, tr := newFakeEngine(), &fakeScanner{}, newFakeTracker()
	r := &Runner{
		Engine:      eng,
		Scanner:     sc,
		Tracker:     tr,
		Probe:       probe.Policy{Attempts: 5, Delay: time.Second, Timer: &instantTimer{c: make(chan time.Time, 1)}},
		Concurrency: 4,
		Dial:        dialer(open...),
	}
	return r, eng, sc, tr
}

func single() domain.DetectedTarget {
	return domain.DetectedTarget{Root: "/ws", Shape: domain.ShapeSingleService, Manifest: "/ws/app/Dockerfile"}
}

func TestRunner_SingleTargetReported(t *testing.T) {
	t.Parallel()
	r, eng, sc, tr := setupRunner(t, 8080)
	tag := ImageTag(sid, singleKey)
	eng.exposed[tag] = []int{8080}

	out, err := r.Run(context.Background(), sid, single())
	require.NoError(t, err)

	res := out.Targets[singleKey]
	assert.Equal(t, domain.TargetReported, res.State)
	assert.Equal(t, 8080, res.Port)
	assert.Equal(t, "http://codeprobe-0f8e2d1c-app:8080", res.URL)
	assert.JSONEq(t, `{"site":[]}`, string(res.Report))
	assert.True(t, res.TornDown)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []string{"codeprobe-0f8e2d1c-app-zap"}, sc.names)

	assert.Equal(t, 1, eng.removedC["c-codeprobe-0f8e2d1c-app"])
	assert.Equal(t, 1, eng.removedI[tag])
	assert.Empty(t, tr.tracked)
	assert.Equal(t, 1, tr.released[singleKey])
}

func TestRunner_NonNetworkNeverScanned(t *testing.T) {
	t.Parallel()
	r, eng, sc, _ := setupRunner(t)
	eng.logs = "job finished"

	out, err := r.Run(context.Background(), sid, single())
	require.NoError(t, err)

	res := out.Targets[singleKey]
	assert.Equal(t, domain.TargetNonNetwork, res.State)
	assert.Equal(t, "job finished", res.Logs)
	assert.Empty(t, sc.calls)
	assert.True(t, res.TornDown)
}

func TestRunner_NonNetworkLogsReadAfterExit(t *testing.T) {
	t.Parallel()
	r, eng, _, _ := setupRunner(t)
	tag := ImageTag(sid, singleKey)
	// classification and the first wait see it running, then it exits
	eng.exitAfter[tag] = 2
	eng.logs = "migrated 12 rows"

	out, err := r.Run(context.Background(), sid, single())
	require.NoError(t, err)

	res := out.Targets[singleKey]
	assert.Equal(t, domain.TargetNonNetwork, res.State)
	assert.Equal(t, "migrated 12 rows", res.Logs)
	cid := "c-" + ContainerName(sid, singleKey)
	assert.Equal(t, 3, eng.logReads[cid], "logs must be read once the container has exited")
}

func TestRunner_CrashShortCircuitsProbe(t *testing.T) {
	t.Parallel()
	r, eng, sc, _ := setupRunner(t)
	tag := ImageTag(sid, singleKey)
	eng.exposed[tag] = []int{3000}
	// first inspect (classification) and first probe see it running
	eng.exitAfter[tag] = 2

	out, err := r.Run(context.Background(), sid, single())
	require.NoError(t, err)

	res := out.Targets[singleKey]
	assert.Equal(t, domain.TargetCrashed, res.State)
	assert.Equal(t, 2, res.Attempts, "must not use up all 5 attempts")
	assert.Contains(t, res.Error, "exited with code 137")
	assert.NotEmpty(t, res.Logs)
	assert.Empty(t, sc.calls)
}

func TestRunner_UnreachableAfterAllAttempts(t *testing.T) {
	t.Parallel()
	r, eng, sc, _ := setupRunner(t)
	eng.exposed[ImageTag(sid, singleKey)] = []int{9999}

	out, err := r.Run(context.Background(), sid, single())
	require.NoError(t, err)

	res := out.Targets[singleKey]
	assert.Equal(t, domain.TargetUnreachable, res.State)
	assert.Equal(t, 5, res.Attempts)
	assert.Contains(t, res.Error, "unreachable after 5 attempts")
	assert.Equal(t, "listening...", res.Logs)
	assert.Empty(t, sc.calls)
	assert.True(t, res.TornDown)
}

func TestRunner_SiblingsAreIsolated(t *testing.T) {
	t.Parallel()
	r, eng, sc, tr := setupRunner(t, 8000, 5000)
	dt := domain.DetectedTarget{
		Shape: domain.ShapeMultiService,
		Services: []domain.ServiceDecl{
			{Name: "api", Context: "/ws/api", Ports: []int{8000}},
			{Name: "broken", Context: "/ws/broken", Ports: []int{7000}},
			{Name: "web", Context: "/ws/web", Ports: []int{5000}},
		},
	}
	eng.buildErr[ImageTag(sid, "broken")] = errors.New("exit status 1")
	sc.scan = func(_ context.Context, url string) (json.RawMessage, string, error) {
		if url == "http://codeprobe-0f8e2d1c-web:5000" {
			return nil, "zap: connection reset", errors.New("scanner exited 3")
		}
		return json.RawMessage(`{"site":[]}`), "", nil
	}

	out, err := r.Run(context.Background(), sid, dt)
	require.NoError(t, err)
	require.Len(t, out.Targets, 3)

	assert.Equal(t, domain.TargetReported, out.Targets["api"].State)
	assert.Equal(t, domain.TargetBuildFailed, out.Targets["broken"].State)
	assert.Contains(t, out.Targets["broken"].Logs, "npm ci failed")
	assert.Equal(t, domain.TargetScanError, out.Targets["web"].State)
	assert.Equal(t, "zap: connection reset", out.Targets["web"].RawReport)

	for key, res := range out.Targets {
		assert.True(t, res.TornDown, key)
		assert.Equal(t, 1, tr.released[key], key)
		assert.Equal(t, 1, eng.removedI[ImageTag(sid, key)], key)
	}
	assert.Len(t, sc.calls, 2)
}

func TestRunner_MalformedReportFallsBackToRaw(t *testing.T) {
	t.Parallel()
	r, eng, sc, _ := setupRunner(t, 80)
	eng.exposed[ImageTag(sid, singleKey)] = []int{80}
	sc.scan = func(context.Context, string) (json.RawMessage, string, error) {
		return nil, "WARN-NEW: X-Frame-Options Header Not Set", nil
	}

	out, err := r.Run(context.Background(), sid, single())
	require.NoError(t, err)
	res := out.Targets[singleKey]
	assert.Equal(t, domain.TargetReported, res.State)
	assert.Nil(t, res.Report)
	assert.Contains(t, res.RawReport, "X-Frame-Options")
}

func TestRunner_ScanBudgetFailsOnlyThatTarget(t *testing.T) {
	t.Parallel()
	r, eng, sc, _ := setupRunner(t, 80)
	r.ScanBudget = 10 * time.Millisecond
	eng.exposed[ImageTag(sid, singleKey)] = []int{80}
	sc.scan = func(ctx context.Context, _ string) (json.RawMessage, string, error) {
		<-ctx.Done()
		return nil, "", ctx.Err()
	}

	out, err := r.Run(context.Background(), sid, single())
	require.NoError(t, err)
	res := out.Targets[singleKey]
	assert.Equal(t, domain.TargetScanError, res.State)
	assert.Contains(t, res.Error, "exceeded")
	assert.True(t, res.TornDown)
}

func TestRunner_CancelledSessionRefusesHandles(t *testing.T) {
	t.Parallel()
	r, eng, _, tr := setupRunner(t, 80)
	tr.refuse = true

	out, err := r.Run(context.Background(), sid, single())
	require.NoError(t, err)
	res := out.Targets[singleKey]
	assert.Equal(t, domain.TargetTornDown, res.State)
	assert.Empty(t, eng.started, "nothing may be started for a cancelled session")
}

func TestRunner_NoBuildableTarget(t *testing.T) {
	t.Parallel()
	r, _, _, _ := setupRunner(t)

	_, err := r.Run(context.Background(), sid, domain.DetectedTarget{Shape: domain.ShapeMultiService})
	assert.True(t, errors.Is(err, domain.ErrNoBuildableTarget))
}

type stubDetector struct {
	dt  domain.DetectedTarget
	err error
}

func (s stubDetector) Detect(string) (domain.DetectedTarget, error) { return s.dt, s.err }

func TestStep_Execute(t *testing.T) {
	t.Parallel()
	r, eng, _, _ := setupRunner(t, 80)
	eng.exposed[ImageTag(sid, singleKey)] = []int{80}
	step := &Step{Detector: stubDetector{dt: single()}, Runner: r}

	doc, err := step.Execute(context.Background(), "/ws", sid)
	require.NoError(t, err)
	var res domain.DynamicResult
	require.NoError(t, json.Unmarshal(doc, &res))
	assert.Equal(t, domain.ShapeSingleService, res.Shape)
	assert.Equal(t, domain.TargetReported, res.Targets[singleKey].State)

	none := &Step{Detector: stubDetector{dt: domain.DetectedTarget{Shape: domain.ShapeNone}}, Runner: r}
	_, err = none.Execute(context.Background(), "/ws", sid)
	assert.True(t, errors.Is(err, domain.ErrNoBuildableTarget))
}

func TestImageTag(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "codeprobe-0f8e2d1c-api:latest", ImageTag(sid, "api"))
	assert.Regexp(t, `^codeprobe-0f8e2d1c-my_api\.v2-[0-9a-f]{6}:latest$`, ImageTag(sid, "My_API.v2"))
	assert.Regexp(t, `^codeprobe-0f8e2d1c-web-front-[0-9a-f]{6}$`, ContainerName(sid, "web front"))
}

func TestContainerName_DistinctKeysNeverCollide(t *testing.T) {
	t.Parallel()
	keys := []string{"api", "API", "Api", "web front", "web-front", "web_front", ""}
	seen := map[string]string{}
	for _, k := range keys {
		name := ContainerName(sid, k)
		prev, dup := seen[name]
		assert.False(t, dup, "%q and %q share %s", prev, k, name)
		seen[name] = k
		assert.Equal(t, ContainerName(sid, k), name, "names are deterministic")
	}
}

func TestRunner_CaseOnlyDifferentServicesBothRun(t *testing.T) {
	t.Parallel()
	r, eng, sc, _ := setupRunner(t, 8000)
	dt := domain.DetectedTarget{
		Shape: domain.ShapeMultiService,
		Services: []domain.ServiceDecl{
			{Name: "api", Context: "/ws/a", Ports: []int{8000}},
			{Name: "API", Context: "/ws/b", Ports: []int{8000}},
		},
	}

	out, err := r.Run(context.Background(), sid, dt)
	require.NoError(t, err)
	require.Len(t, out.Targets, 2)
	assert.Equal(t, domain.TargetReported, out.Targets["api"].State)
	assert.Equal(t, domain.TargetReported, out.Targets["API"].State)
	assert.NotEqual(t, out.Targets["api"].Image, out.Targets["API"].Image)
	assert.Len(t, eng.started, 2)
	assert.Len(t, sc.calls, 2)
}
