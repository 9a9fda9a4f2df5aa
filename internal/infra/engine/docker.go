// Package engine adapts the Docker Engine to what the dynamic runner needs:
// build, run on a private network, inspect, logs and forced removal.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
)

const (
	LabelManagedBy = "codeprobe.managed-by"
	LabelSession   = "codeprobe.session"
	LabelTarget    = "codeprobe.target"

	logTail = "200"
)

// Docker talks to the daemon through the SDK; images are built with the
// docker CLI so BuildKit handles the context.
type Docker struct {
	cli *client.Client
	bin string
}

func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{cli: cli, bin: "docker"}, nil
}

func (d *Docker) Close() error { return d.cli.Close() }

// Ping checks the daemon is reachable.
func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

// EnsureNetwork creates a labelled bridge network unless it exists.
func (d *Docker) EnsureNetwork(ctx context.Context, name string) error {
	if _, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect network %s: %w", name, err)
	}
	_, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManagedBy: "codeprobe"},
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	return nil
}

// Build builds contextDir into tag. The returned string is the build
// output, useful when the build fails.
func (d *Docker) Build(ctx context.Context, contextDir, dockerfile, tag string, labels map[string]string) (string, error) {
	args := []string{"build", "-t", tag}
	if dockerfile != "" {
		if !filepath.IsAbs(dockerfile) {
			dockerfile = filepath.Join(contextDir, dockerfile)
		}
		args = append(args, "-f", dockerfile)
	}
	for _, k := range sortedKeys(labels) {
		args = append(args, "--label", k+"="+labels[k])
	}
	args = append(args, contextDir)

	cmd := exec.CommandContext(ctx, d.bin, args...)
	cmd.Env = append(os.Environ(), "DOCKER_BUILDKIT=1")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return out.String(), fmt.Errorf("build %s: %w", tag, ctx.Err())
		}
		return out.String(), fmt.Errorf("build %s: %w", tag, err)
	}
	return out.String(), nil
}

// Run creates and starts a detached container attached to spec.Network.
// Declared ports are added to the exposed set.
func (d *Docker) Run(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	exposed := nat.PortSet{}
	for _, p := range spec.Ports {
		exposed[nat.Port(strconv.Itoa(p)+"/tcp")] = struct{}{}
	}
	env := make([]string, 0, len(spec.Env))
	for _, k := range sortedKeys(spec.Env) {
		env = append(env, k+"="+spec.Env[k])
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.Network),
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: {}},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("start container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// Inspect reports liveness, exposed ports and the first network address.
func (d *Docker) Inspect(ctx context.Context, id string) (domain.ContainerInfo, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return domain.ContainerInfo{}, err
	}
	out := domain.ContainerInfo{ID: info.ID, Name: strings.TrimPrefix(info.Name, "/")}
	if info.State != nil {
		out.Running = info.State.Running
		out.ExitCode = info.State.ExitCode
	}
	if info.Config != nil {
		for p := range info.Config.ExposedPorts {
			if p.Proto() == "tcp" {
				out.ExposedPorts = append(out.ExposedPorts, p.Int())
			}
		}
		sort.Ints(out.ExposedPorts)
	}
	if info.NetworkSettings != nil {
		for _, name := range sortedKeys(info.NetworkSettings.Networks) {
			if ep := info.NetworkSettings.Networks[name]; ep != nil && ep.IPAddress != "" {
				out.IP = ep.IPAddress
				break
			}
		}
	}
	return out, nil
}

// Logs returns the tail of stdout and stderr.
func (d *Docker) Logs(ctx context.Context, id string) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       logTail,
	})
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), err
	}
	return buf.String(), nil
}

// RemoveContainer force-removes id; a missing container is not an error.
func (d *Docker) RemoveContainer(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

// RemoveImage force-removes ref; a missing image is not an error.
func (d *Docker) RemoveImage(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	_, err := d.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

// Reclaim implements domain.ResourceReclaimer.
func (d *Docker) Reclaim(ctx context.Context, h domain.ResourceHandle) error {
	cerr := d.RemoveContainer(ctx, h.ContainerID)
	ierr := d.RemoveImage(ctx, h.Image)
	if cerr != nil {
		return cerr
	}
	return ierr
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
