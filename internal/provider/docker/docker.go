// Package docker implements provider.Provider using the local Docker
// daemon.  It is meant for development: every resource is a container on
// the host and the handle is the container ID.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/provider"
)

// portLabel records the workload port on the container so Status can build
// the endpoint.
const portLabel = "arena.io/port"

// Config holds Docker-specific settings.
type Config struct {
	// Network attaches containers to a user-defined network (optional).
	// Containers on the same network can reach each other by IP, which is
	// what game hosts and agents need.
	Network string

	// LogTailLines bounds how many lines Logs returns.  Default: 200.
	LogTailLines int
}

// containerAPI is the subset of the Docker client the provider calls.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// Provider manages workloads as Docker containers.
type Provider struct {
	client containerAPI
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time checks.
var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Lister   = (*Provider)(nil)
	_ containerAPI      = (*dockerclient.Client)(nil)
)

// New connects to the daemon named by the environment.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newProvider(client, cfg, logger), nil
}

func newProvider(client containerAPI, cfg Config, logger *slog.Logger) *Provider {
	if cfg.LogTailLines == 0 {
		cfg.LogTailLines = 200
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provider{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("arena/provider/docker"),
	}
}

func (p *Provider) Name() string { return "docker" }

// Close releases the daemon connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// Create creates and starts a container for spec, pulling the image first
// if the daemon does not have it.
func (p *Provider) Create(ctx context.Context, spec provider.Spec) (string, error) {
	ctx, span := p.tracer.Start(ctx, "provider.docker.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("container.name", spec.Name),
		attribute.String("image", spec.Image),
	)

	env := make([]string, 0, len(spec.Env))
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		env = append(env, fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	labels := maps.Clone(spec.Labels)
	if labels == nil {
		labels = map[string]string{}
	}
	labels[portLabel] = strconv.Itoa(spec.Port)

	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Args,
		Env:    env,
		Labels: labels,
	}
	hostCfg := &container.HostConfig{}
	if p.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(p.cfg.Network)
	}
	if err := applyLimits(hostCfg, spec.Limits); err != nil {
		return "", &job.ProvisionError{Reason: "invalid workload spec", Err: err}
	}

	resp, err := p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if cerrdefs.IsNotFound(err) {
		if perr := p.pull(ctx, spec.Image); perr != nil {
			return "", &job.ProvisionError{Reason: fmt.Sprintf("pull %s", spec.Image), Err: perr}
		}
		resp, err = p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		return "", &job.ProvisionError{Reason: fmt.Sprintf("container create %s", spec.Name), Err: err}
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = p.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", &job.ProvisionError{Reason: fmt.Sprintf("container start %s", spec.Name), Err: err}
	}

	p.logger.Info("container started",
		slog.String("name", spec.Name),
		slog.String("containerID", resp.ID),
	)
	return resp.ID, nil
}

func (p *Provider) pull(ctx context.Context, ref string) error {
	p.logger.Info("pulling image", slog.String("image", ref))
	pull, err := p.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer pull.Close()
	// Drain the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		return fmt.Errorf("reading image pull response: %w", err)
	}
	return nil
}

// applyLimits converts Kubernetes quantities into Docker's units.
func applyLimits(h *container.HostConfig, l provider.Limits) error {
	if l.CPU != "" {
		q, err := resource.ParseQuantity(l.CPU)
		if err != nil {
			return fmt.Errorf("cpu limit %q: %w", l.CPU, err)
		}
		h.NanoCPUs = q.MilliValue() * 1_000_000
	}
	if l.Memory != "" {
		q, err := resource.ParseQuantity(l.Memory)
		if err != nil {
			return fmt.Errorf("memory limit %q: %w", l.Memory, err)
		}
		h.Memory = q.Value()
	}
	return nil
}

// Status maps the container state onto a phase.
func (p *Provider) Status(ctx context.Context, handle string) (provider.Status, error) {
	ctx, span := p.tracer.Start(ctx, "provider.docker.Status")
	defer span.End()

	info, err := p.client.ContainerInspect(ctx, handle)
	if cerrdefs.IsNotFound(err) {
		return provider.Status{Phase: provider.PhaseUnknown, Message: "container not found"}, nil
	}
	if err != nil {
		return provider.Status{}, fmt.Errorf("container inspect %s: %w", handle, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return provider.Status{Phase: provider.PhaseUnknown, Message: "container has no state"}, nil
	}

	switch info.State.Status {
	case "created":
		return provider.Status{Phase: provider.PhasePending}, nil
	case "running", "paused", "restarting":
		return provider.Status{Phase: provider.PhaseRunning, Endpoint: endpoint(info)}, nil
	case "exited":
		if info.State.ExitCode == 0 {
			return provider.Status{Phase: provider.PhaseSucceeded}, nil
		}
		msg := fmt.Sprintf("exit code %d", info.State.ExitCode)
		if info.State.Error != "" {
			msg += ": " + info.State.Error
		}
		return provider.Status{Phase: provider.PhaseFailed, Message: msg}, nil
	case "dead":
		return provider.Status{Phase: provider.PhaseFailed, Message: "container dead"}, nil
	}
	return provider.Status{Phase: provider.PhaseUnknown, Message: string(info.State.Status)}, nil
}

func endpoint(info container.InspectResponse) string {
	var port int
	if info.Config != nil {
		port, _ = strconv.Atoi(info.Config.Labels[portLabel])
	}
	if info.NetworkSettings == nil {
		return ""
	}
	for _, name := range slices.Sorted(maps.Keys(info.NetworkSettings.Networks)) {
		if ep := info.NetworkSettings.Networks[name]; ep != nil && ep.IPAddress != "" {
			return provider.Endpoint(ep.IPAddress, port)
		}
	}
	return ""
}

// Destroy force-removes the container identified by handle, permanently
// destroying the workload.  Removing a missing container succeeds.
func (p *Provider) Destroy(ctx context.Context, handle string) error {
	ctx, span := p.tracer.Start(ctx, "provider.docker.Destroy")
	defer span.End()

	p.logger.Info("destroying container", slog.String("containerID", handle))

	err := p.client.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("container remove %s: %w", handle, err)
	}
	return nil
}

// Logs returns the tail of the container's combined stdout and stderr.
func (p *Provider) Logs(ctx context.Context, handle string) ([]string, error) {
	ctx, span := p.tracer.Start(ctx, "provider.docker.Logs")
	defer span.End()

	rc, err := p.client.ContainerLogs(ctx, handle, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(p.cfg.LogTailLines),
	})
	if cerrdefs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("container logs %s: %w", handle, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("demux logs %s: %w", handle, err)
	}
	out := strings.TrimRight(buf.String(), "\n")
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ListManaged returns every container, running or not, carrying the
// managed label.
func (p *Provider) ListManaged(ctx context.Context) ([]provider.Managed, error) {
	list, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", provider.LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make([]provider.Managed, 0, len(list))
	for _, c := range list {
		out = append(out, provider.Managed{
			Handle:    c.ID,
			JobID:     c.Labels[provider.LabelJobID],
			Role:      c.Labels[provider.LabelRole],
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return out, nil
}
