// Package engine wraps the Docker daemon API behind a thin, label-aware
// client. It carries no business logic; callers decide what to create and
// reclaim, the engine only talks to the daemon and classifies its errors.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Labels attached to every resource the platform creates. They are the only
// linkage between a container/image/volume and the owning service.
const (
	LabelServiceID    = "pier.service.id"
	LabelDeploymentID = "pier.deployment.id"
	LabelStack        = "pier.stack"
	LabelManaged      = "pier.managed"
)

// Engine is a thin wrapper over the Docker API client.
type Engine struct {
	api    client.APIClient
	logger *slog.Logger
}

// New creates an Engine connected to the local Docker daemon.
func New(host string, logger *slog.Logger) (*Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewWithClient(api, logger), nil
}

// NewWithClient wraps an existing API client. Used by tests.
func NewWithClient(api client.APIClient, logger *slog.Logger) *Engine {
	if logger != nil {
		logger = logger.With("component", "engine")
	}
	return &Engine{api: api, logger: logger}
}

// Ping validates connectivity to the daemon.
func (e *Engine) Ping(ctx context.Context) error {
	if e == nil || e.api == nil {
		return fmt.Errorf("engine not initialized")
	}
	ping, err := e.api.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the underlying client.
func (e *Engine) Close() error {
	if e.api == nil {
		return nil
	}
	return e.api.Close()
}

// IsNotFound reports whether err means the target resource is already gone.
func IsNotFound(err error) bool { return errdefs.IsNotFound(err) }

// IsConflict reports whether err is a 409-class conflict, typically an image
// still referenced by a container.
func IsConflict(err error) bool { return errdefs.IsConflict(err) }

// ContainerSummary is a minimal view of a listed container.
type ContainerSummary struct {
	ID      string
	Name    string
	ImageID string
	Image   string
	Labels  map[string]string
	State   string
	Created time.Time
}

// Running reports whether the container is in the running state.
func (c ContainerSummary) Running() bool { return c.State == "running" }

// ContainerFilter narrows a container listing.
type ContainerFilter struct {
	All    bool
	Labels map[string]string
}

// ListContainers lists containers matching the filter.
func (e *Engine) ListContainers(ctx context.Context, filter ContainerFilter) ([]ContainerSummary, error) {
	args := filters.NewArgs()
	for key, value := range filter.Labels {
		if value == "" {
			args.Add("label", key)
			continue
		}
		args.Add("label", key+"="+value)
	}
	list, err := e.api.ContainerList(ctx, container.ListOptions{All: filter.All, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	summaries := make([]ContainerSummary, 0, len(list))
	for _, item := range list {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		summaries = append(summaries, ContainerSummary{
			ID:      item.ID,
			Name:    name,
			ImageID: item.ImageID,
			Image:   item.Image,
			Labels:  item.Labels,
			State:   item.State,
			Created: time.Unix(item.Created, 0).UTC(),
		})
	}
	return summaries, nil
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name          string
	Image         string
	Cmd           []string
	Env           []string
	Labels        map[string]string
	Port          int
	RestartAlways bool
}

// CreateContainer creates a container and returns its id.
func (e *Engine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{}
	if spec.RestartAlways {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyAlways}
	}
	if spec.Port > 0 {
		port, err := nat.NewPort("tcp", fmt.Sprintf("%d", spec.Port))
		if err != nil {
			return "", fmt.Errorf("invalid port %d: %w", spec.Port, err)
		}
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostIP: "0.0.0.0"}}}
	}
	created, err := e.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return created.ID, nil
}

// StartContainer starts a created container.
func (e *Engine) StartContainer(ctx context.Context, id string) error {
	if err := e.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// StopContainer stops a container. A vanished container is a logged no-op.
func (e *Engine) StopContainer(ctx context.Context, id string) error {
	if err := e.api.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		if IsNotFound(err) {
			e.debug("container already gone on stop", "container_id", id)
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container. A vanished container is a
// logged no-op.
func (e *Engine) RemoveContainer(ctx context.Context, id string) error {
	opts := container.RemoveOptions{Force: true, RemoveVolumes: false}
	if err := e.api.ContainerRemove(ctx, id, opts); err != nil {
		if IsNotFound(err) {
			e.debug("container already gone on remove", "container_id", id)
			return nil
		}
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// ContainerDetail captures inspect output consumed by the reclaim paths.
type ContainerDetail struct {
	ID      string
	ImageID string
	Labels  map[string]string
	Running bool
}

// InspectContainer returns details for a single container.
func (e *Engine) InspectContainer(ctx context.Context, id string) (ContainerDetail, error) {
	inspect, err := e.api.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerDetail{}, fmt.Errorf("container inspect: %w", err)
	}
	detail := ContainerDetail{ID: inspect.ID, ImageID: inspect.Image}
	if inspect.Config != nil {
		detail.Labels = inspect.Config.Labels
	}
	if inspect.State != nil {
		detail.Running = inspect.State.Running
	}
	return detail, nil
}

// ImageSummary is a minimal view of a listed image.
type ImageSummary struct {
	ID      string
	Tags    []string
	Size    int64
	Created time.Time
}

// Dangling reports whether the image has no tag.
func (i ImageSummary) Dangling() bool {
	for _, tag := range i.Tags {
		if tag != "" && tag != "<none>:<none>" {
			return false
		}
	}
	return true
}

// ImageFilter narrows an image listing.
type ImageFilter struct {
	Dangling bool
	Labels   map[string]string
}

// ListImages lists images matching the filter.
func (e *Engine) ListImages(ctx context.Context, filter ImageFilter) ([]ImageSummary, error) {
	args := filters.NewArgs()
	if filter.Dangling {
		args.Add("dangling", "true")
	}
	for key, value := range filter.Labels {
		args.Add("label", key+"="+value)
	}
	list, err := e.api.ImageList(ctx, image.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	summaries := make([]ImageSummary, 0, len(list))
	for _, item := range list {
		summaries = append(summaries, ImageSummary{
			ID:      item.ID,
			Tags:    item.RepoTags,
			Size:    item.Size,
			Created: time.Unix(item.Created, 0).UTC(),
		})
	}
	return summaries, nil
}

// RemoveImage removes an image by id or reference. Callers classify the
// returned error with IsNotFound and IsConflict.
func (e *Engine) RemoveImage(ctx context.Context, id string, force bool) error {
	_, err := e.api.ImageRemove(ctx, id, image.RemoveOptions{Force: force, PruneChildren: true})
	if err != nil {
		return fmt.Errorf("image remove: %w", err)
	}
	return nil
}

// VolumeSummary is a minimal view of a listed volume.
type VolumeSummary struct {
	Name   string
	Labels map[string]string
}

// ListVolumes lists volumes matching the label filter.
func (e *Engine) ListVolumes(ctx context.Context, labels map[string]string) ([]VolumeSummary, error) {
	args := filters.NewArgs()
	for key, value := range labels {
		args.Add("label", key+"="+value)
	}
	list, err := e.api.VolumeList(ctx, volume.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}
	summaries := make([]VolumeSummary, 0, len(list.Volumes))
	for _, item := range list.Volumes {
		if item == nil {
			continue
		}
		summaries = append(summaries, VolumeSummary{Name: item.Name, Labels: item.Labels})
	}
	return summaries, nil
}

// RemoveVolume force-removes a volume. A vanished volume is a logged no-op.
func (e *Engine) RemoveVolume(ctx context.Context, name string) error {
	if err := e.api.VolumeRemove(ctx, name, true); err != nil {
		if IsNotFound(err) {
			e.debug("volume already gone on remove", "volume", name)
			return nil
		}
		return fmt.Errorf("volume remove: %w", err)
	}
	return nil
}

// ImageDiskUsage sums the size of all images known to the daemon.
func (e *Engine) ImageDiskUsage(ctx context.Context) (int64, error) {
	du, err := e.api.DiskUsage(ctx, types.DiskUsageOptions{})
	if err != nil {
		return 0, fmt.Errorf("disk usage: %w", err)
	}
	var total int64
	for _, img := range du.Images {
		if img != nil {
			total += img.Size
		}
	}
	return total, nil
}

func (e *Engine) debug(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Debug(msg, args...)
	}
}
