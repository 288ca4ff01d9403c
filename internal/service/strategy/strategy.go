// Package strategy turns a queued deploy intent into running containers,
// dispatching on the service's declared type. Every strategy is idempotent
// under retry: it removes the previous attempt's labeled resources before
// creating new ones.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pier-paas/pier/internal/apperr"
	"github.com/pier-paas/pier/internal/domain"
	"github.com/pier-paas/pier/internal/engine"
)

// ContainerEngine is the slice of the engine client the strategies need.
type ContainerEngine interface {
	ListContainers(ctx context.Context, filter engine.ContainerFilter) ([]engine.ContainerSummary, error)
	CreateContainer(ctx context.Context, spec engine.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	BuildImage(ctx context.Context, dir string, tags []string, buildArgs map[string]*string, onOutput engine.OutputCallback) error
	PullImage(ctx context.Context, ref string, onOutput engine.OutputCallback) error
	ListVolumes(ctx context.Context, labels map[string]string) ([]engine.VolumeSummary, error)
	RemoveVolume(ctx context.Context, name string) error
}

// DeployInput carries the service and the deployment attempt being executed.
type DeployInput struct {
	Service    domain.Service
	Deployment domain.Deployment
}

// DeployResult summarizes a strategy run.
type DeployResult struct {
	ImageTag string
	BuildLog string
	Success  bool
}

// Strategy deploys one service type.
type Strategy interface {
	Type() domain.ServiceType
	Deploy(ctx context.Context, input DeployInput) (DeployResult, error)
}

// Registry resolves the single strategy for each service type. Construction
// fails closed: every known type must be claimed by exactly one strategy,
// and both duplicate and missing claims are configuration errors.
type Registry struct {
	byType map[domain.ServiceType]Strategy
}

// NewRegistry indexes strategies by type.
func NewRegistry(strategies ...Strategy) (*Registry, error) {
	byType := make(map[domain.ServiceType]Strategy, len(strategies))
	for _, s := range strategies {
		if s == nil {
			continue
		}
		if _, dup := byType[s.Type()]; dup {
			return nil, apperr.Newf(apperr.KindConfig, "duplicate deployment strategy for type %q", s.Type())
		}
		byType[s.Type()] = s
	}
	for _, t := range domain.ServiceTypes() {
		if _, ok := byType[t]; !ok {
			return nil, apperr.Newf(apperr.KindConfig, "no deployment strategy registered for type %q", t)
		}
	}
	return &Registry{byType: byType}, nil
}

// For returns the strategy claiming the given type.
func (r *Registry) For(serviceType domain.ServiceType) (Strategy, error) {
	s, ok := r.byType[serviceType]
	if !ok {
		return nil, apperr.Newf(apperr.KindConfig, "no deployment strategy for type %q", serviceType)
	}
	return s, nil
}

// imageTag is the canonical tag for a deployment attempt. The garbage
// collector compares these tags to protect the latest deployment's image.
func imageTag(serviceID, deploymentID string) string {
	return fmt.Sprintf("pier/%s:%s", serviceID, deploymentID)
}

func serviceLabels(input DeployInput) map[string]string {
	return map[string]string{
		engine.LabelManaged:      "true",
		engine.LabelServiceID:    input.Service.ID,
		engine.LabelDeploymentID: input.Deployment.ID,
	}
}

// replaceServiceContainers removes every container labeled with the service
// id, and optionally its labeled volumes. This runs before each create so a
// retried deploy never duplicates containers.
func replaceServiceContainers(ctx context.Context, eng ContainerEngine, logger *slog.Logger, serviceID string, includeVolumes bool) error {
	containers, err := eng.ListContainers(ctx, engine.ContainerFilter{
		All:    true,
		Labels: map[string]string{engine.LabelServiceID: serviceID},
	})
	if err != nil {
		return fmt.Errorf("list previous containers: %w", err)
	}
	for _, c := range containers {
		if err := eng.StopContainer(ctx, c.ID); err != nil {
			logger.Warn("stop previous container failed", "service_id", serviceID, "container_id", c.ID, "error", err)
		}
		if err := eng.RemoveContainer(ctx, c.ID); err != nil {
			return fmt.Errorf("remove previous container %s: %w", c.ID, err)
		}
	}
	if !includeVolumes {
		return nil
	}
	volumes, err := eng.ListVolumes(ctx, map[string]string{engine.LabelServiceID: serviceID})
	if err != nil {
		return fmt.Errorf("list previous volumes: %w", err)
	}
	for _, v := range volumes {
		if err := eng.RemoveVolume(ctx, v.Name); err != nil {
			logger.Warn("remove previous volume failed", "service_id", serviceID, "volume", v.Name, "error", err)
		}
	}
	return nil
}

// buildLogCollector accumulates streamed build output for the deployment
// record. Safe for concurrent appends from stream decoders.
type buildLogCollector struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (c *buildLogCollector) append(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.WriteString(line)
	c.buf.WriteByte('\n')
}

func (c *buildLogCollector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func containerName(serviceName, serviceID string) string {
	name := strings.ToLower(strings.TrimSpace(serviceName))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, name)
	name = strings.Trim(name, "-")
	if name == "" {
		name = "service"
	}
	short := serviceID
	if len(short) > 8 {
		short = short[:8]
	}
	return "pier-" + name + "-" + short
}
