package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/compose-spec/compose-go/v2/loader"
	compose "github.com/compose-spec/compose-go/v2/types"

	"github.com/pier-paas/pier/internal/domain"
	"github.com/pier-paas/pier/internal/engine"
	"github.com/pier-paas/pier/internal/git"
	"github.com/pier-paas/pier/internal/workspace"
)

const defaultComposeFile = "compose.yaml"

// ComposeStrategy deploys a multi-container stack described by a compose
// file in the service's repository. Every container carries the stack label
// in addition to the service label; the designated main service is the one
// whose port gets published.
type ComposeStrategy struct {
	engine     ContainerEngine
	workspace  *workspace.Manager
	logger     *slog.Logger
	gitTimeout time.Duration
}

// NewComposeStrategy constructs the multi-container strategy.
func NewComposeStrategy(eng ContainerEngine, ws *workspace.Manager, logger *slog.Logger, gitTimeout time.Duration) *ComposeStrategy {
	if logger != nil {
		logger = logger.With("component", "strategy_compose")
	}
	return &ComposeStrategy{engine: eng, workspace: ws, logger: logger, gitTimeout: gitTimeout}
}

// Type implements Strategy.
func (s *ComposeStrategy) Type() domain.ServiceType { return domain.TypeComposeStack }

// Deploy implements Strategy.
func (s *ComposeStrategy) Deploy(ctx context.Context, input DeployInput) (DeployResult, error) {
	buildLog := &buildLogCollector{}
	result := DeployResult{}

	dir, err := s.workspace.Prepare(input.Deployment.ID)
	if err != nil {
		return result, fmt.Errorf("prepare workspace: %w", err)
	}
	defer func() {
		if err := s.workspace.Cleanup(dir); err != nil {
			s.logger.Warn("workspace cleanup failed", "deployment_id", input.Deployment.ID, "error", err)
		}
	}()

	cloneCtx := ctx
	if s.gitTimeout > 0 {
		var cancel context.CancelFunc
		cloneCtx, cancel = context.WithTimeout(ctx, s.gitTimeout)
		defer cancel()
	}
	if err := git.Clone(cloneCtx, input.Service.RepoURL, input.Service.Branch, dir); err != nil {
		return result, fmt.Errorf("clone source: %w", err)
	}

	project, err := s.loadProject(ctx, dir, input.Service)
	if err != nil {
		return result, err
	}

	// Build or pull everything before touching running containers, so a
	// failed build leaves the previous stack intact.
	images := make(map[string]string, len(project.Services))
	for _, name := range sortedServiceNames(project) {
		csvc := project.Services[name]
		if csvc.Build != nil {
			tag := fmt.Sprintf("pier/%s-%s:%s", input.Service.ID, name, input.Deployment.ID)
			buildDir := filepath.Join(dir, filepath.Clean(csvc.Build.Context))
			if err := s.engine.BuildImage(ctx, buildDir, []string{tag}, nil, buildLog.append); err != nil {
				result.BuildLog = buildLog.String()
				return result, fmt.Errorf("build compose service %s: %w", name, err)
			}
			images[name] = tag
			continue
		}
		if csvc.Image == "" {
			return result, fmt.Errorf("compose service %s declares neither build nor image", name)
		}
		if err := s.engine.PullImage(ctx, csvc.Image, buildLog.append); err != nil {
			result.BuildLog = buildLog.String()
			return result, fmt.Errorf("pull compose service %s: %w", name, err)
		}
		images[name] = csvc.Image
	}
	result.BuildLog = buildLog.String()

	mainName := input.Service.ComposeMain
	if mainName != "" {
		if _, ok := project.Services[mainName]; !ok {
			return result, fmt.Errorf("compose file has no service %q designated as main", mainName)
		}
	}
	if mainImage, ok := images[mainName]; ok {
		result.ImageTag = mainImage
	}

	if err := replaceServiceContainers(ctx, s.engine, s.logger, input.Service.ID, true); err != nil {
		return result, err
	}

	for _, name := range sortedServiceNames(project) {
		csvc := project.Services[name]
		labels := serviceLabels(input)
		labels[engine.LabelStack] = input.Service.ID
		spec := engine.ContainerSpec{
			Name:          containerName(input.Service.Name+"-"+name, input.Service.ID),
			Image:         images[name],
			Env:           flattenEnvironment(csvc.Environment),
			Labels:        labels,
			RestartAlways: true,
		}
		if name == mainName {
			spec.Port = input.Service.Port
		}
		containerID, err := s.engine.CreateContainer(ctx, spec)
		if err != nil {
			return result, fmt.Errorf("create compose service %s: %w", name, err)
		}
		if err := s.engine.StartContainer(ctx, containerID); err != nil {
			return result, fmt.Errorf("start compose service %s: %w", name, err)
		}
	}

	s.logger.Info("compose stack deployed", "service_id", input.Service.ID, "deployment_id", input.Deployment.ID, "services", len(project.Services))
	result.Success = true
	return result, nil
}

func (s *ComposeStrategy) loadProject(ctx context.Context, dir string, svc domain.Service) (*compose.Project, error) {
	filename := svc.ComposeFile
	if filename == "" {
		filename = defaultComposeFile
	}
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}
	details := compose.ConfigDetails{
		ConfigFiles: []compose.ConfigFile{{Filename: filename, Content: data}},
	}
	project, err := loader.LoadWithContext(ctx, details)
	if err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}
	if len(project.Services) == 0 {
		return nil, fmt.Errorf("compose file has no services")
	}
	return project, nil
}

func sortedServiceNames(project *compose.Project) []string {
	names := make([]string, 0, len(project.Services))
	for name := range project.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func flattenEnvironment(env compose.MappingWithEquals) []string {
	if len(env) == 0 {
		return nil
	}
	flat := make([]string, 0, len(env))
	for key, value := range env {
		if value == nil {
			continue
		}
		flat = append(flat, key+"="+*value)
	}
	sort.Strings(flat)
	return flat
}
