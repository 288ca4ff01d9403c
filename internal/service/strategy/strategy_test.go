package strategy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/pier-paas/pier/internal/apperr"
	"github.com/pier-paas/pier/internal/domain"
	"github.com/pier-paas/pier/internal/engine"
)

type fakeEngine struct {
	containers []engine.ContainerSummary
	volumes    []engine.VolumeSummary

	pullErr   error
	createErr error
	startErr  error

	stopped  []string
	removed  []string
	created  []engine.ContainerSpec
	started  []string
	pulled   []string
	built    [][]string
	volsGone []string
}

func (f *fakeEngine) ListContainers(context.Context, engine.ContainerFilter) ([]engine.ContainerSummary, error) {
	return f.containers, nil
}

func (f *fakeEngine) CreateContainer(_ context.Context, spec engine.ContainerSpec) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, spec)
	return "new-container", nil
}

func (f *fakeEngine) StartContainer(_ context.Context, id string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeEngine) StopContainer(_ context.Context, id string) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) BuildImage(_ context.Context, _ string, tags []string, _ map[string]*string, onOutput engine.OutputCallback) error {
	f.built = append(f.built, tags)
	if onOutput != nil {
		onOutput("step 1/1 done")
	}
	return nil
}

func (f *fakeEngine) PullImage(_ context.Context, ref string, onOutput engine.OutputCallback) error {
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulled = append(f.pulled, ref)
	if onOutput != nil {
		onOutput("pulling " + ref)
	}
	return nil
}

func (f *fakeEngine) ListVolumes(context.Context, map[string]string) ([]engine.VolumeSummary, error) {
	return f.volumes, nil
}

func (f *fakeEngine) RemoveVolume(_ context.Context, name string) error {
	f.volsGone = append(f.volsGone, name)
	return nil
}

type stubStrategy struct {
	serviceType domain.ServiceType
}

func (s stubStrategy) Type() domain.ServiceType { return s.serviceType }

func (s stubStrategy) Deploy(context.Context, DeployInput) (DeployResult, error) {
	return DeployResult{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func registryInput() DeployInput {
	return DeployInput{
		Service: domain.Service{
			ID:       "svc-1",
			Name:     "My API",
			Type:     domain.TypeRegistryImage,
			ImageRef: "ghcr.io/acme/api:v3",
			Port:     8080,
		},
		Deployment: domain.Deployment{ID: "dep-1", ServiceID: "svc-1"},
	}
}

func allStubStrategies() []Strategy {
	types := domain.ServiceTypes()
	strategies := make([]Strategy, 0, len(types))
	for _, st := range types {
		strategies = append(strategies, stubStrategy{serviceType: st})
	}
	return strategies
}

func TestNewRegistryRejectsDuplicateTypes(t *testing.T) {
	_, err := NewRegistry(append(allStubStrategies(), stubStrategy{serviceType: domain.TypeContainerImage})...)
	if !apperr.Is(err, apperr.KindConfig) {
		t.Fatalf("expected configuration error for duplicate type, got %v", err)
	}
}

func TestNewRegistryRejectsUncoveredTypes(t *testing.T) {
	_, err := NewRegistry(stubStrategy{serviceType: domain.TypeRegistryImage})
	if !apperr.Is(err, apperr.KindConfig) {
		t.Fatalf("expected configuration error when types are left unclaimed, got %v", err)
	}
}

func TestRegistryForUnclaimedTypeFailsClosed(t *testing.T) {
	registry, err := NewRegistry(allStubStrategies()...)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	if _, err := registry.For(domain.ServiceType("punch_cards")); !apperr.Is(err, apperr.KindConfig) {
		t.Fatalf("expected configuration error for unclaimed type, got %v", err)
	}
}

func TestRegistryStrategyReplacesPreviousContainers(t *testing.T) {
	eng := &fakeEngine{
		containers: []engine.ContainerSummary{
			{ID: "old-1", Labels: map[string]string{engine.LabelServiceID: "svc-1"}},
			{ID: "old-2", Labels: map[string]string{engine.LabelServiceID: "svc-1"}},
		},
	}
	strat := NewRegistryStrategy(eng, testLogger())

	result, err := strat.Deploy(context.Background(), registryInput())
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	if !result.Success {
		t.Fatal("expected a successful result")
	}
	if len(eng.removed) != 2 {
		t.Fatalf("previous containers must be removed before create, got %v", eng.removed)
	}
	if len(eng.created) != 1 {
		t.Fatalf("expected exactly one new container, got %d", len(eng.created))
	}
	if len(eng.started) != 1 || eng.started[0] != "new-container" {
		t.Fatalf("expected the new container started, got %v", eng.started)
	}
}

func TestRegistryStrategyLabelsTheNewContainer(t *testing.T) {
	eng := &fakeEngine{}
	strat := NewRegistryStrategy(eng, testLogger())

	if _, err := strat.Deploy(context.Background(), registryInput()); err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	spec := eng.created[0]
	if spec.Labels[engine.LabelServiceID] != "svc-1" {
		t.Fatalf("missing service label: %v", spec.Labels)
	}
	if spec.Labels[engine.LabelDeploymentID] != "dep-1" {
		t.Fatalf("missing deployment label: %v", spec.Labels)
	}
	if !spec.RestartAlways {
		t.Fatal("expected restart-always on managed containers")
	}
}

func TestRegistryStrategyPullFailureAbortsBeforeReplace(t *testing.T) {
	eng := &fakeEngine{
		containers: []engine.ContainerSummary{
			{ID: "old-1", Labels: map[string]string{engine.LabelServiceID: "svc-1"}},
		},
		pullErr: errors.New("registry unreachable"),
	}
	strat := NewRegistryStrategy(eng, testLogger())

	if _, err := strat.Deploy(context.Background(), registryInput()); err == nil {
		t.Fatal("expected pull error")
	}
	if len(eng.removed) != 0 {
		t.Fatal("a failed pull must leave the previous containers running")
	}
	if len(eng.created) != 0 {
		t.Fatal("a failed pull must not create containers")
	}
}

func TestContainerNameSanitizesServiceName(t *testing.T) {
	cases := []struct {
		name        string
		serviceName string
		serviceID   string
		want        string
	}{
		{"spaces and case", "My Cool App", "abcdefgh1234", "pier-my-cool-app-abcdefgh"},
		{"empty name", "  ", "abcdefgh1234", "pier-service-abcdefgh"},
		{"short id", "api", "id1", "pier-api-id1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := containerName(tc.serviceName, tc.serviceID); got != tc.want {
				t.Fatalf("containerName(%q, %q) = %q, want %q", tc.serviceName, tc.serviceID, got, tc.want)
			}
		})
	}
}

func TestImageTagIsStablePerDeployment(t *testing.T) {
	if got := imageTag("svc-1", "dep-9"); got != "pier/svc-1:dep-9" {
		t.Fatalf("unexpected image tag %q", got)
	}
}

func TestServiceBuildSpecRendersCommands(t *testing.T) {
	spec := serviceBuildSpec{BuildCommand: "npm ci && npm run build", StartCommand: "npm start", Port: 3000}
	rendered := spec.render()
	for _, want := range []string{
		"FROM node:20-alpine",
		"RUN npm ci && npm run build",
		"EXPOSE 3000",
		"CMD npm start",
	} {
		if !strings.Contains(rendered, want) {
			t.Fatalf("rendered Dockerfile missing %q:\n%s", want, rendered)
		}
	}
}

func TestStaticBundleSpecServesOutputDir(t *testing.T) {
	spec := staticBundleSpec{BuildCommand: "npm run build", OutputDir: "public"}
	rendered := spec.render()
	if !strings.Contains(rendered, "FROM nginx:alpine") {
		t.Fatalf("static bundle must serve with nginx:\n%s", rendered)
	}
	if !strings.Contains(rendered, "COPY --from=build /app/public /usr/share/nginx/html") {
		t.Fatalf("static bundle must copy the output dir:\n%s", rendered)
	}
}
