package gc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/containerd/errdefs"

	"github.com/pier-paas/pier/internal/domain"
	"github.com/pier-paas/pier/internal/engine"
	"github.com/pier-paas/pier/internal/repository"
)

type fakeImageEngine struct {
	dangling   []engine.ImageSummary
	images     []engine.ImageSummary
	containers []engine.ContainerSummary
	removeErr  map[string]error
	removed    []string
	diskUsage  int64
}

func (f *fakeImageEngine) ListContainers(context.Context, engine.ContainerFilter) ([]engine.ContainerSummary, error) {
	return f.containers, nil
}

func (f *fakeImageEngine) ListImages(_ context.Context, filter engine.ImageFilter) ([]engine.ImageSummary, error) {
	if filter.Dangling {
		return f.dangling, nil
	}
	return f.images, nil
}

func (f *fakeImageEngine) RemoveImage(_ context.Context, id string, _ bool) error {
	if err, ok := f.removeErr[id]; ok {
		return err
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeImageEngine) ImageDiskUsage(context.Context) (int64, error) {
	return f.diskUsage, nil
}

type fakeDeploymentRepo struct {
	retired []domain.Deployment
	latest  map[string]*domain.Deployment
}

func (f *fakeDeploymentRepo) CreateDeployment(context.Context, *domain.Deployment) error { return nil }

func (f *fakeDeploymentRepo) GetDeploymentByID(context.Context, string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeDeploymentRepo) UpdateDeployment(context.Context, *domain.Deployment) error { return nil }

func (f *fakeDeploymentRepo) LatestDeploymentByService(_ context.Context, serviceID string) (*domain.Deployment, error) {
	dep, ok := f.latest[serviceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return dep, nil
}

func (f *fakeDeploymentRepo) ListDeploymentsCompletedBefore(context.Context, time.Time) ([]domain.Deployment, error) {
	return f.retired, nil
}

func (f *fakeDeploymentRepo) DeleteDeploymentsByService(context.Context, string) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestRunRemovesDanglingImagesAndSumsTheirSizes(t *testing.T) {
	eng := &fakeImageEngine{
		dangling: []engine.ImageSummary{
			{ID: "sha256:aaa", Size: 50_000_000},
			{ID: "sha256:bbb", Size: 81_072_000},
		},
	}
	collector := New(eng, &fakeDeploymentRepo{}, testLogger(), Config{DanglingEnabled: true})

	report, err := collector.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.DanglingRemoved != 2 {
		t.Fatalf("expected 2 dangling images removed, got %d", report.DanglingRemoved)
	}
	if report.DanglingFreed != 131_072_000 {
		t.Fatalf("expected 131072000 bytes freed, got %d", report.DanglingFreed)
	}
}

func TestRunProtectsLatestDeploymentImage(t *testing.T) {
	old := time.Now().Add(-30 * 24 * time.Hour)
	eng := &fakeImageEngine{
		images: []engine.ImageSummary{
			{ID: "sha256:old", Tags: []string{"pier/svc-1:dep-old"}, Size: 100},
			{ID: "sha256:new", Tags: []string{"pier/svc-1:dep-new"}, Size: 100},
		},
	}
	repo := &fakeDeploymentRepo{
		retired: []domain.Deployment{
			{ID: "dep-old", ServiceID: "svc-1", ImageTag: "pier/svc-1:dep-old", CompletedAt: &old},
			{ID: "dep-new", ServiceID: "svc-1", ImageTag: "pier/svc-1:dep-new", CompletedAt: &old},
		},
		latest: map[string]*domain.Deployment{
			"svc-1": {ID: "dep-new", ServiceID: "svc-1", ImageTag: "pier/svc-1:dep-new"},
		},
	}
	collector := New(eng, repo, testLogger(), Config{RetentionEnabled: true, ImageRetention: 7 * 24 * time.Hour})

	report, err := collector.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.RetiredRemoved != 1 {
		t.Fatalf("expected 1 retired image removed, got %d", report.RetiredRemoved)
	}
	for _, id := range eng.removed {
		if id == "sha256:new" {
			t.Fatal("the latest deployment's image must never be removed")
		}
	}
}

func TestRunProtectsImagesOfRunningContainersByImageID(t *testing.T) {
	old := time.Now().Add(-30 * 24 * time.Hour)
	eng := &fakeImageEngine{
		images: []engine.ImageSummary{
			{ID: "sha256:busy", Tags: []string{"pier/svc-1:dep-old"}, Size: 100},
		},
		containers: []engine.ContainerSummary{
			{ID: "c1", ImageID: "sha256:busy", State: "running"},
		},
	}
	repo := &fakeDeploymentRepo{
		retired: []domain.Deployment{
			{ID: "dep-old", ServiceID: "svc-1", ImageTag: "pier/svc-1:dep-old", CompletedAt: &old},
		},
		latest: map[string]*domain.Deployment{
			"svc-1": {ID: "dep-new", ServiceID: "svc-1", ImageTag: "pier/svc-1:dep-new"},
		},
	}
	collector := New(eng, repo, testLogger(), Config{RetentionEnabled: true})

	report, err := collector.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.RetiredRemoved != 0 {
		t.Fatalf("expected no removals while the image backs a container, got %d", report.RetiredRemoved)
	}
	if len(eng.removed) != 0 {
		t.Fatalf("unexpected removals: %v", eng.removed)
	}
}

func TestRunTreatsVanishedAndBusyImagesAsSkips(t *testing.T) {
	eng := &fakeImageEngine{
		dangling: []engine.ImageSummary{
			{ID: "sha256:gone", Size: 100},
			{ID: "sha256:busy", Size: 100},
			{ID: "sha256:ok", Size: 100},
		},
		removeErr: map[string]error{
			"sha256:gone": errdefs.ErrNotFound,
			"sha256:busy": errdefs.ErrConflict,
		},
	}
	collector := New(eng, &fakeDeploymentRepo{}, testLogger(), Config{DanglingEnabled: true})

	report, err := collector.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(report.Errors) != 0 {
		t.Fatalf("races must not surface as errors, got %v", report.Errors)
	}
	if report.DanglingRemoved != 1 || report.DanglingFreed != 100 {
		t.Fatalf("only the actual removal may count, got removed=%d freed=%d", report.DanglingRemoved, report.DanglingFreed)
	}
}

func TestRunAccumulatesRealRemovalErrors(t *testing.T) {
	eng := &fakeImageEngine{
		dangling: []engine.ImageSummary{
			{ID: "sha256:bad", Size: 100},
			{ID: "sha256:ok", Size: 100},
		},
		removeErr: map[string]error{"sha256:bad": errors.New("daemon hiccup")},
	}
	collector := New(eng, &fakeDeploymentRepo{}, testLogger(), Config{DanglingEnabled: true})

	report, err := collector.Run(context.Background())
	if err != nil {
		t.Fatalf("per-image failures must not abort the run: %v", err)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("expected 1 accumulated error, got %v", report.Errors)
	}
	if report.DanglingRemoved != 1 {
		t.Fatalf("the batch must continue past failures, got %d removals", report.DanglingRemoved)
	}
}
