package provision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/pier-paas/pier/internal/domain"
	"github.com/pier-paas/pier/internal/engine"
)

type fakeEngineClient struct {
	previous []engine.ContainerSummary
	pullErr  error

	pulled  []string
	removed []string
	created []engine.ContainerSpec
	started []string
}

func (f *fakeEngineClient) ListContainers(context.Context, engine.ContainerFilter) ([]engine.ContainerSummary, error) {
	return f.previous, nil
}

func (f *fakeEngineClient) CreateContainer(_ context.Context, spec engine.ContainerSpec) (string, error) {
	f.created = append(f.created, spec)
	return "db-container", nil
}

func (f *fakeEngineClient) StartContainer(_ context.Context, id string) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeEngineClient) StopContainer(context.Context, string) error { return nil }

func (f *fakeEngineClient) RemoveContainer(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngineClient) PullImage(_ context.Context, ref string, _ engine.OutputCallback) error {
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulled = append(f.pulled, ref)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestProvisionResolvesKnownEngineNames(t *testing.T) {
	cases := []struct {
		engineName string
		wantImage  string
		wantPort   int
	}{
		{"postgres", "postgres:16-alpine", 5432},
		{"Redis", "redis:7-alpine", 6379},
		{"mysql", "mysql:8", 3306},
	}
	for _, tc := range cases {
		t.Run(tc.engineName, func(t *testing.T) {
			eng := &fakeEngineClient{}
			provisioner := New(eng, testLogger())

			result, err := provisioner.Provision(context.Background(), domain.Service{
				ID:       "svc-1",
				Type:     domain.TypeManagedDatabase,
				ImageRef: tc.engineName,
			})
			if err != nil {
				t.Fatalf("Provision returned error: %v", err)
			}
			if result.ImageRef != tc.wantImage {
				t.Fatalf("expected image %q, got %q", tc.wantImage, result.ImageRef)
			}
			if eng.created[0].Port != tc.wantPort {
				t.Fatalf("expected default port %d, got %d", tc.wantPort, eng.created[0].Port)
			}
		})
	}
}

func TestProvisionAcceptsFullImageRef(t *testing.T) {
	eng := &fakeEngineClient{}
	provisioner := New(eng, testLogger())

	result, err := provisioner.Provision(context.Background(), domain.Service{
		ID:       "svc-1",
		ImageRef: "timescale/timescaledb:latest-pg16",
		Port:     5432,
	})
	if err != nil {
		t.Fatalf("Provision returned error: %v", err)
	}
	if result.ImageRef != "timescale/timescaledb:latest-pg16" {
		t.Fatalf("unexpected image %q", result.ImageRef)
	}
}

func TestProvisionReplacesPreviousDatabaseContainer(t *testing.T) {
	eng := &fakeEngineClient{
		previous: []engine.ContainerSummary{{ID: "old-db"}},
	}
	provisioner := New(eng, testLogger())

	if _, err := provisioner.Provision(context.Background(), domain.Service{ID: "svc-1", ImageRef: "postgres"}); err != nil {
		t.Fatalf("Provision returned error: %v", err)
	}
	if len(eng.removed) != 1 || eng.removed[0] != "old-db" {
		t.Fatalf("expected the previous container removed, got %v", eng.removed)
	}
	if len(eng.started) != 1 {
		t.Fatalf("expected the new container started, got %v", eng.started)
	}
}

func TestProvisionRejectsMissingEngineSelection(t *testing.T) {
	provisioner := New(&fakeEngineClient{}, testLogger())
	if _, err := provisioner.Provision(context.Background(), domain.Service{ID: "svc-1"}); err == nil {
		t.Fatal("expected error for missing engine selection")
	}
}

func TestProvisionPullFailureLeavesPreviousContainer(t *testing.T) {
	eng := &fakeEngineClient{
		previous: []engine.ContainerSummary{{ID: "old-db"}},
		pullErr:  errors.New("registry down"),
	}
	provisioner := New(eng, testLogger())

	if _, err := provisioner.Provision(context.Background(), domain.Service{ID: "svc-1", ImageRef: "postgres"}); err == nil {
		t.Fatal("expected pull error")
	}
	if len(eng.removed) != 0 {
		t.Fatal("a failed pull must not touch the previous container")
	}
}
