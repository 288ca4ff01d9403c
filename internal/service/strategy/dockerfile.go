package strategy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultBuildBase = "node:20-alpine"

// ensureDockerfile leaves an existing Dockerfile untouched and otherwise
// synthesizes one from the service's build and start commands.
func ensureDockerfile(dir string, svc serviceBuildSpec) error {
	path := filepath.Join(dir, "Dockerfile")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat dockerfile: %w", err)
	}
	return os.WriteFile(path, []byte(svc.render()), 0o644)
}

type serviceBuildSpec struct {
	BaseImage    string
	BuildCommand string
	StartCommand string
	Port         int
}

func (s serviceBuildSpec) render() string {
	base := s.BaseImage
	if base == "" {
		base = defaultBuildBase
	}
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", base)
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY . .\n")
	if cmd := strings.TrimSpace(s.BuildCommand); cmd != "" {
		fmt.Fprintf(&b, "RUN %s\n", cmd)
	}
	if s.Port > 0 {
		fmt.Fprintf(&b, "EXPOSE %d\n", s.Port)
	}
	if cmd := strings.TrimSpace(s.StartCommand); cmd != "" {
		fmt.Fprintf(&b, "CMD %s\n", cmd)
	}
	return b.String()
}

// staticBundleSpec renders a two-stage Dockerfile that builds the bundle and
// serves the output directory with nginx on port 80.
type staticBundleSpec struct {
	BaseImage    string
	BuildCommand string
	OutputDir    string
}

func (s staticBundleSpec) render() string {
	base := s.BaseImage
	if base == "" {
		base = defaultBuildBase
	}
	out := strings.TrimSpace(s.OutputDir)
	if out == "" {
		out = "dist"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s AS build\n", base)
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY . .\n")
	if cmd := strings.TrimSpace(s.BuildCommand); cmd != "" {
		fmt.Fprintf(&b, "RUN %s\n", cmd)
	}
	b.WriteString("\nFROM nginx:alpine\n")
	fmt.Fprintf(&b, "COPY --from=build /app/%s /usr/share/nginx/html\n", out)
	b.WriteString("EXPOSE 80\n")
	return b.String()
}

func writeStaticDockerfile(dir string, spec staticBundleSpec) error {
	return os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(spec.render()), 0o644)
}
