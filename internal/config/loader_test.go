package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadFileValid(t *testing.T) {
	path := writeTempConfig(t, `
routes:
  - id: r1
    uri: /hello
    upstream:
      type: roundrobin
      nodes:
        - host: 127.0.0.1
          port: 1980
          weight: 1
upstreams:
  - id: up1
    type: roundrobin
    nodes:
      - host: 10.0.0.1
        port: 80
        weight: 1
`)

	f, err := LoadFile(path, 1)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(f.Routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(f.Routes))
	}
	if f.Routes[0].Version != 1 {
		t.Errorf("route version = %d, want 1", f.Routes[0].Version)
	}
	if f.Routes[0].Upstream.HasDomain {
		t.Error("expected HasDomain false for IP-literal nodes")
	}
}

func TestLoadFileMissingUpstreamSource(t *testing.T) {
	path := writeTempConfig(t, `
routes:
  - id: r1
    uri: /hello
`)

	if _, err := LoadFile(path, 1); err == nil {
		t.Fatal("expected validation error for route with no upstream source")
	}
}

func TestLoadFileInvalidUpstream(t *testing.T) {
	path := writeTempConfig(t, `
upstreams:
  - id: up1
    type: roundrobin
    nodes: []
`)

	if _, err := LoadFile(path, 1); err == nil {
		t.Fatal("expected validation error for upstream with no nodes")
	}
}

func TestLoadFileHasDomainDerived(t *testing.T) {
	path := writeTempConfig(t, `
upstreams:
  - id: up1
    type: roundrobin
    nodes:
      - host: svc.local
        port: 80
        weight: 1
`)

	f, err := LoadFile(path, 1)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !f.Upstreams[0].HasDomain {
		t.Error("expected HasDomain true for hostname node")
	}
}

func TestLoadFileMissingFile(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), 1); err == nil {
		t.Fatal("expected error for missing file")
	}
}
