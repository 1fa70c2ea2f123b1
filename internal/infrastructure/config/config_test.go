package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sample = `
pipeline:
  image_repository: registry.example.com/shop/api
  test_environment: test
  prod_environment: prod

build:
  unit_test_policy: fatal

environments:
  - name: test
    backend: kubernetes
    namespace: shop-test
    deployment: api
    url: http://api.shop-test.svc:8080/actuator/health
    timeout: 2m
  - name: prod
    backend: argocd
    app: shop-api-prod
    timeout: 5m

gates:
  - name: health
    kind: health
    enabled: true
    required: true
    attempts: 30
    interval: 10s
  - name: quality
    kind: quality
    enabled: true
    required: true
    project_key: shop-api
    timeout: 10m

argocd:
  base_url: https://argocd.example.com
  token: token-yaml

gitops:
  dir: /tmp/gitops
  values_path: charts/api/values-prod.yaml
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_FromYAMLAndEnvOverride(t *testing.T) {
	p := writeConfig(t, sample)
	t.Setenv("ARGOCD_TOKEN", "token-env")

	c, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.ArgoCD.Token != "token-env" {
		t.Errorf("env override failed, got %s", c.ArgoCD.Token)
	}
	if len(c.Gates) != 2 {
		t.Errorf("expected 2 gates, got %d", len(c.Gates))
	}
	if c.Gates[1].Timeout != 10*time.Minute {
		t.Errorf("quality timeout = %s", c.Gates[1].Timeout)
	}
	test, ok := c.Environment("test")
	if !ok || test.Namespace != "shop-test" {
		t.Errorf("test environment not loaded: %+v", test)
	}
	if c.Build.UnitTestPolicy != "fatal" {
		t.Errorf("unit test policy = %s", c.Build.UnitTestPolicy)
	}
	if len(c.Build.Package) == 0 {
		t.Errorf("default package command lost")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	p := writeConfig(t, `
pipeline:
  test_environment: test
  prod_environment: test
environments:
  - name: test
    backend: nomad
gates:
  - name: smoke
    kind: acceptance
`)

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"image_repository", "must differ", "unknown backend", "command is required", "gitops.dir"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestSave_RoundTripAndToggle(t *testing.T) {
	p := writeConfig(t, sample)
	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}

	if !c.SetGateEnabled("quality", false) {
		t.Fatal("expected change")
	}
	if c.SetGateEnabled("quality", false) {
		t.Fatal("second toggle should be a no-op")
	}
	if err := Save(p, c); err != nil {
		t.Fatal(err)
	}

	again, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if again.Gates[1].Enabled {
		t.Errorf("quality gate should be disabled after save")
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(p), "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}
