package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/target"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func newTestLoader(env map[string]string) *Loader {
	return NewLoader(
		WithHomeDir("/home/tester"),
		WithGetenv(func(k string) string { return env[k] }),
	)
}

const yamlDeployment = `
telemetry:
  logging:
    level: debug
stacks:
  settleAfter: 2s
profiles:
  - name: laptop
    kind: local
    local:
      command: botgate-gateway
      args: [--foreground]
  - name: dev
    kind: container
    container:
      image: ghcr.io/botgate/gateway:1.4
      resources: {cpu: 1024, memory: 2048}
  - name: prod-eu
    kind: fleet
    transform: |
      result = dict(payload, region = "eu")
    fleet:
      region: eu-west-1
      workloadTemplate: templates/workload.yaml
      sharedTemplate: templates/shared.yaml
      tier: performance
      pollInterval: 5s
      ssh:
        user: ubuntu
        auth: password
      vault:
        address: https://vault.example.com
`

func setupTemplates(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "templates"), 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "templates/workload.yaml", "resources: {}\n")
	writeFile(t, dir, "templates/shared.yaml", "resources: {}\n")
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	setupTemplates(t, dir)
	path := writeFile(t, dir, "botgate.yaml", yamlDeployment)

	loader := newTestLoader(map[string]string{
		"BOTGATE_VAULT_TOKEN":          "global-token",
		"BOTGATE_PROD_EU_SSH_PASSWORD": "hunter2",
	})
	file, err := loader.Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if got := file.ProfileNames(); strings.Join(got, ",") != "laptop,dev,prod-eu" {
		t.Errorf("unexpected profiles %v", got)
	}
	if file.Stacks.Path != "/home/tester/.botgate/stacks.db" {
		t.Errorf("unexpected stacks path %s", file.Stacks.Path)
	}
	if file.Stacks.SettleAfter != 2*time.Second {
		t.Errorf("expected settleAfter=2s, got %v", file.Stacks.SettleAfter)
	}

	local, _ := file.Profile("laptop")
	if local.Local.Port != DefaultPort || local.Local.Host != "127.0.0.1" {
		t.Errorf("local defaults not applied: %+v", local.Local)
	}
	if local.Local.StateDir != "/home/tester/.botgate/profiles/laptop" {
		t.Errorf("unexpected state dir %s", local.Local.StateDir)
	}

	dev, _ := file.Profile("dev")
	if dev.Container.Runtime != RuntimeAuto || dev.Container.Binary != "docker" {
		t.Errorf("container defaults not applied: %+v", dev.Container)
	}
	if dev.Container.Resources == nil || dev.Container.Resources.MemoryMiB != 2048 {
		t.Errorf("resources not decoded: %+v", dev.Container.Resources)
	}

	prod, _ := file.Profile("prod-eu")
	fleet := prod.Fleet
	if fleet.WorkloadTemplate != filepath.Join(dir, "templates", "workload.yaml") {
		t.Errorf("template path not resolved: %s", fleet.WorkloadTemplate)
	}
	if fleet.Tier != target.TierPerformance || fleet.PollInterval != 5*time.Second {
		t.Errorf("unexpected fleet config %+v", fleet)
	}
	if fleet.Vault.Token != "global-token" {
		t.Errorf("expected vault token from env, got %q", fleet.Vault.Token)
	}
	if fleet.SSH.Password != "hunter2" {
		t.Errorf("expected profile scoped ssh password, got %q", fleet.SSH.Password)
	}
	if fleet.Unit != DefaultUnit || fleet.SSH.Port != 22 {
		t.Errorf("fleet defaults not applied: %+v", fleet)
	}
	if !strings.Contains(prod.Transform, "region") {
		t.Errorf("transform not decoded")
	}

	if cfg := file.TelemetryConfig(); cfg.Logging.Level != "debug" || cfg.ServiceName != "botgate" {
		t.Errorf("unexpected telemetry config %+v", cfg.Logging)
	}
}

func TestLoadCUE(t *testing.T) {
	dir := t.TempDir()
	setupTemplates(t, dir)
	path := writeFile(t, dir, "botgate.cue", `
_image: "ghcr.io/botgate/gateway"

profiles: [
	{
		name: "dev"
		kind: "container"
		container: {
			image:          _image + ":1.4"
			runtime:        "runsc"
			requireSandbox: true
		}
	},
	for region in ["eu-west-1", "us-east-1"] {
		name: "fleet-\(region)"
		kind: "fleet"
		fleet: {
			"region":         region
			workloadTemplate: "templates/workload.yaml"
			sharedTemplate:   "templates/shared.yaml"
			waitTimeout:      "20m"
		}
	},
]
`)

	file, err := newTestLoader(nil).Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if len(file.Profiles) != 3 {
		t.Fatalf("expected 3 profiles, got %d", len(file.Profiles))
	}
	dev, _ := file.Profile("dev")
	if dev.Container.Image != "ghcr.io/botgate/gateway:1.4" || !dev.Container.RequireSandbox {
		t.Errorf("unexpected container config %+v", dev.Container)
	}
	us, ok := file.Profile("fleet-us-east-1")
	if !ok {
		t.Fatal("comprehension profile missing")
	}
	if us.Fleet.WaitTimeout != 20*time.Minute {
		t.Errorf("expected waitTimeout=20m, got %v", us.Fleet.WaitTimeout)
	}
	if us.Fleet.Tier != target.TierStandard {
		t.Errorf("expected default tier, got %s", us.Fleet.Tier)
	}
}

func TestLoadSchemaErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name: "cue enum violation",
			file: "botgate.cue",
			content: `profiles: [{
	name: "dev"
	kind: "container"
	container: {image: "x", runtime: "kata"}
}]`,
			wantErr: "runtime",
		},
		{
			name: "yaml unknown kind",
			file: "botgate.yaml",
			content: `profiles:
  - name: dev
    kind: lambda
`,
			wantErr: "kind",
		},
		{
			name: "yaml missing block",
			file: "botgate.yaml",
			content: `profiles:
  - name: dev
    kind: local
`,
			wantErr: "local",
		},
		{
			name:    "no profiles",
			file:    "botgate.yaml",
			content: "profiles: []\n",
			wantErr: "profiles",
		},
		{
			name:    "unsupported extension",
			file:    "botgate.toml",
			content: "",
			wantErr: "unsupported deployment file format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file, tt.content)
			_, err := newTestLoader(nil).Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !engine.HasCode(err, engine.ErrCodeInvalidConfig) {
				t.Errorf("expected INVALID_CONFIG, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadCUEErrorPositions(t *testing.T) {
	path := writeFile(t, t.TempDir(), "botgate.cue", `profiles: [{
	name: "dev"
	kind: "local"
	local: {command: 42}
}]
`)
	_, err := newTestLoader(nil).Load(path)
	problems := ValidationErrors(err)
	if len(problems) == 0 {
		t.Fatalf("expected positioned problems, got %v", err)
	}
	found := false
	for _, p := range problems {
		if p.File == path && p.Line == 4 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a problem on line 4, got %+v", problems)
	}
}

func TestValidateCrossField(t *testing.T) {
	dir := t.TempDir()
	setupTemplates(t, dir)
	path := writeFile(t, dir, "botgate.yaml", `
profiles:
  - name: dev
    kind: local
    local: {command: gw}
  - name: dev
    kind: local
    local: {command: gw}
  - name: eu
    kind: fleet
    fleet:
      region: eu-west-1
      workloadTemplate: templates/missing.yaml
      sharedTemplate: templates/shared.yaml
`)

	_, err := newTestLoader(nil).Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, `duplicate profile "dev"`) {
		t.Errorf("expected duplicate profile error, got %v", msg)
	}
	if !strings.Contains(msg, "does not exist") {
		t.Errorf("expected missing template error, got %v", msg)
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	if _, err := Find(dir); err == nil {
		t.Error("expected error in empty dir")
	}
	writeFile(t, dir, "botgate.cue", "")
	writeFile(t, dir, "botgate.yaml", "")
	path, err := Find(dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "botgate.yaml" {
		t.Errorf("expected yaml to win, got %s", path)
	}
}
