package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/botgate/botgate/pkg/target"
)

func TestStarlarkTransform(t *testing.T) {
	ctx := context.Background()
	payload := target.Payload{
		"logLevel": "info",
		"port":     18789,
		"channels": []interface{}{"slack", "discord"},
		"model":    map[string]interface{}{"provider": "anthropic", "maxTokens": 4096},
	}

	tests := []struct {
		name      string
		script    string
		checkFunc func(*testing.T, target.Payload)
		wantErr   string
	}{
		{
			name:   "override a key",
			script: `result = dict(payload, logLevel = "debug")`,
			checkFunc: func(t *testing.T, out target.Payload) {
				if out["logLevel"] != "debug" {
					t.Errorf("expected logLevel=debug, got %v", out["logLevel"])
				}
				if out["port"] != int64(18789) {
					t.Errorf("expected port to survive, got %v (%T)", out["port"], out["port"])
				}
			},
		},
		{
			name: "procedural rewrite",
			script: `
def upper(xs):
    return [x.upper() for x in xs]

model = dict(payload["model"])
model["maxTokens"] = model["maxTokens"] // 2
result = {
    "channels": upper(payload["channels"]),
    "model": model,
}
`,
			checkFunc: func(t *testing.T, out target.Payload) {
				channels := out["channels"].([]interface{})
				if channels[0] != "SLACK" || channels[1] != "DISCORD" {
					t.Errorf("unexpected channels %v", channels)
				}
				model := out["model"].(map[string]interface{})
				if model["maxTokens"] != int64(2048) {
					t.Errorf("expected maxTokens=2048, got %v", model["maxTokens"])
				}
			},
		},
		{
			name:   "json module",
			script: `result = {"encoded": json.encode(payload["channels"])}`,
			checkFunc: func(t *testing.T, out target.Payload) {
				if out["encoded"] != `["slack","discord"]` {
					t.Errorf("unexpected encoding %v", out["encoded"])
				}
			},
		},
		{
			name:    "payload is frozen",
			script:  `payload["logLevel"] = "debug"`,
			wantErr: "frozen",
		},
		{
			name:    "missing result",
			script:  `x = 1`,
			wantErr: "did not assign result",
		},
		{
			name:    "result is not a dict",
			script:  `result = [1, 2]`,
			wantErr: "must assign a dict",
		},
		{
			name:    "runtime error",
			script:  `result = payload["missing"]`,
			wantErr: "starlark execution failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewStarlarkTransform("test.star", tt.script, time.Second)
			if err != nil {
				t.Fatalf("failed to create transform: %v", err)
			}

			out, err := tr.Transform(ctx, payload)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.checkFunc(t, out)
		})
	}
}

func TestStarlarkTransformSyntaxError(t *testing.T) {
	_, err := NewStarlarkTransform("bad.star", "result = (", time.Second)
	if err == nil {
		t.Fatal("expected syntax error")
	}
	if !strings.Contains(err.Error(), "invalid transform script") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStarlarkTransformTimeout(t *testing.T) {
	script := `
def spin():
    n = 0
    for i in range(100000000):
        n += i
    return n

result = {"n": spin()}
`
	tr, err := NewStarlarkTransform("slow.star", script, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to create transform: %v", err)
	}

	start := time.Now()
	_, err = tr.Transform(context.Background(), target.Payload{})
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout was not enforced")
	}
}

func TestTransformFor(t *testing.T) {
	tr, err := TransformFor(&Profile{Name: "dev"})
	if err != nil || tr != nil {
		t.Fatalf("expected no transform, got %v, %v", tr, err)
	}

	tr, err = TransformFor(&Profile{Name: "dev", Transform: `result = payload`})
	if err != nil || tr == nil {
		t.Fatalf("expected a transform, got %v", err)
	}
}
