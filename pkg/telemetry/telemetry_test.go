package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default is valid", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: true,
		},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{
			name: "metrics without address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.ListenAddress = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerWritesComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("stack").WithStack("botgate-prod").Info("creating stack")

	out := buf.String()
	for _, want := range []string{`"component":"stack"`, `"stack":"botgate-prod"`, `"message":"creating stack"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %s", out, want)
		}
	}
}

func TestFromContextWithoutLoggerIsSilent(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("expected a logger")
	}
	logger.Info("discarded")
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordStackOperation("create", nil)
	m.RecordResize("failed")
	m.RecordTargetOperation("local", "install", true, time.Second)
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() on nil metrics = %v", err)
	}
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordStackOperation("create", nil)
	m.RecordStackOperation("delete", errors.New("boom"))
	m.RecordOrphanCleanup("kept")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`botgate_stack_operations_total{operation="create",outcome="ok"} 1`,
		`botgate_stack_operations_total{operation="delete",outcome="error"} 1`,
		`botgate_shared_infra_cleanup_total{outcome="kept"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "resize")
	if op.Ctx == nil || op.Span == nil || op.Logger == nil {
		t.Fatal("expected usable instrumented context")
	}
	op.End(errors.New("failed"))
}

func TestStartOperationWithTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Fatal("expected telemetry in context")
	}
	if MetricsFromContext(ctx) != tel.Metrics {
		t.Fatal("expected metrics in context")
	}

	op := StartOperation(ctx, "stack.converge", AttrStackName.String("s"))
	op.End(nil)
}
