// Package telemetry provides the observability plumbing for botgate.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind a single Telemetry value
// that travels in the context.
//
// # Usage
//
// Initialize telemetry at startup and attach it to the context:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Components pull a scoped logger out of the context:
//
//	logger := telemetry.FromContext(ctx).NewComponentLogger("stack")
//	logger.WithStack(name).Info("creating stack")
//
// Long-running operations are wrapped with StartOperation, which opens a span,
// enriches the logger with trace ids and times the work:
//
//	op := telemetry.StartOperation(ctx, "stack.converge", telemetry.AttrStackName.String(name))
//	defer func() { op.End(err) }()
//
// # Metrics
//
// Metrics are disabled by default. When enabled, NewMetrics builds a private
// registry exposing counters for stack operations, shared infrastructure
// cleanups, resizes, sandbox detections and target operations. Every Record
// method is safe on a nil or disabled *Metrics.
package telemetry
