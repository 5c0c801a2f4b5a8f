package telemetry_test

import (
	"context"
	"errors"
	"os"

	"github.com/botgate/botgate/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx).NewComponentLogger("cli")
	logger.Info("botgate started")
}

// Example_instrumentedOperation demonstrates wrapping a stack operation.
func Example_instrumentedOperation() {
	ctx := context.Background()

	op := telemetry.StartOperation(ctx, "stack.converge",
		telemetry.AttrStackName.String("botgate-prod"),
	)
	err := errors.New("stack stuck in DELETE_FAILED")
	op.Logger.WithError(err).Warn("converge failed")
	op.End(err)
}

// Example_jsonLogging demonstrates JSON logging to a writer.
func Example_jsonLogging() {
	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{
		Level:  "info",
		Format: "json",
	}, os.Stdout)

	logger.WithProfile("prod", "fleet").WithStack("botgate-prod").Debug("hidden at info level")
	// Output:
}
