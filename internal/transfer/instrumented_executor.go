package transfer

import (
	"context"

	"github.com/italolelis/batch_downloader/internal/status"
	"github.com/italolelis/batch_downloader/internal/telemetry"
)

// Runner executes one attempt of a download.
type Runner interface {
	Execute(ctx context.Context, id int64) Outcome
}

// InstrumentedExecutor wraps a Runner with telemetry.
type InstrumentedExecutor struct {
	runner    Runner
	telemetry *telemetry.Telemetry
}

// NewInstrumentedExecutor creates a new instrumented executor.
func NewInstrumentedExecutor(runner Runner, tel *telemetry.Telemetry) *InstrumentedExecutor {
	return &InstrumentedExecutor{
		runner:    runner,
		telemetry: tel,
	}
}

// Execute runs the attempt with a span, duration and byte metrics.
func (e *InstrumentedExecutor) Execute(ctx context.Context, id int64) Outcome {
	var out Outcome

	e.telemetry.InstrumentDownload(ctx, func(ctx context.Context) string {
		out = e.runner.Execute(ctx, id)

		return out.Status.String()
	})

	e.telemetry.RecordDownloadedBytes(out.Transferred)

	if out.Status == status.WaitingToRetry || (out.Status == status.WaitingForNetwork && out.Cause.IsRetryable()) {
		e.telemetry.RecordRetryScheduled(out.Cause.String())
	}

	return out
}
