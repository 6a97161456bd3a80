package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/italolelis/batch_downloader/internal/logctx"
)

// LogConfig describes where logs go.
type LogConfig struct {
	Level       slog.Level
	Format      string // "json" or "text"
	ServiceName string
	// OTLPEndpoint, when set, fans logs out to an OTLP/gRPC collector as
	// well as to w.
	OTLPEndpoint string
	OTLPInsecure bool
}

// NewLogger builds the process logger. Records always carry trace and span
// ids when logged with a traced context. The returned shutdown flushes the
// OTLP pipeline, if any.
func NewLogger(ctx context.Context, w io.Writer, cfg LogConfig) (*slog.Logger, func(context.Context) error, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var local slog.Handler
	if cfg.Format == "text" {
		local = slog.NewTextHandler(w, opts)
	} else {
		local = slog.NewJSONHandler(w, opts)
	}

	local = logctx.NewHandler(local)

	if cfg.OTLPEndpoint == "" {
		return slog.New(local), func(context.Context) error { return nil }, nil
	}

	exporterOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		exporterOpts = append(exporterOpts, otlploggrpc.WithInsecure())
	}

	exporter, err := otlploggrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create otlp log exporter: %w", err)
	}

	res, err := newResource(ctx, Config{ServiceName: cfg.ServiceName})
	if err != nil {
		return nil, nil, err
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	remote := otelslog.NewHandler(cfg.ServiceName, otelslog.WithLoggerProvider(provider))

	return slog.New(slogmulti.Fanout(local, remote)), provider.Shutdown, nil
}
