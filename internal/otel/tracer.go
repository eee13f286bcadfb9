// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package otel

import (
	"context"
	"fmt"
	"strings"

	"github.com/pbinitiative/zenmigrate/internal/config"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// setupTraceProvider exports spans in batches to the OTLP HTTP collector. Spans of remote parents
// follow the parent decision, root spans are sampled by conf.SampleRatio.
func setupTraceProvider(ctx context.Context, res *resource.Resource, conf config.Tracing) (*trace.TracerProvider, error) {
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(endpointOptions(conf.Endpoint)...))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}
	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(conf.SampleRatio))),
	), nil
}

func endpointOptions(endpoint string) []otlptracehttp.Option {
	if host, ok := strings.CutPrefix(endpoint, "https://"); ok {
		return []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
	}
	return []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(strings.TrimPrefix(endpoint, "http://")),
		otlptracehttp.WithInsecure(),
	}
}
