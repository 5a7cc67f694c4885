package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func traceResource(env string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("swarmd"),
		attribute.String("env", env),         // DataDog
		attribute.String("environment", env), // Others
		attribute.Int64("ID", 1),
	)
}

// Configures a tracer provider for whichever exporter is enabled. The returned func flushes and stops it.
func setupOTEL(cctx *cli.Context) (func(), error) {
	env := cctx.String("env")
	if env == "" {
		env = "dev"
	}

	var exp tracesdk.SpanExporter
	if cctx.Bool("enable-jaeger-tracing") {
		jaegerUrl := cctx.String("jaeger-endpoint")
		slog.Info("setting up jaeger trace exporter", "endpoint", jaegerUrl)
		je, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerUrl)))
		if err != nil {
			return nil, err
		}
		exp = je
	}

	// Enable OTLP HTTP exporter
	// For relevant environment variables:
	// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
	// At a minimum, you need to set
	// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
	if ep := cctx.String("otel-exporter-otlp-endpoint"); ep != "" && exp == nil {
		slog.Info("setting up trace exporter", "endpoint", ep)
		oe, err := otlptracehttp.New(cctx.Context)
		if err != nil {
			return nil, err
		}
		exp = oe
	}

	if exp == nil {
		return func() {}, nil
	}

	tp := tracesdk.NewTracerProvider(
		// Always be sure to batch in production.
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(traceResource(env)),
	)
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown trace exporter", "error", err)
		}
	}, nil
}
