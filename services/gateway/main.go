// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/credentials/insecure"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"

	"github.com/AleutianAI/AleutianRelay/services/gateway/cache"
	"github.com/AleutianAI/AleutianRelay/services/gateway/config"
	"github.com/AleutianAI/AleutianRelay/services/gateway/handlers"
	"github.com/AleutianAI/AleutianRelay/services/gateway/limits"
	"github.com/AleutianAI/AleutianRelay/services/gateway/middleware"
	"github.com/AleutianAI/AleutianRelay/services/gateway/observability"
	"github.com/AleutianAI/AleutianRelay/services/gateway/routes"
	"github.com/AleutianAI/AleutianRelay/services/gateway/sanitizer"
	"github.com/AleutianAI/AleutianRelay/services/generation"
	"github.com/AleutianAI/AleutianRelay/services/store"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("relay-gateway")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.FromEnv()

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	cacheOpts := []cache.Option{cache.WithTTL(cfg.CacheTTL)}
	if cfg.CacheDir != "" {
		cacheOpts = append(cacheOpts, cache.WithDir(cfg.CacheDir))
	}
	responseCache, err := cache.NewResponseCache(cacheOpts...)
	if err != nil {
		log.Fatalf("Failed to open response cache: %v", err)
	}
	defer func() {
		if closeErr := responseCache.Close(); closeErr != nil {
			slog.Error("Failed to close response cache", "error", closeErr)
		}
	}()

	rateLimiter := limits.NewRateLimiter(cfg.RateLimit, cfg.RateWindow)
	sessionLimiter := limits.NewSessionLimiter(cfg.MaxSessions)
	sessionLimiter.StartReaper(context.Background(), time.Minute, cfg.SessionMaxAge)

	redactor, err := sanitizer.NewRedactor()
	if err != nil {
		log.Fatalf("Failed to load redaction policy: %v", err)
	}

	generator := generation.NewOpenAIGenerator(generation.OpenAIConfig{
		BaseURL:     cfg.BackendBaseURL,
		APIKey:      cfg.BackendAPIKey,
		UpstreamQPS: cfg.UpstreamQPS,
	})

	var messages store.MessageStore
	if cfg.PostgresDSN != "" {
		pg, pgErr := store.NewPGStore(context.Background(), cfg.PostgresDSN)
		if pgErr != nil {
			log.Fatalf("Failed to connect to Postgres: %v", pgErr)
		}
		if schemaErr := pg.CreateSchema(context.Background()); schemaErr != nil {
			log.Fatalf("Failed to ensure Postgres schema: %v", schemaErr)
		}
		messages = pg
		slog.Info("Turn persistence enabled", "store", "postgres")
	} else {
		slog.Info("RELAY_POSTGRES_DSN not set, turn persistence disabled")
	}

	chatHandler := handlers.NewStreamingChatHandler(
		generator,
		responseCache,
		rateLimiter,
		sessionLimiter,
		redactor,
		messages,
		handlers.Config{
			GenerationTimeout: cfg.GenerationTimeout,
			RationaleMaxChars: cfg.RationaleMaxChars,
			DefaultModel:      cfg.DefaultModel,
		},
	)

	router := gin.Default()
	router.Use(otelgin.Middleware("relay-gateway"))

	routes.SetupRoutes(router, chatHandler, responseCache, middleware.NopResolver{})

	slog.Info("Starting the relay gateway", "port", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
