/*
 *    Copyright 2025 blockarchitech
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *        http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package elitescore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blockarchitech.com/elitescore/internal/config"
	"blockarchitech.com/elitescore/internal/handler"
	"blockarchitech.com/elitescore/internal/provider"
	"blockarchitech.com/elitescore/internal/repository"
	"blockarchitech.com/elitescore/internal/service"
	"blockarchitech.com/elitescore/internal/utils"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const serviceName = "elitescore-integrations"

type App struct {
	logger *zap.Logger
	cfg    *config.Config
	server *http.Server
}

func NewApp() *App {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}

	return &App{
		logger: logger,
		cfg:    cfg,
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func (a *App) Run() {
	defer a.logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tp *sdktrace.TracerProvider
	if a.cfg.OtelExporterEndpoint != "" {
		tp = a.initTracerProvider(ctx)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}

	repo, err := a.initIntegrationRepository(ctx)
	if err != nil {
		a.logger.Fatal("Failed to initialize integration repository", zap.Error(err))
	}

	if a.cfg.EncryptionPassphrase == "" {
		a.logger.Warn("INTEGRATIONS_ENCRYPTION_KEY is not set, provider tokens use the development key")
	}
	cipher, err := utils.NewSecretCipher(a.cfg.EncryptionPassphrase)
	if err != nil {
		a.logger.Fatal("Failed to initialize secret cipher", zap.Error(err))
	}

	registry, err := provider.NewDefaultRegistry(a.cfg, a.logger)
	if err != nil {
		a.logger.Fatal("Failed to initialize provider registry", zap.Error(err))
	}

	tracer := otel.Tracer("elitescore")

	integrationService := service.NewIntegrationService(repo, registry, cipher, a.cfg.SyncConcurrency, tracer, a.logger)
	handlers := handler.NewHttpHandlers(a.logger, integrationService, a.cfg, tracer)

	router := a.setupRouter(handlers, tp)

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%s", a.cfg.Port),
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		a.logger.Info("Server starting",
			zap.String("address", a.server.Addr),
			zap.String("storage", a.cfg.StorageType),
			zap.Strings("providers", providerNames(registry)),
		)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("Could not listen on address", zap.String("address", a.server.Addr), zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	a.logger.Info("Server shutting down...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	err = a.server.Shutdown(ctxShutdown)
	handlers.Close()
	err = multierr.Append(err, repo.Close())
	if tp != nil {
		err = multierr.Append(err, tp.Shutdown(ctxShutdown))
	}
	if err != nil {
		a.logger.Error("Shutdown completed with errors", zap.Errors("errors", multierr.Errors(err)))
		return
	}
	a.logger.Info("Server exited properly")
}

func providerNames(r *provider.Registry) []string {
	var names []string
	for _, p := range r.Providers() {
		names = append(names, string(p))
	}
	return names
}

func (a *App) initTracerProvider(ctx context.Context) *sdktrace.TracerProvider {
	traceExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(a.cfg.OtelExporterEndpoint), otlptracehttp.WithInsecure())
	if err != nil {
		a.logger.Fatal("Failed to create OTLP HTTP trace exporter", zap.Error(err))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(a.cfg.Version),
		),
	)
	if err != nil {
		a.logger.Fatal("Failed to create OpenTelemetry resource", zap.Error(err))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	a.logger.Info("OTLP HTTP trace exporter initialized", zap.String("endpoint", a.cfg.OtelExporterEndpoint))
	return tp
}

func (a *App) initIntegrationRepository(ctx context.Context) (repository.IntegrationRepository, error) {
	switch a.cfg.StorageType {
	case "firestore":
		return repository.NewFirestoreIntegrationRepository(ctx, a.cfg.GCPProjectID, a.logger)
	case "postgres":
		return repository.NewPostgresIntegrationRepository(ctx, a.cfg.DatabaseURL, a.logger)
	case "inmemory":
		a.logger.Warn("using inmemory integration repository. Did you mean to do this?")
		return repository.NewInMemoryIntegrationRepository(a.logger), nil
	default:
		return nil, fmt.Errorf("invalid storage type: %s", a.cfg.StorageType)
	}
}

func (a *App) setupRouter(handlers *handler.HttpHandlers, tp *sdktrace.TracerProvider) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if tp != nil {
		router.Use(otelgin.Middleware(serviceName+"-http", otelgin.WithTracerProvider(tp)))
	}

	handlers.RegisterRoutes(router)

	router.GET("/robots.txt", func(c *gin.Context) {
		c.Header("Content-Type", "text/plain")
		c.String(http.StatusOK, "User-agent: *\nDisallow: /\n")
	})

	return router
}
