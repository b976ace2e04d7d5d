package main

import (
	"context"
	"flag"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/joelkehle/survey-planner/internal/config"
	"github.com/joelkehle/survey-planner/internal/export"
	"github.com/joelkehle/survey-planner/internal/fast"
	"github.com/joelkehle/survey-planner/internal/fetch"
	"github.com/joelkehle/survey-planner/internal/httpapi"
	"github.com/joelkehle/survey-planner/internal/mirror"
	"github.com/joelkehle/survey-planner/internal/planner"
	"github.com/joelkehle/survey-planner/internal/store"
	"github.com/joelkehle/survey-planner/internal/telemetry"
	"github.com/joelkehle/survey-planner/internal/workflow"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config file")
		addr       = flag.String("addr", "", "Listen address (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		log.Fatalf("setup tracing: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracing(sctx)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	surveys, err := store.Open(cfg.Store.Driver, cfg.Store.DSN, nil)
	if err != nil {
		log.Fatalf("open survey store: %v", err)
	}
	if c, ok := surveys.(io.Closer); ok {
		defer c.Close()
	}
	m, err := mirror.Open(mirror.Options{Path: cfg.Mirror.Path, Capacity: cfg.Mirror.Capacity, Logger: logger, Metrics: metrics})
	if err != nil {
		log.Fatalf("open mirror: %v", err)
	}

	plannerFetch := fetch.NewClient(fetch.Options{
		BaseURL:     cfg.Planner.BaseURL,
		MountPrefix: cfg.Planner.MountPrefix,
		Timeout:     cfg.Planner.Timeout,
		Logger:      logger,
		Metrics:     metrics,
	})
	fastFetch := plannerFetch
	if cfg.FastURL() != cfg.Planner.BaseURL {
		fastFetch = fetch.NewClient(fetch.Options{
			BaseURL:     cfg.FastURL(),
			MountPrefix: cfg.Planner.MountPrefix,
			Timeout:     cfg.Planner.Timeout,
			Logger:      logger,
			Metrics:     metrics,
		})
	}

	engine := workflow.New(workflow.Deps{
		Planner: planner.NewClient(plannerFetch, logger),
		Fast:    fast.NewClient(fastFetch, logger),
		Store:   surveys,
		Mirror:  m,
		Logger:  logger,
		Metrics: metrics,
		AutoFix: cfg.Planner.AutoFix,
	})

	var pdf httpapi.PDFRenderer
	if cfg.Export.ChromePath != "" || export.DetectChromePath() != "" {
		pdf = export.NewPDFRenderer(cfg.Export.ChromePath)
	} else {
		logger.Warn("no chromium found, PDF export disabled")
	}

	handler := httpapi.NewServer(engine, httpapi.Options{Logger: logger, Gatherer: reg, PDF: pdf})

	log.Printf("surveyd listening on %s (planner=%s, store=%s)", cfg.Server.Addr, cfg.Planner.BaseURL, cfg.Store.Driver)
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
