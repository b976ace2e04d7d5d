package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joelkehle/survey-planner/internal/config"
	"github.com/joelkehle/survey-planner/internal/plannerdev"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config file")
		addr       = flag.String("addr", "", "Listen address (overrides config)")
		drafter    = flag.String("drafter", "", "Plan drafter: template or anthropic (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	dev := cfg.DevPlanner
	if *addr != "" {
		dev.Addr = *addr
	}
	if *drafter != "" {
		dev.Drafter = *drafter
	}
	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var d plannerdev.Drafter = plannerdev.TemplateDrafter{}
	switch dev.Drafter {
	case "template":
	case "anthropic":
		ad, err := plannerdev.NewAnthropicDrafter(dev.AnthropicAPIKey, dev.AnthropicModel)
		if err != nil {
			log.Fatalf("anthropic drafter: %v", err)
		}
		d = ad
	default:
		log.Fatalf("unknown drafter %q", dev.Drafter)
	}

	handler := plannerdev.NewServer(plannerdev.Options{
		Prefix:      dev.Prefix,
		MaxAttempts: dev.MaxAttempts,
		Drafter:     d,
		Logger:      logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	log.Printf("planner-dev listening on %s (prefix=%s, drafter=%s, max_attempts=%d)", dev.Addr, dev.Prefix, dev.Drafter, dev.MaxAttempts)
	srv := &http.Server{Addr: dev.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
