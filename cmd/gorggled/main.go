package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/gordowuu/GORGGLES/pkg/adapters"
	"github.com/gordowuu/GORGGLES/pkg/api"
	"github.com/gordowuu/GORGGLES/pkg/config"
	"github.com/gordowuu/GORGGLES/pkg/ingest"
	"github.com/gordowuu/GORGGLES/pkg/logging"
	"github.com/gordowuu/GORGGLES/pkg/media"
	"github.com/gordowuu/GORGGLES/pkg/metrics"
	"github.com/gordowuu/GORGGLES/pkg/orchestrator"
	"github.com/gordowuu/GORGGLES/pkg/shutdown"
	"github.com/gordowuu/GORGGLES/pkg/store"
	"github.com/gordowuu/GORGGLES/pkg/tracing"
)

var version = "dev"

func main() {
	cfgFile := flag.String("config", "", "config file path")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	logger.Info("starting gorggled", map[string]interface{}{
		"version": version, "store": cfg.Store.Type, "listen": cfg.ListenAddr,
	})

	mgr := shutdown.New(30 * time.Second)

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "gorggled",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal("init tracing", map[string]interface{}{"error": err.Error()})
	}
	mgr.Register(tracer.Shutdown)

	s, err := store.NewStore(store.Config{
		Type: cfg.Store.Type,
		Path: cfg.Store.Path,
		DSN:  cfg.Store.DSN,
	})
	if err != nil {
		logger.Fatal("open store", map[string]interface{}{"error": err.Error()})
	}
	mgr.Register(shutdown.CloseResource(s, "store"))

	m := metrics.New()
	preparer := media.NewHTTPPreparer(cfg.Recognizers.MediaPrepURL)
	adapterList := []adapters.Adapter{
		adapters.NewAudioAdapter(cfg.Recognizers.TranscribeURL, cfg.Recognizers.LanguageCode, cfg.Recognizers.MaxSpeakers),
		adapters.NewFaceAdapter(cfg.Recognizers.FaceURL),
		adapters.NewVisualAdapter(cfg.Recognizers.LipreadURL),
	}

	orch := orchestrator.New(s, preparer, adapterList, orchestrator.FromConfig(cfg), logger, m, tracer)
	orch.Start(context.Background())
	mgr.Register(func(ctx context.Context) error {
		orch.Stop()
		return nil
	})

	trigger := ingest.NewTrigger(s, ingest.Config{
		UploadPrefix: cfg.Ingest.UploadPrefix,
		MediaSuffix:  cfg.Ingest.MediaSuffix,
	})

	handler := api.NewHandler(s, trigger, orch, logger, m.Handler())
	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: handler.Router(api.Options{
			CORSOrigins: cfg.API.CORSOrigins,
			RateRPS:     cfg.API.RateRPS,
			RateBurst:   cfg.API.RateBurst,
		}, tracer),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	mgr.Register(shutdown.StopHTTPServer(srv, "api"))

	go func() {
		logger.Info("api listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server", map[string]interface{}{"error": err.Error()})
		}
	}()

	mgr.Wait()
	mgr.Shutdown()
}
