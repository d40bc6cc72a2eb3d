package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ducminhle1904/trade-execution-core/cmd/common"
	"github.com/ducminhle1904/trade-execution-core/internal/bot"
	"github.com/ducminhle1904/trade-execution-core/internal/config"
	"github.com/ducminhle1904/trade-execution-core/internal/logger"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Configuration file (.yaml or .json); built-in paper defaults when empty")
		envFile     = flag.String("env", ".env", "Environment file path")
		dryRun      = flag.Bool("dry-run", false, "Route every order to the paper venue")
		stateDir    = flag.String("state-dir", "", "Override the session state directory")
		metricsAddr = flag.String("metrics-addr", "", "Override the metrics and health listen address; \"off\" disables")
		forecasts   = flag.String("forecasts", "", "JSONL file of forecasts and bars to replay as the feed")
		reportDir   = flag.String("report-dir", "", "Override the directory the exit report is written to")
		version     = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s %s\n", common.ProjectName, common.FullVersion())
		return
	}

	if err := loadEnvFile(*envFile); err != nil {
		log.Printf("Warning: %v, using process environment", err)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dry-run":
			cfg.Engine.DryRun = *dryRun
		case "state-dir":
			cfg.Engine.StateDir = *stateDir
		case "metrics-addr":
			cfg.Monitoring.Addr = *metricsAddr
		case "report-dir":
			cfg.Engine.ReportDir = *reportDir
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	sessionLog, err := logger.NewLogger(cfg.Engine.Session, cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer sessionLog.Close()

	if err := run(cfg, sessionLog, *forecasts); err != nil {
		sessionLog.LogError("main", err)
		sessionLog.Close()
		log.Fatalf("Session failed: %v", err)
	}
}

func run(cfg *config.Config, sessionLog *logger.Logger, forecasts string) error {
	engine, err := bot.Build(cfg, sessionLog, time.Now)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			sessionLog.LogError("close", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := serveMonitoring(cfg.Monitoring.Addr, engine, sessionLog)

	if err := engine.Start(ctx); err != nil {
		return err
	}

	if forecasts != "" {
		go func() {
			n, err := engine.ReplayFile(ctx, forecasts)
			if err != nil && !errors.Is(err, context.Canceled) {
				sessionLog.LogError("feed", err)
				return
			}
			sessionLog.Info("forecast feed %s replayed: %d records", forecasts, n)
		}()
	}

	select {
	case <-ctx.Done():
		sessionLog.Info("shutdown signal received")
	case <-engine.Done():
		sessionLog.Warning("engine stopped on its own")
	}
	engine.Stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			sessionLog.LogError("monitoring", err)
		}
	}

	if cfg.Engine.ReportDir != "" {
		if _, err := engine.ExportReport(cfg.Engine.ReportDir); err != nil {
			sessionLog.LogError("report", err)
		}
	}
	return nil
}

func serveMonitoring(addr string, engine *bot.Engine, sessionLog *logger.Logger) *http.Server {
	if addr == "" || addr == "off" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", engine.Metrics.Handler())
	mux.Handle("/health", engine.Health)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sessionLog.LogError("monitoring", err)
		}
	}()
	sessionLog.Info("metrics and health on %s", addr)
	return srv
}

func loadEnvFile(envFile string) error {
	if _, err := os.Stat(envFile); err == nil {
		return godotenv.Load(envFile)
	}
	return fmt.Errorf("env file %s not found", envFile)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		cfg.ApplyEnv()
		return cfg, nil
	}
	return config.Load(path)
}
