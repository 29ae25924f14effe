package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelrace/raceway/internal/app"
	"github.com/modelrace/raceway/internal/race"
	"github.com/modelrace/raceway/internal/router"
)

// version is set at build time via -ldflags.
var version = "dev"

// exitCodeForOutcome maps a race outcome to the CLI exit-code table.
func exitCodeForOutcome(outcome race.Outcome) int {
	switch outcome {
	case race.OutcomeDone:
		return 0
	case race.OutcomeAllPreviewsFailed, race.OutcomeNoCandidates:
		return 3
	case race.OutcomeJudgeFailed:
		return 4
	case race.OutcomeBudgetExceeded:
		return 5
	case race.OutcomeAllFullAttemptsFailed:
		return 6
	default:
		return 1
	}
}

// runOnce executes a single race for the given query text and prints the
// resulting run summary as JSON, exiting with the code appropriate to the
// race's terminal outcome.
func runOnce(cfg app.Config, query string) {
	srv, err := app.NewServer(cfg)
	if err != nil {
		log.Printf("server init error: %v", err)
		os.Exit(2)
	}
	defer func() { _ = srv.Close() }()

	summary, err := srv.Run(context.Background(), router.Query{Text: query})
	_ = json.NewEncoder(os.Stdout).Encode(summary)
	if err != nil {
		log.Printf("race error: %v", err)
	}
	os.Exit(exitCodeForOutcome(race.Outcome(summary.Outcome)))
}

// runHealthCheck performs an HTTP health check against the given address.
// addr should be in the form ":port" or "host:port".
func runHealthCheck(addr string) error {
	resp, err := http.Get(fmt.Sprintf("http://localhost%s/healthz", addr))
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func main() {
	// Built-in health check mode for Docker HEALTHCHECK (distroless has no curl).
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		addr := os.Getenv("RACEWAY_LISTEN_ADDR")
		if addr == "" {
			addr = ":8080"
		}
		if err := runHealthCheck(addr); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	log.Printf("racewayd version %s", version)
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Printf("config error: %v", err)
		os.Exit(2)
	}

	// One-shot mode: `racewayd race "<query text>"` runs a single race and
	// exits with spec.md's exit-code table instead of starting the listener.
	if len(os.Args) > 2 && os.Args[1] == "race" {
		runOnce(cfg, strings.Join(os.Args[2:], " "))
		return
	}

	srv, err := app.NewServer(cfg)
	if err != nil {
		log.Fatalf("server init error: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		WriteTimeout:      300 * time.Second, // allow long LLM streaming responses
	}

	go func() {
		log.Printf("racewayd listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen error: %v", err)
		}
	}()

	// SIGHUP: hot-reload configuration (router hyperparameters, candidate
	// list, timeouts) without dropping the listener.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			log.Printf("SIGHUP received, reloading configuration...")
			newCfg, err := app.LoadConfig()
			if err != nil {
				log.Printf("config reload error: %v (keeping current config)", err)
				continue
			}
			newSrv, err := app.NewServer(newCfg)
			if err != nil {
				log.Printf("server rebuild error: %v (keeping current config)", err)
				continue
			}
			old := srv
			srv = newSrv
			httpServer.Handler = srv.Router()
			if err := old.Close(); err != nil {
				log.Printf("previous server close error: %v", err)
			}
		}
	}()

	// Graceful shutdown: drain in-flight requests, then close resources.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Printf("shutting down (draining in-flight requests)...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if err := srv.Close(); err != nil {
		log.Printf("server close error: %v", err)
	}
	log.Printf("shutdown complete")
}
