// Command fixture-server serves the reference Self Changer chat page for
// local runs of the scenario runner.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kuitang/selfchanger-e2e/internal/fixture"
	"github.com/kuitang/selfchanger-e2e/internal/obs"
)

func main() {
	cfg := fixture.DefaultConfig()
	flag.StringVar(&cfg.Addr, "addr", "127.0.0.1:3000", "listen address")
	flag.DurationVar(&cfg.ReplyDelay, "reply-delay", cfg.ReplyDelay, "simulated backend latency for send_message")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	obs.Init()
	obs.SetLevel(*logLevel)
	log := obs.Pkg("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := fixture.NewServer(cfg)
	if _, err := srv.Start(); err != nil {
		log.Error("fixture_start_failed", "error", err)
		os.Exit(3)
	}
	log.Info("fixture_listening", "url", srv.URL(), "reply_delay", cfg.ReplyDelay.String())

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("fixture_shutdown_failed", "error", err)
	}
}
