// Command scenario-runner drives browser scenarios against the Self Changer
// chat page and reports which ones failed and why.
//
// Usage:
//
//	scenario-runner [-base-url URL] [-driver playwright|rod|chromedp] [-run REGEXP] [-fixture]
//	scenario-runner -mcp :8090
//
// Exit status is 0 when every scenario passed, 1 when any failed, and 2 or
// more when the run could not be carried out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kuitang/selfchanger-e2e/internal/artifacts"
	"github.com/kuitang/selfchanger-e2e/internal/browser"
	"github.com/kuitang/selfchanger-e2e/internal/config"
	"github.com/kuitang/selfchanger-e2e/internal/errs"
	"github.com/kuitang/selfchanger-e2e/internal/fixture"
	"github.com/kuitang/selfchanger-e2e/internal/history"
	"github.com/kuitang/selfchanger-e2e/internal/mcp"
	"github.com/kuitang/selfchanger-e2e/internal/notify"
	"github.com/kuitang/selfchanger-e2e/internal/obs"
	"github.com/kuitang/selfchanger-e2e/internal/ratelimit"
	"github.com/kuitang/selfchanger-e2e/internal/runs"
	"github.com/kuitang/selfchanger-e2e/internal/s3client"
	"github.com/kuitang/selfchanger-e2e/internal/scenario"
	"github.com/kuitang/selfchanger-e2e/internal/selfchanger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags, err := config.ParseFlags("scenario-runner", args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	cfg, err := config.LoadConfig(flags)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	obs.Init()
	obs.SetLevel(cfg.LogLevel)
	log := obs.Pkg("main")
	cfg.PrintStartupSummary(stderr)

	if cfg.Trace {
		tp, err := obs.NewTracerProvider("selfchanger-e2e", version, stderr)
		if err != nil {
			log.Error("tracing_init_failed", "error", err)
			return errs.ExitCode(errs.Internal)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	if cfg.MetricsAddr != "" {
		stopMetrics, err := serveMetrics(cfg.MetricsAddr)
		if err != nil {
			log.Error("metrics_listen_failed", "error", err)
			return errs.ExitCode(errs.Unavailable)
		}
		defer stopMetrics()
	}

	baseURL := cfg.BaseURL
	if cfg.UseFixture {
		srv := fixture.NewServer(fixture.Config{
			Addr:         "127.0.0.1:0",
			ReplyDelay:   cfg.FixtureReplyDelay,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		})
		if _, err := srv.Start(); err != nil {
			log.Error("fixture_start_failed", "error", err)
			return errs.ExitCode(errs.Unavailable)
		}
		defer srv.Shutdown(context.WithoutCancel(ctx))
		baseURL = srv.URL()
		log.Info("fixture_started", "url", baseURL)
	}

	svc, cleanup, err := buildService(ctx, cfg, baseURL)
	if err != nil {
		log.Error("startup_failed", "code", errs.CodeOf(err), "error", err)
		fmt.Fprintln(stderr, err)
		return errs.ExitCode(errs.CodeOf(err))
	}
	defer cleanup()

	if cfg.MCPAddr != "" {
		limiter := ratelimit.New(ratelimit.Config{RPS: cfg.MCPRate, Burst: cfg.MCPBurst})
		defer limiter.Stop()
		if err := mcp.NewServer(svc, version).WithRateLimit(limiter).ListenAndServe(ctx, cfg.MCPAddr); err != nil {
			log.Error("mcp_server_failed", "error", err)
			return errs.ExitCode(errs.Unavailable)
		}
		return exitOK
	}

	picked, err := svc.Select(nil, cfg.RunFilter)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return errs.ExitCode(errs.CodeOf(err))
	}
	out, err := svc.Run(ctx, picked, "")
	printSummary(stdout, out)
	if err != nil {
		return errs.ExitCode(errs.CodeOf(err))
	}
	if !out.Report.OK() {
		return exitFailed
	}
	return exitOK
}

// buildService opens the browser and every optional sink the config enables.
// cleanup releases them in reverse order.
func buildService(ctx context.Context, cfg *config.Config, baseURL string) (*runs.Service, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*runs.Service, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	suite, err := selfchanger.LoadSuite(cfg.SuiteFile)
	if err != nil {
		return fail(err)
	}

	sink, err := buildArtifactSink(ctx, cfg)
	if err != nil {
		return fail(err)
	}

	var hist *history.Store
	if cfg.HistoryEnabled() {
		hist, err = history.Open(cfg.HistoryDBPath, []byte(cfg.HistoryKey))
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = hist.Close() })
	}

	var notifier *notify.Notifier
	if cfg.NotifyEnabled() {
		notifier = notify.New(notify.NewResendSender(cfg.ResendAPIKey, cfg.NotifyFrom), cfg.NotifyTo, "")
	}

	driver, err := browser.Open(ctx, cfg.Driver, browser.Options{
		Headless:          cfg.Headless,
		BrowserBin:        cfg.BrowserBin,
		NavigationTimeout: cfg.NavigationTimeout,
		ActionTimeout:     cfg.StepTimeout,
	})
	if err != nil {
		return fail(errs.Wrap(errs.Unavailable, "launch browser", err))
	}
	closers = append(closers, func() { _ = driver.Close() })

	svc, err := runs.NewService(runs.Deps{
		Driver:    driver,
		Scenarios: suite,
		Options: scenario.Options{
			BaseURL:           baseURL,
			Workers:           cfg.Workers,
			StepTimeout:       cfg.StepTimeout,
			NavigationTimeout: cfg.NavigationTimeout,
			PollInterval:      cfg.PollInterval,
			LaunchRate:        cfg.LaunchRate,
			Artifacts:         sink,
			Screenshots:       cfg.Screenshots,
		},
		ReportDir:   cfg.ReportDir,
		History:     hist,
		FlakyWindow: cfg.FlakyWindow,
		Notifier:    notifier,
	})
	if err != nil {
		return fail(err)
	}
	return svc, cleanup, nil
}

func buildArtifactSink(ctx context.Context, cfg *config.Config) (scenario.ArtifactSink, error) {
	local, err := artifacts.NewLocalStore(cfg.ArtifactsDir)
	if err != nil {
		return nil, err
	}
	if !cfg.S3Enabled() {
		return local, nil
	}
	client, err := s3client.New(ctx, s3client.Config{
		Endpoint:        cfg.AWSEndpointS3,
		Region:          cfg.AWSRegion,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
		BucketName:      cfg.AWSBucketName,
		Prefix:          "e2e",
		PublicURL:       cfg.AWSPublicURL,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "create S3 client", err)
	}
	return artifacts.Tee{local, artifacts.NewS3Store(client)}, nil
}

func serveMetrics(addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Pkg("main").Error("metrics_server_failed", "error", err)
		}
	}()
	obs.Pkg("main").Info("metrics_listening", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func printSummary(w io.Writer, out *runs.Outcome) {
	if out == nil || out.Report == nil {
		return
	}
	r := out.Report
	for _, res := range r.Results {
		mark := "PASS"
		if !res.Passed() {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "%s  %-32s %8.0fms\n", mark, res.Name, res.DurationMS)
		if !res.Passed() {
			if res.FailedStep >= 0 && res.FailedStep < len(res.Steps) {
				fmt.Fprintf(w, "      step %d: %s\n", res.FailedStep, res.Steps[res.FailedStep].Description)
			}
			fmt.Fprintf(w, "      %s: %s\n", res.ErrorKind, res.Error)
		}
	}
	for _, f := range out.Flakes {
		fmt.Fprintf(w, "FLAKY %s: %d of %d recent runs failed\n", f.Scenario, f.Failures, f.Runs)
	}
	fmt.Fprintf(w, "\n%d passed, %d failed (run %s)\n", r.Passed, r.Failed, r.RunID)
	for _, p := range out.ReportFiles {
		fmt.Fprintf(w, "report: %s\n", p)
	}
}
