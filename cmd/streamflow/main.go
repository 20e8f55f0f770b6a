// Command streamflow: stream quality scheduler for an IPTV orchestrator.
//
//	run     Start the scheduler daemon: worker pool, daily sweep, dirty queue, HTTP API. For systemd.
//	check   Ask a running daemon to force-check one channel
//	sweep   Ask a running daemon to run the global sweep now
//	status  Print a running daemon's scheduler status
//	probe   One-off probe of a stream URL; prints the measured stats
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sbeimel/streamflow-sub002/internal/changelog"
	"github.com/sbeimel/streamflow-sub002/internal/config"
	"github.com/sbeimel/streamflow-sub002/internal/deadstreams"
	"github.com/sbeimel/streamflow-sub002/internal/limiter"
	"github.com/sbeimel/streamflow-sub002/internal/logx"
	"github.com/sbeimel/streamflow-sub002/internal/matcher"
	"github.com/sbeimel/streamflow-sub002/internal/pipeline"
	"github.com/sbeimel/streamflow-sub002/internal/probe"
	"github.com/sbeimel/streamflow-sub002/internal/queue"
	"github.com/sbeimel/streamflow-sub002/internal/scheduler"
	"github.com/sbeimel/streamflow-sub002/internal/tracker"
	"github.com/sbeimel/streamflow-sub002/internal/upstream"
)

func main() {
	_ = config.LoadEnvFile(".env")

	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	runConfig := runCmd.String("config", "", "JSON config path (default: STREAMFLOW_CONFIG or built-ins)")
	runAddr := runCmd.String("addr", "", "HTTP listen address for /metrics and the API (default: config metrics_addr)")
	runLogLevel := runCmd.String("log-level", "info", "zerolog level: trace|debug|info|warn|error")
	runConsole := runCmd.Bool("console", false, "Human-readable console log output instead of JSON")

	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	checkAddr := checkCmd.String("addr", "http://localhost:9155", "Base URL of the running daemon")

	sweepCmd := flag.NewFlagSet("sweep", flag.ExitOnError)
	sweepAddr := sweepCmd.String("addr", "http://localhost:9155", "Base URL of the running daemon")

	statusCmd := flag.NewFlagSet("status", flag.ExitOnError)
	statusAddr := statusCmd.String("addr", "http://localhost:9155", "Base URL of the running daemon")

	probeCmd := flag.NewFlagSet("probe", flag.ExitOnError)
	probeURL := probeCmd.String("url", "", "Stream URL to probe")
	probeInspector := probeCmd.String("inspector", "ffmpeg", "Media inspector binary")
	probeDuration := probeCmd.Duration("duration", 10*time.Second, "Analysis window")
	probeTimeout := probeCmd.Duration("timeout", 10*time.Second, "I/O timeout allowance")
	probeUA := probeCmd.String("user-agent", "", "User-Agent for the inspector (default: VLC)")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <run|check|sweep|status|probe> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  run     Start the scheduler daemon (for systemd)\n")
		fmt.Fprintf(os.Stderr, "  check   Force-check one channel: check [-addr ...] <channel-id>\n")
		fmt.Fprintf(os.Stderr, "  sweep   Trigger the global sweep now\n")
		fmt.Fprintf(os.Stderr, "  status  Print scheduler status\n")
		fmt.Fprintf(os.Stderr, "  probe   One-off probe: probe -url http://host/stream.ts\n")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		_ = runCmd.Parse(os.Args[2:])
		if err := runDaemon(*runConfig, *runAddr, *runLogLevel, *runConsole); err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			os.Exit(1)
		}

	case "check":
		_ = checkCmd.Parse(os.Args[2:])
		if checkCmd.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "check: need a channel ID")
			os.Exit(1)
		}
		id, err := strconv.Atoi(checkCmd.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "check: bad channel ID %q\n", checkCmd.Arg(0))
			os.Exit(1)
		}
		if err := apiPost(*checkAddr, fmt.Sprintf("/api/check?channel=%d", id)); err != nil {
			fmt.Fprintf(os.Stderr, "check: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("channel %d queued for force-check\n", id)

	case "sweep":
		_ = sweepCmd.Parse(os.Args[2:])
		if err := apiPost(*sweepAddr, "/api/sweep"); err != nil {
			fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("global sweep started")

	case "status":
		_ = statusCmd.Parse(os.Args[2:])
		body, err := apiGet(*statusAddr, "/api/status")
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(body))

	case "probe":
		_ = probeCmd.Parse(os.Args[2:])
		if *probeURL == "" {
			fmt.Fprintln(os.Stderr, "probe: set -url")
			os.Exit(1)
		}
		logx.Configure(logx.Config{Level: "warn", Console: true})
		exec := probe.NewExecutor(*probeInspector)
		stats := exec.Probe(context.Background(), probe.Params{
			URL:       *probeURL,
			Duration:  *probeDuration,
			Timeout:   *probeTimeout,
			UserAgent: *probeUA,
			Retries:   1,
		})
		out, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(out))
		if stats.Status != upstream.StatusOK {
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}

func runDaemon(configPath, addrOverride, logLevel string, console bool) error {
	if configPath == "" {
		configPath = os.Getenv("STREAMFLOW_CONFIG")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logx.Configure(logx.Config{Level: logLevel, Console: console})
	log := logx.WithComponent("main")
	store := config.NewStore(cfg)

	for _, p := range []string{cfg.TrackerPath, cfg.DeadStreamsPath, cfg.ChangelogPath} {
		if p != "" {
			if err := os.MkdirAll(dirOf(p), 0o755); err != nil {
				return fmt.Errorf("state dir for %s: %w", p, err)
			}
		}
	}

	client := upstream.New(upstream.Options{
		BaseURL:           cfg.Upstream.BaseURL,
		Username:          cfg.Upstream.Username,
		Password:          cfg.Upstream.Password,
		Timeout:           cfg.UpstreamTimeout(),
		RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
	})

	cat := pipeline.NewCatalog(client)
	reg := deadstreams.Load(cfg.DeadStreamsPath)
	track := tracker.Load(cfg.TrackerPath)
	lim := limiter.New(cfg.ConcurrentStreams.GlobalLimit, cfg.StaggerDelay())
	exec := probe.NewExecutor(cfg.InspectorPath, probe.WithStartupBuffer(cfg.StartupBuffer()))
	q := queue.New(cfg.Queue.MaxSize, 0)

	var changes *changelog.Log
	if cfg.ChangelogPath != "" {
		changes, err = changelog.Open(cfg.ChangelogPath)
		if err != nil {
			log.Warn().Err(err).Msg("changelog unavailable; continuing without it")
		} else {
			defer changes.Close()
		}
	}

	m := matcher.New(cfg.CaseSensitiveMatching)
	candidates := func(channelName string, streams []upstream.Stream) ([]upstream.Stream, error) {
		return m.Candidates(channelName, nil, streams, nil)
	}

	pipe := pipeline.New(cat, client, reg, track, exec, lim, candidates, changes, store)
	sched := scheduler.New(store, q, pipe, cat, track, reg, lim, client)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cat.Refresh(ctx); err != nil {
		// The daemon still comes up; the sweep and force-checks retry the
		// refresh against the live upstream.
		log.Warn().Err(err).Msg("initial catalog refresh failed")
	} else {
		lim.Reconfigure(cat.AccountLimits())
		log.Info().Int("channels", len(cat.Channels())).Int("streams", len(cat.Streams())).Msg("catalog loaded")
	}

	addr := addrOverride
	if addr == "" {
		addr = store.Get().MetricsAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           apiHandler(sched, changes, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	sched.Start(ctx)
	<-ctx.Done()
	log.Info().Msg("shutting down")

	sched.Stop()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
	return nil
}

// apiHandler serves metrics, health and the trigger API.
func apiHandler(sched *scheduler.Scheduler, changes *changelog.Log, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, sched.Status())
	})
	mux.HandleFunc("/api/check", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		id, err := strconv.Atoi(r.URL.Query().Get("channel"))
		if err != nil {
			http.Error(w, "bad channel", http.StatusBadRequest)
			return
		}
		if err := sched.CheckSingleChannel(id); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"channel": id, "queued": true})
	})
	mux.HandleFunc("/api/sweep", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		// The sweep can refresh every playlist; run it off the request.
		go func() {
			if err := sched.CheckAllChannels(context.Background()); err != nil {
				log.Warn().Err(err).Msg("triggered sweep failed")
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"sweep": "started"})
	})
	mux.HandleFunc("/api/changelog", func(w http.ResponseWriter, r *http.Request) {
		if changes == nil {
			http.Error(w, "changelog disabled", http.StatusNotFound)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err := changes.Recent(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func apiGet(base, path string) ([]byte, error) {
	resp, err := http.Get(strings.TrimSuffix(base, "/") + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func apiPost(base, path string) error {
	resp, err := http.Post(strings.TrimSuffix(base, "/")+path, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return "."
}
