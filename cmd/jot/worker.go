package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jotworks/jot/internal/debug"
	"github.com/jotworks/jot/internal/notify"
	"github.com/jotworks/jot/internal/queue"
	"github.com/jotworks/jot/internal/worker"
)

const workerLockFileName = ".worker.lock"

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background processing worker",
	Long: `Run the pipeline worker: an embedded NATS/JetStream queue (or a
connection to an external one), consumers for extraction, organization,
and reprocessing, notification sinks, and a local status endpoint with a
websocket event feed.

Only one worker runs per workspace; a lock file enforces that.`,
	Run: func(cmd *cobra.Command, args []string) {
		runWorker()
	},
}

func runWorker() {
	// Single worker per workspace. A second invocation exits instead of
	// fighting over consumers and the embedded queue's store dir.
	lock := flock.New(filepath.Join(jotDir, workerLockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		fail(err)
	}
	if !locked {
		fatal(exitConflict, "another worker is already running for this workspace")
	}
	defer lock.Unlock()

	client, err := newOracle()
	if err != nil {
		fail(err)
	}

	// Embedded queue by default; external NATS when queue.url is set or
	// embedding is disabled.
	var nc *nats.Conn
	if settings.Queue.URL == "" && settings.Queue.Embedded {
		srv, err := queue.StartServer(queue.ServerConfigFromEnv(jotDir))
		if err != nil {
			fail(err)
		}
		defer srv.Shutdown()
		nc = srv.Conn()
		debug.PrintNormal("queue listening at %s\n", srv.ClientURL())
	} else {
		conn, err := nats.Connect(queueURL(), nats.Name("jot-worker"))
		if err != nil {
			fatal(exitUnavailable, "queue at %s unreachable: %v", queueURL(), err)
		}
		defer conn.Close()
		nc = conn
	}

	jobs, err := queue.NewJetStream(nc)
	if err != nil {
		fail(err)
	}
	defer jobs.Close()

	hub := notify.NewHub()
	notifier := buildNotifier(nc, hub)

	cfg := pipelineConfig()
	count := settings.Worker.Count
	if count < 1 {
		count = 1
	}
	// Each worker registers its own durable queue-group consumers, so N
	// workers process N jobs of a kind concurrently.
	for i := 0; i < count; i++ {
		w := worker.New(store, client, jobs, notifier, cfg)
		if err := w.Start(rootCtx); err != nil {
			fail(err)
		}
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		return serveStatus(gctx, hub)
	})
	g.Go(func() error {
		<-gctx.Done()
		hub.CloseAll()
		return nil
	})

	debug.PrintNormal("worker running (%d consumers per kind); Ctrl-C to stop\n", count)
	if err := g.Wait(); err != nil && gctx.Err() == nil {
		fail(err)
	}
}

// buildNotifier wires every configured sink. Sink failures never block the
// pipeline; publishing is best-effort.
func buildNotifier(nc *nats.Conn, hub *notify.Hub) *notify.Notifier {
	n := notify.New()
	n.Register(hub)
	for _, url := range settings.Notify.WebhookURLs {
		n.Register(notify.NewWebhookSink(url))
	}
	if settings.Notify.RedisURL != "" {
		sink, err := notify.NewRedisSink(settings.Notify.RedisURL, settings.Notify.RedisChannel)
		if err != nil {
			fatal(exitValidation, "notify.redis_url: %v", err)
		}
		n.Register(sink)
	}
	if nc != nil {
		sink, err := notify.NewNATSSink(nc)
		if err != nil {
			fail(err)
		}
		n.Register(sink)
	}
	return n
}

// serveStatus runs the local HTTP endpoint: /healthz for liveness checks
// and /events for websocket event subscribers.
func serveStatus(ctx context.Context, hub *notify.Hub) error {
	mux := http.NewServeMux()
	mux.Handle("/events", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"clients": hub.ClientCount(),
		})
	})

	srv := &http.Server{
		Addr:              settings.Worker.StatusAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	debug.PrintNormal("status endpoint at http://%s\n", settings.Worker.StatusAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
