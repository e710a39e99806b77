package main

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jotworks/jot/internal/audit"
	"github.com/jotworks/jot/internal/oracle"
	"github.com/jotworks/jot/internal/pipeline"
	"github.com/jotworks/jot/internal/queue"
)

// pipelineConfig builds the pipeline config from settings.
func pipelineConfig() pipeline.Config {
	cfg := pipeline.Config{
		ConfidenceThreshold: settings.Pipeline.ConfidenceThreshold,
		RecentSampleLimit:   settings.Pipeline.RecentSampleLimit,
	}
	if err := cfg.Validate(); err != nil {
		fatal(exitValidation, "%v", err)
	}
	return cfg
}

// newOracle constructs the Anthropic client with workspace prompt overrides
// and the audit log wired in.
func newOracle() (oracle.Client, error) {
	prompts, err := oracle.LoadPrompts(jotDir)
	if err != nil {
		return nil, err
	}
	return oracle.New(oracle.Options{
		APIKey:     settings.Oracle.APIKey,
		Model:      settings.Oracle.Model,
		Prompts:    prompts,
		Audit:      audit.New(jotDir),
		MaxElapsed: settings.Oracle.MaxElapsed,
	})
}

// queueURL resolves the NATS address clients should dial: explicit
// queue.url setting first, then the embedded server's host/port env.
func queueURL() string {
	if settings.Queue.URL != "" {
		return settings.Queue.URL
	}
	cfg := queue.ServerConfigFromEnv(jotDir)
	return fmt.Sprintf("nats://%s:%d", cfg.Host, cfg.Port)
}

// connectQueue dials the worker's NATS server. The caller owns the
// returned connection. Exits unavailable when no server is reachable.
func connectQueue() (*nats.Conn, *queue.JetStream) {
	url := queueURL()
	opts := []nats.Option{
		nats.Name("jot-cli"),
		nats.Timeout(2 * time.Second),
		nats.MaxReconnects(0),
	}
	if token := queue.ServerConfigFromEnv(jotDir).Token; token != "" {
		opts = append(opts, nats.Token(token))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		fatal(exitUnavailable, "queue at %s unreachable: %v (is 'jot worker' running, or use --sync?)", url, err)
	}
	jobs, err := queue.NewJetStream(nc)
	if err != nil {
		nc.Close()
		fatal(exitUnavailable, "queue at %s: %v", url, err)
	}
	return nc, jobs
}
