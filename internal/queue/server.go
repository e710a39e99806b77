package queue

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultServerPort is the default TCP port for the embedded NATS server.
	DefaultServerPort = 4222

	// defaultMaxMem is the JetStream memory limit (256 MiB).
	defaultMaxMem = 256 << 20

	// defaultMaxStore is the JetStream file storage limit (1 GiB).
	defaultMaxStore = 1 << 30
)

// Server wraps an embedded NATS server with JetStream enabled, plus an
// in-process connection for the worker's own consumers.
type Server struct {
	server *server.Server
	conn   *nats.Conn
	port   int
}

// ServerConfig holds configuration for the embedded NATS server.
type ServerConfig struct {
	Host     string // bind address (default: 127.0.0.1)
	Port     int    // TCP port; -1 picks a random free port
	StoreDir string // JetStream file storage directory
	Token    string // auth token for client connections
}

// ServerConfigFromEnv builds ServerConfig from environment variables and
// defaults, storing JetStream data under runtimeDir.
func ServerConfigFromEnv(runtimeDir string) ServerConfig {
	cfg := ServerConfig{
		Host:     "127.0.0.1",
		Port:     DefaultServerPort,
		StoreDir: filepath.Join(runtimeDir, "nats"),
		Token:    os.Getenv("JOT_NATS_TOKEN"),
	}

	if host := os.Getenv("JOT_NATS_HOST"); host != "" {
		cfg.Host = host
	}

	if portStr := os.Getenv("JOT_NATS_PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil && p > 0 {
			cfg.Port = p
		}
	}

	if dir := os.Getenv("JOT_NATS_STORE_DIR"); dir != "" {
		cfg.StoreDir = dir
	}

	return cfg
}

// StartServer creates and starts an embedded NATS server with JetStream.
// The server listens on the configured port for watcher and CLI clients
// and provides an in-process connection for the worker's own consumers.
func StartServer(cfg ServerConfig) (*Server, error) {
	if err := os.MkdirAll(cfg.StoreDir, 0700); err != nil {
		return nil, fmt.Errorf("create NATS store dir: %w", err)
	}

	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}

	opts := &server.Options{
		ServerName:         "jot-worker",
		Host:               host,
		Port:               cfg.Port,
		JetStream:          true,
		JetStreamMaxMemory: defaultMaxMem,
		JetStreamMaxStore:  defaultMaxStore,
		StoreDir:           cfg.StoreDir,
		NoLog:              true,
		NoSigs:             true,
	}

	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server failed to become ready within 10 seconds")
	}

	connectOpts := []nats.Option{
		nats.Name("jot-worker-internal"),
	}
	if cfg.Token != "" {
		connectOpts = append(connectOpts, nats.Token(cfg.Token))
	}

	// ClientURL reports the bound address, which matters when cfg.Port
	// was -1 and the server picked a random free port.
	nc, err := nats.Connect(ns.ClientURL(), connectOpts...)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("in-process NATS connection: %w", err)
	}

	return &Server{
		server: ns,
		conn:   nc,
		port:   boundPort(ns, cfg.Port),
	}, nil
}

// boundPort resolves the actual listen port after startup.
func boundPort(ns *server.Server, configured int) int {
	if addr := ns.Addr(); addr != nil {
		if tcp, ok := addr.(*net.TCPAddr); ok {
			return tcp.Port
		}
	}
	return configured
}

// Conn returns the in-process NATS connection for the worker's own use.
func (s *Server) Conn() *nats.Conn {
	return s.conn
}

// Port returns the TCP port the NATS server is listening on.
func (s *Server) Port() int {
	return s.port
}

// ClientURL returns the URL external clients should connect to.
func (s *Server) ClientURL() string {
	return s.server.ClientURL()
}

// Shutdown gracefully stops the NATS server. Drains the in-process
// connection first, then shuts down the server and waits for completion.
func (s *Server) Shutdown() {
	if s.conn != nil {
		s.conn.Drain()
		s.conn.Close()
	}
	if s.server != nil {
		s.server.Shutdown()
		s.server.WaitForShutdown()
	}
}

// Health returns a ServerHealth snapshot of the server's current state.
func (s *Server) Health() ServerHealth {
	h := ServerHealth{
		Port: s.port,
	}

	if s.server == nil {
		h.Status = "stopped"
		return h
	}

	varz, err := s.server.Varz(nil)
	if err != nil {
		h.Status = "error"
		h.Error = err.Error()
		return h
	}

	h.Status = "running"
	h.Connections = int(varz.Connections)
	h.InMsgs = varz.InMsgs
	h.OutMsgs = varz.OutMsgs
	h.Uptime = varz.Now.Sub(varz.Start).String()

	jsz, err := s.server.Jsz(nil)
	if err == nil && jsz != nil {
		h.JetStream = true
		h.Streams = int(jsz.Streams)
		h.Consumers = int(jsz.Consumers)
		h.Messages = jsz.Messages
	}

	return h
}

// ServerHealth represents a point-in-time health snapshot of the NATS server.
type ServerHealth struct {
	Status      string `json:"status"` // "running", "stopped", "error"
	Port        int    `json:"port"`
	Connections int    `json:"connections"`
	InMsgs      int64  `json:"in_msgs"`
	OutMsgs     int64  `json:"out_msgs"`
	Uptime      string `json:"uptime,omitempty"`
	JetStream   bool   `json:"jetstream"`
	Streams     int    `json:"streams,omitempty"`
	Consumers   int    `json:"consumers,omitempty"`
	Messages    uint64 `json:"messages,omitempty"`
	Error       string `json:"error,omitempty"`
}
