package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/caprpc/ez"
	"github.com/edup2p/caprpc/server/demo"
	"github.com/edup2p/caprpc/types/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"
)

var (
	dev        = flag.Bool("dev", false, "run in localhost development mode (overrides -a and -http)")
	addr       = flag.String("a", ":4000", "raw capnp listen address, in form \":port\", \"ip:port\", or for IPv6 \"[ip]:port\". Empty disables the raw listener.")
	httpAddr   = flag.String("http", ":8080", "HTTP listen address, serving upgrades on /capnp, websockets on /ws and metrics on /metrics. Empty disables it.")
	configPath = flag.String("c", "", "config file path")
	verbose    = flag.Bool("v", false, "log every rpc message")
)

const CapRPCDefaultHTML = `
<html>
	<body>
		<h1>caprpc</h1>
		<p>
		  This server speaks capnp rpc. Upgrade on /capnp, or open a websocket on /ws.
		</p>
    </body>
</html>
`

type Config struct {
	// Bounds a single incoming message, in bytes.
	MaxMessageSize gonull.Nullable[uint64]

	// Bounds a single send, as a duration string such as "30s".
	WriteTimeout gonull.Nullable[string]

	// Use the packed encoding on raw streams and websockets.
	Packed gonull.Nullable[bool]

	// Only peers in these prefixes may connect. Everyone may if empty.
	AllowPrefixes []netip.Prefix

	// Which demo objects to serve, all of them if null.
	Names gonull.Nullable[[]string]
}

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *dev {
		*addr = "127.0.0.1:4000"
		*httpAddr = "127.0.0.1:8080"
		log.Printf("Running in dev mode.")
	}

	{
		programLevel := new(slog.LevelVar) // Info by default
		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
		slog.SetDefault(slog.New(h))
		programLevel.Set(slog.LevelDebug)
		if *verbose {
			programLevel.Set(-8)
		}
	}

	cfg := loadConfig()

	opts, err := cfg.serverOptions()
	if err != nil {
		log.Fatalf("caprpc: config: %v", err)
	}
	opts.Metrics = metrics.New(prometheus.DefaultRegisterer)

	server, err := ez.NewServer(opts)
	if err != nil {
		log.Fatalf("caprpc: %v", err)
	}
	defer server.Close()

	registerDemo(server, cfg)
	slog.Info("caprpc: serving objects", "names", server.Names())

	if *addr != "" {
		l, err := net.Listen("tcp", *addr)
		if err != nil {
			log.Fatalf("caprpc: could not listen: %v", err)
		}

		go func() {
			if err := server.Serve(ctx, l); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("caprpc: raw listener failed", "err", err)
				cancel()
			}
		}()

		slog.Info("caprpc: serving raw capnp", "addr", l.Addr())
	}

	if *httpAddr == "" {
		<-ctx.Done()
		return
	}

	mux := http.NewServeMux()

	mux.Handle("/capnp", server.HTTPHandler())
	mux.Handle("/ws", server.WebsocketHandler())
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")

		w.WriteHeader(200)

		io.WriteString(w, CapRPCDefaultHTML)
	}))

	httpsrv := &http.Server{
		Addr:    *httpAddr,
		Handler: mux,

		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		httpsrv.Shutdown(context.Background())
	}()

	slog.Info("caprpc: serving http", "addr", *httpAddr)
	err = httpsrv.ListenAndServe()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("caprpc: error %s", err)
	}
}

func registerDemo(s *ez.Server, cfg Config) {
	want := func(name string) bool {
		return !cfg.Names.Valid || slices.Contains(cfg.Names.Val, name)
	}

	if want(demo.EchoName) {
		s.Register(demo.EchoName, demo.NewEcho())
	}
	if want(demo.CounterName) {
		s.Register(demo.CounterName, demo.NewCounter())
	}
}

func (cfg Config) serverOptions() (*ez.ServerOptions, error) {
	opts := &ez.ServerOptions{AllowPrefixes: cfg.AllowPrefixes}

	if cfg.MaxMessageSize.Valid {
		opts.Stream.MaxMessageSize = cfg.MaxMessageSize.Val
	}

	if cfg.WriteTimeout.Valid {
		d, err := time.ParseDuration(cfg.WriteTimeout.Val)
		if err != nil {
			return nil, err
		}
		opts.Stream.WriteTimeout = d
	}

	if cfg.Packed.Valid {
		opts.Stream.Packed = cfg.Packed.Val
	}

	return opts, nil
}

func loadConfig() Config {
	if *dev || *configPath == "" {
		return Config{}
	}

	b, err := os.ReadFile(*configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return writeNewConfig()
	case err != nil:
		log.Fatal(err)
		panic("unreachable")
	default:
		var cfg Config
		if err := json.Unmarshal(b, &cfg); err != nil {
			log.Fatalf("caprpc: config: %v", err)
		}
		return cfg
	}
}

func writeNewConfig() Config {
	if err := os.MkdirAll(filepath.Dir(*configPath), 0777); err != nil {
		log.Fatal(err)
	}
	cfg := Config{
		WriteTimeout: gonull.NewNullable("30s"),
		Packed:       gonull.NewNullable(false),
	}
	b, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(*configPath, b, 0600); err != nil {
		log.Fatal(err)
	}
	log.Printf("caprpc: wrote default config to %s", *configPath)
	return cfg
}
