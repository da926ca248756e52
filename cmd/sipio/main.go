// Command sipio runs the SIP proxy/registrar: it terminates REGISTER,
// authenticates and routes everything else according to the configured
// domains, peers, agents, gateways and DIDs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maniacs-oss/sipio/pkg/config"
	"github.com/maniacs-oss/sipio/pkg/data"
	"github.com/maniacs-oss/sipio/pkg/location"
	"github.com/maniacs-oss/sipio/pkg/metrics"
	"github.com/maniacs-oss/sipio/pkg/processor"
	"github.com/maniacs-oss/sipio/pkg/registrar"
	"github.com/maniacs-oss/sipio/pkg/transport"
)

var (
	bindAddr     = flag.String("bind", config.DefaultBindAddr, "address to listen on for SIP traffic")
	transportArg = flag.String("transport", "udp", "SIP transport: udp or tcp")
	externalHost = flag.String("external-host", "", "address advertised to peers behind NAT")
	realm        = flag.String("realm", config.DefaultRealm, "Digest authentication realm")
	recordRoute  = flag.Bool("record-route", false, "stay in the signaling path of established dialogs")
	addressInfo  = flag.String("address-info", "", "comma-separated headers that carry the callee tel URI")
	bootstrap    = flag.String("bootstrap", "config.json", "path to the resource bootstrap file")
	redisAddr    = flag.String("redis", "", "Redis address for the location service; in-memory when empty")
	metricsAddr  = flag.String("metrics", "", "address for the Prometheus /metrics endpoint; disabled when empty")
	logLevel     = flag.String("log-level", "info", "log level: debug, info, warn or error")
)

func main() {
	flag.Parse()

	setupLogging(*logLevel)

	if err := run(); err != nil {
		slog.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host, port, err := splitBind(*bindAddr)
	if err != nil {
		return fmt.Errorf("invalid bind address %q: %w", *bindAddr, err)
	}

	cfg := config.Config{
		BindAddr:     *bindAddr,
		Transport:    strings.ToLower(*transportArg),
		ExternalHost: *externalHost,
		Realm:        *realm,
		RecordRoute:  *recordRoute,
	}.WithDefaults()
	if *addressInfo != "" {
		cfg.AddressInfo = strings.Split(*addressInfo, ",")
	}

	store := data.NewMemory()
	if err := loadBootstrap(store, *bootstrap); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	apis := store.APIs()

	locStore, err := newLocationStore(ctx, *redisAddr)
	if err != nil {
		return fmt.Errorf("location store: %w", err)
	}
	defer locStore.Close()
	resolver := location.NewResolver(locStore, apis.DIDs, apis.Gateways)

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return fmt.Errorf("user agent: %w", err)
	}
	defer ua.Close()

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}

	var collector *metrics.Collector
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		collector = metrics.New(reg)
		go serveMetrics(*metricsAddr, reg)
	}

	proc := processor.New(cfg, processor.Deps{
		Provider:  transport.NewSipgoProvider(server, client, host, port),
		Location:  resolver,
		Registrar: registrar.New(locStore, apis.Peers, apis.Agents, slog.Default()),
		Data:      apis,
		Metrics:   collector,
	})
	defer proc.Close()

	handle := func(req *sip.Request, tx sip.ServerTransaction) {
		proc.HandleRequest(req, tx)
	}
	server.OnRegister(handle)
	server.OnInvite(handle)
	server.OnBye(handle)
	server.OnCancel(handle)
	server.OnOptions(handle)
	server.OnInfo(handle)
	server.OnRefer(handle)
	server.OnNotify(handle)
	server.OnSubscribe(handle)
	server.OnMessage(handle)
	server.OnNoRoute(handle)
	server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		proc.HandleRequest(req, nil)
	})

	slog.Info("sipio started",
		slog.String("bind", cfg.BindAddr),
		slog.String("transport", cfg.Transport),
		slog.String("realm", cfg.Realm),
		slog.Bool("recordRoute", cfg.RecordRoute))

	err = server.ListenAndServe(ctx, cfg.Transport, cfg.BindAddr)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	slog.Info("sipio stopped")
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(
		slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}),
	))
}

func loadBootstrap(store *data.Memory, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return store.LoadBootstrap(f)
}

func newLocationStore(ctx context.Context, redisAddr string) (location.Store, error) {
	if redisAddr == "" {
		return location.NewMemoryStore(), nil
	}
	slog.Info("using Redis location store", slog.String("addr", redisAddr))
	return location.NewRedisStore(ctx, redisAddr)
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	slog.Info("metrics endpoint up", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics endpoint failed", slog.Any("error", err))
	}
}

func splitBind(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = localAddress()
	}
	return host, port, nil
}

// localAddress picks the outbound interface address for Via and
// Record-Route when binding to a wildcard address.
func localAddress() string {
	conn, err := net.Dial("udp", "8.8.8.8:53")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
