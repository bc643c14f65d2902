package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"mucd/internal/cluster"
	"mucd/internal/muc"
	"mucd/internal/ws"
	"mucd/internal/xmpp"
	"mucd/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	apiAddr := flag.String("api-addr", ":8080", "REST API listen address")
	dbPath := flag.String("db", "mucd.db", "SQLite database path")
	natsURL := flag.String("nats-url", "", "NATS URL for cluster replication (empty = standalone)")
	nodeID := flag.String("node-id", "node-1", "Cluster node identity")
	domain := flag.String("domain", "localhost", "Parent server domain")
	subdomain := flag.String("subdomain", "conference", "Groupchat service subdomain")
	sysadmins := flag.String("sysadmins", "", "Comma-separated bare JIDs with implicit room ownership")
	historySize := flag.Int("history", 0, "Messages retained per room for replay (0 = default)")
	useTLS := flag.Bool("tls", false, "Serve the API and websocket listener over HTTPS")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file (empty = self-signed)")
	tlsKey := flag.String("tls-key", "", "TLS key file")
	transcriptDir := flag.String("transcripts", "", "Directory for plain-text room transcripts (empty = disabled)")
	testbotRoom := flag.String("testbot", "", "Run a traffic bot in the named room")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	if RunCLI(flag.Args(), *dbPath) {
		return
	}

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting mucd", "version", Version, "node", *nodeID, "domain", *subdomain+"."+*domain, "db", *dbPath)

	st, err := store.New(*dbPath)
	if err != nil {
		slog.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	var node *cluster.Node
	var bus muc.EventBus
	if *natsURL != "" {
		node, err = cluster.Dial(*natsURL, *nodeID, clusterCallTimeout)
		if err != nil {
			slog.Error("join cluster", "err", err)
			os.Exit(1)
		}
		defer node.Drain()
		bus = node
		slog.Info("cluster joined", "nats", *natsURL, "node", *nodeID)
	}

	if *transcriptDir != "" {
		tr, trErr := NewTranscriber(*transcriptDir, bus)
		if trErr != nil {
			slog.Error("open transcripts", "err", trErr)
			os.Exit(1)
		}
		defer tr.Close()
		bus = tr
		slog.Info("transcripts enabled", "dir", *transcriptDir)
	}

	svc := muc.NewService(muc.ServiceConfig{
		Subdomain:     *subdomain,
		Domain:        *domain,
		NodeID:        *nodeID,
		Sysadmins:     splitJIDs(*sysadmins),
		HistorySize:   *historySize,
		RemoteTimeout: clusterCallTimeout,
	}, bus, st)

	if node != nil {
		svc.SetSyncCaller(node)
		if err := node.Start(svc); err != nil {
			slog.Error("start cluster listener", "err", err)
			os.Exit(1)
		}
	}

	// Bring persisted rooms back to life so they are addressable before
	// their first join.
	names, err := st.RoomNames()
	if err != nil {
		slog.Error("list persisted rooms", "err", err)
		os.Exit(1)
	}
	for _, name := range names {
		if _, err := svc.CreateRoom(name, xmpp.JID{}); err != nil {
			slog.Error("restore room", "room", name, "err", err)
		}
	}
	if len(names) > 0 {
		slog.Info("rooms restored", "count", len(names))
	}

	api := NewAPIServer(svc, st)
	ws.NewHandler(svc).Register(api.echo)

	var tlsConf *tls.Config
	if *useTLS {
		var fingerprint string
		if *tlsCert != "" {
			tlsConf, fingerprint, err = loadTLSConfig(*tlsCert, *tlsKey)
		} else {
			tlsConf, fingerprint, err = generateTLSConfig(tlsCertValidity, *domain)
		}
		if err != nil {
			slog.Error("configure tls", "err", err)
			os.Exit(1)
		}
		slog.Info("tls enabled", "fingerprint", fingerprint)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	go RunMetrics(ctx, svc, metricsInterval)
	if *testbotRoom != "" {
		go RunTestBot(ctx, svc, *testbotRoom, "LoadBot", *domain, testbotInterval)
	}

	slog.Info("listening", "api", *apiAddr)
	api.Run(ctx, *apiAddr, tlsConf)
	slog.Info("mucd stopped")
}

func splitJIDs(csv string) []string {
	var out []string
	for _, s := range strings.Split(csv, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
