// Command ingestd runs the RTMP ingest-and-fan-out node: it accepts one
// publishing client at a time, drives a transcoder child, writes an HLS
// preview served over its own static file server, and republishes the
// transcoded stream to a dynamic set of relay targets.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaycast/ingestd/internal/config"
	"github.com/relaycast/ingestd/internal/control"
	"github.com/relaycast/ingestd/internal/encoder"
	"github.com/relaycast/ingestd/internal/fanout"
	"github.com/relaycast/ingestd/internal/ingest"
	"github.com/relaycast/ingestd/internal/logging"
	"github.com/relaycast/ingestd/internal/notify"
	"github.com/relaycast/ingestd/internal/relay"
	"github.com/relaycast/ingestd/internal/rtmp"
	"github.com/relaycast/ingestd/internal/state"
	"github.com/relaycast/ingestd/internal/store"
)

func main() {
	yamlPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*yamlPath)
	if err != nil {
		panic(fmt.Errorf("ingestd: %w", err))
	}

	log, err := logging.New(cfg.Debug)
	if err != nil {
		panic(fmt.Errorf("ingestd: logger: %w", err))
	}
	defer log.Sync()

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		panic(fmt.Errorf("ingestd: create log dir: %w", err))
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		panic(fmt.Errorf("ingestd: store: %w", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hub := notify.NewHub(log)
	emitter := notify.NewDefault(log, hub, notify.WebhookConfig{
		URL:    cfg.WebhookURL,
		Secret: cfg.WebhookSecret,
	}, notify.RedisConfig{
		Addr:    cfg.RedisAddr,
		Channel: cfg.RedisChannel,
	})

	bus := fanout.New()
	defer bus.Stop()

	cache := &encoder.SequenceHeaderCache{}

	relaySup := relay.New(ctx, cfg.FFmpegPath, cfg.LogDir, bus, cache, emitter, log)

	settingsSource := func(ctx context.Context) state.EncoderSettings {
		s, err := db.GetEncoderSettings(ctx)
		if err != nil {
			log.Warn("ingestd: failed to load encoder settings, using defaults", zap.Error(err))
			return state.DefaultEncoderSettings()
		}
		return s
	}

	encCfg := encoder.Settings{
		FFmpegPath: cfg.FFmpegPath,
		HLSDir:     cfg.HLSDir,
		LogDir:     cfg.LogDir,
	}

	admission := rtmp.NewAdmission(cfg.MaxConnectionsPerIP, cfg.ParseExemptRanges())
	handler := ingest.New(admission, encCfg, settingsSource, cache, bus, emitter, log)

	persisted, havePersisted, err := db.GetPorts(ctx)
	if err != nil {
		log.Warn("ingestd: failed to load persisted ports, resolving fresh", zap.Error(err))
	}

	rtmpPort := cfg.RTMPPort
	if rtmpPort == 0 && havePersisted && persisted.RTMPPort != 0 {
		rtmpPort = persisted.RTMPPort
	}
	rtmpPort = portOrAutodetect(rtmpPort, 1580)

	filePort := cfg.FilePort
	if filePort == 0 && havePersisted && persisted.FilePort != 0 {
		filePort = persisted.FilePort
	}
	filePort = portOrAutodetect(filePort, 8787)

	if err := db.PutPorts(ctx, state.PortInfo{RTMPPort: rtmpPort, FilePort: filePort}); err != nil {
		log.Warn("ingestd: failed to persist resolved ports", zap.Error(err))
	}

	rtmpAddr := fmt.Sprintf("%s:%d", cfg.RTMPBindAddress, rtmpPort)
	listener := rtmp.NewListener(rtmpAddr, admission, handler, log)
	if err := listener.Start(); err != nil {
		panic(fmt.Errorf("ingestd: %w", err))
	}
	defer listener.Close()

	rtmpBoundPort := rtmpPort
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		rtmpBoundPort = tcpAddr.Port
	}

	fileLn, err := net.Listen("tcp", fmt.Sprintf(":%d", filePort))
	fileReady := err == nil
	if err != nil {
		log.Warn("ingestd: failed to bind static file server", zap.Int("file_port", filePort), zap.Error(err))
	} else {
		fileSrv := &http.Server{Handler: http.FileServer(http.Dir(cfg.HLSDir))}
		defer fileSrv.Close()
		go func() {
			if err := fileSrv.Serve(fileLn); err != nil && err != http.ErrServerClosed {
				log.Error("ingestd: static file server stopped", zap.Error(err))
			}
		}()
	}

	readiness := func() state.Readiness {
		return state.Readiness{RTMPReady: true, FileReady: fileReady, RTMPActive: admission.Active()}
	}
	ports := func() state.PortInfo {
		return state.PortInfo{RTMPPort: rtmpBoundPort, FilePort: filePort}
	}

	ctrl := &control.Server{
		Readiness: readiness,
		Ports:     ports,
		Relays:    db,
		Settings:  db,
		Runner:    relaySup,
	}

	httpSrv := &http.Server{Addr: cfg.ControlBindAddress, Handler: httpMux(ctrl.Router(), hub, log)}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ingestd: control api stopped", zap.Error(err))
		}
	}()

	targets, err := db.ListRelayTargets(ctx)
	if err != nil {
		log.Warn("ingestd: failed to load relay targets at startup", zap.Error(err))
	} else {
		relaySup.StartRelays(targets)
	}

	log.Info("ingestd: listening", zap.String("rtmp_addr", rtmpAddr), zap.String("control_addr", cfg.ControlBindAddress))

	go func() {
		if err := listener.Accept(); err != nil {
			log.Info("ingestd: rtmp accept loop stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("ingestd: shutting down")
	_ = httpSrv.Close()
	relaySup.StopRelays()
}

func portOrAutodetect(configured, start int) int {
	if configured != 0 {
		return configured
	}
	for p := start; p < 65535; p++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err == nil {
			ln.Close()
			return p
		}
	}
	panic("ingestd: exhausted port scan range")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func httpMux(api http.Handler, hub *notify.Hub, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/", api)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("ingestd: websocket upgrade failed", zap.Error(err))
			return
		}
		hub.Add(conn)
		go func() {
			defer hub.Remove(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
	return mux
}
