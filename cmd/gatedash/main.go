package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/stepherg/gatedash/internal/api"
	"github.com/stepherg/gatedash/internal/config"
	"github.com/stepherg/gatedash/internal/dashboard"
	"github.com/stepherg/gatedash/internal/logging"
	"github.com/stepherg/gatedash/internal/metrics"
	"github.com/stepherg/gatedash/internal/rpc"
	"github.com/stepherg/gatedash/internal/transport"
	"github.com/stepherg/gatedash/internal/webhook"
	"github.com/stepherg/gatedash/internal/ws"
)

// Version is set at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	listen := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatedash: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatedash: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	tr := transport.NewMQTT(cfg.Broker, nil, log.Named("mqtt"))
	session := dashboard.New(cfg, tr, dashboard.WithLogger(log.Named("session")), dashboard.WithMetrics(m))

	log.Info("starting dashboard",
		zap.String("version", Version),
		zap.String("broker", cfg.Broker.URL),
		zap.String("client_id", tr.ClientID()),
		zap.String("device", session.Device()),
	)
	startCtx, cancelStart := context.WithTimeout(ctx, cfg.Broker.ConnectTimeout+5*time.Second)
	if err := session.Start(startCtx); err != nil {
		// The transport keeps retrying; the dashboard serves the error state meanwhile.
		log.Warn("initial broker connection failed", zap.Error(err))
	}
	cancelStart()
	defer session.Stop()

	deps := api.Dependencies{
		Session: session,
		WebSocket: &ws.Handler{
			Upgrader:    websocket.Upgrader{CheckOrigin: checkOrigin(cfg.AllowedOrigin)},
			Dispatcher:  &rpc.DashboardDispatcher{Session: session},
			SendBufSize: 64,
			Bus:         session.Bus(),
			GatewayAck:  cfg.GatewayAck,
			Logger:      log.Named("ws"),
		},
		Gatherer:      reg,
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        log.Named("http"),
		Version:       Version,
	}

	if cfg.Webhook.Enable {
		deps.Webhook = webhook.Handler(session.Dispatcher(), cfg.Topics.Namespace, log.Named("webhook"))
		go func() {
			wl := log.Named("webhook")
			if err := cfg.Webhook.Register(ctx, wl); err != nil && !errors.Is(err, context.Canceled) {
				wl.Error("webhook registration failed", zap.Error(err))
			}
		}()
	}

	e := api.NewServer(deps)
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Listen))
		errCh <- api.Serve(e, cfg.Listen, cfg.ReadTimeout, cfg.WriteTimeout, cfg.IdleTimeout)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// checkOrigin accepts any origin for an empty or "*" setting, otherwise only
// the configured ones.
func checkOrigin(allowed string) func(*http.Request) bool {
	var list []string
	for _, o := range strings.Split(allowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			list = append(list, o)
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(list) == 0 {
			return true
		}
		for _, o := range list {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
