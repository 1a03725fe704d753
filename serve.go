package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailgw/mailgw/config"
	"github.com/mailgw/mailgw/mlog"
	"github.com/mailgw/mailgw/webapi"
)

func cmdServe(c *cmd) {
	c.help = `Start the submission gateway.

Serves the JSON submission API on the configured Listen address. If
AdminListen is configured, prometheus metrics are served there on /metrics.
Incoming messages are composed, optionally DKIM-signed and delivered to the
SMTP server named in each request.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	cfg, err := config.Load(configPath)
	xcheckf(err, "loading config")

	levels, err := cfg.LogLevels()
	xcheckf(err, "checking log levels")
	if loglevel != "" {
		// Command-line level overrides the config file.
		levels[""] = mlog.Levels[loglevel]
	}
	mlog.SetConfig(levels)
	log := mlog.New("serve", nil)

	var dkim *webapi.DKIMOpts
	if cfg.DKIM != nil {
		key, err := os.ReadFile(cfg.DKIM.KeyFile)
		xcheckf(err, "reading dkim key")
		dkim = &webapi.DKIMOpts{Domain: cfg.DKIM.Domain, Selector: cfg.DKIM.Selector, Key: key}
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           webapi.NewServer(nil, cfg.HeloName, dkim, nil),
		ReadHeaderTimeout: 30 * time.Second,
	}

	if cfg.AdminListen != "" {
		adminMux := http.NewServeMux()
		adminMux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info("admin listener starting", slog.String("addr", cfg.AdminListen))
			err := http.ListenAndServe(cfg.AdminListen, adminMux)
			log.Fatalx("admin listener", err)
		}()
	}

	go func() {
		log.Info("submission api starting",
			slog.String("addr", cfg.Listen),
			slog.String("version", version()))
		err := srv.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalx("submission api listener", err)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigc
	log.Info("shutting down", slog.Any("signal", sig))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorx("shutdown", err)
	}
}
