package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tendant/simple-jobwatch/internal/api"
	"github.com/tendant/simple-jobwatch/internal/bus"
	"github.com/tendant/simple-jobwatch/internal/metrics"
	"github.com/tendant/simple-jobwatch/internal/notify"
	"github.com/tendant/simple-jobwatch/internal/store"
	"github.com/tendant/simple-jobwatch/internal/tracker"
)

// app holds everything a command needs for one run.
type app struct {
	cfg     config
	logger  *slog.Logger
	out     io.Writer
	client  *api.Client
	bus     *bus.Client
	banner  *notify.Banner
	prom    *prometheus.Registry
	ctrl    *tracker.Controller
	closers []func()
}

func newApp(ctx context.Context, cfg config, logger *slog.Logger, out io.Writer) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		out:    out,
		banner: notify.NewBanner(),
		prom:   prometheus.NewRegistry(),
	}

	a.client = api.NewClient(cfg.APIURL,
		api.WithSessionCookie(cfg.SessionCookie),
		api.WithLogger(logger.With("component", "api")),
	)

	kv, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	sinks := notify.Multi{a.banner, notify.LogSink{Logger: logger}}
	if cfg.NATSURL != "" {
		nc, err := bus.Connect(cfg.NATSURL, "jobwatch", logger.With("component", "bus"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to NATS %s: %w", cfg.NATSURL, err)
		}
		a.bus = nc
		a.closers = append(a.closers, nc.Close)
		sinks = append(sinks, notify.NewBusSink(nc, cfg.EventSubject, logger.With("component", "bus")))
		logger.Debug("connected to NATS", "nats_url", cfg.NATSURL, "subject", cfg.EventSubject)
	}

	a.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.prom)

	a.ctrl = tracker.New(a.client, kv, sinks, tracker.Config{
		Poller:    cfg.Poller,
		Heartbeat: cfg.Heartbeat,
		Retention: cfg.Retention,
	}, logger, tracker.WithMetrics(m))
	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.StoreBackend {
	case "memory":
		return store.NewMemory(), nil
	case "redis":
		r, err := store.ConnectRedis(ctx, a.cfg.RedisAddr, a.cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("connect to redis %s: %w", a.cfg.RedisAddr, err)
		}
		a.closers = append(a.closers, func() { _ = r.Close() })
		return r, nil
	default:
		return store.NewFile(a.cfg.StoreDir), nil
	}
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
