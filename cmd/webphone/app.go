package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/webphone/pkg/media"
	"github.com/arzzra/webphone/pkg/phone"
	"github.com/arzzra/webphone/pkg/signaling/wsua"
)

// silenceFrame длительность кадра тишины Opus
const silenceFrame = 20 * time.Millisecond

// app собранный софтфон со вспомогательными сервисами процесса
type app struct {
	cfg      Config
	logger   *slog.Logger
	registry *prometheus.Registry
	phone    *phone.Phone
}

func newApp(cfg Config, logger *slog.Logger) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	provider, err := cfg.CredentialsProvider(logger)
	if err != nil {
		return nil, err
	}

	gw, err := newGateway(cfg, logger)
	if err != nil {
		return nil, err
	}

	pcfg := cfg.PhoneConfig(logger)
	pcfg.Registerer = reg
	p, err := phone.New(pcfg, provider, wsua.NewFactory(cfg.UAConfig(logger)), gw)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		phone:    p,
	}, nil
}

func newGateway(cfg Config, logger *slog.Logger) (*media.Gateway, error) {
	device := &media.TrackDevice{}
	if cfg.Media.Source == sourceSilence {
		device.Source = media.Silence(silenceFrame)
	}
	mc := media.Config{
		Device: device,
		Logger: logger,
	}
	switch cfg.Media.Mode {
	case mediaRTP:
		mc.Negotiators = media.StaticNegotiators(cfg.Media.RTPAddr, cfg.Media.RTPPort)
	default:
		mc.Negotiators = media.PeerNegotiators(cfg.WebRTCConfig(), logger)
	}
	if path := cfg.Media.OutputFile; path != "" {
		mc.Output = func() (io.WriteCloser, error) {
			return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		}
	}
	return media.NewGateway(mc)
}

// start запускает фоновые сервисы в группе: /metrics и журнал уведомлений
func (a *app) start(ctx context.Context, g *errgroup.Group, out io.Writer) {
	if addr := a.cfg.Metrics.Listen; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("метрики доступны", slog.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		for {
			select {
			case n := <-a.phone.Notices():
				fmt.Fprintln(out, formatNotice(n))
			case <-ctx.Done():
				return nil
			}
		}
	})
}

func (a *app) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return mux
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.phone.Close(ctx); err != nil {
		a.logger.Warn("ошибка закрытия", slog.Any("error", err))
	}
}

func formatNotice(n phone.Notice) string {
	if n.Err != nil {
		return fmt.Sprintf("! %s: %v", n.Message, n.Err)
	}
	return "! " + n.Message
}
