package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/channels"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/channels/imessage"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/config"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/dispatch"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/metrics"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/tracing"
	"github.com/nextlevelbuilder/goclaw-imessage/pkg/protocol"
)

const shutdownTimeout = 15 * time.Second

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	pipeline, err := dispatch.New(cfg.Dispatch)
	if err != nil {
		slog.Error("failed to create dispatch pipeline", "error", err)
		os.Exit(1)
	}

	rt := &gatewayState{cfg: cfg, pipeline: pipeline, mgr: channels.NewManager()}
	for name, ch := range rt.plugin().Channels() {
		rt.mgr.RegisterChannel(name, ch)
	}

	if err := rt.mgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	slog.Info("goclaw-imessage starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"dispatch", cfg.Dispatch.Mode,
		"channels", rt.mgr.GetEnabledChannels(),
		"state_dir", cfg.StateDir(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w := config.NewWatcher(cfgPath, cfg, func(next *config.Config) {
			rt.reload(gctx, next)
		})
		if err := w.Run(gctx); err != nil {
			slog.Warn("config hot reload unavailable", "error", err)
		}
		return nil
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Listen, rt.mgr) })
	}

	<-gctx.Done()
	slog.Info("graceful shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = rt.mgr.StopAll(shutdownCtx)
	rt.closePipeline()

	if err := g.Wait(); err != nil {
		slog.Error("background service failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracing shutdown", "error", err)
	}
}

// gatewayState holds what a config reload swaps out.
type gatewayState struct {
	cfg *config.Config
	mgr *channels.Manager

	mu       sync.Mutex
	pipeline dispatch.Pipeline
}

func (rt *gatewayState) plugin() *imessage.Plugin {
	return imessage.NewPlugin(rt.cfg, rt.pipeline, imessage.PluginOptions{})
}

// reload applies a changed config: a fresh pipeline and fresh channels
// replace the running ones. A config whose pipeline cannot be built is
// rejected and the current setup keeps running.
func (rt *gatewayState) reload(ctx context.Context, next *config.Config) {
	pipeline, err := dispatch.New(next.Dispatch)
	if err != nil {
		slog.Error("config reload rejected", "error", err)
		return
	}

	rt.mu.Lock()
	old := rt.pipeline
	rt.pipeline = pipeline
	rt.cfg.ReplaceFrom(next)
	plugin := rt.plugin()
	rt.mu.Unlock()

	rt.mgr.Reload(ctx, plugin.Channels())
	closePipeline(old)
	slog.Info("config reloaded", "channels", rt.mgr.GetEnabledChannels())
}

func (rt *gatewayState) closePipeline() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	closePipeline(rt.pipeline)
}

func closePipeline(p dispatch.Pipeline) {
	if c, ok := p.(io.Closer); ok {
		_ = c.Close()
	}
}

// serveMetrics exposes Prometheus metrics and a health endpoint until ctx ends.
func serveMetrics(ctx context.Context, addr string, mgr *channels.Manager) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "ok",
			"version":  Version,
			"channels": mgr.GetStatus(),
		})
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
