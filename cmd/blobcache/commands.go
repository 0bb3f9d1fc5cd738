package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/netutil"

	"github.com/wolfeidau/blob-cache/store"
	"github.com/wolfeidau/blob-cache/telemetry"
)

// StatusCmd prints folder and payload status.
type StatusCmd struct{}

// Run prints one row per storage folder followed by held payloads.
func (StatusCmd) Run(g *Globals) error {
	ctx := context.Background()
	c, err := openCache(ctx, g)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FOLDER\tMAXIMUM\tCURRENT\tREFERENCED\tUNREFERENCED\tZOMBIE")
	for _, s := range c.engine.GetStorageFolderStatus() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Path,
			humanize.IBytes(uint64(s.MaximumSize)),
			humanize.IBytes(uint64(s.CurrentSize)),
			humanize.IBytes(uint64(s.ReferencedSize())),
			humanize.IBytes(uint64(s.UnreferencedSize)),
			humanize.IBytes(uint64(s.ZombieSize)),
		)
	}
	if held := c.payloads.Held(); len(held) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "PAYLOAD\tHOLDS")
		for _, h := range held {
			fmt.Fprintf(w, "%s\t%d\n", h.ID, h.Holds)
		}
	}
	_ = w.Flush()

	return c.Close(ctx)
}

// ReconcileCmd opens every folder, which purges stray files and re-adopts
// zombies, then persists the result.
type ReconcileCmd struct{}

// Run reconciles and persists.
func (ReconcileCmd) Run(g *Globals) error {
	ctx := context.Background()
	c, err := openCache(ctx, g)
	if err != nil {
		return err
	}
	persistErr := c.engine.PersistStorageFolderStates(ctx)
	for _, s := range c.engine.GetStorageFolderStatus() {
		g.logger.Info("reconciled storage folder",
			"folder", s.Path,
			"current", humanize.IBytes(uint64(s.CurrentSize)),
			"zombie", humanize.IBytes(uint64(s.ZombieSize)),
		)
	}
	return errors.Join(persistErr, c.Close(ctx))
}

// FetchCmd acquires a payload and copies its files into a directory.
type FetchCmd struct {
	Payload string `arg:"" help:"Payload id."`
	Dir     string `arg:"" help:"Destination directory." type:"path"`
}

// Run acquires and materializes the payload. The hold is released again if
// materializing fails.
func (f *FetchCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := openCache(ctx, g)
	if err != nil {
		return err
	}
	closeCtx := context.WithoutCancel(ctx)

	m, err := c.payloads.Acquire(ctx, f.Payload)
	if err != nil {
		return errors.Join(err, c.Close(closeCtx))
	}
	start := time.Now()
	if err := c.payloads.Materialize(ctx, f.Payload, f.Dir); err != nil {
		releaseErr := c.payloads.Release(closeCtx, f.Payload)
		return errors.Join(err, releaseErr, c.Close(closeCtx))
	}
	g.logger.Info("materialized payload",
		"payload", f.Payload,
		"dir", f.Dir,
		"files", len(m.Entries),
		"duration", time.Since(start),
	)
	return c.Close(closeCtx)
}

// ReleaseCmd drops one hold on a payload.
type ReleaseCmd struct {
	Payload string `arg:"" help:"Payload id."`
}

// Run releases the payload.
func (r *ReleaseCmd) Run(g *Globals) error {
	ctx := context.Background()
	c, err := openCache(ctx, g)
	if err != nil {
		return err
	}
	return errors.Join(c.payloads.Release(ctx, r.Payload), c.Close(ctx))
}

// ServeCmd keeps the cache open until interrupted.
type ServeCmd struct {
	MetricsAddress     string        `help:"Address for the Prometheus /metrics endpoint. Empty disables it." default:":9090" env:"BLOBCACHE_METRICS_ADDRESS"`
	MaxConnections     int           `help:"Maximum concurrent metrics connections." default:"16"`
	OTLPEndpoint       string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	CheckpointInterval time.Duration `help:"How often to persist storage folder state." default:"1m"`
}

// Run serves until SIGINT or SIGTERM, then persists and exits.
func (s *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "blob-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     s.OTLPEndpoint,
		EnablePrometheus: s.MetricsAddress != "",
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}

	c, err := openCache(ctx, g)
	if err != nil {
		return err
	}

	cp := store.NewCheckpointer(c.engine, store.CheckpointConfig{
		Interval: s.CheckpointInterval,
		Logger:   g.logger,
	})
	cp.Start(ctx)

	errCh := make(chan error, 1)
	var srv *http.Server
	if s.MetricsAddress != "" {
		ln, err := net.Listen("tcp", s.MetricsAddress)
		if err != nil {
			cp.Stop()
			return errors.Join(fmt.Errorf("listening on %s: %w", s.MetricsAddress, err), c.Close(context.WithoutCancel(ctx)))
		}
		maxConns := s.MaxConnections
		if maxConns <= 0 {
			maxConns = 16
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.Serve(netutil.LimitListener(ln, maxConns)); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		g.logger.Info("metrics listening", "address", ln.Addr().String())
	}

	for _, st := range c.engine.GetStorageFolderStatus() {
		g.logger.Info("storage folder ready",
			"folder", st.Path,
			"maximum", humanize.IBytes(uint64(st.MaximumSize)),
			"current", humanize.IBytes(uint64(st.CurrentSize)),
		)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("received signal, shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cp.Stop()
	var errs []error
	errs = append(errs, serveErr)
	if srv != nil {
		errs = append(errs, srv.Shutdown(shutdownCtx))
	}
	errs = append(errs, c.Close(shutdownCtx), shutdownMetrics(shutdownCtx))
	return errors.Join(errs...)
}
