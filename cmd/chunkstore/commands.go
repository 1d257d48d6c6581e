package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"chunkstore/internal/core"
	"chunkstore/internal/engine"
	"chunkstore/pkg/storage"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/atomic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

type command struct {
	name string
	args []string
	cfg  core.Config

	stdin  io.Reader
	stdout io.Writer

	byteRange string
	ifVersion int64
}

var commands = map[string]bool{
	"put": true, "create": true, "get": true, "stat": true,
	"rm": true, "ls": true, "gc": true, "serve": true,
}

func (c command) run(ctx context.Context) error {
	if !commands[c.name] {
		return fmt.Errorf("%w: unknown command %q", errUsage, c.name)
	}

	var reg *prometheus.Registry
	if c.name == "serve" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		c.cfg.Registerer = reg
	}

	e, err := core.Open(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	switch c.name {
	case "put":
		return c.put(ctx, e)
	case "create":
		return c.create(ctx, e)
	case "get":
		return c.get(ctx, e)
	case "stat":
		return c.stat(ctx, e)
	case "rm":
		return c.rm(ctx, e)
	case "ls":
		return c.ls(ctx, e)
	case "gc":
		return c.gc(ctx, e)
	default:
		return c.serve(ctx, e, reg)
	}
}

// arg returns the i-th positional argument, or "" when absent. More than
// limit arguments is a usage error.
func (c command) arg(i, limit int) (string, error) {
	if len(c.args) > limit {
		return "", fmt.Errorf("%w: %s takes at most %d arguments", errUsage, c.name, limit)
	}
	if i < len(c.args) {
		return c.args[i], nil
	}
	return "", nil
}

// input opens the named file, or stdin for "" and "-".
func (c command) input(name string) (io.ReadCloser, error) {
	if name == "" || name == "-" {
		return io.NopCloser(c.stdin), nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, nil
}

func (c command) printManifest(m storage.Manifest) {
	fmt.Fprintf(c.stdout, "%s version %d: %s in %d chunks\n", m.ObjectID, m.Version, humanize.IBytes(uint64(m.Size)), len(m.Chunks))
}

func (c command) put(ctx context.Context, e *engine.Engine) error {
	id, err := c.arg(0, 2)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: put requires an object id", errUsage)
	}
	file, _ := c.arg(1, 2)

	in, err := c.input(file)
	if err != nil {
		return err
	}
	defer in.Close()

	var opts []engine.PutOption
	if c.ifVersion >= 0 {
		opts = append(opts, engine.IfVersion(uint64(c.ifVersion)))
	}

	m, err := e.Put(ctx, id, in, opts...)
	if err != nil {
		return err
	}
	c.printManifest(m)
	return nil
}

func (c command) create(ctx context.Context, e *engine.Engine) error {
	file, err := c.arg(0, 1)
	if err != nil {
		return err
	}

	in, err := c.input(file)
	if err != nil {
		return err
	}
	defer in.Close()

	m, err := e.Create(ctx, in)
	if err != nil {
		return err
	}
	c.printManifest(m)
	return nil
}

// parseRange parses "start:end" into a half-open byte range.
func parseRange(s string) (start, end int64, err error) {
	from, to, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: range must be start:end, got %q", errUsage, s)
	}
	if start, err = strconv.ParseInt(from, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("%w: invalid range start: %w", errUsage, err)
	}
	if end, err = strconv.ParseInt(to, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("%w: invalid range end: %w", errUsage, err)
	}
	return start, end, nil
}

func (c command) get(ctx context.Context, e *engine.Engine) error {
	id, err := c.arg(0, 2)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: get requires an object id", errUsage)
	}
	file, _ := c.arg(1, 2)

	var rc io.ReadCloser
	if c.byteRange != "" {
		start, end, err := parseRange(c.byteRange)
		if err != nil {
			return err
		}
		rc, err = e.GetRange(ctx, id, start, end)
		if err != nil {
			return err
		}
	} else {
		rc, err = e.Get(ctx, id)
		if err != nil {
			return err
		}
	}
	defer rc.Close()

	if file == "" || file == "-" {
		_, err = io.Copy(c.stdout, rc)
		return err
	}

	// The destination only appears once the whole object has been read and
	// verified.
	if err := atomic.WriteFile(file, rc); err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}
	return nil
}

func (c command) stat(ctx context.Context, e *engine.Engine) error {
	id, err := c.arg(0, 1)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: stat requires an object id", errUsage)
	}

	m, err := e.Stat(ctx, id)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

func (c command) rm(ctx context.Context, e *engine.Engine) error {
	id, err := c.arg(0, 1)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: rm requires an object id", errUsage)
	}
	return e.Delete(ctx, id)
}

func (c command) ls(ctx context.Context, e *engine.Engine) error {
	prefix, err := c.arg(0, 1)
	if err != nil {
		return err
	}

	for id, err := range e.List(ctx, prefix) {
		if err != nil {
			return err
		}
		fmt.Fprintln(c.stdout, id)
	}
	return nil
}

func (c command) gc(ctx context.Context, e *engine.Engine) error {
	if _, err := c.arg(0, 0); err != nil {
		return err
	}

	stats, err := e.CollectGarbage(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "deleted %d of %d chunks, %d referenced by %d objects\n",
		stats.Deleted, stats.Scanned, stats.Referenced, stats.Manifests)
	return nil
}

func (c command) serve(ctx context.Context, e *engine.Engine, reg *prometheus.Registry) error {
	if _, err := c.arg(0, 0); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              c.cfg.MetricsAddr,
		Handler:           core.AdminHandler(e, reg, c.cfg.AdminAuth()),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       20 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		return e.RunGC(ctx, c.cfg.GCInterval)
	})

	eg.Go(func() error {
		slog.Info("Starting admin HTTP server", "addr", c.cfg.MetricsAddr)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("chunkstore serving", "data_dir", c.cfg.DataDir, "gc_interval", c.cfg.GCInterval)
	return eg.Wait()
}
