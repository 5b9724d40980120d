package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"Lazythumb/internal/core/lazyload"
)

type warmOptions struct {
	file        string
	strategy    string
	aspect      string
	width       int
	concurrency int
	preserve    bool
}

// warmStats counts outcomes of a warm run.
type warmStats struct {
	images       atomic.Int64
	placeholders atomic.Int64
	failed       atomic.Int64
}

func newWarmCommand(configFile *string) *cobra.Command {
	opts := &warmOptions{}
	cmd := &cobra.Command{
		Use:   "warm [source...]",
		Short: "Pre-populate the cache for a list of sources",
		Long: "Transforms each source with the given strategy, aspect and width so later\n" +
			"requests are cache hits. Sources come from arguments and, with --file,\n" +
			"one per line from a file (\"-\" for stdin).",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadViper(*configFile)
			if err != nil {
				return err
			}
			srvCfg := serverConfigFromViper(v)
			setupLogger(srvCfg.LogLevel, srvCfg.LogFormat)

			cfg, err := lazyload.ConfigFromViper(v)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			sources := append([]string(nil), args...)
			if opts.file != "" {
				fromFile, err := readSourceList(opts.file, cmd.InOrStdin())
				if err != nil {
					return err
				}
				sources = append(sources, fromFile...)
			}
			if len(sources) == 0 {
				return fmt.Errorf("no sources given")
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			stats, err := runWarm(cmd.Context(), a.svc, cfg.RequestParser(), sources, opts)
			fmt.Fprintf(cmd.OutOrStdout(), "warmed %d images, %d placeholders, %d failed\n",
				stats.images.Load(), stats.placeholders.Load(), stats.failed.Load())
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "read sources from a file, one per line")
	cmd.Flags().StringVar(&opts.strategy, "strategy", string(lazyload.StrategyResize), "transformation strategy")
	cmd.Flags().StringVar(&opts.aspect, "aspect", "", "aspect name or W:H (default: transform.default_aspect)")
	cmd.Flags().IntVar(&opts.width, "width", 0, "target width in pixels")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "c", 4, "parallel transformations")
	cmd.Flags().BoolVar(&opts.preserve, "preserve", false, "cache the original bytes instead of a transformation")
	return cmd
}

// transformer is the part of the service warm needs.
type transformer interface {
	Transform(ctx context.Context, req lazyload.TransformRequest) (*lazyload.Result, error)
}

func runWarm(ctx context.Context, svc transformer, parser lazyload.RequestParser, sources []string, opts *warmOptions) (*warmStats, error) {
	stats := &warmStats{}

	q := url.Values{}
	q.Set("strategy", opts.strategy)
	if opts.aspect != "" {
		q.Set("aspect", opts.aspect)
	}
	if opts.width > 0 {
		q.Set("width", strconv.Itoa(opts.width))
	}
	if opts.preserve {
		q.Set("preserve", "true")
	}

	reqs := make([]lazyload.TransformRequest, 0, len(sources))
	for _, src := range sources {
		q.Set("image", src)
		req, err := parser.Parse(q)
		if err != nil {
			return stats, fmt.Errorf("source %q: %w", src, err)
		}
		reqs = append(reqs, req)
	}

	g, gctx := errgroup.WithContext(ctx)
	if opts.concurrency > 0 {
		g.SetLimit(opts.concurrency)
	}
	for _, req := range reqs {
		g.Go(func() error {
			res, err := svc.Transform(gctx, req)
			if err != nil {
				stats.failed.Add(1)
				slog.Error("[LAZYLOAD] warm failed", "source", req.Source, "error", err)
				// Internal failures are per-source; keep warming the rest.
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			if res.IsPlaceholder() {
				stats.placeholders.Add(1)
				slog.Warn("[LAZYLOAD] warm served placeholder",
					"source", req.Source,
					"reason", res.ReasonLabel(),
				)
				return nil
			}
			stats.images.Add(1)
			return nil
		})
	}
	return stats, g.Wait()
}

func readSourceList(path string, stdin io.Reader) ([]string, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open source list: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var sources []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sources = append(sources, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read source list: %w", err)
	}
	return sources, nil
}
