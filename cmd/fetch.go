package cmd

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/forumcrawl/internal/observability"
	"github.com/xkilldash9x/forumcrawl/internal/session"
)

func newFetchCmd() *cobra.Command {
	var (
		outDir      string
		concurrency int
	)
	fetchCmd := &cobra.Command{
		Use:   "fetch URL...",
		Short: "Fetch pages through the logged-in browser session",
		Long: `Fetch pages through the logged-in browser session.

Relative URLs are resolved against site.base_url. Pages are written to --out
as one HTML file each, or to stdout when --out is not set. A challenge that
never clears or a forbidden response that survives a credential refresh
aborts the run; other failures are reported at the end.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if concurrency < 1 {
				return fmt.Errorf("--concurrency must be at least 1")
			}
			targets, err := resolveTargets(cfg.Site().BaseURL, args)
			if err != nil {
				return err
			}

			sink, err := newPageSink(outDir, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			logger, _ := observability.WithRun(observability.GetLogger())
			orch, cleanup, err := buildSession(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			err = session.Run(ctx, orch, func(ctx context.Context, o *session.Orchestrator) error {
				if _, err := o.EnsureLoggedIn(ctx, cfg.Site().ForceLogin); err != nil {
					return err
				}
				return fetchAll(ctx, o, targets, concurrency, sink, logger)
			})
			return explain(err)
		},
	}

	fetchCmd.Flags().StringVarP(&outDir, "out", "o", "", "Directory to write fetched pages to.")
	fetchCmd.Flags().IntVarP(&concurrency, "concurrency", "j", 1, "Number of URLs queued at once. The browser still loads one page at a time.")
	return fetchCmd
}

// fetchAll fetches every target. Blocking errors stop the whole run; any
// other failure is logged and counted.
func fetchAll(ctx context.Context, o *session.Orchestrator, targets []string, concurrency int, sink *pageSink, logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var failed atomic.Int32
	for _, target := range targets {
		target := target
		g.Go(func() error {
			res, err := o.Fetch(gctx, target)
			if err != nil {
				if session.Blocked(err) {
					return err
				}
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				logger.Warn("Fetch failed.", zap.String("url", target), zap.Error(err))
				failed.Add(1)
				return nil
			}
			logger.Info("Fetched page.", zap.String("url", res.URL), zap.Int("status", res.Status), zap.Int("bytes", len(res.Content)))
			return sink.write(target, res.Content)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d fetches failed", n, len(targets))
	}
	return nil
}

func resolveTargets(baseURL string, args []string) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Path == "" {
		base.Path = "/"
	}
	out := make([]string, 0, len(args))
	for _, a := range args {
		ref, err := url.Parse(strings.TrimSpace(a))
		if err != nil {
			return nil, fmt.Errorf("invalid url %q: %w", a, err)
		}
		out = append(out, base.ResolveReference(ref).String())
	}
	return out, nil
}

// pageSink writes pages to a directory, or to a single stream.
type pageSink struct {
	dir string

	mu sync.Mutex
	w  io.Writer
}

func newPageSink(dir string, w io.Writer) (*pageSink, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating output directory: %w", err)
		}
	}
	return &pageSink{dir: dir, w: w}, nil
}

func (s *pageSink) write(target, content string) error {
	if s.dir == "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := io.WriteString(s.w, content+"\n")
		return err
	}
	path := filepath.Join(s.dir, pageFileName(target))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// pageFileName derives a stable file name from the path and query of target.
func pageFileName(target string) string {
	name := target
	if u, err := url.Parse(target); err == nil {
		name = strings.TrimPrefix(u.Path, "/")
		if u.RawQuery != "" {
			name += "_" + u.RawQuery
		}
	}
	name = strings.Trim(unsafeFileChars.ReplaceAllString(name, "_"), "_")
	if name == "" {
		name = "index"
	}
	return name + ".html"
}
