// Package document is the document adapter. It renders PDF pages to images
// through whichever external tools are installed and degrades to a
// placeholder image instead of failing when none of them work.
package document

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"fileconv/convert"

	"golang.org/x/sync/errgroup"
)

// Tools resolves external commands. It returns "" for missing tools.
type Tools interface {
	Path(command string) string
	FirstAvailable(commands ...string) string
}

// Options tunes the document adapter.
type Options struct {
	// Density is the rasterization resolution in DPI.
	Density int
	// Concurrency caps parallel page rendering; 0 means NumCPU.
	Concurrency int
}

// Converter is the document adapter.
type Converter struct {
	tools      Tools
	strategies []Strategy
	opts       Options
	logger     *slog.Logger
}

func New(tools Tools, opts Options, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Density <= 0 {
		opts.Density = 150
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	return &Converter{
		tools:      tools,
		strategies: DefaultStrategies(),
		opts:       opts,
		logger:     logger.With("component", "document"),
	}
}

// Convert implements convert.Converter.
func (c *Converter) Convert(ctx context.Context, req convert.Request) (string, error) {
	if req.InputFormat == req.OutputFormat {
		out := req.OutputPath(req.OutputFormat)
		req.Report(10)
		if err := CopyFile(req.InputPath, out); err != nil {
			return "", convert.Failf(err, "could not copy document")
		}
		req.Report(100)
		return out, nil
	}
	if req.InputFormat != "pdf" {
		return "", &convert.ConversionError{Message: fmt.Sprintf("unsupported document conversion %s -> %s", req.InputFormat, req.OutputFormat)}
	}

	pages := c.countPages(req)
	log := c.logger.With("job_id", req.JobID)
	log.Info("rendering document", "pages", pages, "format", req.OutputFormat)
	req.Report(5)

	if pages <= 1 {
		out := req.OutputPath(req.OutputFormat)
		used, err := c.renderPage(ctx, req.Handle, page{
			Input: req.InputPath, Number: 1, Format: req.OutputFormat,
			Output: out, Density: c.opts.Density, WorkDir: req.OutputDir,
		})
		if err != nil {
			return "", err
		}
		log.Info("page rendered", "page", 1, "via", used)
		req.Report(100)
		return out, nil
	}
	return c.convertPages(ctx, req, pages, log)
}

func (c *Converter) convertPages(ctx context.Context, req convert.Request, pages int, log *slog.Logger) (string, error) {
	workDir, err := os.MkdirTemp(req.OutputDir, req.JobID+"-pages-")
	if err != nil {
		return "", convert.Failf(err, "could not create page directory")
	}
	defer os.RemoveAll(workDir)

	files := make([]string, pages)
	var done atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i := 0; i < pages; i++ {
		n := i + 1
		files[i] = filepath.Join(workDir, fmt.Sprintf("page-%03d.%s", n, req.OutputFormat))
		g.Go(func() error {
			used, err := c.renderPage(gctx, req.Handle, page{
				Input: req.InputPath, Number: n, Format: req.OutputFormat,
				Output: files[n-1], Density: c.opts.Density, WorkDir: workDir,
			})
			if err != nil {
				return err
			}
			log.Debug("page rendered", "page", n, "via", used)
			req.Report(5 + int(done.Add(1))*85/pages)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	out, err := c.bundle(ctx, req, files)
	if err != nil {
		return "", err
	}
	req.Report(100)
	return out, nil
}
