package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"fileconv/convert"
	"fileconv/imgconv"

	"github.com/disintegration/imaging"
)

// page is one unit of rasterization work.
type page struct {
	Input   string
	Number  int
	Format  string
	Output  string
	Density int
	WorkDir string
}

// Strategy renders a single PDF page with one external tool.
type Strategy interface {
	Name() string
	// Command returns the tool to look up, or "" if the strategy needs none.
	Command(tools Tools) string
	Render(ctx context.Context, h *convert.Handle, bin string, p page) error
}

// DefaultStrategies is the preference order: poppler rasterizer, then
// ImageMagick, then raw image extraction.
func DefaultStrategies() []Strategy {
	return []Strategy{pdftoppm{}, imageMagick{}, pdfimages{}}
}

var errNoOutput = errors.New("tool produced no output")

// renderPage tries each strategy in order and falls back to a placeholder. It
// returns the name of whatever produced the page.
func (c *Converter) renderPage(ctx context.Context, h *convert.Handle, p page) (string, error) {
	for _, s := range c.strategies {
		if cancelled(ctx, h) {
			return "", convert.ErrCancelled
		}
		bin := s.Command(c.tools)
		if bin == "" {
			continue
		}
		err := s.Render(ctx, h, bin, p)
		if err == nil && !nonEmpty(p.Output) {
			err = errNoOutput
		}
		if err == nil {
			return s.Name(), nil
		}
		if cancelled(ctx, h) {
			return "", convert.ErrCancelled
		}
		c.logger.Warn("page strategy failed", "strategy", s.Name(), "page", p.Number, "error", err)
	}
	if cancelled(ctx, h) {
		return "", convert.ErrCancelled
	}
	return c.placeholder(ctx, h, p)
}

func cancelled(ctx context.Context, h *convert.Handle) bool {
	return h.Aborted() || ctx.Err() != nil
}

func nonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

func run(h *convert.Handle, bin string, args ...string) error {
	out, err := h.CombinedOutput(h.Command(bin, args...))
	if err != nil {
		return fmt.Errorf("%s: %w: %s", filepath.Base(bin), err, strings.TrimSpace(string(out)))
	}
	return nil
}

type pdftoppm struct{}

func (pdftoppm) Name() string { return "pdftoppm" }

func (pdftoppm) Command(tools Tools) string { return tools.Path("pdftoppm") }

func (pdftoppm) Render(_ context.Context, h *convert.Handle, bin string, p page) error {
	n := strconv.Itoa(p.Number)
	mode := "-png"
	if p.Format == "jpg" {
		mode = "-jpeg"
	}
	// pdftoppm appends the extension to the prefix itself.
	prefix := strings.TrimSuffix(p.Output, filepath.Ext(p.Output))
	return run(h, bin, "-f", n, "-l", n, "-singlefile", "-r", strconv.Itoa(p.Density), mode, p.Input, prefix)
}

type imageMagick struct{}

func (imageMagick) Name() string { return "imagemagick" }

// Command prefers the ImageMagick 7 entry point over the legacy one.
func (imageMagick) Command(tools Tools) string {
	if name := tools.FirstAvailable("magick", "convert"); name != "" {
		return tools.Path(name)
	}
	return ""
}

func (imageMagick) Render(_ context.Context, h *convert.Handle, bin string, p page) error {
	src := fmt.Sprintf("%s[%d]", p.Input, p.Number-1)
	return run(h, bin, "-density", strconv.Itoa(p.Density), src,
		"-background", "white", "-alpha", "remove", "-quality", "90", p.Output)
}

// pdfimages pulls the embedded images out of a page. It is the last resort:
// scanned documents come out right, vector pages do not.
type pdfimages struct{}

func (pdfimages) Name() string { return "pdfimages" }

func (pdfimages) Command(tools Tools) string { return tools.Path("pdfimages") }

func (pdfimages) Render(_ context.Context, h *convert.Handle, bin string, p page) error {
	n := strconv.Itoa(p.Number)
	prefix := filepath.Join(p.WorkDir, fmt.Sprintf("extract-%03d", p.Number))
	if err := run(h, bin, "-f", n, "-l", n, "-png", p.Input, prefix); err != nil {
		return err
	}
	matches, _ := filepath.Glob(prefix + "-*")
	if len(matches) == 0 {
		return errNoOutput
	}
	sort.Strings(matches)
	defer func() {
		for _, m := range matches {
			_ = os.Remove(m)
		}
	}()
	img, err := imaging.Open(matches[0])
	if err != nil {
		return fmt.Errorf("decode extracted image: %w", err)
	}
	return imgconv.Save(img, p.Output, p.Format, 0)
}
