package document

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"os"
	"sync"

	"fileconv/convert"
	"fileconv/imgconv"

	"github.com/disintegration/imaging"
)

const (
	placeholderWidth  = 850
	placeholderHeight = 1100
)

// placeholder writes a blank page image so the job still yields an artifact.
// It prefers ImageMagick, then ffmpeg, then the built-in 1x1 image.
func (c *Converter) placeholder(ctx context.Context, h *convert.Handle, p page) (string, error) {
	size := fmt.Sprintf("%dx%d", placeholderWidth, placeholderHeight)

	if bin := (imageMagick{}).Command(c.tools); bin != "" {
		err := run(h, bin, "-size", size, "xc:white", "-gravity", "center",
			"-pointsize", "36", "-annotate", "0", fmt.Sprintf("Page %d", p.Number), p.Output)
		if err == nil && nonEmpty(p.Output) {
			return "placeholder:imagemagick", nil
		}
		c.logger.Warn("placeholder via imagemagick failed", "page", p.Number, "error", err)
	}
	if cancelled(ctx, h) {
		return "", convert.ErrCancelled
	}

	if bin := c.tools.Path("ffmpeg"); bin != "" {
		err := run(h, bin, "-hide_banner", "-nostdin", "-y", "-f", "lavfi",
			"-i", "color=c=white:s="+size, "-frames:v", "1", p.Output)
		if err == nil && nonEmpty(p.Output) {
			return "placeholder:ffmpeg", nil
		}
		c.logger.Warn("placeholder via ffmpeg failed", "page", p.Number, "error", err)
	}
	if cancelled(ctx, h) {
		return "", convert.ErrCancelled
	}

	data, err := StaticImage(p.Format)
	if err != nil {
		return "", convert.Failf(err, "no placeholder available for %s", p.Format)
	}
	if err := os.WriteFile(p.Output, data, 0o644); err != nil {
		return "", convert.Failf(err, "could not write placeholder")
	}
	return "placeholder:static", nil
}

var (
	staticMu     sync.Mutex
	staticImages = map[string][]byte{}
)

// StaticImage returns a 1x1 white image encoded in format. The bytes are
// computed once per format and reused.
func StaticImage(format string) ([]byte, error) {
	staticMu.Lock()
	defer staticMu.Unlock()
	if data, ok := staticImages[format]; ok {
		return data, nil
	}
	var buf bytes.Buffer
	if err := imgconv.Encode(&buf, imaging.New(1, 1, color.White), format, 0); err != nil {
		return nil, err
	}
	staticImages[format] = buf.Bytes()
	return buf.Bytes(), nil
}
