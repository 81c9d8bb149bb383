// Package imgconv is the image adapter. Decoding, resizing and encoding run
// in-process through imaging and webp rather than an external tool.
package imgconv

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"

	"fileconv/convert"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// DefaultQuality is used when the request leaves quality unset.
const DefaultQuality = 85

// Converter is the image adapter.
type Converter struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{logger: logger.With("component", "imgconv")}
}

// Convert decodes the input, applies the resize options and encodes into the
// requested format. Progress is coarse: the library calls do not report it.
func (c *Converter) Convert(ctx context.Context, req convert.Request) (string, error) {
	req.Report(10)
	img, err := imaging.Open(req.InputPath, imaging.AutoOrientation(true))
	if err != nil {
		return "", convert.Failf(err, "could not decode image")
	}
	if err := ctx.Err(); err != nil {
		return "", convert.ErrCancelled
	}

	req.Report(40)
	if req.Options.Width > 0 || req.Options.Height > 0 {
		img = imaging.Resize(img, req.Options.Width, req.Options.Height, imaging.Lanczos)
	}
	if err := ctx.Err(); err != nil {
		return "", convert.ErrCancelled
	}

	req.Report(70)
	outputPath := req.OutputPath(req.OutputFormat)
	if err := Save(img, outputPath, req.OutputFormat, req.Options.Quality); err != nil {
		_ = os.Remove(outputPath)
		return "", convert.Failf(err, "could not encode %s", req.OutputFormat)
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(outputPath)
		return "", convert.ErrCancelled
	}

	c.logger.Debug("image converted", "job_id", req.JobID, "format", req.OutputFormat,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	req.Report(100)
	return outputPath, nil
}

// Save writes img to path in the given format.
func Save(img image.Image, path, format string, quality int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, img, format, quality); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Encode writes img to w in the given format.
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	if quality <= 0 {
		quality = DefaultQuality
	}
	quality = convert.Clamp(quality)

	if format == "webp" {
		return webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
	}
	f, err := imaging.FormatFromExtension(format)
	if err != nil {
		return fmt.Errorf("unsupported image format %q: %w", format, err)
	}
	return imaging.Encode(w, img, f, imaging.JPEGQuality(quality))
}
