package document

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"

	"fileconv/convert"
)

// bundle packs the page images into one downloadable file: a zip when the
// zip tool exists, a tar written in-process otherwise.
func (c *Converter) bundle(ctx context.Context, req convert.Request, files []string) (string, error) {
	if cancelled(ctx, req.Handle) {
		return "", convert.ErrCancelled
	}
	if bin := c.tools.Path("zip"); bin != "" {
		out := req.OutputPath("zip")
		args := append([]string{"-j", "-q", out}, files...)
		err := run(req.Handle, bin, args...)
		if err == nil && nonEmpty(out) {
			return out, nil
		}
		_ = os.Remove(out)
		if cancelled(ctx, req.Handle) {
			return "", convert.ErrCancelled
		}
		c.logger.Warn("zip failed, falling back to tar", "job_id", req.JobID, "error", err)
	}

	out := req.OutputPath("tar")
	if err := writeTar(out, files); err != nil {
		_ = os.Remove(out)
		return "", convert.Failf(err, "could not bundle pages")
	}
	return out, nil
}

func writeTar(dst string, files []string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(f)
	for _, path := range files {
		if err := addToTar(tw, path); err != nil {
			f.Close()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func addToTar(tw *tar.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, in)
	return err
}

// CopyFile streams src to dst with mode 0o644.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
