package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"fileconv/config"
	"fileconv/convert"
	"fileconv/logging"
)

const stderrTailLines = 20

// Runner is the video adapter. It drives one ffmpeg process per conversion.
type Runner struct {
	cfg    *config.Config
	logger *slog.Logger
}

func NewRunner(cfg *config.Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		logger: logger.With("component", "ffmpeg"),
	}
}

// Convert transcodes req.InputPath into req.OutputFormat, reporting progress
// parsed from ffmpeg's status output.
func (r *Runner) Convert(ctx context.Context, req convert.Request) (string, error) {
	if _, err := exec.LookPath(r.cfg.FFBin); err != nil {
		return "", convert.Failf(err, "ffmpeg binary not found or not in PATH: %s", r.cfg.FFBin)
	}

	if r.cfg.ThrottleEnabled() {
		if err := checkResources(r.cfg, req.OutputDir, r.logger); err != nil {
			return "", convert.Failf(err, "insufficient system resources")
		}
	}

	extra, err := ParseExtraArgs(req.Options.ExtraArgs)
	if err != nil {
		return "", convert.Failf(err, "invalid extra arguments")
	}

	outputPath := req.OutputPath(req.OutputFormat)
	args := BuildArgs(req.InputPath, outputPath, req.OutputFormat, req.Options, extra)

	if req.Handle.Aborted() {
		return "", convert.ErrCancelled
	}

	// exec only copies stderr into pw after the process has started.
	pr, pw := io.Pipe()
	cmd := req.Handle.Command(r.cfg.FFBin, args...)
	cmd.Stderr = pw

	log := r.logger.With("job_id", req.JobID)
	log.Info("executing", "cmd", r.cfg.FFBin+" "+strings.Join(args, " "))

	if err := req.Handle.Start(cmd); err != nil {
		pw.Close()
		if cerr := convert.Interpret(ctx, req.Handle, err); cerr == convert.ErrCancelled {
			return "", cerr
		}
		return "", convert.Failf(err, "could not start ffmpeg")
	}

	tracker := newProgressTracker()
	diag := &tail{n: stderrTailLines}
	sampler := logging.NewProgressSampler(25)

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		scanner.Split(scanLines)
		for scanner.Scan() {
			line := scanner.Text()
			if percent, ok := tracker.Feed(line); ok {
				req.Report(percent)
				if sampler.ShouldLog(percent) {
					log.Debug("progress", "percent", percent)
				}
				continue
			}
			diag.Add(line)
		}
		// Keep draining so the copier never blocks on an oversized line.
		io.Copy(io.Discard, pr)
	}()

	waitErr := req.Handle.Wait(cmd)
	pw.Close()
	<-scanDone

	if waitErr != nil {
		removeOutput(outputPath, log)
		if convert.Interpret(ctx, req.Handle, waitErr) == convert.ErrCancelled {
			log.Info("ffmpeg killed")
			return "", convert.ErrCancelled
		}
		log.Error("ffmpeg failed", "error", waitErr, "stderr", diag.String())
		return "", &convert.ConversionError{
			Message: "ffmpeg execution failed",
			Detail:  diag.String(),
			Err:     waitErr,
		}
	}

	req.Report(100)
	return outputPath, nil
}

func removeOutput(path string, log *slog.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("could not remove partial output", "path", path, "error", err)
	}
}

// BuildArgs assembles the ffmpeg argument list for a conversion.
func BuildArgs(input, output, outputFormat string, opts convert.Options, extra []string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", input}

	var filters []string
	if opts.Width > 0 || opts.Height > 0 {
		filters = append(filters, fmt.Sprintf("scale=%s:%s", scaleDim(opts.Width), scaleDim(opts.Height)))
	}

	switch outputFormat {
	case "mp4", "mov", "mkv":
		args = append(args, "-c:v", "libx264", "-preset", "medium", "-c:a", "aac")
		if opts.Quality > 0 {
			args = append(args, "-crf", strconv.Itoa(qualityToCRF(opts.Quality)))
		}
		if outputFormat == "mp4" {
			args = append(args, "-movflags", "+faststart")
		}
	case "webm":
		args = append(args, "-c:v", "libvpx-vp9", "-b:v", "0", "-crf", "32", "-c:a", "libopus")
	case "avi":
		args = append(args, "-c:v", "mpeg4", "-q:v", "5", "-c:a", "libmp3lame")
	case "gif":
		if len(filters) == 0 {
			filters = append(filters, "scale=480:-1:flags=lanczos")
		}
		if opts.FPS == 0 {
			filters = append([]string{"fps=10"}, filters...)
		}
		args = append(args, "-loop", "0")
	case "mp3":
		args = append(args, "-vn", "-c:a", "libmp3lame", "-q:a", "2")
		filters = nil
	case "wav":
		args = append(args, "-vn", "-c:a", "pcm_s16le")
		filters = nil
	}

	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}
	if opts.FPS > 0 && outputFormat != "mp3" && outputFormat != "wav" {
		args = append(args, "-r", strconv.Itoa(opts.FPS))
	}
	if opts.VideoBitrate != "" && outputFormat != "mp3" && outputFormat != "wav" {
		args = append(args, "-b:v", opts.VideoBitrate)
	}
	if opts.AudioBitrate != "" && outputFormat != "gif" {
		args = append(args, "-b:a", opts.AudioBitrate)
	}
	args = append(args, extra...)
	return append(args, output)
}

func scaleDim(v int) string {
	if v <= 0 {
		return "-2"
	}
	return strconv.Itoa(v)
}

// qualityToCRF maps 1-100 (best) onto x264's CRF range 51-18.
func qualityToCRF(q int) int {
	q = convert.Clamp(q)
	return 18 + (100-q)*33/100
}
